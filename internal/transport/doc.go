// Package transport owns the outbound connection pool shared by the audio
// downloader, the token client and the scoring client.
package transport
