// Package audio downloads speex voice assets from the WeChat media server and
// hands them out one network read at a time for framing.
package audio
