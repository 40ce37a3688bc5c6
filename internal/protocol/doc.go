// Package protocol implements the binary framing used on the scoring stream.
// It encodes the big-endian metadata header, the little-endian audio frames and
// the end-of-stream marker, and reassembles the length-prefixed response.
package protocol
