package protocol

import (
	"encoding/binary"
	"fmt"
)

// Protocol constants for the scorer's streaming convention
const (
	// LengthSize is the size of every length field on the wire
	LengthSize = 4

	// endOfStream is sent unframed after the last audio frame
	endOfStream = "EOS"
)

// EncodeHeader frames the signed request metadata.
// Layout: [Length:4 big-endian][Metadata:N]
func EncodeHeader(meta []byte) []byte {
	frame := make([]byte, LengthSize+len(meta))
	binary.BigEndian.PutUint32(frame[:LengthSize], uint32(len(meta)))
	copy(frame[LengthSize:], meta)
	return frame
}

// EncodeAudioFrame frames one chunk of speex audio.
// Layout: [Length:4 little-endian][Audio:N]
//
// Audio frames use little-endian lengths while the header and the response use
// big-endian. The scoring backend expects exactly this.
func EncodeAudioFrame(chunk []byte) []byte {
	frame := make([]byte, LengthSize+len(chunk))
	binary.LittleEndian.PutUint32(frame[:LengthSize], uint32(len(chunk)))
	copy(frame[LengthSize:], chunk)
	return frame
}

// EndMarker returns the end-of-stream literal
func EndMarker() []byte {
	return []byte(endOfStream)
}

// ShortResponseError is returned when the connection ends before a complete
// response has been received, or when the response declares an empty payload.
type ShortResponseError struct {
	Partial []byte // Everything buffered so far, length prefix included
}

func (e *ShortResponseError) Error() string {
	return fmt.Sprintf("response too short: %q", e.Partial)
}

// ResponseDecoder reassembles a big-endian length-prefixed response from
// arbitrarily split fragments. Bytes past the declared length are discarded.
type ResponseDecoder struct {
	buf      []byte
	size     uint32
	hasSize  bool
	complete bool
}

// NewResponseDecoder creates an empty response decoder
func NewResponseDecoder() *ResponseDecoder {
	return &ResponseDecoder{}
}

// Feed appends a received fragment. It returns the payload and true once the
// declared number of bytes has arrived; further calls keep returning it.
func (d *ResponseDecoder) Feed(fragment []byte) ([]byte, bool) {
	if d.complete {
		return d.payload(), true
	}

	d.buf = append(d.buf, fragment...)

	if !d.hasSize && len(d.buf) >= LengthSize {
		d.size = binary.BigEndian.Uint32(d.buf[:LengthSize])
		d.hasSize = true
	}

	if d.hasSize && uint64(len(d.buf)) >= uint64(LengthSize)+uint64(d.size) {
		d.complete = true
		return d.payload(), true
	}

	return nil, false
}

// Finish is called when no more fragments will arrive. It returns the payload
// if the response is complete and non-empty, otherwise a ShortResponseError.
func (d *ResponseDecoder) Finish() ([]byte, error) {
	if d.complete && d.size > 0 {
		return d.payload(), nil
	}
	partial := make([]byte, len(d.buf))
	copy(partial, d.buf)
	return nil, &ShortResponseError{Partial: partial}
}

// Buffered returns the number of bytes received so far
func (d *ResponseDecoder) Buffered() int {
	return len(d.buf)
}

// DeclaredSize returns the response length once the prefix has been read
func (d *ResponseDecoder) DeclaredSize() (uint32, bool) {
	return d.size, d.hasSize
}

func (d *ResponseDecoder) payload() []byte {
	out := make([]byte, d.size)
	copy(out, d.buf[LengthSize:LengthSize+int(d.size)])
	return out
}

// DecodeResponse reassembles a response from a sequence of fragments. It is a
// convenience over ResponseDecoder for callers that hold all fragments.
func DecodeResponse(fragments ...[]byte) ([]byte, error) {
	d := NewResponseDecoder()
	for _, f := range fragments {
		if _, done := d.Feed(f); done {
			break
		}
	}
	return d.Finish()
}
