// Package scoring drives streaming sessions against the scoring backend and
// selects which backend endpoint serves a request.
//
// A session connects over WebSocket, sends the framed request metadata, relays
// every downloaded audio chunk as it arrives, sends the end-of-stream marker
// and then reassembles the first length-prefixed response. A single deadline
// bounds the whole exchange.
package scoring
