// Package signing normalizes scoring request metadata and signs it with the
// service credentials before it is forwarded to the scoring backend.
package signing
