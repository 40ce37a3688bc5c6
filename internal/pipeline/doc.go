// Package pipeline implements the rating request flow: validate, obtain an
// access token, sign the metadata, pick a scorer and stream the voice asset
// to it.
//
// A failed voice download is a soft failure. Handle returns
//
//	{"status": -100, "msg": "<media server response>", "flag": 1}
//
// as a normal body instead of an error.
package pipeline
