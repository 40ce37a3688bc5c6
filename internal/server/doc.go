// Package server implements the HTTP boundary: POST /api/ratings plus the
// health, configuration, statistics and Prometheus endpoints.
//
// Pipeline errors map to status codes as follows: client input errors give
// 400, credential errors and everything else give 500. A failed voice
// download is not an error and is returned with 200.
package server
