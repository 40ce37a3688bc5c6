// Package metrics defines the Prometheus metrics exported by the scorer bridge.
package metrics
