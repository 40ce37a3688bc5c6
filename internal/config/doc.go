// Package config loads the scorer configuration from YAML, fills in defaults
// for every missing field and applies SCORER_* environment overrides.
package config
