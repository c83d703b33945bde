// Package config loads and validates collector configuration.
//
// Configuration is YAML with ${VAR} environment expansion. Loading is a
// three-step pipeline: Load (parse), applyDefaults (fill optional fields),
// Validate (reject unusable configs before startup).
package config
