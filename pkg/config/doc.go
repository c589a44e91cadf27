// Package config loads and validates conductor configuration.
//
// # Overview
//
// A configuration file is YAML. It is decoded on top of Default, so a file
// only needs the keys it changes:
//
//	engine:
//	  workers: 16
//	locks:
//	  default_timeout: 10s
//	store:
//	  driver: postgres
//	  dsn: postgres://conductor@localhost/conductor
//	telemetry:
//	  logging:
//	    level: debug
//
// # Validation
//
// Loading runs two passes. The raw document is first unified with an
// embedded CUE schema (schema.cue), which rejects unknown keys, enum values
// and out-of-range numbers and reports every problem by path. The decoded
// Config is then checked with go-playground/validator struct tags, which
// covers cross-field rules such as a DSN being required for the postgres
// driver. Both passes return ValidationErrors.
//
// # Reloading
//
// Watcher follows the file with fsnotify. Each change is debounced, loaded
// and validated; a valid configuration replaces the current one, is handed
// to the reload callback and is announced as a config.reloaded event. An
// invalid edit is logged and ignored.
package config
