// Package config loads, normalizes, and validates reelsmith configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// OPENAI_API_KEY and REELSMITH_REMOTE_API_KEY. The Config type centralizes every
// knob the CLI, the generation engine and the pipeline need, and derives the
// workspace layout (chapters, inbox, spool, lock files) from two directories.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
