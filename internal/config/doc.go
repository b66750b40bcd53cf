// Package config loads and validates conveyor's TOML configuration.
//
// Configuration is read from ~/.config/conveyor/config.toml (or an explicit
// path), merged over repository defaults, then overridden by CONVEYOR_*
// environment variables for secrets and endpoints. All path fields are
// expanded and normalized before use.
package config
