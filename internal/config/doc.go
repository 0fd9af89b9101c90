// Package config defines the application's typed configuration and its loader.
// Settings come from environment variables (HIVE_ prefix) layered over an
// optional YAML file, with explicit defaults and struct validation applied at
// load time so downstream code never probes for missing fields.
package config
