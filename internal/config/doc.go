// Package config loads the service configuration from an optional JSON file,
// overlays environment variables (optionally sourced from a .env file) and
// validates the result before any component is constructed.
package config
