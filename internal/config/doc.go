// Package config loads the orchestrator daemon configuration from YAML or
// JSON files and fills in defaults for every optional section.
package config
