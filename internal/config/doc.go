// Package config loads the pathproofd YAML configuration and fills in the
// defaults for every section left empty.
package config
