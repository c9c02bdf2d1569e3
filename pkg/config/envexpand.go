package config

import "os"

// ExpandEnv expands environment variables in YAML content using Go's
// standard $VAR / ${VAR} shell-style syntax, before the result is parsed as
// YAML. Missing variables expand to the empty string; validation catches
// required fields left empty by a missing variable.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
