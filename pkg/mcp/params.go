package mcp

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseToolArguments turns the raw argument string a model produced into
// the map an MCP tool call expects. Function-calling models emit JSON, but
// plain-completion models paraphrase — YAML fragments, "owner: acme,
// repo: svc" pairs, or bare prose — so the decode runs as a cascade and
// the last resort wraps the text as {"input": ...} rather than failing the
// call. Empty input maps to an empty argument set for no-parameter tools.
func ParseToolArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}

	if args, ok := decodeJSON(raw); ok {
		return args, nil
	}
	if args, ok := decodeYAML(raw); ok {
		return args, nil
	}
	if args, ok := decodePairs(raw); ok {
		return args, nil
	}
	return map[string]any{"input": raw}, nil
}

// decodeJSON accepts any valid JSON value. An object becomes the argument
// map directly; scalars and arrays are wrapped as {"input": value}, since
// single-parameter tools (a command string, a file path) are the usual
// reason a model emits one.
func decodeJSON(raw string) (map[string]any, bool) {
	switch raw[0] {
	case '{', '[', '"', '-', 't', 'f', 'n',
		'0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
	default:
		return nil, false
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false
	}
	if m, ok := value.(map[string]any); ok {
		return m, true
	}
	return map[string]any{"input": value}, true
}

// decodeYAML accepts only structurally rich YAML — a mapping with at least
// one list or nested mapping value. Flat "key: value" lines are left for
// decodePairs, which would otherwise never run: nearly any prose with a
// colon parses as YAML.
func decodeYAML(raw string) (map[string]any, bool) {
	var m map[string]any
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil || len(m) == 0 {
		return nil, false
	}
	for _, v := range m {
		switch v.(type) {
		case []any, map[string]any:
			return m, true
		}
	}
	return nil, false
}

// decodePairs parses "key: value" / "key=value" pairs separated by commas
// or newlines. All-or-nothing: one malformed pair rejects the whole input,
// which then falls through to the raw-string wrap. A value containing a
// comma mis-splits here and takes the same fallback.
func decodePairs(raw string) (map[string]any, bool) {
	args := make(map[string]any)
	for _, part := range strings.Split(strings.ReplaceAll(raw, "\n", ","), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := splitPair(part)
		if !ok {
			return nil, false
		}
		args[key] = coerceScalar(value)
	}
	if len(args) == 0 {
		return nil, false
	}
	return args, true
}

func splitPair(part string) (key, value string, ok bool) {
	for _, sep := range []string{":", "="} {
		idx := strings.Index(part, sep)
		if idx <= 0 {
			continue
		}
		key = strings.TrimSpace(part[:idx])
		if key != "" && !strings.Contains(key, " ") {
			return key, strings.TrimSpace(part[idx+1:]), true
		}
	}
	return "", "", false
}

// coerceScalar maps a pair's string value onto the Go type the tool's JSON
// schema most likely wants. The pair syntax carries no type information —
// it only exists for models that didn't emit JSON — so "42" becomes a
// number and "true" a bool, the way the same tokens would decode from JSON.
func coerceScalar(s string) any {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	return s
}
