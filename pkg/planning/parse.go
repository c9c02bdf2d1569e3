package planning

import (
	"encoding/json"
	"regexp"
	"strings"
)

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
var bareJSON = regexp.MustCompile(`(?s)\{.*\}`)

// StripThink removes <think>...</think> blocks from raw model text. Thought
// content is posted as a comment elsewhere; it is never fed back into
// ParseJSON.
func StripThink(raw string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(raw, ""))
}

// ExtractThink returns the concatenated contents of every <think> block in
// raw, trimmed, or "" when none exist.
func ExtractThink(raw string) string {
	var parts []string
	for _, m := range thinkBlock.FindAllString(raw, -1) {
		inner := strings.TrimSuffix(strings.TrimPrefix(m, "<think>"), "</think>")
		if inner = strings.TrimSpace(inner); inner != "" {
			parts = append(parts, inner)
		}
	}
	return strings.Join(parts, "\n\n")
}

// marshalJSONOrEmpty marshals v to a JSON string, returning "{}" on
// failure (never reached for the map[string]any callers pass today).
func marshalJSONOrEmpty(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ParseJSON applies the fallback chain every phase uses to recover a JSON
// object from raw model text: direct parse, then a fenced ```json block,
// then the first {...} substring. Returns false if every attempt fails.
func ParseJSON(raw string, out any) bool {
	text := StripThink(raw)

	if json.Unmarshal([]byte(text), out) == nil {
		return true
	}

	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		if json.Unmarshal([]byte(m[1]), out) == nil {
			return true
		}
	}

	if m := bareJSON.FindString(text); m != "" {
		if json.Unmarshal([]byte(m), out) == nil {
			return true
		}
	}

	return false
}
