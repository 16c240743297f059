package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// extractJSONObject finds the first JSON object in an LLM reply.
// Markdown code fences and leading chatter are tolerated.
func extractJSONObject(reply string) (json.RawMessage, map[string]json.RawMessage, error) {
	start := strings.Index(reply, "{")
	if start < 0 {
		return nil, nil, fmt.Errorf("reply contains no JSON object")
	}

	dec := json.NewDecoder(strings.NewReader(reply[start:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, nil, fmt.Errorf("decode JSON object: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, fmt.Errorf("reply is not a JSON object: %w", err)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, nil, fmt.Errorf("compact JSON: %w", err)
	}
	return compact.Bytes(), fields, nil
}

// missingKeys lists required keys absent from fields, sorted
func missingKeys(fields map[string]json.RawMessage, required []string) []string {
	var missing []string
	for _, key := range required {
		v, ok := fields[key]
		if !ok || string(v) == "null" {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}

// summaryOf returns the "summary" string field, or fallback
func summaryOf(fields map[string]json.RawMessage, fallback string) string {
	var summary string
	if raw, ok := fields["summary"]; ok && json.Unmarshal(raw, &summary) == nil {
		if summary = strings.TrimSpace(summary); summary != "" {
			return summary
		}
	}
	return fallback
}
