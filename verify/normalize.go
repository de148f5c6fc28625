package verify

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Answer fields probed, in order, when a sample parses as a JSON object.
var answerKeys = []string{"content", "answer", "result", "output"}

// Normalize canonicalizes a sample for comparison: JSON objects collapse to
// their answer field (or a key-sorted rendering), everything else is
// whitespace-trimmed and lowercased.
func Normalize(sample string) string {
	var parsed any
	if err := json.Unmarshal([]byte(sample), &parsed); err != nil {
		return strings.ToLower(strings.TrimSpace(sample))
	}

	if obj, ok := parsed.(map[string]any); ok {
		for _, key := range answerKeys {
			if val, exists := obj[key]; exists {
				return strings.ToLower(strings.TrimSpace(fmt.Sprint(val)))
			}
		}
		// encoding/json renders map keys sorted, giving a stable form.
		if b, err := json.Marshal(obj); err == nil {
			return strings.ToLower(string(b))
		}
	}
	return strings.ToLower(strings.TrimSpace(fmt.Sprint(parsed)))
}
