// internal/agent/extract.go
package agent

import (
	"encoding/json"
	"errors"
	"strings"
)

var ErrNoJSON = errors.New("reply contains no JSON object")

// ExtractJSON pulls the outermost JSON object out of a free-text reply,
// tolerating markdown code fences and surrounding prose.
func ExtractJSON(text string) (json.RawMessage, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, ErrNoJSON
	}

	candidate := []byte(s[start : end+1])
	if !json.Valid(candidate) {
		return nil, ErrNoJSON
	}
	return json.RawMessage(candidate), nil
}
