package llm

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/kaptinlin/jsonrepair"
)

// DecodeJSON extracts the first JSON object from a model reply and decodes it
// into out. Replies wrapped in markdown fences or surrounded by prose are
// accepted; syntactically broken objects get one repair attempt.
func DecodeJSON(content string, out any) error {
	raw, err := NormalizeJSON(content)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

// NormalizeJSON returns the first JSON object of a model reply as valid JSON,
// repairing it when needed.
func NormalizeJSON(content string) ([]byte, error) {
	raw := extractObject(content)
	if raw == "" {
		return nil, ErrNoJSON
	}
	if json.Valid([]byte(raw)) {
		return []byte(raw), nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("repair reply: %w", err)
	}
	if !json.Valid([]byte(repaired)) {
		return nil, fmt.Errorf("repair reply: %w", ErrNoJSON)
	}
	return []byte(repaired), nil
}

func extractObject(content string) string {
	text := strings.TrimSpace(content)
	if text == "" {
		return ""
	}
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```JSON")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	// unbalanced: hand the tail to the repair pass
	return text[start:]
}
