package aiprovider

import (
	"encoding/json"
	"strings"
)

// ExtractJSONObject returns the first well-formed JSON object embedded in raw
// text. AI responses are not guaranteed to be clean JSON; callers fall back to
// the raw text when extraction fails.
func ExtractJSONObject(raw string) (json.RawMessage, bool) {
	for start := strings.IndexByte(raw, '{'); start >= 0; start = nextBrace(raw, start) {
		depth := 0
		inString := false
		escaped := false
		for position := start; position < len(raw); position++ {
			character := raw[position]
			if inString {
				switch {
				case escaped:
					escaped = false
				case character == '\\':
					escaped = true
				case character == '"':
					inString = false
				}
				continue
			}
			switch character {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := raw[start : position+1]
					if json.Valid([]byte(candidate)) {
						return json.RawMessage(candidate), true
					}
					position = len(raw)
				}
			}
		}
		if depth != 0 {
			return nil, false
		}
	}
	return nil, false
}

func nextBrace(raw string, previous int) int {
	offset := strings.IndexByte(raw[previous+1:], '{')
	if offset < 0 {
		return -1
	}
	return previous + 1 + offset
}
