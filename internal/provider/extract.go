package provider

import (
	"encoding/json"
	"strings"
)

var fenceReplacer = strings.NewReplacer("```json", "", "```JSON", "", "```", "")

// ExtractJSON isolates the JSON payload in a model reply. Fences are
// stripped, then the text is cut from the first '{' (or the first '[' when
// it comes earlier) to the last matching closer.
func ExtractJSON(raw string) string {
	text := fenceReplacer.Replace(raw)
	obj := strings.IndexByte(text, '{')
	arr := strings.IndexByte(text, '[')

	start, closer := obj, byte('}')
	if arr >= 0 && (obj < 0 || arr < obj) {
		start, closer = arr, ']'
	}
	if start < 0 {
		return strings.TrimSpace(text)
	}
	end := strings.LastIndexByte(text, closer)
	if end < start {
		return strings.TrimSpace(text[start:])
	}
	return strings.TrimSpace(text[start : end+1])
}

// ParseJSON extracts and decodes a reply. Failures are *MalformedOutputError.
func ParseJSON(raw string) (any, string, error) {
	cleaned := ExtractJSON(raw)
	var out any
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, cleaned, &MalformedOutputError{
			RawPreview:     preview(raw),
			CleanedPreview: preview(cleaned),
			Err:            err,
		}
	}
	return out, cleaned, nil
}
