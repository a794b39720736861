package memory

import (
	"encoding/json"
	"sort"
	"strings"
)

// skipKeys are envelope fields that carry no searchable text.
var skipKeys = map[string]bool{
	"previousCid": true,
	"signature":   true,
	"cid":         true,
}

// TextOf flattens the string values of record content into one
// whitespace-separated string, at most maxRunes long (0 means unlimited).
// Object keys are visited in sorted order so the result is stable.
func TextOf(content []byte, maxRunes int) string {
	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return ""
	}
	var parts []string
	collectText(v, &parts)
	text := strings.Join(parts, " ")
	if maxRunes > 0 {
		if r := []rune(text); len(r) > maxRunes {
			text = string(r[:maxRunes])
		}
	}
	return text
}

func collectText(v any, parts *[]string) {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			*parts = append(*parts, s)
		}
	case []any:
		for _, item := range t {
			collectText(item, parts)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			if !skipKeys[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectText(t[k], parts)
		}
	}
}
