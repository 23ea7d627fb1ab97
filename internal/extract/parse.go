package extract

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrMalformedOutput is returned when a backend's answer is not a JSON
// record list. It is transient: a second sample usually parses.
var ErrMalformedOutput = eris.New("extract: malformed model output")

// cleanJSON strips markdown fences and surrounding prose, leaving the
// outermost JSON array or object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	arr := strings.Index(text, "[")
	obj := strings.Index(text, "{")
	start, closer := obj, "}"
	if arr >= 0 && (obj < 0 || arr < obj) {
		start, closer = arr, "]"
	}
	if start < 0 {
		return strings.TrimSpace(text)
	}
	end := strings.LastIndex(text, closer)
	if end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// DecodeRecords turns a model answer into raw records. Accepted shapes are a
// JSON array, an object wrapping a single array (e.g. {"chunks": [...]}),
// or a single record object.
func DecodeRecords(text string) ([]json.RawMessage, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, Transient(eris.Wrap(ErrMalformedOutput, "empty answer"))
	}

	var list []json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &list); err == nil {
		return compact(list), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &obj); err != nil {
		return nil, Transient(eris.Wrap(ErrMalformedOutput, err.Error()))
	}

	if len(obj) == 1 {
		for _, v := range obj {
			if err := json.Unmarshal(v, &list); err == nil {
				return compact(list), nil
			}
		}
	}
	for _, key := range []string{"records", "items", "results"} {
		if v, ok := obj[key]; ok {
			if err := json.Unmarshal(v, &list); err == nil {
				return compact(list), nil
			}
		}
	}
	return []json.RawMessage{json.RawMessage(cleaned)}, nil
}

func compact(list []json.RawMessage) []json.RawMessage {
	out := list[:0]
	for _, r := range list {
		if t := bytes.TrimSpace(r); len(t) > 0 && !bytes.Equal(t, []byte("null")) {
			out = append(out, r)
		}
	}
	return out
}
