package mockapi

import "encoding/json"

const fallbackPrompt = "Hello from mock Responses!"

// DerivePrompt extracts the reply text from a Chat-style body: the last
// user-role message's string content, or the first textual part when the
// content is a parts array. It is total: any shape it does not recognize
// degrades to a JSON dump of the content or to the fallback greeting, never
// an error.
func DerivePrompt(body map[string]any) string {
	messages, _ := body["messages"].([]any)
	for i := len(messages) - 1; i >= 0; i-- {
		m, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		if role != "user" {
			continue
		}
		switch c := m["content"].(type) {
		case string:
			return c
		case []any:
			for _, raw := range c {
				part, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if t, _ := part["type"].(string); t != "text" && t != "input_text" {
					continue
				}
				if text, _ := part["text"].(string); text != "" {
					return text
				}
			}
		}
		if c, ok := m["content"]; ok && c != nil {
			b, err := json.Marshal(c)
			if err == nil {
				return string(b)
			}
		}
		return fallbackPrompt
	}
	return fallbackPrompt
}
