package provider

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// DecodeKeyData normalizes the three accepted keyData shapes into a JSON
// document (or a raw token string):
//
//   - a native JSON object is returned as-is;
//   - a `{"key": "<base64>"}` wrapper is unwrapped and base64-decoded;
//   - anything else is treated as a raw credential string.
//
// The second return value is true when the result is JSON.
func DecodeKeyData(keyData string) (string, bool) {
	trimmed := strings.TrimSpace(keyData)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed, false
	}

	var wrapper struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapper); err == nil && wrapper.Key != "" {
		if decoded, err := base64.StdEncoding.DecodeString(wrapper.Key); err == nil {
			inner := strings.TrimSpace(string(decoded))
			if strings.HasPrefix(inner, "{") {
				return inner, true
			}
			return inner, false
		}
		// Not base64: the wrapper carried a plain credential.
		return wrapper.Key, false
	}
	return trimmed, true
}
