package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strings"
)

// Redacted replaces the value of every sensitive field.
const Redacted = "[REDACTED]"

// DefaultSensitiveKeys are matched case-insensitively as substrings of
// JSON object keys and form field names.
var DefaultSensitiveKeys = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"credential",
	"private_key",
	"access_key",
	"refresh_token",
	"client_secret",
}

// Redactor strips credential-like values from bodies before they are logged.
type Redactor struct {
	keys []string
}

// NewRedactor returns a Redactor for DefaultSensitiveKeys plus extra.
func NewRedactor(extra ...string) *Redactor {
	keys := make([]string, 0, len(DefaultSensitiveKeys)+len(extra))
	for _, k := range append(append([]string(nil), DefaultSensitiveKeys...), extra...) {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keys = append(keys, k)
		}
	}
	return &Redactor{keys: keys}
}

// IsSensitive reports whether a field called name must be redacted.
func (r *Redactor) IsSensitive(name string) bool {
	name = strings.ToLower(name)
	for _, k := range r.keys {
		if strings.Contains(name, k) {
			return true
		}
	}
	return false
}

// Body renders body for a log record. JSON and form bodies are redacted
// field by field. Anything that cannot be redacted reliably, including a
// truncated JSON document, is replaced by a size placeholder.
func (r *Redactor) Body(contentType string, body []byte, truncated bool) string {
	if len(body) == 0 {
		return ""
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}

	switch {
	case isJSON(mediaType, body):
		if truncated {
			return placeholder("truncated json", len(body))
		}
		out, err := r.redactJSON(body)
		if err != nil {
			return placeholder("invalid json", len(body))
		}
		return out
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return placeholder("invalid form", len(body))
		}
		for name := range values {
			if r.IsSensitive(name) {
				values[name] = []string{Redacted}
			}
		}
		return values.Encode()
	default:
		if mediaType == "" {
			mediaType = "unknown"
		}
		return placeholder(mediaType, len(body))
	}
}

func (r *Redactor) redactJSON(body []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return "", err
	}

	out, err := json.Marshal(r.redactValue(doc))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (r *Redactor) redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if r.IsSensitive(k) {
				t[k] = Redacted
				continue
			}
			t[k] = r.redactValue(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = r.redactValue(val)
		}
		return t
	default:
		return v
	}
}

func isJSON(mediaType string, body []byte) bool {
	if mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
		return true
	}
	if mediaType != "" {
		return false
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

func placeholder(kind string, size int) string {
	return fmt.Sprintf("[%s body: %d bytes]", kind, size)
}
