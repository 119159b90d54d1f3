package validation

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/pitabwire/portal/model"
)

// Sanitizer strips markup from free-text values before they are merged into
// the document.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer returns a sanitizer using the strict (no markup) policy.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize returns a copy of sub with every string value stripped of HTML and
// trimmed. Nested maps and lists are walked.
func (s *Sanitizer) Sanitize(sub model.SubDocument) model.SubDocument {
	out := make(model.SubDocument, len(sub))
	for k, v := range sub {
		out[k] = s.value(v)
	}
	return out
}

func (s *Sanitizer) value(v any) any {
	switch t := v.(type) {
	case string:
		return s.text(t)
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = s.value(inner)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, inner := range t {
			l[i] = s.value(inner)
		}
		return l
	}
	return v
}

// maxSanitizePasses bounds re-sanitising of entity-encoded markup.
const maxSanitizePasses = 4

var angleBrackets = strings.NewReplacer("<", "", ">", "")

// text strips markup. The policy escapes entities for HTML output; values
// here are plain text so they are unescaped again, and unescaping may expose
// encoded or split tags, so the value is sanitised until it is stable.
func (s *Sanitizer) text(in string) string {
	out := in
	for range maxSanitizePasses {
		next := html.UnescapeString(s.policy.Sanitize(out))
		if next == out {
			return strings.TrimSpace(out)
		}
		out = next
	}
	return strings.TrimSpace(angleBrackets.Replace(out))
}
