package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/asaskevich/govalidator"

	"github.com/pitabwire/portal/model"
)

// DateLayout is the accepted format for date fields.
const DateLayout = "2006-01-02"

// Check inspects a present field value and returns a message when the value
// is invalid, or "" when it is acceptable.
type Check func(v any) string

// CrossCheck inspects the whole sub-document and returns field messages for
// rules that span more than one field.
type CrossCheck func(sub model.SubDocument) map[string]string

// Field declares the rules for one field of a step.
type Field struct {
	Name     string
	Required bool
	// RequiredWhen makes the field required when it returns true. It is
	// evaluated on every call.
	RequiredWhen func(sub model.SubDocument) bool
	Checks       []Check
}

func (f Field) required(sub model.SubDocument) bool {
	if f.Required {
		return true
	}
	return f.RequiredWhen != nil && f.RequiredWhen(sub)
}

// Present reports whether key holds a non-blank value.
func Present(sub model.SubDocument, key string) bool {
	v, ok := sub[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// StringValue returns the trimmed string held at key.
func StringValue(sub model.SubDocument, key string) string {
	s, _ := sub[key].(string)
	return strings.TrimSpace(s)
}

// FieldEquals builds a predicate for conditional requiredness.
func FieldEquals(key, want string) func(model.SubDocument) bool {
	return func(sub model.SubDocument) bool {
		return StringValue(sub, key) == want
	}
}

// Length requires a string of min..max characters.
func Length(minLen, maxLen int) Check {
	return func(v any) string {
		s, ok := v.(string)
		if !ok {
			return "must be text"
		}
		n := utf8.RuneCountInString(strings.TrimSpace(s))
		if n < minLen || n > maxLen {
			return fmt.Sprintf("must be between %d and %d characters", minLen, maxLen)
		}
		return ""
	}
}

// Matches requires a string matching re.
func Matches(re *regexp.Regexp, msg string) Check {
	return func(v any) string {
		s, ok := v.(string)
		if !ok || !re.MatchString(strings.TrimSpace(s)) {
			return msg
		}
		return ""
	}
}

// OneOf requires a string from the allowed set.
func OneOf(allowed ...string) Check {
	return func(v any) string {
		s, ok := v.(string)
		if !ok || !slices.Contains(allowed, s) {
			return "must be one of: " + strings.Join(allowed, ", ")
		}
		return ""
	}
}

// Email requires a syntactically valid email address.
func Email() Check {
	return func(v any) string {
		s, ok := v.(string)
		if !ok || !govalidator.StringLength(s, "3", "254") || !govalidator.IsEmail(s) {
			return "must be a valid email address"
		}
		return ""
	}
}

// Date requires a date in DateLayout.
func Date() Check {
	return func(v any) string {
		if _, ok := parseDate(v); !ok {
			return "must be a date in YYYY-MM-DD format"
		}
		return ""
	}
}

// PastDate requires a date in DateLayout that is not after the date returned
// by now.
func PastDate(now func() time.Time) Check {
	return func(v any) string {
		d, ok := parseDate(v)
		if !ok {
			return "must be a date in YYYY-MM-DD format"
		}
		n := now()
		today := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
		if d.After(today) {
			return "must not be in the future"
		}
		return ""
	}
}

// NumberRange requires a number within [minVal, maxVal].
func NumberRange(minVal, maxVal float64) Check {
	return func(v any) string {
		n, ok := Number(v)
		if !ok {
			return "must be a number"
		}
		if n < minVal || n > maxVal {
			return fmt.Sprintf("must be between %s and %s", formatNumber(minVal), formatNumber(maxVal))
		}
		return ""
	}
}

// Number converts the numeric encodings a decoded JSON body may carry.
// NaN and infinities are not numbers here.
func Number(v any) (float64, bool) {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func parseDate(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// DigitsOnly strips everything but ASCII digits.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
