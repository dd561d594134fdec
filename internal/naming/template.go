// Package naming turns templates such as "{bagName} by {baristaName}" into
// display labels. Missing or blank source values are replaced by the
// template's fallbacks, so resolution always produces a non-empty string.
package naming

import (
	"fmt"
	"strings"
	"unicode"

	"brewlog/internal/apperrors"
)

type segment struct {
	literal     string
	placeholder string
}

// Template is a parsed name template.
type Template struct {
	Name      string
	Pattern   string
	Fallbacks map[string]string

	segments []segment
}

// ParseTemplate parses pattern and checks that every placeholder has a
// non-blank fallback.
func ParseTemplate(name, pattern string, fallbacks map[string]string) (*Template, error) {
	setting := "templates." + name
	if strings.TrimSpace(pattern) == "" {
		return nil, apperrors.Configuration(setting, "pattern is empty")
	}

	t := &Template{Name: name, Pattern: pattern, Fallbacks: fallbacks}

	rest := pattern
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			t.segments = append(t.segments, segment{literal: rest})
			break
		}
		if open > 0 {
			t.segments = append(t.segments, segment{literal: rest[:open]})
		}

		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return nil, apperrors.Configuration(setting, fmt.Sprintf("unclosed placeholder in %q", pattern))
		}
		key := rest[open+1 : open+closing]
		if !validPlaceholder(key) {
			return nil, apperrors.Configuration(setting, fmt.Sprintf("invalid placeholder %q", key))
		}

		fb, ok := fallbacks[key]
		if !ok || strings.TrimSpace(fb) == "" {
			return nil, apperrors.Configuration(setting, fmt.Sprintf("placeholder {%s} has no fallback", key))
		}

		t.segments = append(t.segments, segment{placeholder: key})
		rest = rest[open+closing+1:]
	}

	return t, nil
}

// Placeholders lists the placeholder names in pattern order.
func (t *Template) Placeholders() []string {
	var out []string
	for _, s := range t.segments {
		if s.placeholder != "" {
			out = append(out, s.placeholder)
		}
	}
	return out
}

func validPlaceholder(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// render substitutes values (or fallbacks when value returns "") and
// normalizes whitespace.
func (t *Template) render(value func(key string) string) string {
	var b strings.Builder
	for _, s := range t.segments {
		if s.placeholder == "" {
			b.WriteString(s.literal)
			continue
		}
		v := strings.TrimSpace(value(s.placeholder))
		if v == "" {
			v = strings.TrimSpace(t.Fallbacks[s.placeholder])
		}
		b.WriteString(v)
	}
	return collapseSpace(b.String())
}

func (t *Template) renderFallbacks() string {
	return t.render(func(string) string { return "" })
}

// collapseSpace trims s and replaces every internal whitespace run with a
// single ASCII space.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
