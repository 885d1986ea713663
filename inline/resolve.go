// Package inline turns a captured web page into a single self-contained HTML
// document by replacing every external resource reference with a data URI or
// an inline element body.
package inline

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const dataScheme = "data:"

// IsInlined reports whether ref already carries an inline representation.
func IsInlined(ref string) bool {
	ref = strings.TrimSpace(ref)
	return len(ref) >= len(dataScheme) && strings.EqualFold(ref[:len(dataScheme)], dataScheme)
}

// ParseBase parses an absolute base address. Relative bases are rejected:
// nothing can be resolved against them.
func ParseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse base %q: %w", raw, err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("base %q is not absolute", raw)
	}
	return u, nil
}

// Resolve returns the absolute address of raw relative to base using standard
// reference resolution (scheme-relative, path-relative, query and fragment
// preserved).
func Resolve(raw string, base *url.URL) (*url.URL, error) {
	if base == nil {
		return nil, errors.New("resolve: nil base")
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", raw, err)
	}
	return base.ResolveReference(ref), nil
}

// resolveString is Resolve for callers that only need the textual form.
func resolveString(raw string, base *url.URL) (string, error) {
	u, err := Resolve(raw, base)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
