package utils

import (
	"errors"
	"fmt"
	"net/url"
)

var ErrInvalidURLScheme = errors.New("invalid url scheme")

// ValidateURL requires an absolute http(s) URL with a non-empty host, the
// shape every remote API / server URL in this codebase must satisfy.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q", ErrInvalidURLScheme, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q (missing host)", ErrInvalidURLScheme, raw)
	}
	return nil
}
