package domain

import "net/url"

// ValidIRI reports whether s is an absolute resource identifier usable as a
// ping target. The check requires a scheme and a non-empty remainder and
// rejects whitespace and control characters, which url.Parse tolerates in
// some positions.
func ValidIRI(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() {
		return false
	}
	return u.Host != "" || u.Opaque != "" || u.Path != ""
}
