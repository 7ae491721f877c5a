// Package macutil validates and canonicalizes MAC addresses for the
// machine registry (spec §3: "mac … canonicalized to lowercase hex
// with : separators").
package macutil

import (
	"regexp"
	"strings"
)

var validHex = regexp.MustCompile(`^[0-9a-f]{12}$`)

// Normalize rewrites mac into colon-separated lowercase hex
// (aa:bb:cc:dd:ee:ff), accepting colon, dash, dot, space, or no
// separators on input. Returns "" if mac is not a 12-hex-digit MAC
// address.
func Normalize(mac string) string {
	clean := strings.ToLower(mac)
	clean = strings.NewReplacer("-", "", ":", "", ".", "", " ", "").Replace(clean)

	if !validHex.MatchString(clean) {
		return ""
	}

	parts := make([]string, 6)
	for i := 0; i < 6; i++ {
		parts[i] = clean[i*2 : i*2+2]
	}
	return strings.Join(parts, ":")
}

// IsValid reports whether mac is a well-formed MAC address in any of
// the separator styles Normalize accepts.
func IsValid(mac string) bool {
	return Normalize(mac) != ""
}

// IsZero reports whether mac is the all-zeros address, used as a
// sentinel for "no MAC configured" and rejected by registry validation.
func IsZero(mac string) bool {
	return Normalize(mac) == "00:00:00:00:00:00"
}
