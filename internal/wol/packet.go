// Package wol builds and broadcasts Wake-on-LAN magic packets (spec
// §4.A). Grounded on the teacher's internal/wol package, split here
// into packet construction (this file) and UDP emission (emit.go).
package wol

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var macHexPattern = regexp.MustCompile(`^[0-9a-f]{12}$`)

// MagicPacket is a 102-byte Wake-on-LAN payload: 6 bytes of 0xFF
// followed by the target MAC repeated 16 times.
type MagicPacket struct {
	mac [6]byte
}

// New builds a magic packet for the given MAC address. Accepts
// colon, dash, dot or bare hex notation.
func New(mac string) (*MagicPacket, error) {
	macBytes, err := ParseMAC(mac)
	if err != nil {
		return nil, err
	}
	p := &MagicPacket{}
	copy(p.mac[:], macBytes)
	return p, nil
}

// Bytes renders the 102-byte wire payload.
func (p *MagicPacket) Bytes() []byte {
	data := make([]byte, 102)
	for i := 0; i < 6; i++ {
		data[i] = 0xFF
	}
	for i := 0; i < 16; i++ {
		copy(data[6+i*6:12+i*6], p.mac[:])
	}
	return data
}

// ParseMAC parses a MAC address string into its 6 raw bytes,
// tolerating colon, dash, dot and bare separators.
func ParseMAC(mac string) ([]byte, error) {
	clean := strings.ToLower(mac)
	clean = strings.NewReplacer(":", "", "-", "", ".", "", " ", "").Replace(clean)

	if len(clean) != 12 {
		return nil, fmt.Errorf("invalid MAC address length: %q", mac)
	}
	if !macHexPattern.MatchString(clean) {
		return nil, fmt.Errorf("invalid MAC address format: %q", mac)
	}

	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("decode MAC %q: %w", mac, err)
	}
	return b, nil
}

// FormatMAC canonicalizes a MAC address to lowercase colon-separated
// form. Returns the input unchanged if it doesn't parse.
func FormatMAC(mac string) string {
	b, err := ParseMAC(mac)
	if err != nil {
		return mac
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}
