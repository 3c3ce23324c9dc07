// Package scan buffers recent WiFi scans and maintains the live fingerprint
// built from the readings inside the active window.
package scan

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidMAC is returned for addresses that fail the strict pattern.
	ErrInvalidMAC = errors.New("scan: invalid mac address")
	// ErrLocalMAC is returned for locally administered addresses.
	ErrLocalMAC = errors.New("scan: locally administered mac address")
	// ErrInvalidStrength is returned for non-negative signal strengths.
	ErrInvalidStrength = errors.New("scan: invalid signal strength")
)

var macPattern = regexp.MustCompile(`^[0-9a-f]{2}(:[0-9a-f]{2}){5}$`)

// Reading is one access point observed in one scan.
type Reading struct {
	MAC       string
	SSID      string
	Frequency int16
	Strength  int8
}

// NormalizeMAC lowercases and validates an AP address. Locally administered
// addresses (phone hotspots, randomized MACs) are rejected because they do
// not identify a fixed access point.
func NormalizeMAC(mac string) (string, error) {
	mac = strings.ToLower(strings.TrimSpace(mac))
	if !macPattern.MatchString(mac) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	first, err := strconv.ParseUint(mac[:2], 16, 8)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	if first&0x02 != 0 {
		return "", fmt.Errorf("%w: %q", ErrLocalMAC, mac)
	}
	return mac, nil
}
