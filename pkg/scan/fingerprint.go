package scan

import "github.com/roomfi/roomfi/pkg/signal"

// APDesc is the live signal model of one access point together with the
// number of active scans that currently contribute a reading to it.
type APDesc struct {
	Sig      *signal.Sig
	UseCount int
}

// Fingerprint is what the device currently sees: MAC -> APDesc.
type Fingerprint map[string]*APDesc

// Sigs returns the signal models keyed by MAC.
func (f Fingerprint) Sigs() map[string]*signal.Sig {
	out := make(map[string]*signal.Sig, len(f))
	for mac, ap := range f {
		out[mac] = ap.Sig
	}
	return out
}

// MACs returns the set of MACs in the fingerprint.
func (f Fingerprint) MACs() map[string]struct{} {
	out := make(map[string]struct{}, len(f))
	for mac := range f {
		out[mac] = struct{}{}
	}
	return out
}

// Snapshot freezes every AP into static signal models, skipping empty ones.
func (f Fingerprint) Snapshot() map[string]*signal.Sig {
	out := make(map[string]*signal.Sig, len(f))
	for mac, ap := range f {
		s, err := ap.Sig.Snapshot()
		if err != nil {
			continue
		}
		out[mac] = s
	}
	return out
}
