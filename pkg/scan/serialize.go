package scan

import "time"

// ReadingRecord is the wire form of a reading in bind and proximity payloads.
type ReadingRecord struct {
	BSSID     string `json:"bssid"`
	SSID      string `json:"ssid"`
	Frequency int    `json:"frequency"`
	Level     int    `json:"level"`
}

// ScanRecord is the wire form of a completed scan.
type ScanRecord struct {
	Stamp    int64           `json:"stamp"`
	Readings []ReadingRecord `json:"readings"`
}

// Serialize returns every completed scan newer than oldest, oldest first.
// The walk starts just after the scan in progress, which is where the
// oldest data in the ring lives.
func (q *Queue) Serialize(oldest time.Time) []ScanRecord {
	n := len(q.scans)
	out := make([]ScanRecord, 0, n)
	for i := 1; i < n; i++ {
		s := &q.scans[(q.cur+i)%n]
		if s.State != Active && s.State != Inactive {
			continue
		}
		if !s.Stamp.After(oldest) {
			continue
		}
		rec := ScanRecord{
			Stamp:    s.Stamp.Unix(),
			Readings: make([]ReadingRecord, 0, len(s.readings)),
		}
		for _, r := range s.readings {
			rec.Readings = append(rec.Readings, ReadingRecord{
				BSSID:     r.MAC,
				SSID:      r.SSID,
				Frequency: int(r.Frequency),
				Level:     int(r.Strength),
			})
		}
		out = append(out, rec)
	}
	return out
}
