package spatial

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/roomfi/roomfi/pkg/logx"
	"github.com/roomfi/roomfi/pkg/scan"
	"github.com/roomfi/roomfi/pkg/signal"
)

// Accepted ranges for stored signal parameters.
const (
	MinAvg    = -120.0
	MaxAvg    = -1.0
	MaxStddev = 60.0
)

// DocumentFile is the file name of a cached signature document.
const DocumentFile = "sig.xml"

type xmlArea struct {
	XMLName  xml.Name   `xml:"area"`
	Country  string     `xml:"country,attr"`
	Region   string     `xml:"region,attr"`
	City     string     `xml:"city,attr"`
	Building string     `xml:"building,attr"`
	Floor    string     `xml:"floor,attr,omitempty"`
	Version  string     `xml:"version,attr,omitempty"`
	Spaces   []xmlSpace `xml:"space"`
}

type xmlSpace struct {
	Name string   `xml:"name,attr"`
	Tags string   `xml:"tags,attr,omitempty"`
	MACs []xmlMAC `xml:"mac"`
}

// numeric attributes are kept as strings so one bad value only drops its entry
type xmlMAC struct {
	ID        string `xml:"id,attr"`
	Avg       string `xml:"avg,attr"`
	Stddev    string `xml:"stddev,attr"`
	Weight    string `xml:"weight,attr"`
	Histogram string `xml:"histogram,attr,omitempty"`
}

// ParseDocument decodes one area's signature document. Malformed entries are
// logged and skipped; a document that does not name its area is rejected.
func ParseDocument(data []byte, logger *logx.Logger) (*AreaDesc, error) {
	var doc xmlArea
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode signature document: %w", err)
	}

	parts := []string{doc.Country, doc.Region, doc.City, doc.Building}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return nil, ErrNoAreaName
		}
	}
	if doc.Floor != "" {
		parts = append(parts, doc.Floor)
	}
	name := strings.Join(parts, "/")
	if err := ValidateAreaName(name); err != nil {
		return nil, err
	}

	area := NewAreaDesc(name)
	if doc.Version != "" {
		if v, err := strconv.Atoi(doc.Version); err == nil {
			area.Version = v
		} else {
			logger.Warn("ignoring bad map version", "area", name, "version", doc.Version)
		}
	}

	for _, xs := range doc.Spaces {
		if err := validateComponent(xs.Name); err != nil || strings.Contains(xs.Name, "/") {
			logger.Warn("skipping space with bad name", "area", name, "space", xs.Name)
			continue
		}
		sigs := make(map[string]*signal.Sig, len(xs.MACs))
		for _, xm := range xs.MACs {
			mac, sig, err := parseMAC(xm)
			if err != nil {
				logger.Warn("skipping signature entry", "area", name, "space", xs.Name, "error", err)
				continue
			}
			sigs[mac] = sig
		}
		if len(sigs) == 0 {
			logger.Warn("skipping space without usable entries", "area", name, "space", xs.Name)
			continue
		}
		area.PutSpace(NewSpaceDesc(xs.Name, sigs, splitTags(xs.Tags)))
	}
	return area, nil
}

func parseMAC(xm xmlMAC) (string, *signal.Sig, error) {
	if strings.TrimSpace(xm.ID) == "" {
		return "", nil, fmt.Errorf("empty mac id")
	}
	mac, err := scan.NormalizeMAC(xm.ID)
	if err != nil {
		return "", nil, err
	}
	avg, err := parseFinite(xm.Avg)
	if err != nil {
		return "", nil, fmt.Errorf("mac %s: bad avg %q", mac, xm.Avg)
	}
	if avg < MinAvg || avg > MaxAvg {
		return "", nil, fmt.Errorf("mac %s: avg %v outside [%v,%v]", mac, avg, MinAvg, MaxAvg)
	}
	sd, err := parseFinite(xm.Stddev)
	if err != nil {
		return "", nil, fmt.Errorf("mac %s: bad stddev %q", mac, xm.Stddev)
	}
	if sd < 0 || sd > MaxStddev {
		return "", nil, fmt.Errorf("mac %s: stddev %v outside [0,%v]", mac, sd, MaxStddev)
	}
	if sd == 0 {
		sd = 1.0
	}
	w, err := parseFinite(xm.Weight)
	if err != nil {
		return "", nil, fmt.Errorf("mac %s: bad weight %q", mac, xm.Weight)
	}
	if w <= 0 || w > 1 {
		return "", nil, fmt.Errorf("mac %s: weight %v outside (0,1]", mac, w)
	}
	return mac, signal.NewStaticSig(avg, sd, w, xm.Histogram), nil
}

// parseFinite rejects NaN and infinities, which slip past range comparisons.
func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// MarshalDocument encodes an area in the signature document format.
func MarshalDocument(a *AreaDesc) ([]byte, error) {
	parts := strings.Split(a.Name, "/")
	if len(parts) < MinAreaDepth || len(parts) > MaxAreaDepth {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, a.Name)
	}
	doc := xmlArea{
		Country:  parts[0],
		Region:   parts[1],
		City:     parts[2],
		Building: parts[3],
	}
	if len(parts) == MaxAreaDepth {
		doc.Floor = parts[4]
	}
	if a.Version != 0 {
		doc.Version = strconv.Itoa(a.Version)
	}

	for _, spName := range a.SpaceNames() {
		sp := a.Spaces[spName]
		xs := xmlSpace{Name: sp.Name, Tags: strings.Join(sp.Tags, ",")}

		macs := make([]string, 0, len(sp.Sigs))
		for mac := range sp.Sigs {
			macs = append(macs, mac)
		}
		sort.Strings(macs)
		for _, mac := range macs {
			sig := sp.Sigs[mac]
			mean, err := sig.Mean()
			if err != nil {
				continue
			}
			sd, _ := sig.Stddev()
			xs.MACs = append(xs.MACs, xmlMAC{
				ID:        mac,
				Avg:       formatFloat(mean),
				Stddev:    formatFloat(sd),
				Weight:    formatFloat(sig.Weight),
				Histogram: sig.HistogramString(),
			})
		}
		doc.Spaces = append(doc.Spaces, xs)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode signature document: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
