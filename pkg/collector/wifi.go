package collector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/roomfi/roomfi/pkg/logx"
	"github.com/roomfi/roomfi/pkg/retry"
	"github.com/roomfi/roomfi/pkg/scan"
)

// WiFiScanner scans through ubus iwinfo and falls back to iw
type WiFiScanner struct {
	iface    string
	ubusPath string
	iwPath   string
	timeout  time.Duration
	runner   *retry.Runner
	logger   *logx.Logger

	// output runs a command; replaced in tests
	output func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// WiFiConfig configures a WiFiScanner
type WiFiConfig struct {
	Interface string        `json:"interface"`
	UbusPath  string        `json:"ubus_path"`
	IwPath    string        `json:"iw_path"`
	Timeout   time.Duration `json:"timeout"`
}

// iwinfoScan is the ubus `iwinfo scan` response
type iwinfoScan struct {
	Results []struct {
		SSID    string  `json:"ssid"`
		BSSID   string  `json:"bssid"`
		Channel int     `json:"channel"`
		MHz     int     `json:"mhz"`
		Signal  float64 `json:"signal"`
	} `json:"results"`
}

// NewWiFiScanner creates a scanner for cfg.Interface
func NewWiFiScanner(cfg WiFiConfig, runner *retry.Runner, logger *logx.Logger) *WiFiScanner {
	if cfg.Interface == "" {
		cfg.Interface = "wlan0"
	}
	if cfg.UbusPath == "" {
		cfg.UbusPath = "ubus"
	}
	if cfg.IwPath == "" {
		cfg.IwPath = "iw"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if runner == nil {
		runner = retry.NewRunner(retry.Config{MaxAttempts: 2})
	}
	return &WiFiScanner{
		iface:    cfg.Interface,
		ubusPath: cfg.UbusPath,
		iwPath:   cfg.IwPath,
		timeout:  cfg.Timeout,
		runner:   runner,
		logger:   logger,
		output:   runner.Output,
	}
}

// Name returns the scan backend name
func (w *WiFiScanner) Name() string {
	return "iwinfo:" + w.iface
}

// Scan returns the visible access points
func (w *WiFiScanner) Scan(ctx context.Context) ([]scan.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	readings, err := w.scanIwinfo(ctx)
	if err == nil {
		return readings, nil
	}
	w.logger.Debug("iwinfo scan failed, trying iw", "iface", w.iface, "error", err)

	out, iwErr := w.output(ctx, w.iwPath, "dev", w.iface, "scan")
	if iwErr != nil {
		return nil, fmt.Errorf("wifi scan on %s: iwinfo: %v; iw: %w", w.iface, err, iwErr)
	}
	return parseIwScan(out), nil
}

func (w *WiFiScanner) scanIwinfo(ctx context.Context) ([]scan.Reading, error) {
	arg := fmt.Sprintf(`{"device":%q}`, w.iface)
	out, err := w.output(ctx, w.ubusPath, "call", "iwinfo", "scan", arg)
	if err != nil {
		return nil, fmt.Errorf("ubus iwinfo scan: %w", err)
	}
	return parseIwinfoScan(out)
}

// parseIwinfoScan converts the ubus JSON into readings. Entries that cannot
// be represented are skipped; the queue does the MAC validation.
func parseIwinfoScan(data []byte) ([]scan.Reading, error) {
	var res iwinfoScan
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to parse iwinfo response: %w", err)
	}

	readings := make([]scan.Reading, 0, len(res.Results))
	for _, r := range res.Results {
		strength, ok := toStrength(r.Signal)
		if !ok || r.BSSID == "" {
			continue
		}
		freq := r.MHz
		if freq == 0 {
			freq = channelToMHz(r.Channel)
		}
		readings = append(readings, scan.Reading{
			MAC:       strings.ToLower(r.BSSID),
			SSID:      r.SSID,
			Frequency: int16(freq),
			Strength:  strength,
		})
	}
	return readings, nil
}

// parseIwScan reads `iw dev <iface> scan` output:
//
//	BSS 00:11:22:33:44:55(on wlan0)
//		freq: 2412
//		signal: -48.00 dBm
//		SSID: office
func parseIwScan(data []byte) []scan.Reading {
	var readings []scan.Reading
	var cur *scan.Reading

	flush := func() {
		if cur != nil && cur.MAC != "" && cur.Strength < 0 {
			readings = append(readings, *cur)
		}
		cur = nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(line, "BSS ") {
			flush()
			mac := strings.TrimPrefix(line, "BSS ")
			if i := strings.IndexAny(mac, "( "); i >= 0 {
				mac = mac[:i]
			}
			cur = &scan.Reading{MAC: strings.ToLower(mac)}
			continue
		}
		if cur == nil {
			continue
		}

		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "freq":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				cur.Frequency = int16(f)
			}
		case "signal":
			v := strings.TrimSpace(strings.TrimSuffix(value, "dBm"))
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				if s, ok := toStrength(f); ok {
					cur.Strength = s
				}
			}
		case "SSID":
			cur.SSID = value
		}
	}
	flush()
	return readings
}

// toStrength rounds a dBm value into the reading range.
func toStrength(dbm float64) (int8, bool) {
	v := math.Round(dbm)
	if v >= 0 || v < math.MinInt8 {
		return 0, false
	}
	return int8(v), true
}

// channelToMHz maps an 802.11 channel number to its center frequency
func channelToMHz(ch int) int {
	switch {
	case ch >= 1 && ch <= 13:
		return 2407 + 5*ch
	case ch == 14:
		return 2484
	case ch >= 32 && ch <= 177:
		return 5000 + 5*ch
	}
	return 0
}
