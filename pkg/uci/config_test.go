package uci

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/roomfi/roomfi/pkg/logx"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "roomfi"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !cfg.Enable || cfg.ScanIntervalS != DefaultScanIntervalS || cfg.Scans != 10 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.LastModified().IsZero() {
		t.Error("defaults report a modification time")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

const sampleConfig = `
# roomfi daemon
config roomfi 'main'
	option log_level 'debug'
	option scan_interface "wlan1"
	option scan_interval_s '3'
	option device_model 'GL-MT3000'

config server 'server'
	option url 'http://10.0.0.2:8080/'
	option bind_flush_s '30'

config localizer 'localizer'
	option scans '20'
	option penalty '2.5'
	option map_max_age_s '600'
	option loud_floor '-75'

config mqtt 'mqtt'
	option enable '1'
	option broker 'broker.lan'
	option topic_prefix 'home/roomfi'

config history 'history'
	option retention_hours '12'

config unknown 'later'
	option whatever 'x'
`

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomfi")
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.ScanInterface != "wlan1" || cfg.ScanIntervalS != 3 {
		t.Errorf("main not applied: %+v", cfg)
	}
	if cfg.ServerURL != "http://10.0.0.2:8080/" || cfg.BindFlushS != 30 {
		t.Errorf("server not applied: %q %d", cfg.ServerURL, cfg.BindFlushS)
	}
	if !cfg.MQTTEnable || cfg.MQTTBroker != "broker.lan" {
		t.Errorf("mqtt not applied: %+v", cfg.MQTT())
	}
	if cfg.RetentionHours != 12 || cfg.History().RetentionHours != 12 {
		t.Errorf("history not applied: %d", cfg.RetentionHours)
	}
	if cfg.LastModified().IsZero() {
		t.Error("modification time not recorded")
	}

	lc := cfg.Localizer()
	if lc.Scan.Scans != 20 || lc.Penalty != 2.5 || lc.MapMaxAge != 10*time.Minute || lc.LoudFloor != -75 {
		t.Errorf("localizer config = %+v", lc)
	}
	if lc.DeviceModel != "GL-MT3000" {
		t.Errorf("device model = %q", lc.DeviceModel)
	}
	if got := cfg.MQTT().Topic("estimate"); got != "home/roomfi/estimate" {
		t.Errorf("mqtt topic = %q", got)
	}
	if sc := cfg.Server(); sc.Timeout != 30*time.Second {
		t.Errorf("server timeout = %v", sc.Timeout)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad number", "config roomfi 'main'\n\toption scan_interval_s 'fast'\n", "scan_interval_s"},
		{"bad level", "config roomfi 'main'\n\toption log_level 'loud'\n", "log_level"},
		{"bad url", "config server 'server'\n\toption url 'ftp://x'\n", "server url"},
		{"threshold", "config localizer 'localizer'\n\toption area_threshold '1.5'\n", "area_threshold"},
		{"mqtt qos", "config mqtt 'mqtt'\n\toption enable '1'\n\toption qos '3'\n", "qos"},
		{"retention", "config history 'history'\n\toption retention_hours '0'\n", "retention_hours"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "roomfi")
			if err := os.WriteFile(path, []byte(tt.body), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadConfig(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseShow(t *testing.T) {
	out := []byte(`roomfi.main=roomfi
roomfi.main.log_level='warn'
roomfi.server.url='https://sig.example.net'
other.main.log_level='error'
garbage
`)
	opts := parseShow(Package, out)
	if len(opts) != 2 {
		t.Fatalf("opts = %+v", opts)
	}
	if opts[0] != (Option{Section: "main", Name: "log_level", Value: "warn"}) {
		t.Errorf("opts[0] = %+v", opts[0])
	}
}

func TestLoadFromUCITool(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "uci")
	content := `#!/bin/sh
if [ "$1" = show ] && [ "$2" = roomfi ]; then
  echo "roomfi.main=roomfi"
  echo "roomfi.main.scan_interval_s='7'"
  echo "roomfi.mqtt.enable='1'"
  echo "roomfi.mqtt.port='8883'"
fi
`
	if err := os.WriteFile(script, []byte(content), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	t.Setenv("PATH", dir)

	cfg, err := Load(context.Background(), "/nonexistent/roomfi", logx.NewWithWriter(io.Discard, "error"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ScanIntervalS != 7 || !cfg.MQTTEnable || cfg.MQTTPort != 8883 {
		t.Fatalf("uci overrides not applied: %+v", cfg)
	}
}

func TestLoadFallsBackWithoutUCITool(t *testing.T) {
	t.Setenv("PATH", "")
	cfg, err := Load(context.Background(), "/nonexistent/roomfi", logx.NewWithWriter(io.Discard, "error"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ScanIntervalS != DefaultScanIntervalS {
		t.Errorf("defaults not used: %d", cfg.ScanIntervalS)
	}
}
