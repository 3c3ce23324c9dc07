package uci

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/roomfi/roomfi/pkg/localizer"
	"github.com/roomfi/roomfi/pkg/mqtt"
	"github.com/roomfi/roomfi/pkg/sigserver"
	"github.com/roomfi/roomfi/pkg/telem"
)

// Config represents the roomfi configuration
type Config struct {
	// main
	Enable          bool   `json:"enable"`
	LogLevel        string `json:"log_level"`
	LogFile         string `json:"log_file"`
	Syslog          bool   `json:"syslog"`
	DataDir         string `json:"data_dir"`
	ScanInterface   string `json:"scan_interface"`
	ScanIntervalS   int    `json:"scan_interval_s"`
	DeviceModel     string `json:"device_model"`
	WiFiModel       string `json:"wifi_model"`
	MetricsListener bool   `json:"metrics_listener"`
	MetricsAddr     string `json:"metrics_addr"`
	HealthListener  bool   `json:"health_listener"`
	HealthAddr      string `json:"health_addr"`

	// server
	ServerURL       string `json:"server_url"`
	ServerTimeoutS  int    `json:"server_timeout_s"`
	UserAgent       string `json:"user_agent"`
	BindFlushS      int    `json:"bind_flush_s"`
	BindMaxAttempts int    `json:"bind_max_attempts"`

	// localizer
	Scans          int     `json:"scans"`
	AreaThreshold  float64 `json:"area_threshold"`
	SpaceThreshold float64 `json:"space_threshold"`
	Penalty        float64 `json:"penalty"`
	IdleWindowH    int     `json:"idle_window_h"`
	AreaRefreshS   int     `json:"area_refresh_s"`
	MapRefreshS    int     `json:"map_refresh_s"`
	MapMaxAgeS     int     `json:"map_max_age_s"`
	LoudFloor      float64 `json:"loud_floor"`
	BindWindowS    int     `json:"bind_window_s"`
	BackoffMaxS    int     `json:"backoff_max_s"`

	// mqtt
	MQTTEnable         bool   `json:"mqtt_enable"`
	MQTTBroker         string `json:"mqtt_broker"`
	MQTTPort           int    `json:"mqtt_port"`
	MQTTUsername       string `json:"mqtt_username"`
	MQTTPassword       string `json:"-"`
	MQTTTopicPrefix    string `json:"mqtt_topic_prefix"`
	MQTTQoS            int    `json:"mqtt_qos"`
	MQTTRetain         bool   `json:"mqtt_retain"`
	MQTTStatsIntervalS int    `json:"mqtt_stats_interval_s"`

	// history
	HistoryMaxRecords int `json:"history_max_records"`
	HistoryMaxEvents  int `json:"history_max_events"`
	RetentionHours    int `json:"retention_hours"`
	MaxRAMMB          int `json:"max_ram_mb"`

	// Internal state
	lastModified time.Time
}

// Default configuration values
const (
	DefaultDataDir        = "/var/lib/roomfi"
	DefaultScanInterface  = "wlan0"
	DefaultScanIntervalS  = 5
	DefaultLogLevel       = "info"
	DefaultMetricsAddr    = ":9102"
	DefaultHealthAddr     = "127.0.0.1:9101"
	DefaultServerURL      = "https://signatures.roomfi.net"
	DefaultServerTimeoutS = 30
	DefaultBindFlushS     = 60
	DefaultRetentionHours = 24
	DefaultMaxRAMMB       = 4
	DefaultMQTTPort       = 1883
	DefaultMQTTPrefix     = "roomfi"
	DefaultMQTTStatsS     = 60
)

// LoadConfig loads and validates the configuration from a UCI file. A missing
// file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.parseUCI(data); err != nil {
		return nil, fmt.Errorf("failed to parse UCI config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	cfg.lastModified = info.ModTime()
	return cfg, nil
}

// LastModified returns the config file's modification time, zero for defaults.
func (c *Config) LastModified() time.Time {
	return c.lastModified
}

// setDefaults sets default values for the configuration
func (c *Config) setDefaults() {
	lc := localizer.DefaultConfig()

	c.Enable = true
	c.LogLevel = DefaultLogLevel
	c.Syslog = false
	c.DataDir = DefaultDataDir
	c.ScanInterface = DefaultScanInterface
	c.ScanIntervalS = DefaultScanIntervalS
	c.MetricsListener = false
	c.MetricsAddr = DefaultMetricsAddr
	c.HealthListener = true
	c.HealthAddr = DefaultHealthAddr

	c.ServerURL = DefaultServerURL
	c.ServerTimeoutS = DefaultServerTimeoutS
	c.UserAgent = "roomfid"
	c.BindFlushS = DefaultBindFlushS
	c.BindMaxAttempts = 20

	c.Scans = lc.Scan.Scans
	c.AreaThreshold = lc.AreaThreshold
	c.SpaceThreshold = lc.SpaceThreshold
	c.Penalty = lc.Penalty
	c.IdleWindowH = int(lc.IdleWindow / time.Hour)
	c.AreaRefreshS = int(lc.AreaRefresh / time.Second)
	c.MapRefreshS = int(lc.MapRefresh / time.Second)
	c.MapMaxAgeS = int(lc.MapMaxAge / time.Second)
	c.LoudFloor = lc.LoudFloor
	c.BindWindowS = int(lc.BindWindow / time.Second)
	c.BackoffMaxS = int(lc.BackoffMax / time.Second)

	c.MQTTEnable = false
	c.MQTTBroker = "localhost"
	c.MQTTPort = DefaultMQTTPort
	c.MQTTTopicPrefix = DefaultMQTTPrefix
	c.MQTTQoS = 1
	c.MQTTRetain = true
	c.MQTTStatsIntervalS = DefaultMQTTStatsS

	c.HistoryMaxRecords = 1000
	c.HistoryMaxEvents = 500
	c.RetentionHours = DefaultRetentionHours
	c.MaxRAMMB = DefaultMaxRAMMB
}

// parseUCI parses the /etc/config file format:
//
//	config roomfi 'main'
//		option log_level 'debug'
func (c *Config) parseUCI(data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	var section string
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "config":
			if len(fields) < 3 {
				section = ""
				continue
			}
			section = unquote(fields[2])
		case "option":
			if len(fields) < 3 {
				return fmt.Errorf("line %d: option without value", lineNo)
			}
			rest := strings.TrimSpace(line[len("option"):])
			value := unquote(rest[len(fields[1]):])
			if err := c.setOption(section, unquote(fields[1]), value); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
		}
	}
	return scanner.Err()
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// setOption applies one section/option pair. Unknown sections and options
// are ignored so newer configs still load.
func (c *Config) setOption(section, option, value string) error {
	switch section {
	case "main":
		return c.parseMainOption(option, value)
	case "server":
		return c.parseServerOption(option, value)
	case "localizer":
		return c.parseLocalizerOption(option, value)
	case "mqtt":
		return c.parseMQTTOption(option, value)
	case "history":
		return c.parseHistoryOption(option, value)
	}
	return nil
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func parseInt(option, value string, dst *int) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", option, err)
	}
	*dst = v
	return nil
}

func parseFloat(option, value string, dst *float64) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", option, err)
	}
	*dst = v
	return nil
}

// parseMainOption parses a main configuration option
func (c *Config) parseMainOption(option, value string) error {
	switch option {
	case "enable":
		c.Enable = parseBool(value)
	case "log_level":
		if !isValidLogLevel(value) {
			return fmt.Errorf("log_level: unknown level %q", value)
		}
		c.LogLevel = value
	case "log_file":
		c.LogFile = value
	case "syslog":
		c.Syslog = parseBool(value)
	case "data_dir":
		c.DataDir = value
	case "scan_interface":
		c.ScanInterface = value
	case "scan_interval_s":
		return parseInt(option, value, &c.ScanIntervalS)
	case "device_model":
		c.DeviceModel = value
	case "wifi_model":
		c.WiFiModel = value
	case "metrics_listener":
		c.MetricsListener = parseBool(value)
	case "metrics_addr":
		c.MetricsAddr = value
	case "health_listener":
		c.HealthListener = parseBool(value)
	case "health_addr":
		c.HealthAddr = value
	}
	return nil
}

func (c *Config) parseServerOption(option, value string) error {
	switch option {
	case "url":
		c.ServerURL = value
	case "timeout_s":
		return parseInt(option, value, &c.ServerTimeoutS)
	case "user_agent":
		c.UserAgent = value
	case "bind_flush_s":
		return parseInt(option, value, &c.BindFlushS)
	case "bind_max_attempts":
		return parseInt(option, value, &c.BindMaxAttempts)
	}
	return nil
}

func (c *Config) parseLocalizerOption(option, value string) error {
	switch option {
	case "scans":
		return parseInt(option, value, &c.Scans)
	case "area_threshold":
		return parseFloat(option, value, &c.AreaThreshold)
	case "space_threshold":
		return parseFloat(option, value, &c.SpaceThreshold)
	case "penalty":
		return parseFloat(option, value, &c.Penalty)
	case "idle_window_h":
		return parseInt(option, value, &c.IdleWindowH)
	case "area_refresh_s":
		return parseInt(option, value, &c.AreaRefreshS)
	case "map_refresh_s":
		return parseInt(option, value, &c.MapRefreshS)
	case "map_max_age_s":
		return parseInt(option, value, &c.MapMaxAgeS)
	case "loud_floor":
		return parseFloat(option, value, &c.LoudFloor)
	case "bind_window_s":
		return parseInt(option, value, &c.BindWindowS)
	case "backoff_max_s":
		return parseInt(option, value, &c.BackoffMaxS)
	}
	return nil
}

func (c *Config) parseMQTTOption(option, value string) error {
	switch option {
	case "enable":
		c.MQTTEnable = parseBool(value)
	case "broker":
		c.MQTTBroker = value
	case "port":
		return parseInt(option, value, &c.MQTTPort)
	case "username":
		c.MQTTUsername = value
	case "password":
		c.MQTTPassword = value
	case "topic_prefix":
		c.MQTTTopicPrefix = value
	case "qos":
		return parseInt(option, value, &c.MQTTQoS)
	case "retain":
		c.MQTTRetain = parseBool(value)
	case "stats_interval_s":
		return parseInt(option, value, &c.MQTTStatsIntervalS)
	}
	return nil
}

func (c *Config) parseHistoryOption(option, value string) error {
	switch option {
	case "max_records":
		return parseInt(option, value, &c.HistoryMaxRecords)
	case "max_events":
		return parseInt(option, value, &c.HistoryMaxEvents)
	case "retention_hours":
		return parseInt(option, value, &c.RetentionHours)
	case "max_ram_mb":
		return parseInt(option, value, &c.MaxRAMMB)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ScanIntervalS < 1 || c.ScanIntervalS > 300 {
		return fmt.Errorf("scan_interval_s must be between 1 and 300")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if _, err := sigserver.New(sigserver.Config{BaseURL: c.ServerURL}, nil); err != nil {
		return fmt.Errorf("server url: %w", err)
	}
	if c.ServerTimeoutS < 1 || c.ServerTimeoutS > 300 {
		return fmt.Errorf("server timeout_s must be between 1 and 300")
	}
	if c.BindFlushS < 5 {
		return fmt.Errorf("bind_flush_s must be at least 5")
	}
	if c.BindMaxAttempts < 1 {
		return fmt.Errorf("bind_max_attempts must be positive")
	}
	if c.Scans < 2 || c.Scans > 100 {
		return fmt.Errorf("scans must be between 2 and 100")
	}
	if err := c.Localizer().Validate(); err != nil {
		return err
	}
	if c.MQTTEnable {
		if c.MQTTBroker == "" {
			return fmt.Errorf("mqtt broker must be set when mqtt is enabled")
		}
		if c.MQTTPort < 1 || c.MQTTPort > 65535 {
			return fmt.Errorf("mqtt port must be between 1 and 65535")
		}
		if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2")
		}
	}
	if c.RetentionHours < 1 || c.RetentionHours > 168 {
		return fmt.Errorf("retention_hours must be between 1 and 168")
	}
	if c.MaxRAMMB < 1 || c.MaxRAMMB > 128 {
		return fmt.Errorf("max_ram_mb must be between 1 and 128")
	}
	return nil
}

// Localizer returns the localizer tuning.
func (c *Config) Localizer() localizer.Config {
	lc := localizer.DefaultConfig()
	lc.Scan.Scans = c.Scans
	lc.AreaThreshold = c.AreaThreshold
	lc.SpaceThreshold = c.SpaceThreshold
	lc.Penalty = c.Penalty
	lc.IdleWindow = time.Duration(c.IdleWindowH) * time.Hour
	lc.AreaRefresh = time.Duration(c.AreaRefreshS) * time.Second
	lc.MapRefresh = time.Duration(c.MapRefreshS) * time.Second
	lc.MapMaxAge = time.Duration(c.MapMaxAgeS) * time.Second
	lc.RequestTimeout = time.Duration(c.ServerTimeoutS) * time.Second
	lc.LoudFloor = c.LoudFloor
	lc.BindWindow = time.Duration(c.BindWindowS) * time.Second
	lc.BackoffMax = time.Duration(c.BackoffMaxS) * time.Second
	lc.DeviceModel = c.DeviceModel
	lc.WiFiModel = c.WiFiModel
	return lc
}

// Server returns the signature server client settings.
func (c *Config) Server() sigserver.Config {
	return sigserver.Config{
		BaseURL:   c.ServerURL,
		Timeout:   time.Duration(c.ServerTimeoutS) * time.Second,
		UserAgent: c.UserAgent,
	}
}

// MQTT returns the publisher settings.
func (c *Config) MQTT() *mqtt.Config {
	return &mqtt.Config{
		Broker:      c.MQTTBroker,
		Port:        c.MQTTPort,
		Username:    c.MQTTUsername,
		Password:    c.MQTTPassword,
		TopicPrefix: c.MQTTTopicPrefix,
		QoS:         c.MQTTQoS,
		Retain:      c.MQTTRetain,
		Enabled:     c.MQTTEnable,
	}
}

// History returns the history store settings.
func (c *Config) History() telem.Config {
	return telem.Config{
		MaxRecords:     c.HistoryMaxRecords,
		MaxEvents:      c.HistoryMaxEvents,
		RetentionHours: c.RetentionHours,
		MaxRAMMB:       c.MaxRAMMB,
	}
}

func isValidLogLevel(level string) bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return true
		}
	}
	return false
}
