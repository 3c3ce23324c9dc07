package uci

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/roomfi/roomfi/pkg/logx"
)

// Package is the UCI config name used by roomfid.
const Package = "roomfi"

// UCI wraps the uci command line tool
type UCI struct {
	logger *logx.Logger
	bin    string
}

// NewUCI creates a new UCI manager
func NewUCI(logger *logx.Logger) *UCI {
	return &UCI{
		logger: logger,
		bin:    "uci",
	}
}

// Available reports whether the uci binary is on PATH.
func (u *UCI) Available() bool {
	_, err := exec.LookPath(u.bin)
	return err == nil
}

// Option is one section/option/value triple from `uci show`.
type Option struct {
	Section string
	Name    string
	Value   string
}

// Show lists every option of a config package.
func (u *UCI) Show(ctx context.Context, config string) ([]Option, error) {
	cmd := exec.CommandContext(ctx, u.bin, "show", config)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to show UCI config %s: %w", config, err)
	}
	return parseShow(config, output), nil
}

// parseShow reads lines like roomfi.main.log_level='debug'. Section type
// lines (roomfi.main=roomfi) carry no option and are skipped.
func parseShow(config string, output []byte) []Option {
	var opts []Option
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		parts := strings.SplitN(key, ".", 3)
		if len(parts) != 3 || parts[0] != config {
			continue
		}
		opts = append(opts, Option{Section: parts[1], Name: parts[2], Value: unquote(value)})
	}
	return opts
}

// LoadConfig builds the configuration from the live UCI database.
func (u *UCI) LoadConfig(ctx context.Context) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	opts, err := u.Show(ctx, Package)
	if err != nil {
		return nil, err
	}
	for _, o := range opts {
		if err := cfg.setOption(o.Section, o.Name, o.Value); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", o.Section, o.Name, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	cfg.lastModified = time.Now()
	return cfg, nil
}

// Load prefers the uci tool and falls back to reading path directly.
func Load(ctx context.Context, path string, logger *logx.Logger) (*Config, error) {
	u := NewUCI(logger)
	if u.Available() {
		cfg, err := u.LoadConfig(ctx)
		if err == nil {
			return cfg, nil
		}
		logger.Warn("uci load failed, reading config file", "path", path, "error", err)
	}
	return LoadConfig(path)
}
