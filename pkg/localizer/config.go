package localizer

import (
	"fmt"
	"time"

	"github.com/roomfi/roomfi/pkg/scan"
)

// Unknown is the estimate reported when no space matches.
const Unknown = "??"

// Config holds the localizer's tuning knobs.
type Config struct {
	Scan scan.Config `json:"scan"`

	// AreaThreshold and SpaceThreshold are the minimum MAC overlap
	// coefficients for the coarse filters.
	AreaThreshold  float64 `json:"area_threshold"`
	SpaceThreshold float64 `json:"space_threshold"`
	// Penalty divides the weight of MACs seen on one side only.
	Penalty float64 `json:"penalty"`

	// IdleWindow is how long an area may go unmatched before it is evicted.
	IdleWindow time.Duration `json:"idle_window"`
	// AreaRefresh is the period of the area lookup; FirstAreaDelay is used
	// right after the first scan arrives.
	AreaRefresh    time.Duration `json:"area_refresh"`
	FirstAreaDelay time.Duration `json:"first_area_delay"`
	// MapRefresh is the period of the signature document pass.
	MapRefresh time.Duration `json:"map_refresh"`
	// MapMaxAge marks loaded areas for revalidation once their last check is older.
	MapMaxAge time.Duration `json:"map_max_age"`
	// TickInterval drives the refresh scheduler.
	TickInterval time.Duration `json:"tick_interval"`
	// RequestTimeout bounds each server request.
	RequestTimeout time.Duration `json:"request_timeout"`
	// BackoffInitial and BackoffMax bound the pause after transport errors.
	BackoffInitial time.Duration `json:"backoff_initial"`
	BackoffMax     time.Duration `json:"backoff_max"`

	// LoudFloor is the mean RSSI (dBm) above which a MAC may key an area lookup.
	LoudFloor float64 `json:"loud_floor"`

	// BindWindow is how much scan history goes into a bind.
	BindWindow  time.Duration `json:"bind_window"`
	DeviceModel string        `json:"device_model"`
	WiFiModel   string        `json:"wifi_model"`
	Source      string        `json:"source"`
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		Scan:           scan.DefaultConfig(),
		AreaThreshold:  0.01,
		SpaceThreshold: 0.01,
		Penalty:        4,
		IdleWindow:     4 * time.Hour,
		AreaRefresh:    5 * time.Minute,
		FirstAreaDelay: 2 * time.Second,
		MapRefresh:     time.Minute,
		MapMaxAge:      time.Hour,
		TickInterval:   time.Second,
		RequestTimeout: 30 * time.Second,
		BackoffInitial: 5 * time.Second,
		BackoffMax:     10 * time.Minute,
		LoudFloor:      -80,
		BindWindow:     2 * time.Minute,
		Source:         "roomfid",
	}
}

// Validate checks the configuration for values the localizer cannot work with.
func (c Config) Validate() error {
	if c.AreaThreshold < 0 || c.AreaThreshold >= 1 {
		return fmt.Errorf("area_threshold must be in [0,1), got %v", c.AreaThreshold)
	}
	if c.SpaceThreshold < 0 || c.SpaceThreshold >= 1 {
		return fmt.Errorf("space_threshold must be in [0,1), got %v", c.SpaceThreshold)
	}
	if c.IdleWindow <= 0 {
		return fmt.Errorf("idle_window must be positive, got %v", c.IdleWindow)
	}
	for name, d := range map[string]time.Duration{
		"area_refresh":    c.AreaRefresh,
		"map_refresh":     c.MapRefresh,
		"tick_interval":   c.TickInterval,
		"request_timeout": c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff_max %v below backoff_initial %v", c.BackoffMax, c.BackoffInitial)
	}
	if c.LoudFloor >= 0 {
		return fmt.Errorf("loud_floor must be negative dBm, got %v", c.LoudFloor)
	}
	return nil
}
