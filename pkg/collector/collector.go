// Package collector runs periodic WiFi scans and feeds them to the localizer
package collector

import (
	"context"
	"time"

	"github.com/roomfi/roomfi/pkg/logx"
	"github.com/roomfi/roomfi/pkg/scan"
)

// Scanner performs one WiFi scan
type Scanner interface {
	// Scan returns the access points currently visible
	Scan(ctx context.Context) ([]scan.Reading, error)

	// Name identifies the scan backend in logs
	Name() string
}

// Sink receives completed scans
type Sink interface {
	SubmitScan(ctx context.Context, readings []scan.Reading) (bool, error)
}

// Observer is notified of every scan attempt. err is nil on success.
type Observer func(readings int, accepted bool, err error)

// Loop scans on a fixed interval and hands the results to a sink
type Loop struct {
	scanner  Scanner
	sink     Sink
	interval time.Duration
	observe  Observer
	logger   *logx.Logger
}

// NewLoop creates a scan loop. observe may be nil.
func NewLoop(scanner Scanner, sink Sink, interval time.Duration, observe Observer, logger *logx.Logger) *Loop {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Loop{
		scanner:  scanner,
		sink:     sink,
		interval: interval,
		observe:  observe,
		logger:   logger,
	}
}

// Run scans immediately and then every interval until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("scan loop started", "scanner", l.scanner.Name(), "interval", l.interval.String())
	for {
		l.Once(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Once performs a single scan and submission.
func (l *Loop) Once(ctx context.Context) {
	readings, err := l.scanner.Scan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Warn("wifi scan failed", "scanner", l.scanner.Name(), "error", err)
		}
		l.notify(0, false, err)
		return
	}

	accepted, err := l.sink.SubmitScan(ctx, readings)
	if err != nil {
		l.notify(len(readings), false, err)
		return
	}
	if !accepted {
		l.logger.Debug("scan not accepted", "readings", len(readings))
	}
	l.notify(len(readings), accepted, nil)
}

func (l *Loop) notify(n int, accepted bool, err error) {
	if l.observe != nil {
		l.observe(n, accepted, err)
	}
}
