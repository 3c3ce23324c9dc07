package collector

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/roomfi/roomfi/pkg/logx"
	"github.com/roomfi/roomfi/pkg/scan"
)

type fakeScanner struct {
	mu    sync.Mutex
	scans [][]scan.Reading
	errs  []error
	n     int
}

func (f *fakeScanner) Name() string { return "fake" }

func (f *fakeScanner) Scan(ctx context.Context) ([]scan.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.n
	f.n++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.scans) {
		return f.scans[i], nil
	}
	return nil, nil
}

type fakeSink struct {
	mu       sync.Mutex
	received [][]scan.Reading
	accept   bool
}

func (f *fakeSink) SubmitScan(_ context.Context, readings []scan.Reading) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, readings)
	return f.accept && len(readings) > 0, nil
}

func TestLoopOnce(t *testing.T) {
	sc := &fakeScanner{
		scans: [][]scan.Reading{
			{{MAC: "00:11:22:33:44:55", Strength: -50}},
		},
		errs: []error{nil, errors.New("busy")},
	}
	sink := &fakeSink{accept: true}

	type result struct {
		n        int
		accepted bool
		err      error
	}
	var results []result
	loop := NewLoop(sc, sink, time.Second, func(n int, accepted bool, err error) {
		results = append(results, result{n, accepted, err})
	}, logx.NewWithWriter(io.Discard, "error"))

	loop.Once(context.Background())
	loop.Once(context.Background())

	if len(sink.received) != 1 {
		t.Fatalf("sink got %d scans, want 1", len(sink.received))
	}
	if len(results) != 2 {
		t.Fatalf("observer got %d calls", len(results))
	}
	if results[0].n != 1 || !results[0].accepted || results[0].err != nil {
		t.Errorf("first = %+v", results[0])
	}
	if results[1].err == nil {
		t.Errorf("second = %+v, want error", results[1])
	}
}

func TestLoopRunStopsOnCancel(t *testing.T) {
	sc := &fakeScanner{}
	sink := &fakeSink{}
	loop := NewLoop(sc, sink, 10*time.Millisecond, nil, logx.NewWithWriter(io.Discard, "error"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.received)
		sink.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("loop did not scan twice")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
