// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package delay

import (
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEstimator_PublishesSamples(t *testing.T) {
	var published atomic.Int64
	var lastDelay atomic.Value

	e := NewEstimator(10*time.Millisecond,
		func() error { time.Sleep(2 * time.Millisecond); return nil },
		func(timeS, delayS float64) {
			published.Add(1)
			lastDelay.Store(delayS)
		},
		testLogger())

	e.Start()
	time.Sleep(60 * time.Millisecond)
	e.Stop()

	if published.Load() < 2 {
		t.Fatalf("expected at least 2 published samples, got %d", published.Load())
	}
	if d := lastDelay.Load().(float64); d <= 0 {
		t.Errorf("expected positive delay estimate, got %v", d)
	}
}

func TestEstimator_PingFailureSkipsPublish(t *testing.T) {
	var published atomic.Int64

	e := NewEstimator(5*time.Millisecond,
		func() error { return errors.New("device unreachable") },
		func(timeS, delayS float64) { published.Add(1) },
		testLogger())

	e.Start()
	time.Sleep(30 * time.Millisecond)
	e.Stop()

	if published.Load() != 0 {
		t.Errorf("expected no publishes on failing ping, got %d", published.Load())
	}
}

func TestEstimator_StopIdempotent(t *testing.T) {
	e := NewEstimator(time.Millisecond, func() error { return nil }, func(a, b float64) {}, testLogger())
	e.Start()
	e.Stop()
	e.Stop()
}
