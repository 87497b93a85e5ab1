// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hostmon

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nishisan-dev/n-stream/internal/serialize"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatsDevice_EmitsRecords(t *testing.T) {
	d := NewStatsDevice(50, testLogger())
	if err := d.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var rec serialize.Record
	select {
	case rec = <-d.Samples():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting stats sample")
	}
	if _, ok := rec[serialize.KeyTime]; !ok {
		t.Error("stats record missing time_s")
	}
	// Num host vivo a memória sempre amostra.
	if v, ok := rec["memory_percent"].(float64); !ok || v <= 0 {
		t.Errorf("expected positive memory_percent, got %v", rec["memory_percent"])
	}

	d.StopNewData()
	if err := d.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	// Canal fecha após o drain.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-d.Samples():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("samples channel did not close")
		}
	}
}

func TestStatsDevice_StreamMetadata(t *testing.T) {
	d := NewStatsDevice(2, testLogger())
	infos := d.Streams()
	if len(infos) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(infos))
	}
	info := infos[0]
	if info.Name != "data" || info.RateHz != 2 {
		t.Errorf("unexpected stream metadata: %+v", info)
	}
	if len(info.ExtraKeys) != len(statsKeys) {
		t.Errorf("expected %d extra keys, got %d", len(statsKeys), len(info.ExtraKeys))
	}
}

func TestStatsDevice_RateFloor(t *testing.T) {
	d := NewStatsDevice(0, testLogger())
	if d.Streams()[0].RateHz != 1 {
		t.Errorf("expected rate floor of 1 Hz, got %v", d.Streams()[0].RateHz)
	}
}
