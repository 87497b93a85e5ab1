// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/nishisan-dev/n-stream/internal/hostmon"
	"github.com/nishisan-dev/n-stream/internal/node"
	"github.com/nishisan-dev/n-stream/internal/recorder"
)

// alignerDefaultRingSize é o tamanho default do ring do aligner.
const alignerDefaultRingSize = 32

// registerBuiltins monta o registry explícito de tipos de node.
// Especializações de sensor reais registram aqui as suas factories.
func registerBuiltins() {
	node.Register("dummy-producer", buildDummyProducer)
	node.Register("host-stats", buildHostStats)
	node.Register("recorder", buildRecorder)
	node.Register("aligner", buildAligner)
}

func buildDummyProducer(spec node.Spec, deps node.Deps) (*node.Node, error) {
	rateHz := spec.RateHz
	if rateHz <= 0 {
		rateHz = 10
	}
	device := node.NewDummyDevice(rateHz, spec.SampleLimit)
	cfg := node.ProducerConfig{
		DelayPeriod: spec.DelayPeriod,
		Compress:    spec.Compress,
	}
	if spec.LocalLog && deps.TrialDir != "" {
		sink, err := recorder.New(filepath.Join(deps.TrialDir, spec.Tag), deps.Logger)
		if err != nil {
			return nil, err
		}
		cfg.Sink = sink
	}
	return node.NewProducer(spec.Tag, device, cfg, deps.Endpoints, deps.Logger), nil
}

func buildHostStats(spec node.Spec, deps node.Deps) (*node.Node, error) {
	rateHz := spec.RateHz
	if rateHz <= 0 {
		rateHz = 1
	}
	device := hostmon.NewStatsDevice(rateHz, deps.Logger)
	cfg := node.ProducerConfig{Compress: spec.Compress}
	return node.NewProducer(spec.Tag, device, cfg, deps.Endpoints, deps.Logger), nil
}

func buildRecorder(spec node.Spec, deps node.Deps) (*node.Node, error) {
	if len(spec.Subscriptions) == 0 {
		return nil, fmt.Errorf("recorder %q needs subscriptions", spec.Tag)
	}
	dir := deps.TrialDir
	if dir == "" {
		dir = "./trials/adhoc"
	}
	sink, err := recorder.New(dir, deps.Logger)
	if err != nil {
		return nil, err
	}
	return node.NewConsumer(spec.Tag, spec.Subscriptions, sink, deps.Endpoints, deps.Logger), nil
}

func buildAligner(spec node.Spec, deps node.Deps) (*node.Node, error) {
	if len(spec.Subscriptions) == 0 {
		return nil, fmt.Errorf("aligner %q needs subscriptions", spec.Tag)
	}
	rateHz := spec.RateHz
	if rateHz <= 0 {
		rateHz = 100
	}
	size := alignerDefaultRingSize
	if v, ok := spec.Options["ring_size"]; ok {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("aligner %q: invalid ring_size %q", spec.Tag, v)
		}
		size = parsed
	}
	proc := node.NewAligner(spec.Subscriptions, size, rateHz)
	cfg := node.ProducerConfig{Compress: spec.Compress}
	return node.NewPipeline(spec.Tag, spec.Subscriptions, proc, cfg, deps.Endpoints, deps.Logger), nil
}
