// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/n-stream/internal/serialize"
	"github.com/nishisan-dev/n-stream/internal/stream"
	"github.com/nishisan-dev/n-stream/internal/wire"
)

// deviceQueueDepth limita as amostras em voo entre a thread do SDK e a
// thread principal do node.
const deviceQueueDepth = 256

// Erros de device.
var (
	ErrDeviceUnavailable = errors.New("node: device unavailable")
)

// Device é a capacidade que uma especialização de sensor apresenta a um
// Producer. A thread do SDK empurra amostras no canal; a thread principal
// puxa e publica — pacotes perdidos são responsabilidade do consumidor
// lento, não do sensor.
type Device interface {
	// Connect abre o dispositivo e inicia a amostragem.
	Connect() error
	// Streams descreve os canais que o dispositivo emite.
	Streams() []stream.Info
	// Samples é o canal de amostras; fecha após StopNewData drenar o que
	// estava em voo.
	Samples() <-chan serialize.Record
	// StopNewData para de amostrar; amostras já capturadas ainda saem.
	StopNewData()
	// Cleanup libera os recursos do dispositivo.
	Cleanup() error
}

// Pinger é a capacidade opcional de medir atraso de transmissão para
// dispositivos sem clock sincronizado.
type Pinger interface {
	Ping() error
}

// DummyDevice emite contadores monotônicos a uma taxa nominal — o sensor
// sintético dos launchers e dos testes de cenário.
type DummyDevice struct {
	rateHz float64
	limit  int

	out    chan serialize.Record
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// NewDummyDevice cria um sensor sintético. limit 0 amostra até o kill;
// limit N emite exatamente N amostras e encerra sozinho.
func NewDummyDevice(rateHz float64, limit int) *DummyDevice {
	return &DummyDevice{
		rateHz: rateHz,
		limit:  limit,
		out:    make(chan serialize.Record, deviceQueueDepth),
		cancel: func() {},
	}
}

// Connect inicia a goroutine de amostragem.
func (d *DummyDevice) Connect() error {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	limiter := rate.NewLimiter(rate.Limit(d.rateHz), 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(d.out)
		for counter := 0; d.limit == 0 || counter < d.limit; counter++ {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			rec := serialize.New(float64(time.Now().UnixNano()) / 1e9)
			rec["counter"] = int64(counter)
			select {
			case d.out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Streams descreve o canal único de contadores.
func (d *DummyDevice) Streams() []stream.Info {
	return []stream.Info{{
		Name:          wire.SubchannelData,
		Dtype:         "int64",
		SampleShape:   []int{1},
		RateHz:        d.rateHz,
		IsMeasureRate: true,
	}}
}

// Samples retorna o canal de amostras.
func (d *DummyDevice) Samples() <-chan serialize.Record {
	return d.out
}

// StopNewData cancela a amostragem; o canal fecha após o drain.
func (d *DummyDevice) StopNewData() {
	d.once.Do(d.cancel)
}

// Ping simula o round-trip de um dispositivo sem clock sincronizado.
func (d *DummyDevice) Ping() error {
	time.Sleep(time.Millisecond)
	return nil
}

// Cleanup aguarda a goroutine de amostragem.
func (d *DummyDevice) Cleanup() error {
	d.once.Do(d.cancel)
	d.wg.Wait()
	return nil
}
