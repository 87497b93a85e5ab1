// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package hostmon publica a saúde do host como um stream de performance do
// trial: um Device de Producer que amostra cpu, memória, disco e load na
// taxa configurada, para o health check pós-hoc da sessão.
package hostmon

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nishisan-dev/n-stream/internal/serialize"
	"github.com/nishisan-dev/n-stream/internal/stream"
	"github.com/nishisan-dev/n-stream/internal/wire"
)

// statsQueueDepth limita amostras de stats em voo.
const statsQueueDepth = 64

// statsKeys são os campos do registro, na ordem do shape publicado.
var statsKeys = [4]string{"cpu_percent", "memory_percent", "disk_percent", "load_avg"}

// StatsDevice amostra a saúde do host diretamente a cada tick e emite um
// registro por amostra. Métrica que falha num tick fica fora do registro
// daquele tick; o consumidor tolera campos ausentes.
type StatsDevice struct {
	rateHz float64
	logger *slog.Logger

	out  chan serialize.Record
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewStatsDevice cria o device com a taxa de publicação dada.
func NewStatsDevice(rateHz float64, logger *slog.Logger) *StatsDevice {
	if rateHz <= 0 {
		rateHz = 1
	}
	return &StatsDevice{
		rateHz: rateHz,
		logger: logger.With("component", "hostmon"),
		out:    make(chan serialize.Record, statsQueueDepth),
		stop:   make(chan struct{}),
	}
}

// Connect liga a goroutine de amostragem.
func (d *StatsDevice) Connect() error {
	period := time.Duration(float64(time.Second) / d.rateHz)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(d.out)

		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
				select {
				case d.out <- d.sample():
				case <-d.stop:
					return
				}
			}
		}
	}()
	return nil
}

// sample monta o registro de um tick. O primeiro cpu.Percent devolve a
// média desde o boot; a partir do segundo tick é a janela entre chamadas.
func (d *StatsDevice) sample() serialize.Record {
	rec := serialize.New(float64(time.Now().UnixNano()) / 1e9)

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		rec["cpu_percent"] = percents[0]
	} else if err != nil {
		d.logger.Debug("cpu sample failed", "error", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		rec["memory_percent"] = vm.UsedPercent
	} else {
		d.logger.Debug("memory sample failed", "error", err)
	}
	if du, err := disk.Usage("/"); err == nil {
		rec["disk_percent"] = du.UsedPercent
	} else {
		d.logger.Debug("disk sample failed", "error", err)
	}
	if avg, err := load.Avg(); err == nil {
		rec["load_avg"] = avg.Load1
	} else {
		d.logger.Debug("load sample failed", "error", err)
	}
	return rec
}

// Streams descreve o canal de métricas.
func (d *StatsDevice) Streams() []stream.Info {
	return []stream.Info{{
		Name:        wire.SubchannelData,
		Dtype:       "float64",
		SampleShape: []int{len(statsKeys)},
		RateHz:      d.rateHz,
		ExtraKeys:   statsKeys[:],
	}}
}

// Samples retorna o canal de amostras.
func (d *StatsDevice) Samples() <-chan serialize.Record {
	return d.out
}

// StopNewData encerra a amostragem; o canal fecha após o drain.
func (d *StatsDevice) StopNewData() {
	d.once.Do(func() { close(d.stop) })
}

// Cleanup aguarda a goroutine de amostragem.
func (d *StatsDevice) Cleanup() error {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
	return nil
}
