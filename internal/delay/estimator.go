// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package delay estima periodicamente o atraso de transmissão de um
// dispositivo sem clock compartilhado, publicando a medida num tópico
// auxiliar para alinhamento cruzado pós-hoc.
package delay

import (
	"log/slog"
	"sync"
	"time"
)

// ewmaAlpha é o fator de suavização do EWMA do atraso medido.
const ewmaAlpha = 0.25

// PingFunc executa um ping bloqueante do dispositivo.
type PingFunc func() error

// PublishFunc publica a medida no tópico auxiliar do source tag.
type PublishFunc func(timeS, delayS float64)

// Estimator roda numa goroutine própria, medindo o round-trip do ping a
// cada período e publicando metade do RTT suavizado como estimativa de
// atraso de ida.
type Estimator struct {
	period  time.Duration
	ping    PingFunc
	publish PublishFunc
	logger  *slog.Logger

	smoothed float64

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewEstimator cria um estimador parado.
func NewEstimator(period time.Duration, ping PingFunc, publish PublishFunc, logger *slog.Logger) *Estimator {
	return &Estimator{
		period:  period,
		ping:    ping,
		publish: publish,
		logger:  logger.With("component", "delay_estimator"),
		stop:    make(chan struct{}),
	}
}

// Start inicia a amostragem periódica.
func (e *Estimator) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop encerra a amostragem e aguarda a goroutine. Idempotente.
func (e *Estimator) Stop() {
	e.once.Do(func() { close(e.stop) })
	e.wg.Wait()
}

func (e *Estimator) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.period)
	defer ticker.Stop()

	e.sample()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.sample()
		}
	}
}

func (e *Estimator) sample() {
	start := time.Now()
	if err := e.ping(); err != nil {
		e.logger.Warn("device ping failed", "error", err)
		return
	}
	oneWay := time.Since(start).Seconds() / 2

	if e.smoothed == 0 {
		e.smoothed = oneWay
	} else {
		e.smoothed = ewmaAlpha*oneWay + (1-ewmaAlpha)*e.smoothed
	}
	e.publish(float64(time.Now().UnixNano())/1e9, e.smoothed)
}
