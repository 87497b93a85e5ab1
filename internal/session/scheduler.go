// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package session agenda sessões de gravação recorrentes: a cada disparo
// do cron roda uma sessão do broker com a duração configurada, com guard
// de execução única.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RunFunc executa uma sessão de gravação completa.
type RunFunc func(ctx context.Context) error

// Scheduler gerencia o cron job da sessão.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	runFn  RunFunc

	mu      sync.Mutex
	running bool
}

// NewScheduler cria um Scheduler com a cron expression dada.
func NewScheduler(schedule string, runFn RunFunc, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		logger: logger.With("component", "session_scheduler"),
		runFn:  runFn,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, s.execute); err != nil {
		return nil, fmt.Errorf("adding session cron job: %w", err)
	}
	s.cron = c

	logger.Info("registered session schedule", "schedule", schedule)
	return s, nil
}

// Start inicia o scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("session scheduler started")
	s.cron.Start()
}

// Stop para o scheduler e aguarda a sessão em andamento.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("session scheduler stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("session scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("session scheduler stop timed out")
	}
}

// Running reporta se há sessão em andamento.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) execute() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("session already running, skipping scheduled trigger")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("scheduled session triggered")
	start := time.Now()

	if err := s.runFn(context.Background()); err != nil {
		s.logger.Error("session failed", "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Info("session completed", "duration", time.Since(start))
}
