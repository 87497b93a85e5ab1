// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-stream/internal/config"
	"github.com/nishisan-dev/n-stream/internal/logging"
	"github.com/nishisan-dev/n-stream/internal/session"
)

func main() {
	configPath := flag.String("config", "/etc/nstream/broker.yaml", "path to broker config file")
	once := flag.Bool("once", false, "run a single session and exit, ignoring the schedule")
	flag.Parse()

	cfg, err := config.LoadBrokerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	defer logCloser.Close()

	runner := session.NewRunner(*configPath, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("received signal, shutting down")
		runner.Kill()
	}()

	if cfg.Session.Schedule != "" && !*once {
		// Modo daemon: sessões recorrentes via cron.
		sched, err := session.NewScheduler(cfg.Session.Schedule, runner.Run, logger)
		if err != nil {
			logger.Error("creating session scheduler", "error", err)
			os.Exit(1)
		}
		sched.Start()

		<-runner.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		sched.Stop(ctx)
		cancel()
		return
	}

	// Sessão única.
	if err := runner.Run(context.Background()); err != nil {
		logger.Error("session failed", "error", err)
		os.Exit(1)
	}
}
