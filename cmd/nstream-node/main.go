// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-stream/internal/config"
	"github.com/nishisan-dev/n-stream/internal/logging"
	"github.com/nishisan-dev/n-stream/internal/node"
)

func main() {
	configPath := flag.String("config", "/etc/nstream/broker.yaml", "path to broker config file")
	tag := flag.String("tag", "", "source tag of the node to run")
	trialDir := flag.String("trial-dir", "", "trial directory for persisting nodes")
	flag.Parse()

	if *tag == "" {
		fmt.Fprintln(os.Stderr, "Error: -tag is required")
		os.Exit(1)
	}

	cfg, err := config.LoadBrokerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	defer logCloser.Close()

	spec, ok := findSpec(cfg, *tag)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: no node with tag %q in config\n", *tag)
		os.Exit(1)
	}

	registerBuiltins()

	ep := node.DefaultEndpoints()
	if cfg.Broker.BindIP != "" {
		ep.HostIP = cfg.Broker.BindIP
	}
	if cfg.Ports.Backend != "" {
		ep.PortBackend = cfg.Ports.Backend
	}
	if cfg.Ports.Frontend != "" {
		ep.PortFrontend = cfg.Ports.Frontend
	}
	if cfg.Ports.Sync != "" {
		ep.PortSync = cfg.Ports.Sync
	}
	if cfg.Ports.Kill != "" {
		ep.PortKill = cfg.Ports.Kill
	}

	n, err := node.Build(toSpec(spec), node.Deps{
		Endpoints: ep,
		Logger:    logger,
		TrialDir:  *trialDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building node: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		for range sigCh {
			// Interrupções repetidas durante o drain são suprimidas.
			n.Kill()
		}
	}()

	if err := n.Run(); err != nil {
		logger.Error("node failed", "tag", *tag, "error", err)
		os.Exit(1)
	}
}

func findSpec(cfg *config.BrokerConfig, tag string) (config.NodeSpec, bool) {
	for _, spec := range cfg.Nodes {
		if spec.Tag == tag {
			return spec, true
		}
	}
	return config.NodeSpec{}, false
}

func toSpec(spec config.NodeSpec) node.Spec {
	return node.Spec{
		Type:          spec.Type,
		Tag:           spec.Tag,
		Subscriptions: spec.Subscriptions,
		RateHz:        spec.RateHz,
		SampleLimit:   spec.SampleLimit,
		Compress:      spec.Compress,
		DelayPeriod:   spec.DelayPeriodRaw,
		LocalLog:      spec.LocalLog,
		Options:       spec.Options,
	}
}
