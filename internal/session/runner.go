// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/nishisan-dev/n-stream/internal/broker"
	"github.com/nishisan-dev/n-stream/internal/config"
	"github.com/nishisan-dev/n-stream/internal/recorder"
	"github.com/nishisan-dev/n-stream/internal/uploader"
)

// procWaitTimeout limita a espera pelos processos de node após o broker
// encerrar.
const procWaitTimeout = 30 * time.Second

// Runner executa sessões de gravação completas: monta o broker do host,
// spawna cada node local no seu próprio processo, espera o drain e faz o
// upload opcional do trial.
type Runner struct {
	configPath string
	cfg        *config.BrokerConfig
	logger     *slog.Logger

	mu      sync.Mutex
	current *broker.Broker

	killed   chan struct{}
	killOnce sync.Once
}

// NewRunner cria um runner para a configuração dada.
func NewRunner(configPath string, cfg *config.BrokerConfig, logger *slog.Logger) *Runner {
	return &Runner{
		configPath: configPath,
		cfg:        cfg,
		logger:     logger.With("component", "session_runner"),
		killed:     make(chan struct{}),
	}
}

// Kill encerra a sessão corrente e marca o runner como finalizado.
func (r *Runner) Kill() {
	r.killOnce.Do(func() { close(r.killed) })
	r.mu.Lock()
	b := r.current
	r.mu.Unlock()
	if b != nil {
		b.Kill()
	}
}

// Done fecha quando o runner recebeu um pedido de encerramento.
func (r *Runner) Done() <-chan struct{} {
	return r.killed
}

// Run executa uma sessão: broker + nodes locais + upload opcional.
func (r *Runner) Run(ctx context.Context) error {
	cfg := r.cfg
	trialDir := recorder.TrialDir(
		orDefault(cfg.Session.BaseDir, "./trials"),
		orDefault(cfg.Session.Subject, "S000"),
		cfg.Session.Trial,
		orDefault(cfg.Session.Label, "trial"),
		time.Now())

	bcfg := broker.Config{
		Name:           cfg.Broker.Name,
		BindIP:         cfg.Broker.BindIP,
		LANIP:          cfg.Broker.LANIP,
		PortBackend:    cfg.Ports.Backend,
		PortFrontend:   cfg.Ports.Frontend,
		PortSync:       cfg.Ports.Sync,
		PortKill:       cfg.Ports.Kill,
		LocalNodes:     len(cfg.Nodes),
		LocalProducers: cfg.LocalProducers(),
		Duration:       cfg.Session.DurationRaw,
	}
	for _, up := range cfg.Remote.Upstreams {
		bcfg.Upstreams = append(bcfg.Upstreams, broker.UpstreamConfig{
			Address:       up.Address,
			PortFrontend:  up.PortFrontend,
			SubscribeKill: up.SubscribeKill,
			PortKill:      up.PortKill,
		})
	}
	for _, down := range cfg.Remote.Downstreams {
		bcfg.Downstreams = append(bcfg.Downstreams, broker.DownstreamConfig{
			Address:       down.Address,
			PortSync:      down.PortSync,
			SubscribeKill: down.SubscribeKill,
			PortKill:      down.PortKill,
		})
	}

	b, err := broker.New(bcfg, r.logger)
	if err != nil {
		return fmt.Errorf("creating broker: %w", err)
	}

	r.mu.Lock()
	r.current = b
	r.mu.Unlock()
	select {
	case <-r.killed:
		// Kill chegou antes da sessão montar.
		b.Kill()
	default:
	}

	procs, err := r.spawnNodes(trialDir)
	if err != nil {
		b.Kill()
		b.Run()
		return err
	}

	r.logger.Info("session started", "trial_dir", trialDir, "nodes", len(procs))
	runErr := b.Run()

	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()

	r.waitNodes(procs)

	if runErr != nil {
		return runErr
	}

	if cfg.Upload.Bucket != "" {
		up, err := uploader.New(ctx, uploader.Config{
			Bucket:    cfg.Upload.Bucket,
			Region:    cfg.Upload.Region,
			Prefix:    cfg.Upload.Prefix,
			Endpoint:  cfg.Upload.Endpoint,
			AccessKey: cfg.Upload.AccessKey,
			SecretKey: cfg.Upload.SecretKey,
		}, r.logger)
		if err != nil {
			return fmt.Errorf("creating uploader: %w", err)
		}
		if err := up.UploadDir(ctx, trialDir); err != nil {
			// O trial fica em disco; o erro não invalida a sessão.
			r.logger.Error("trial upload failed", "error", err)
		}
	}
	return nil
}

// spawnNodes lança cada node configurado no seu próprio processo do SO,
// para que um SDK travado não derrube os peers.
func (r *Runner) spawnNodes(trialDir string) ([]*exec.Cmd, error) {
	bin := orDefault(r.cfg.Session.NodeBinary, "nstream-node")

	procs := make([]*exec.Cmd, 0, len(r.cfg.Nodes))
	for _, spec := range r.cfg.Nodes {
		cmd := exec.Command(bin, "-config", r.configPath, "-tag", spec.Tag, "-trial-dir", trialDir)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			for _, p := range procs {
				p.Process.Kill()
			}
			return nil, fmt.Errorf("spawning node %q: %w", spec.Tag, err)
		}
		r.logger.Info("node process started", "tag", spec.Tag, "pid", cmd.Process.Pid)
		procs = append(procs, cmd)
	}
	return procs, nil
}

// waitNodes espera os processos saírem; passado o timeout, mata o que
// sobrou — o broker não espera indefinidamente por um processo morto.
func (r *Runner) waitNodes(procs []*exec.Cmd) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, p := range procs {
			if err := p.Wait(); err != nil {
				r.logger.Warn("node process exited with error", "pid", p.Process.Pid, "error", err)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(procWaitTimeout):
		r.logger.Warn("node processes did not exit in time, killing")
		for _, p := range procs {
			p.Process.Kill()
		}
		<-done
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
