// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package broker implementa o roteador pub/sub por host: barrier de sync,
// fan-out de pacotes, propagação de kill e drain com garantia de último
// pacote. Brokers encadeiam entre hosts: o downstream assina o frontend do
// upstream e republica aos próprios assinantes.
package broker

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nishisan-dev/n-stream/internal/node"
	"github.com/nishisan-dev/n-stream/internal/transport"
	"github.com/nishisan-dev/n-stream/internal/wire"
)

// Nomes de fonte de evento no poller do broker.
const (
	srcBackend     = "backend"
	srcFrontend    = "frontend"
	srcFrontendLAN = "frontend_lan"
	srcSync        = "sync"
	srcKillIn      = "upstream_kill"
	srcInterrupt   = "interrupt"
	srcDeadline    = "deadline"
	srcUpstream    = "upstream"
)

// Fases do FSM do broker.
const (
	phaseStart = iota
	phaseSync
	phaseRunning
	phaseKill
	phaseJoin
	phaseDone
)

// UpstreamConfig aponta este broker para o frontend de um broker upstream:
// o backend local disca o frontend remoto e o stream passa a ser um só.
type UpstreamConfig struct {
	Address      string
	PortFrontend string
	// SubscribeKill também assina o killsig do upstream.
	SubscribeKill bool
	PortKill      string
}

// DownstreamConfig aponta este broker para o canal de sync de um broker
// downstream, onde ele se registra como um producer: entra no barrier do
// downstream, e no fim do próprio drain emite o END do seu tag e espera o
// BYE antes de fechar.
type DownstreamConfig struct {
	Address  string
	PortSync string
	// SubscribeKill também assina o killsig do downstream — o kill do
	// operador tipicamente nasce no host de coleta e sobe a cadeia.
	SubscribeKill bool
	PortKill      string
}

// Config parametriza um broker.
type Config struct {
	// Name é o tag deste broker no barrier de brokers downstream.
	Name string
	// BindIP é o IP dos binds locais (loopback por default).
	BindIP string
	// LANIP, se preenchido, expõe um segundo frontend na LAN.
	LANIP string

	PortBackend  string
	PortFrontend string
	PortSync     string
	PortKill     string

	// LocalNodes é o número de nodes locais esperados no barrier.
	LocalNodes int
	// LocalProducers é o número de nodes locais que emitem END
	// (producers e pipelines).
	LocalProducers int

	Upstreams   []UpstreamConfig
	Downstreams []DownstreamConfig

	// Duration, se positiva, sintetiza um kill após esse tempo de Running.
	Duration time.Duration
}

func (c *Config) applyDefaults() {
	if c.BindIP == "" {
		c.BindIP = wire.IPLoopback
	}
	if c.PortBackend == "" {
		c.PortBackend = wire.PortBackend
	}
	if c.PortFrontend == "" {
		c.PortFrontend = wire.PortFrontend
	}
	if c.PortSync == "" {
		c.PortSync = wire.PortSync
	}
	if c.PortKill == "" {
		c.PortKill = wire.PortKill
	}
	if c.Name == "" {
		c.Name = "broker"
	}
}

// Broker é o roteador e coordenador de ciclo de vida do host.
type Broker struct {
	cfg    Config
	logger *slog.Logger

	backend   *transport.Listener
	frontends []*transport.Listener
	sync      *transport.Router
	killPub   *transport.Listener

	remoteBackends []*transport.SubConn
	upstreamKills  []*transport.SubConn
	downSyncs      []*transport.SyncConn

	poller *transport.Poller

	// Registro de nodes: tag → identity. Populado exatamente uma vez no
	// sync, removido exatamente uma vez no drain.
	nodes    map[string][]byte
	endsLeft int

	phase        atomic.Int32
	deadlineStop chan struct{}
	runErr       error
}

// New abre os sockets do broker e deixa o FSM pronto para Run.
func New(cfg Config, logger *slog.Logger) (*Broker, error) {
	cfg.applyDefaults()
	b := &Broker{
		cfg:          cfg,
		logger:       logger.With("component", "broker", "name", cfg.Name),
		poller:       transport.NewPoller(),
		nodes:        make(map[string][]byte),
		deadlineStop: make(chan struct{}),
	}

	var err error
	// Endpoint de assinatura local: recebe dos producers, devolve deltas.
	b.backend, err = transport.Listen(srcBackend, net.JoinHostPort(cfg.BindIP, cfg.PortBackend), logger)
	if err != nil {
		return nil, err
	}
	// Endpoint de publicação local: envia aos consumers por prefixo.
	front, err := transport.Listen(srcFrontend, net.JoinHostPort(cfg.BindIP, cfg.PortFrontend), logger)
	if err != nil {
		b.closeSockets()
		return nil, err
	}
	b.frontends = []*transport.Listener{front}

	if cfg.LANIP != "" {
		lan, err := transport.Listen(srcFrontendLAN, net.JoinHostPort(cfg.LANIP, cfg.PortFrontend), logger)
		if err != nil {
			b.closeSockets()
			return nil, err
		}
		b.frontends = append(b.frontends, lan)
	}

	// Canal de sync: preserva a identity de cada caller.
	b.sync, err = transport.ListenRouter(srcSync, net.JoinHostPort(cfg.BindIP, cfg.PortSync), logger)
	if err != nil {
		b.closeSockets()
		return nil, err
	}

	// Killsig para os nodes locais (e brokers downstream interessados).
	b.killPub, err = transport.Listen("killsig", net.JoinHostPort(cfg.BindIP, cfg.PortKill), logger)
	if err != nil {
		b.closeSockets()
		return nil, err
	}

	// Peers remotos: backend extra discado no frontend de cada upstream.
	// Assina tudo: o fan-out é incondicional e assinantes locais tardios
	// não podem depender de deltas que já passaram.
	for i, up := range cfg.Upstreams {
		port := up.PortFrontend
		if port == "" {
			port = wire.PortFrontend
		}
		conn, err := transport.DialSub(fmt.Sprintf("%s#%d", srcUpstream, i), net.JoinHostPort(up.Address, port), "")
		if err != nil {
			b.closeSockets()
			return nil, fmt.Errorf("connecting upstream frontend: %w", err)
		}
		b.remoteBackends = append(b.remoteBackends, conn)

		if up.SubscribeKill {
			killPort := up.PortKill
			if killPort == "" {
				killPort = wire.PortKill
			}
			killConn, err := transport.DialSub(fmt.Sprintf("%s#%d", srcKillIn, i), net.JoinHostPort(up.Address, killPort), wire.TopicKill)
			if err != nil {
				b.closeSockets()
				return nil, fmt.Errorf("connecting upstream killsig: %w", err)
			}
			b.upstreamKills = append(b.upstreamKills, killConn)
		}
	}

	for _, down := range cfg.Downstreams {
		if !down.SubscribeKill {
			continue
		}
		killPort := down.PortKill
		if killPort == "" {
			killPort = wire.PortKill
		}
		killConn, err := transport.DialSub(fmt.Sprintf("%s#%d", srcKillIn, len(b.upstreamKills)), net.JoinHostPort(down.Address, killPort), wire.TopicKill)
		if err != nil {
			b.closeSockets()
			return nil, fmt.Errorf("connecting downstream killsig: %w", err)
		}
		b.upstreamKills = append(b.upstreamKills, killConn)
	}

	b.endsLeft = cfg.LocalProducers + len(cfg.Upstreams)
	return b, nil
}

// Endpoints retorna os endpoints efetivos para nodes locais — útil quando
// o broker foi aberto com portas efêmeras em testes.
func (b *Broker) Endpoints() node.Endpoints {
	_, backendPort, _ := net.SplitHostPort(b.backend.Addr())
	_, frontendPort, _ := net.SplitHostPort(b.frontends[0].Addr())
	_, syncPort, _ := net.SplitHostPort(b.sync.Addr())
	_, killPort, _ := net.SplitHostPort(b.killPub.Addr())
	return node.Endpoints{
		HostIP:       b.cfg.BindIP,
		PortBackend:  backendPort,
		PortFrontend: frontendPort,
		PortSync:     syncPort,
		PortKill:     killPort,
	}
}

// Kill pede o desligamento coordenado. Idempotente durante Kill/Join.
func (b *Broker) Kill() {
	if b.phase.Load() >= phaseKill {
		return
	}
	b.poller.Push(transport.Event{Source: srcInterrupt})
}

// Run executa o FSM do broker até o drain completar.
func (b *Broker) Run() error {
	defer b.shutdown()
	for state := stateStart; state != nil; {
		state = state(b)
	}
	b.phase.Store(phaseDone)
	b.logger.Info("broker exited")
	return b.runErr
}

func (b *Broker) closeSockets() {
	if b.backend != nil {
		b.backend.Close()
	}
	for _, f := range b.frontends {
		f.Close()
	}
	if b.sync != nil {
		b.sync.Close()
	}
	if b.killPub != nil {
		b.killPub.Close()
	}
	for _, c := range b.remoteBackends {
		c.Close()
	}
	for _, c := range b.upstreamKills {
		c.Close()
	}
	for _, c := range b.downSyncs {
		c.Close()
	}
}

func (b *Broker) shutdown() {
	select {
	case <-b.deadlineStop:
	default:
		close(b.deadlineStop)
	}
	b.poller.Close()
	b.closeSockets()
}

func newIdentity() []byte {
	id := uuid.New()
	return id[:]
}
