// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package node implementa a máquina de estados comum a todo processo do
// tecido — Producer, Consumer ou Pipeline — e os papéis concretos.
// Estados: Start → Sync → Running → Kill → Join.
package node

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nishisan-dev/n-stream/internal/transport"
	"github.com/nishisan-dev/n-stream/internal/wire"
)

// Nomes de fonte de evento no poller do node.
const (
	srcKill       = "killsig"
	srcInterrupt  = "interrupt"
	srcData       = "data"
	srcDevice     = "device"
	srcDeviceDone = "device_done"
)

// Fases do FSM, para idempotência do kill.
const (
	phaseStart = iota
	phaseSync
	phaseRunning
	phaseKill
	phaseJoin
	phaseDone
)

// Erros do node.
var (
	ErrSyncRejected = errors.New("node: unexpected sync reply from broker")
)

// Role é o conjunto de capacidades específicas de papel que o FSM genérico
// aciona: Producer, Consumer e Pipeline implementam este contrato e
// especializações de dispositivo são plugadas por construção.
type Role interface {
	// Init abre os recursos do papel (dispositivo, sockets de dados) e
	// registra suas fontes de evento no poller do node.
	Init(n *Node) error
	// OnPoll trata um evento de dados do poller.
	OnPoll(ev transport.Event)
	// TriggerStop sinaliza o início do drain: producers param de amostrar,
	// consumers continuam recebendo até END em cada tópico assinado.
	TriggerStop()
	// IsDone reporta se o papel terminou o drain.
	IsDone() bool
	// Cleanup libera os recursos do papel, antes dos genéricos do node.
	Cleanup()
}

// Endpoints aponta o node para os sockets do broker do host.
type Endpoints struct {
	HostIP       string
	PortBackend  string
	PortFrontend string
	PortSync     string
	PortKill     string
}

// DefaultEndpoints retorna os endpoints loopback com as portas default.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		HostIP:       wire.IPLoopback,
		PortBackend:  wire.PortBackend,
		PortFrontend: wire.PortFrontend,
		PortSync:     wire.PortSync,
		PortKill:     wire.PortKill,
	}
}

func (e Endpoints) backendAddr() string {
	return net.JoinHostPort(e.HostIP, e.PortBackend)
}

func (e Endpoints) frontendAddr() string {
	return net.JoinHostPort(e.HostIP, e.PortFrontend)
}

func (e Endpoints) syncAddr() string {
	return net.JoinHostPort(e.HostIP, e.PortSync)
}

func (e Endpoints) killAddr() string {
	return net.JoinHostPort(e.HostIP, e.PortKill)
}

// Node é um processo participante do tecido. O contexto de transporte é
// construído no Init e carregado por valor através do FSM; não há
// singleton de processo.
type Node struct {
	tag      string
	role     Role
	ep       Endpoints
	logger   *slog.Logger
	identity []byte

	poller *transport.Poller
	sync   *transport.SyncConn
	kill   *transport.SubConn

	phase          atomic.Int32
	killRegistered bool
	initFailed     bool
	runErr         error

	cleanupOnce sync.Once
}

// New cria um node com o papel dado. O FSM só abre recursos no Run.
func New(tag string, role Role, ep Endpoints, logger *slog.Logger) *Node {
	return &Node{
		tag:    tag,
		role:   role,
		ep:     ep,
		logger: logger.With("node", tag),
		poller: transport.NewPoller(),
	}
}

// Tag retorna o source tag do node.
func (n *Node) Tag() string {
	return n.tag
}

// Poller expõe o poller para os papéis registrarem suas fontes.
func (n *Node) Poller() *transport.Poller {
	return n.poller
}

// SyncConn expõe o canal de sync para o handshake END/BYE dos producers.
func (n *Node) SyncConn() *transport.SyncConn {
	return n.sync
}

// Logger retorna o logger do node.
func (n *Node) Logger() *slog.Logger {
	return n.logger
}

// Endpoints retorna os endpoints configurados.
func (n *Node) Endpoints() Endpoints {
	return n.ep
}

// Kill pede o desligamento gracioso. Chamadas repetidas durante Kill/Join
// são no-ops; o drain continua.
func (n *Node) Kill() {
	if n.phase.Load() >= phaseKill {
		return
	}
	n.poller.Push(transport.Event{Source: srcInterrupt})
}

// Run executa o FSM até o papel completar o drain. Erros nunca atravessam
// a fronteira de estado: não-fatais são logados, fatais viram Kill.
func (n *Node) Run() error {
	defer n.cleanup()
	for state := stateStart; state != nil; {
		state = state(n)
	}
	n.phase.Store(phaseDone)
	n.logger.Info("node exited")
	return n.runErr
}

type stateFn func(*Node) stateFn

// stateStart abre os recursos genéricos e os do papel, registra as fontes
// de dados no poller e segue para o barrier.
func stateStart(n *Node) stateFn {
	id := uuid.New()
	n.identity = id[:]

	killSub, err := transport.DialSub(srcKill, n.ep.killAddr(), wire.TopicKill)
	if err != nil {
		n.runErr = fmt.Errorf("connecting kill channel: %w", err)
		n.logger.Error("fatal startup error", "error", n.runErr)
		return nil
	}
	n.kill = killSub

	syncConn, err := transport.DialSync(n.ep.syncAddr(), n.identity)
	if err != nil {
		n.runErr = fmt.Errorf("connecting sync channel: %w", err)
		n.logger.Error("fatal startup error", "error", n.runErr)
		return nil
	}
	n.sync = syncConn

	if err := n.role.Init(n); err != nil {
		// Dispositivo indisponível: ainda registra no barrier para não
		// travar os peers, depois encerra imediatamente; o experimento
		// continua sem este node.
		n.initFailed = true
		n.logger.Error("fatal startup error", "error", err)
	}

	n.phase.Store(phaseSync)
	return stateSync
}

// stateSync envia um único frame de identity com o source tag e bloqueia
// pelo GO do broker. Este é o barrier: nenhum dado flui antes da resposta.
func stateSync(n *Node) stateFn {
	if err := n.sync.Request(n.tag); err != nil {
		n.runErr = err
		n.logger.Error("sync request failed", "error", err)
		return nil
	}
	reply, err := n.sync.Recv()
	if err != nil {
		n.runErr = err
		n.logger.Error("sync reply failed", "error", err)
		return nil
	}
	if reply != wire.CmdGo {
		n.runErr = fmt.Errorf("%w: %q", ErrSyncRejected, reply)
		n.logger.Error("sync rejected", "reply", reply)
		return nil
	}
	n.logger.Info("connected to broker")

	if n.initFailed {
		return stateKill
	}
	n.phase.Store(phaseRunning)
	return stateRunning
}

// stateRunning despacha uma iteração do poll loop. A assinatura de kill só
// entra no poller aqui, para que um kill antes do barrier não se perca.
func stateRunning(n *Node) stateFn {
	if !n.killRegistered {
		n.poller.Register(srcKill, n.kill.Events())
		n.killRegistered = true
	}

	ev := n.poller.Poll()
	if isKillEvent(ev) {
		return stateKill
	}
	n.dispatch(ev)
	if n.role.IsDone() {
		return nil
	}
	return stateRunning
}

// stateKill remove a assinatura de kill (sinais seguintes são ignorados) e
// dispara o stop do papel.
func stateKill(n *Node) stateFn {
	n.phase.Store(phaseKill)
	n.logger.Info("received KILL signal")
	n.poller.Unregister(srcKill)
	n.role.TriggerStop()
	n.phase.Store(phaseJoin)
	return stateJoin
}

// stateJoin continua tratando eventos de dados até o papel declarar o
// drain completo.
func stateJoin(n *Node) stateFn {
	if n.role.IsDone() {
		return nil
	}
	ev := n.poller.Poll()
	if isKillEvent(ev) {
		// Kill repetido durante o drain: suprimido.
		return stateJoin
	}
	n.dispatch(ev)
	return stateJoin
}

func (n *Node) dispatch(ev transport.Event) {
	defer func() {
		if r := recover(); r != nil {
			// Violação interna no handler: encerra com drain.
			n.logger.Error("panic in role handler", "panic", r)
			if n.phase.Load() < phaseKill {
				n.poller.Push(transport.Event{Source: srcInterrupt})
			}
		}
	}()
	n.role.OnPoll(ev)
}

func isKillEvent(ev transport.Event) bool {
	if ev.Source == srcInterrupt {
		return true
	}
	return ev.Source == srcKill && ev.Msg != nil && ev.Msg.IsKill()
}

// cleanup libera os recursos do papel e depois os genéricos, exatamente
// uma vez.
func (n *Node) cleanup() {
	n.cleanupOnce.Do(func() {
		n.role.Cleanup()
		if n.kill != nil {
			n.kill.Close()
		}
		if n.sync != nil {
			n.sync.Close()
		}
		n.poller.Close()
	})
}
