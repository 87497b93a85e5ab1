// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/nishisan-dev/n-stream/internal/wire"
)

// eventQueueDepth é a profundidade do canal de eventos de um listener.
const eventQueueDepth = 4096

// Listener aceita conexões de peers num endpoint do broker e entrega as
// mensagens recebidas num canal de eventos único. Serve tanto o backend
// (semântica XSUB: recebe dados de producers, espelha deltas de assinatura
// de volta) quanto o frontend (semântica XPUB: envia dados filtrados por
// prefixo, recebe deltas) e o kill pub.
type Listener struct {
	name   string
	ln     net.Listener
	logger *slog.Logger

	events chan Event

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Listen abre um listener TCP no endereço e inicia o accept loop.
func Listen(name, addr string, logger *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	l := &Listener{
		name:   name,
		ln:     ln,
		logger: logger.With("endpoint", name, "addr", addr),
		events: make(chan Event, eventQueueDepth),
		conns:  make(map[*Conn]struct{}),
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Events retorna o canal de eventos do listener, para registro no poller.
func (l *Listener) Events() <-chan Event {
	return l.events
}

// Addr retorna o endereço efetivo do listener (útil com porta 0 em testes).
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Broadcast envia a mensagem para todas as conexões, sem filtro.
// Usado para espelhar deltas de assinatura aos producers e para o killsig.
func (l *Listener) Broadcast(m *wire.Message) {
	for _, c := range l.snapshot() {
		c.Send(m)
	}
}

// Publish envia a mensagem de dados às conexões cujo conjunto de
// assinaturas casa com o tópico (semântica XPUB).
func (l *Listener) Publish(m *wire.Message) {
	topic := m.Topic()
	for _, c := range l.snapshot() {
		if c.Matches(topic) {
			c.Send(m)
		}
	}
}

// ConnCount retorna o número de conexões ativas.
func (l *Listener) ConnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// Close fecha o listener e todas as conexões, exatamente uma vez.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	l.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	l.wg.Wait()
}

func (l *Listener) snapshot() []*Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		out = append(out, c)
	}
	return out
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			// Listener fechado ou erro fatal de accept; encerra.
			return
		}
		c := newConn(nc)

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			c.Close()
			return
		}
		l.conns[c] = struct{}{}
		l.mu.Unlock()

		l.logger.Debug("peer connected", "peer", c.RemoteAddr())
		l.wg.Add(1)
		go l.readLoop(c)
	}
}

func (l *Listener) readLoop(c *Conn) {
	defer l.wg.Done()
	br := newConnReader(c.nc)
	for {
		m, err := wire.ReadMessage(br)
		if err != nil {
			l.detach(c, err)
			return
		}
		// Mantém o estado de assinatura local; o broker ainda vê o
		// delta para espelhar ao backend.
		switch m.Kind {
		case wire.KindSubscribe:
			c.Subscribe(string(m.Frames[0]))
		case wire.KindUnsubscribe:
			c.Unsubscribe(string(m.Frames[0]))
		}
		l.events <- Event{Source: l.name, Conn: c, Msg: m}
	}
}

func (l *Listener) detach(c *Conn, err error) {
	c.Close()
	l.mu.Lock()
	delete(l.conns, c)
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	l.logger.Debug("peer disconnected", "peer", c.RemoteAddr(), "error", err)
	// Entrega o desligamento como evento para o dono decidir.
	select {
	case l.events <- Event{Source: l.name, Conn: c, Err: err}:
	default:
	}
}
