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

// Router é o endpoint de sync do broker: preserva a identity de cada
// caller para respostas endereçadas (GO no barrier, BYE no drain).
type Router struct {
	name   string
	ln     net.Listener
	logger *slog.Logger

	events chan Event

	mu         sync.Mutex
	conns      map[*Conn]struct{}
	identities map[string]*Conn
	closed     bool
	wg         sync.WaitGroup
}

// ListenRouter abre o endpoint de sync no endereço.
func ListenRouter(name, addr string, logger *slog.Logger) (*Router, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	r := &Router{
		name:       name,
		ln:         ln,
		logger:     logger.With("endpoint", name, "addr", addr),
		events:     make(chan Event, eventQueueDepth),
		conns:      make(map[*Conn]struct{}),
		identities: make(map[string]*Conn),
	}
	r.wg.Add(1)
	go r.acceptLoop()
	return r, nil
}

// Events retorna o canal de eventos (requests de sync com identity).
func (r *Router) Events() <-chan Event {
	return r.events
}

// Addr retorna o endereço efetivo do router.
func (r *Router) Addr() string {
	return r.ln.Addr().String()
}

// SendTo envia uma resposta de sync (GO/BYE) à identity registrada.
func (r *Router) SendTo(identity []byte, payload string) error {
	r.mu.Lock()
	c, ok := r.identities[string(identity)]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownIdentity
	}
	return c.SendWait(wire.NewSyncReply(payload))
}

// Close fecha o router e todas as conexões.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	r.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	r.wg.Wait()
}

func (r *Router) acceptLoop() {
	defer r.wg.Done()
	for {
		nc, err := r.ln.Accept()
		if err != nil {
			return
		}
		c := newConn(nc)

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			c.Close()
			return
		}
		r.conns[c] = struct{}{}
		r.mu.Unlock()

		r.wg.Add(1)
		go r.readLoop(c)
	}
}

func (r *Router) readLoop(c *Conn) {
	defer r.wg.Done()
	br := newConnReader(c.nc)
	for {
		m, err := wire.ReadMessage(br)
		if err != nil {
			r.detach(c)
			return
		}
		if m.Kind != wire.KindSync || len(m.Frames) < 2 {
			r.logger.Warn("dropping non-sync message on sync endpoint", "peer", c.RemoteAddr())
			continue
		}
		// O primeiro frame é a identity do node; registra para permitir
		// respostas endereçadas enquanto a conexão viver.
		r.mu.Lock()
		r.identities[string(m.Frames[0])] = c
		r.mu.Unlock()
		r.events <- Event{Source: r.name, Conn: c, Msg: m}
	}
}

func (r *Router) detach(c *Conn) {
	c.Close()
	r.mu.Lock()
	delete(r.conns, c)
	for id, conn := range r.identities {
		if conn == c {
			delete(r.identities, id)
		}
	}
	r.mu.Unlock()
}
