// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nishisan-dev/n-stream/internal/wire"
)

// dialTimeout limita a espera de conexão a um endpoint do broker.
const dialTimeout = 10 * time.Second

// PubConn é o lado publisher de um node: conecta no backend do broker e
// envia pacotes de dados. Escritas são diretas (o producer é o único
// escritor do seu tópico); deltas de assinatura espelhados pelo broker
// são lidos e descartados para não acumular no socket.
type PubConn struct {
	nc   net.Conn
	bw   *syncWriter
	once sync.Once
}

type syncWriter struct {
	mu sync.Mutex
	nc net.Conn
}

func (w *syncWriter) write(m *wire.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return wire.WriteMessage(w.nc, m)
}

// DialPub conecta no endpoint backend do broker.
func DialPub(addr string) (*PubConn, error) {
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing backend %s: %w", addr, err)
	}
	p := &PubConn{nc: nc, bw: &syncWriter{nc: nc}}
	go p.drainLoop()
	return p, nil
}

// Send escreve uma mensagem de dados no broker.
func (p *PubConn) Send(m *wire.Message) error {
	if err := p.bw.write(m); err != nil {
		return fmt.Errorf("publishing packet: %w", err)
	}
	return nil
}

// Close fecha a conexão exatamente uma vez.
func (p *PubConn) Close() {
	p.once.Do(func() { p.nc.Close() })
}

func (p *PubConn) drainLoop() {
	br := newConnReader(p.nc)
	for {
		if _, err := wire.ReadMessage(br); err != nil {
			return
		}
	}
}

// SubConn é o lado subscriber: conecta num frontend (ou killsig) e entrega
// as mensagens recebidas num canal de eventos.
type SubConn struct {
	name   string
	nc     net.Conn
	bw     *syncWriter
	events chan Event
	once   sync.Once
}

// DialSub conecta no endpoint e assina os prefixos dados.
func DialSub(name, addr string, prefixes ...string) (*SubConn, error) {
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing frontend %s: %w", addr, err)
	}
	s := &SubConn{
		name:   name,
		nc:     nc,
		bw:     &syncWriter{nc: nc},
		events: make(chan Event, eventQueueDepth),
	}
	for _, prefix := range prefixes {
		if err := s.bw.write(wire.NewSubscribe(prefix)); err != nil {
			nc.Close()
			return nil, fmt.Errorf("subscribing to %q: %w", prefix, err)
		}
	}
	go s.readLoop()
	return s, nil
}

// Events retorna o canal de eventos do subscriber.
func (s *SubConn) Events() <-chan Event {
	return s.events
}

// Subscribe envia um delta de assinatura adicional.
func (s *SubConn) Subscribe(prefix string) error {
	return s.bw.write(wire.NewSubscribe(prefix))
}

// Forward escreve uma mensagem arbitrária no peer. Usado pelo broker para
// espelhar deltas de assinatura de consumers locais ao broker upstream.
func (s *SubConn) Forward(m *wire.Message) error {
	return s.bw.write(m)
}

// Close fecha a conexão exatamente uma vez.
func (s *SubConn) Close() {
	s.once.Do(func() { s.nc.Close() })
}

func (s *SubConn) readLoop() {
	br := newConnReader(s.nc)
	for {
		m, err := wire.ReadMessage(br)
		if err != nil {
			// Conexão encerrada; entrega o erro e fecha o canal para o
			// poller despejar a fonte.
			if err != io.EOF {
				select {
				case s.events <- Event{Source: s.name, Err: err}:
				default:
				}
			}
			close(s.events)
			return
		}
		s.events <- Event{Source: s.name, Msg: m}
	}
}

// SyncConn é o lado node do canal de sync: envia o request com a identity
// e bloqueia aguardando respostas endereçadas (GO/BYE).
type SyncConn struct {
	nc       net.Conn
	br       io.Reader
	bw       *syncWriter
	identity []byte
	once     sync.Once
}

// DialSync conecta no endpoint de sync do broker.
func DialSync(addr string, identity []byte) (*SyncConn, error) {
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing sync %s: %w", addr, err)
	}
	return &SyncConn{
		nc:       nc,
		br:       newConnReader(nc),
		bw:       &syncWriter{nc: nc},
		identity: identity,
	}, nil
}

// Request registra o node no barrier do broker com seu source tag.
func (s *SyncConn) Request(tag string) error {
	if err := s.bw.write(wire.NewSyncRequest(s.identity, tag)); err != nil {
		return fmt.Errorf("sending sync request: %w", err)
	}
	return nil
}

// Recv bloqueia até a próxima resposta do broker e retorna o payload.
func (s *SyncConn) Recv() (string, error) {
	m, err := wire.ReadMessage(s.br)
	if err != nil {
		return "", fmt.Errorf("receiving sync reply: %w", err)
	}
	return string(m.Payload()), nil
}

// Close fecha a conexão exatamente uma vez.
func (s *SyncConn) Close() {
	s.once.Do(func() { s.nc.Close() })
}
