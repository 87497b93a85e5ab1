// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transport constrói os endpoints pub/sub do tecido sobre TCP,
// usando o envelope do pacote wire. Cada conexão tem uma goroutine de
// leitura alimentando um canal de eventos e uma goroutine de escrita com
// fila limitada; assinantes lentos descartam pacotes (convenção pub/sub).
package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-stream/internal/wire"
)

// outQueueDepth é a profundidade da fila de saída de cada conexão.
// Quando cheia, novos pacotes para essa conexão são descartados.
const outQueueDepth = 1024

// writeBufferSize é o tamanho do buffer de escrita por conexão (256KB).
const writeBufferSize = 256 * 1024

// Erros do transporte.
var (
	ErrConnClosed      = errors.New("transport: connection closed")
	ErrUnknownIdentity = errors.New("transport: unknown sync identity")
)

// Event é a unidade entregue pelo poller: uma mensagem de um endpoint,
// um erro de conexão, ou um evento sintético (interrupt, deadline, device).
type Event struct {
	Source string
	Conn   *Conn
	Msg    *wire.Message
	Rec    map[string]any
	Err    error
}

// Conn embrulha uma net.Conn com fila de saída e estado de assinaturas.
// A goroutine de escrita é a única a tocar o socket para envio.
type Conn struct {
	nc     net.Conn
	bw     *bufio.Writer
	out    chan *wire.Message
	closed chan struct{}
	once   sync.Once

	// Prefixos assinados por este peer (lado frontend).
	subMu    sync.RWMutex
	prefixes []string

	// Pacotes descartados por fila cheia (assinante lento).
	dropped atomic.Int64
}

// readBufferSize é o tamanho do buffer de leitura por conexão (256KB).
const readBufferSize = 256 * 1024

func newConnReader(nc net.Conn) *bufio.Reader {
	return bufio.NewReaderSize(nc, readBufferSize)
}

func newConn(nc net.Conn) *Conn {
	c := &Conn{
		nc:     nc,
		bw:     bufio.NewWriterSize(nc, writeBufferSize),
		out:    make(chan *wire.Message, outQueueDepth),
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// RemoteAddr retorna o endereço do peer.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// Send enfileira a mensagem para escrita. Não bloqueia: com a fila cheia
// o pacote é descartado e o contador de drops incrementado.
func (c *Conn) Send(m *wire.Message) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- m:
		return nil
	default:
		c.dropped.Add(1)
		return nil
	}
}

// SendWait enfileira bloqueando até haver espaço ou a conexão fechar.
// Usado no canal de sync, onde GO/BYE não podem ser descartados.
func (c *Conn) SendWait(m *wire.Message) error {
	select {
	case c.out <- m:
		return nil
	case <-c.closed:
		return ErrConnClosed
	}
}

// Dropped retorna o total de pacotes descartados por backpressure.
func (c *Conn) Dropped() int64 {
	return c.dropped.Load()
}

// Subscribe registra um prefixo de tópico assinado por este peer.
func (c *Conn) Subscribe(prefix string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, p := range c.prefixes {
		if p == prefix {
			return
		}
	}
	c.prefixes = append(c.prefixes, prefix)
}

// Unsubscribe remove um prefixo assinado.
func (c *Conn) Unsubscribe(prefix string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for i, p := range c.prefixes {
		if p == prefix {
			c.prefixes = append(c.prefixes[:i], c.prefixes[i+1:]...)
			return
		}
	}
}

// Matches reporta se algum prefixo assinado casa com o tópico.
func (c *Conn) Matches(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, p := range c.prefixes {
		if len(topic) >= len(p) && topic[:len(p)] == p {
			return true
		}
	}
	return false
}

// closeDrainTimeout limita a entrega da fila pendente no fechamento.
const closeDrainTimeout = 2 * time.Second

// Close sinaliza o fechamento exatamente uma vez. A goroutine de escrita
// drena a fila pendente — os últimos pacotes (ENDs encaminhados) precisam
// alcançar o peer — e então fecha o socket, liberando o lado de leitura.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.closed)
	})
}

func (c *Conn) writeLoop() {
	defer c.nc.Close()
	for {
		select {
		case <-c.closed:
			c.drain()
			return
		case m := <-c.out:
			if err := c.write(m); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) write(m *wire.Message) error {
	if err := wire.WriteMessage(c.bw, m); err != nil {
		return err
	}
	// Esvazia a fila antes do flush para agrupar escritas.
	if len(c.out) == 0 {
		return c.bw.Flush()
	}
	return nil
}

// drain entrega o que restou na fila, com deadline para não prender o
// shutdown num peer que parou de ler.
func (c *Conn) drain() {
	c.nc.SetWriteDeadline(time.Now().Add(closeDrainTimeout))
	for {
		select {
		case m := <-c.out:
			if err := c.write(m); err != nil {
				return
			}
		default:
			c.bw.Flush()
			return
		}
	}
}
