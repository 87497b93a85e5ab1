// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package node

import (
	"fmt"
	"log/slog"

	"github.com/nishisan-dev/n-stream/internal/serialize"
	"github.com/nishisan-dev/n-stream/internal/transport"
	"github.com/nishisan-dev/n-stream/internal/wire"
)

// Sink é o handler de papel de um Consumer: recebe cada pacote decodável e
// o fim de cada tópico assinado.
type Sink interface {
	OnPacket(topic string, rec serialize.Record) error
	OnTopicEnd(tag string) error
	Close() error
}

// Consumer assina uma lista declarada de source tags e despacha cada
// pacote ao sink. Mantém o conjunto de tags ainda vivos; vira done quando
// todos os assinados entregaram END.
type Consumer struct {
	n    *Node
	tags []string
	sink Sink

	sub  *transport.SubConn
	live map[string]bool
	done bool
}

// NewConsumer monta um node Consumer assinando os source tags dados.
func NewConsumer(tag string, subscriptions []string, sink Sink, ep Endpoints, logger *slog.Logger) *Node {
	c := &Consumer{tags: append([]string(nil), subscriptions...), sink: sink}
	n := New(tag, c, ep, logger)
	c.n = n
	return c.n
}

// Init assina o frontend do broker com o prefixo de cada source tag.
func (c *Consumer) Init(n *Node) error {
	prefixes := make([]string, len(c.tags))
	for i, t := range c.tags {
		prefixes[i] = t + "."
	}
	sub, err := transport.DialSub(srcData, n.Endpoints().frontendAddr(), prefixes...)
	if err != nil {
		c.done = true
		return fmt.Errorf("connecting frontend: %w", err)
	}
	c.sub = sub

	c.live = make(map[string]bool, len(c.tags))
	for _, t := range c.tags {
		c.live[t] = true
	}

	n.Poller().Register(srcData, sub.Events())
	return nil
}

// OnPoll despacha um pacote do frontend: END decrementa o conjunto de tags
// vivos, dados vão ao sink; pacote malformado é descartado com log.
func (c *Consumer) OnPoll(ev transport.Event) {
	if ev.Source != srcData {
		return
	}
	if ev.Err != nil {
		c.n.Logger().Warn("frontend connection error", "error", ev.Err)
		return
	}
	msg := ev.Msg
	if msg == nil || msg.Kind != wire.KindData {
		return
	}

	topic := msg.Topic()
	if msg.IsEnd() {
		tag := wire.SourceTag(topic)
		if !c.live[tag] {
			return
		}
		delete(c.live, tag)
		if err := c.sink.OnTopicEnd(tag); err != nil {
			c.n.Logger().Warn("sink end handler failed", "tag", tag, "error", err)
		}
		if len(c.live) == 0 {
			c.done = true
		}
		return
	}

	payload, err := wire.DecodedPayload(msg)
	if err != nil {
		c.n.Logger().Warn("dropping undecodable payload", "topic", topic, "error", err)
		return
	}
	rec, err := serialize.Decode(payload)
	if err != nil {
		c.n.Logger().Warn("dropping malformed record", "topic", topic, "error", err)
		return
	}
	if err := c.sink.OnPacket(topic, rec); err != nil {
		c.n.Logger().Warn("sink packet handler failed", "topic", topic, "error", err)
	}
}

// TriggerStop é um no-op: o consumer continua recebendo até END em cada
// tópico assinado.
func (c *Consumer) TriggerStop() {}

// IsDone reporta se todos os tópicos assinados terminaram.
func (c *Consumer) IsDone() bool {
	return c.done
}

// Cleanup fecha o sink e a assinatura.
func (c *Consumer) Cleanup() {
	if err := c.sink.Close(); err != nil {
		c.n.Logger().Warn("closing sink", "error", err)
	}
	if c.sub != nil {
		c.sub.Close()
	}
}
