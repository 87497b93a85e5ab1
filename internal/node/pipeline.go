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

// Processor é o handler de papel de um Pipeline: consome pacotes upstream
// e devolve zero ou mais registros para publicar no tag próprio.
type Processor interface {
	OnPacket(topic string, rec serialize.Record) []serialize.Record
	// Flush descarrega a saída pendente depois que todos os upstreams
	// terminaram.
	Flush() []serialize.Record
}

// Pipeline consome e produz: assina os upstreams como um Consumer e
// publica resultados como um Producer. Quando todos os tópicos upstream
// terminam, descarrega a saída pendente, emite o próprio END e aguarda o
// BYE do broker.
type Pipeline struct {
	n    *Node
	tags []string
	proc Processor
	cfg  ProducerConfig

	sub  *transport.SubConn
	pub  *transport.PubConn
	live map[string]bool

	endSent bool
	done    bool
}

// NewPipeline monta um node Pipeline com o processor dado.
func NewPipeline(tag string, subscriptions []string, proc Processor, cfg ProducerConfig, ep Endpoints, logger *slog.Logger) *Node {
	p := &Pipeline{tags: append([]string(nil), subscriptions...), proc: proc, cfg: cfg}
	n := New(tag, p, ep, logger)
	p.n = n
	return n
}

// Init abre a assinatura upstream e o socket de publicação.
func (p *Pipeline) Init(n *Node) error {
	prefixes := make([]string, len(p.tags))
	for i, t := range p.tags {
		prefixes[i] = t + "."
	}
	sub, err := transport.DialSub(srcData, n.Endpoints().frontendAddr(), prefixes...)
	if err != nil {
		p.done = true
		return fmt.Errorf("connecting frontend: %w", err)
	}
	p.sub = sub

	pub, err := transport.DialPub(n.Endpoints().backendAddr())
	if err != nil {
		sub.Close()
		p.sub = nil
		p.done = true
		return fmt.Errorf("connecting backend: %w", err)
	}
	p.pub = pub

	p.live = make(map[string]bool, len(p.tags))
	for _, t := range p.tags {
		p.live[t] = true
	}

	n.Poller().Register(srcData, sub.Events())
	return nil
}

// OnPoll consome um pacote upstream e publica as emissões resultantes.
func (p *Pipeline) OnPoll(ev transport.Event) {
	if ev.Source != srcData || p.endSent {
		return
	}
	if ev.Err != nil {
		p.n.Logger().Warn("frontend connection error", "error", ev.Err)
		return
	}
	msg := ev.Msg
	if msg == nil || msg.Kind != wire.KindData {
		return
	}

	topic := msg.Topic()
	if msg.IsEnd() {
		tag := wire.SourceTag(topic)
		if !p.live[tag] {
			return
		}
		delete(p.live, tag)
		if len(p.live) == 0 {
			p.finish()
		}
		return
	}

	payload, err := wire.DecodedPayload(msg)
	if err != nil {
		p.n.Logger().Warn("dropping undecodable payload", "topic", topic, "error", err)
		return
	}
	rec, err := serialize.Decode(payload)
	if err != nil {
		p.n.Logger().Warn("dropping malformed record", "topic", topic, "error", err)
		return
	}
	p.emit(p.proc.OnPacket(topic, rec))
}

func (p *Pipeline) emit(recs []serialize.Record) {
	topic := wire.DataTopic(p.n.Tag())
	for _, rec := range recs {
		payload, err := serialize.Encode(rec)
		if err != nil {
			p.n.Logger().Error("dropping malformed emission", "error", err)
			continue
		}
		msg := wire.NewData(topic, payload)
		if p.cfg.Compress {
			wire.CompressPayload(msg)
		}
		if err := p.pub.Send(msg); err != nil {
			p.n.Logger().Error("publish failed", "topic", topic, "error", err)
		}
	}
}

// finish descarrega a saída pendente, emite o END próprio e aguarda o BYE.
func (p *Pipeline) finish() {
	p.emit(p.proc.Flush())
	p.endSent = true
	if err := p.pub.Send(wire.NewEnd(p.n.Tag())); err != nil {
		p.n.Logger().Error("sending END failed", "error", err)
		p.done = true
		return
	}
	reply, err := p.n.SyncConn().Recv()
	if err != nil {
		p.n.Logger().Error("waiting BYE failed", "error", err)
	} else if reply != wire.CmdBye {
		p.n.Logger().Warn("unexpected sync reply while draining", "reply", reply)
	}
	p.done = true
}

// TriggerStop é um no-op: o pipeline continua até cada upstream terminar.
func (p *Pipeline) TriggerStop() {}

// IsDone reporta END emitido e BYE recebido.
func (p *Pipeline) IsDone() bool {
	return p.done
}

// Cleanup fecha os sockets de dados do papel.
func (p *Pipeline) Cleanup() {
	if p.sub != nil {
		p.sub.Close()
	}
	if p.pub != nil {
		p.pub.Close()
	}
}
