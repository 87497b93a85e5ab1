// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package node

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-stream/internal/delay"
	"github.com/nishisan-dev/n-stream/internal/serialize"
	"github.com/nishisan-dev/n-stream/internal/stream"
	"github.com/nishisan-dev/n-stream/internal/transport"
	"github.com/nishisan-dev/n-stream/internal/wire"
)

// RecordSink recebe os registros que uma thread de logging local persiste.
type RecordSink interface {
	WriteRecord(topic string, rec serialize.Record) error
	Close() error
}

// tailInterval é o período da thread de logging local sobre o store.
const tailInterval = 20 * time.Millisecond

// ProducerConfig parametriza um node Producer.
type ProducerConfig struct {
	// DelayPeriod liga a thread estimadora de atraso, se o device for um
	// Pinger. Zero desliga.
	DelayPeriod time.Duration
	// Compress comprime os payloads de dados com zstd no wire.
	Compress bool
	// Sink, se presente, liga a thread de logging local sobre o store.
	Sink RecordSink
}

// Producer é o papel dono de um sensor: publica amostras taggeadas no
// backend do broker, guarda uma cópia no store em processo e, no drain,
// emite a sentinela END e aguarda o BYE do broker.
type Producer struct {
	n      *Node
	device Device
	cfg    ProducerConfig

	pub   *transport.PubConn
	store *stream.Store

	estimator *delay.Estimator
	tailStop  chan struct{}
	tailDone  chan struct{}

	endSent bool
	done    bool
}

// NewProducer monta um node completo em torno do dispositivo.
func NewProducer(tag string, device Device, cfg ProducerConfig, ep Endpoints, logger *slog.Logger) *Node {
	p := &Producer{device: device, cfg: cfg}
	n := New(tag, p, ep, logger)
	p.n = n
	return n
}

// Store expõe o store em processo (thread de logging, testes).
func (p *Producer) Store() *stream.Store {
	return p.store
}

// Init conecta o socket de publicação e o dispositivo, registra os canais
// no store e liga as threads auxiliares.
func (p *Producer) Init(n *Node) error {
	pub, err := transport.DialPub(n.Endpoints().backendAddr())
	if err != nil {
		p.done = true
		return fmt.Errorf("connecting backend: %w", err)
	}
	p.pub = pub

	p.store = stream.NewStore()
	for _, info := range p.device.Streams() {
		info.Name = n.Tag() + "." + info.Name
		if err := p.store.AddStream(info); err != nil {
			return err
		}
	}

	if err := p.device.Connect(); err != nil {
		// O node ainda passa pelo barrier e drena: o broker espera o END
		// deste tópico mesmo sem dispositivo.
		n.Poller().Push(transport.Event{Source: srcDeviceDone})
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	// Adaptador da thread do SDK: entrega amostras como eventos do poller
	// e sinaliza o esgotamento do canal no fim do drain.
	go func() {
		for rec := range p.device.Samples() {
			n.Poller().Push(transport.Event{Source: srcDevice, Rec: rec})
		}
		n.Poller().Push(transport.Event{Source: srcDeviceDone})
	}()

	if pinger, ok := p.device.(Pinger); ok && p.cfg.DelayPeriod > 0 {
		connTopic := wire.ConnectionTopic(n.Tag())
		p.store.AddStream(stream.Info{Name: connTopic, Dtype: "float64", SampleShape: []int{1}})
		p.estimator = delay.NewEstimator(p.cfg.DelayPeriod, pinger.Ping, func(timeS, delayS float64) {
			rec := serialize.New(timeS)
			rec["transmission_delay"] = delayS
			p.Publish(connTopic, rec)
		}, n.Logger())
		p.estimator.Start()
	}

	if p.cfg.Sink != nil {
		p.tailStop = make(chan struct{})
		p.tailDone = make(chan struct{})
		go p.tailLoop()
	}
	return nil
}

// Publish serializa o registro, envia no wire e só então anexa ao store —
// o wire não espera o disco.
func (p *Producer) Publish(topic string, rec serialize.Record) {
	payload, err := serialize.Encode(rec)
	if err != nil {
		p.n.Logger().Error("dropping malformed record", "topic", topic, "error", err)
		return
	}
	msg := wire.NewData(topic, payload)
	if p.cfg.Compress {
		wire.CompressPayload(msg)
	}
	if err := p.pub.Send(msg); err != nil {
		p.n.Logger().Error("publish failed", "topic", topic, "error", err)
	}
	if err := p.store.Append(topic, rec); err != nil {
		p.n.Logger().Error("store append failed", "topic", topic, "error", err)
	}
}

// OnPoll publica amostras do dispositivo; quando o canal esgota, emite o
// END e aguarda o BYE do broker antes de declarar o drain completo.
func (p *Producer) OnPoll(ev transport.Event) {
	switch ev.Source {
	case srcDevice:
		if p.endSent {
			return
		}
		rec := serialize.Record(ev.Rec)
		if _, ok := rec[serialize.KeyTime]; !ok {
			rec[serialize.KeyTime] = float64(time.Now().UnixNano()) / 1e9
		}
		p.Publish(wire.DataTopic(p.n.Tag()), rec)
	case srcDeviceDone:
		p.sendEnd()
	}
}

func (p *Producer) sendEnd() {
	if p.endSent {
		return
	}
	p.endSent = true
	if err := p.pub.Send(wire.NewEnd(p.n.Tag())); err != nil {
		p.n.Logger().Error("sending END failed", "error", err)
		p.done = true
		return
	}
	// O BYE garante que o broker viu o END antes de fechar: nenhuma race
	// perde o último pacote.
	reply, err := p.n.SyncConn().Recv()
	if err != nil {
		p.n.Logger().Error("waiting BYE failed", "error", err)
	} else if reply != wire.CmdBye {
		p.n.Logger().Warn("unexpected sync reply while draining", "reply", reply)
	}
	p.done = true
}

// TriggerStop para a amostragem nova; o que está em voo ainda é publicado.
func (p *Producer) TriggerStop() {
	p.device.StopNewData()
}

// IsDone reporta END emitido e BYE recebido.
func (p *Producer) IsDone() bool {
	return p.done
}

// Cleanup encerra as threads auxiliares e fecha os recursos do papel.
func (p *Producer) Cleanup() {
	if p.estimator != nil {
		p.estimator.Stop()
	}
	if p.store != nil {
		p.store.Close()
	}
	if p.tailStop != nil {
		close(p.tailStop)
		<-p.tailDone
	}
	if p.cfg.Sink != nil {
		if err := p.cfg.Sink.Close(); err != nil {
			p.n.Logger().Warn("closing local sink", "error", err)
		}
	}
	if p.pub != nil {
		p.pub.Close()
	}
	if err := p.device.Cleanup(); err != nil {
		p.n.Logger().Warn("device cleanup", "error", err)
	}
}

// tailLoop é a thread de logging local: segue o store por cursor e grava
// no sink, com um drain final depois do stop.
func (p *Producer) tailLoop() {
	defer close(p.tailDone)

	cursors := make(map[string]int)
	ticker := time.NewTicker(tailInterval)
	defer ticker.Stop()

	flush := func() {
		for _, info := range p.store.Infos() {
			batch, next := p.store.TailSince(info.Name, cursors[info.Name])
			cursors[info.Name] = next
			for _, rec := range batch {
				if err := p.cfg.Sink.WriteRecord(info.Name, rec); err != nil {
					p.n.Logger().Warn("local sink write failed", "stream", info.Name, "error", err)
				}
			}
		}
	}

	for {
		select {
		case <-p.tailStop:
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}
