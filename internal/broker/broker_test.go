// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-stream/internal/node"
	"github.com/nishisan-dev/n-stream/internal/serialize"
	"github.com/nishisan-dev/n-stream/internal/transport"
	"github.com/nishisan-dev/n-stream/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ephemeral abre um broker com portas efêmeras.
func ephemeral(t *testing.T, cfg Config) *Broker {
	t.Helper()
	cfg.PortBackend = "0"
	cfg.PortFrontend = "0"
	cfg.PortSync = "0"
	cfg.PortKill = "0"
	b, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New broker: %v", err)
	}
	return b
}

// tallySink conta pacotes por tópico e fins por tag, com sinal de done.
type tallySink struct {
	mu      sync.Mutex
	packets map[string][]int64
	ends    map[string]int
}

func newTallySink() *tallySink {
	return &tallySink{
		packets: make(map[string][]int64),
		ends:    make(map[string]int),
	}
}

func (s *tallySink) OnPacket(topic string, rec serialize.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, _ := serialize.AsInt(rec["counter"])
	s.packets[topic] = append(s.packets[topic], counter)
	return nil
}

func (s *tallySink) OnTopicEnd(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends[tag]++
	return nil
}

func (s *tallySink) Close() error { return nil }

func (s *tallySink) snapshot() (map[string][]int64, map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	packets := make(map[string][]int64, len(s.packets))
	for k, v := range s.packets {
		packets[k] = append([]int64(nil), v...)
	}
	ends := make(map[string]int, len(s.ends))
	for k, v := range s.ends {
		ends[k] = v
	}
	return packets, ends
}

func runNode(t *testing.T, n *node.Node) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- n.Run() }()
	return done
}

func await(t *testing.T, done <-chan error, what string) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("%s: %v", what, err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("%s did not finish", what)
	}
}

// Cenário A: 3 producers de 10 pacotes + END; um consumer observa os 30
// pacotes em ordem por tópico e o broker encerra sozinho com 3 tópicos
// terminados.
func TestBroker_ThreeProducersBarrierAndDrain(t *testing.T) {
	b := ephemeral(t, Config{Name: "test", LocalNodes: 4, LocalProducers: 3})
	brokerDone := make(chan error, 1)
	go func() { brokerDone <- b.Run() }()

	ep := b.Endpoints()
	tags := []string{"imu", "insole", "emg"}

	sink := newTallySink()
	consumer := node.NewConsumer("logger", tags, sink, ep, testLogger())
	consumerDone := runNode(t, consumer)

	var producerDones []<-chan error
	for _, tag := range tags {
		p := node.NewProducer(tag, node.NewDummyDevice(500, 10), node.ProducerConfig{}, ep, testLogger())
		producerDones = append(producerDones, runNode(t, p))
	}

	for i, done := range producerDones {
		await(t, done, tags[i])
	}
	await(t, consumerDone, "consumer")
	await(t, brokerDone, "broker")

	packets, ends := sink.snapshot()
	total := 0
	for _, tag := range tags {
		topic := tag + ".data"
		counters := packets[topic]
		total += len(counters)
		if len(counters) != 10 {
			t.Errorf("topic %s: expected 10 packets, got %d", topic, len(counters))
		}
		for i, c := range counters {
			if c != int64(i) {
				t.Errorf("topic %s: out of order at %d: %d", topic, i, c)
				break
			}
		}
		if ends[tag] != 1 {
			t.Errorf("tag %s: expected exactly 1 END, got %d", tag, ends[tag])
		}
	}
	if total != 30 {
		t.Errorf("expected exactly 30 data packets at the frontend, got %d", total)
	}
	if len(ends) != 3 {
		t.Errorf("expected 3 ended topics, got %d", len(ends))
	}
}

// Cenário B: assinante tardio direto no frontend vê um sufixo contíguo da
// sequência e exatamente um END.
func TestBroker_LateSubscriberSeesContiguousSuffix(t *testing.T) {
	b := ephemeral(t, Config{Name: "test", LocalNodes: 1, LocalProducers: 1})
	brokerDone := make(chan error, 1)
	go func() { brokerDone <- b.Run() }()

	ep := b.Endpoints()
	p := node.NewProducer("x", node.NewDummyDevice(1000, 500), node.ProducerConfig{}, ep, testLogger())
	producerDone := runNode(t, p)

	// Assina no meio do stream, sem participar do barrier.
	time.Sleep(100 * time.Millisecond)
	sub, err := transport.DialSub("late", "127.0.0.1:"+ep.PortFrontend, "x.")
	if err != nil {
		t.Fatalf("DialSub: %v", err)
	}
	defer sub.Close()

	var counters []int64
	ends := 0
	deadline := time.After(10 * time.Second)
	for ends == 0 {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatal("subscription closed before END")
			}
			if ev.Msg == nil || ev.Msg.Kind != wire.KindData {
				continue
			}
			if ev.Msg.IsEnd() {
				ends++
				continue
			}
			rec, err := serialize.Decode(ev.Msg.Payload())
			if err != nil {
				t.Fatalf("decoding: %v", err)
			}
			c, _ := serialize.AsInt(rec["counter"])
			counters = append(counters, c)
		case <-deadline:
			t.Fatal("timed out waiting END")
		}
	}

	await(t, producerDone, "producer")
	await(t, brokerDone, "broker")

	if len(counters) == 0 {
		t.Fatal("late subscriber saw no packets")
	}
	if counters[len(counters)-1] != 499 {
		t.Errorf("expected suffix ending at 499, got %d", counters[len(counters)-1])
	}
	for i := 1; i < len(counters); i++ {
		if counters[i] != counters[i-1]+1 {
			t.Fatalf("gap in suffix: %d after %d", counters[i], counters[i-1])
		}
	}
	if ends != 1 {
		t.Errorf("expected exactly one END, got %d", ends)
	}
}

// Cenário E: kill no meio do run; os dois producers drenam, emitem END,
// recebem BYE e o broker sai após encaminhar os dois ENDs.
func TestBroker_KillDuringRun(t *testing.T) {
	b := ephemeral(t, Config{Name: "test", LocalNodes: 3, LocalProducers: 2})
	brokerDone := make(chan error, 1)
	go func() { brokerDone <- b.Run() }()

	ep := b.Endpoints()
	sink := newTallySink()
	consumer := node.NewConsumer("logger", []string{"a", "b"}, sink, ep, testLogger())
	consumerDone := runNode(t, consumer)

	pa := node.NewProducer("a", node.NewDummyDevice(100, 0), node.ProducerConfig{}, ep, testLogger())
	pb := node.NewProducer("b", node.NewDummyDevice(100, 0), node.ProducerConfig{}, ep, testLogger())
	paDone := runNode(t, pa)
	pbDone := runNode(t, pb)

	time.Sleep(300 * time.Millisecond)
	b.Kill()

	await(t, paDone, "producer a")
	await(t, pbDone, "producer b")
	await(t, consumerDone, "consumer")
	await(t, brokerDone, "broker")

	packets, ends := sink.snapshot()
	if len(packets["a.data"]) == 0 || len(packets["b.data"]) == 0 {
		t.Error("expected data from both producers before the kill")
	}
	if ends["a"] != 1 || ends["b"] != 1 {
		t.Errorf("expected one END per producer, got %v", ends)
	}
}

// Deadline configurado: o broker sintetiza o kill sozinho.
func TestBroker_DeadlineTriggersKill(t *testing.T) {
	b := ephemeral(t, Config{Name: "test", LocalNodes: 1, LocalProducers: 1, Duration: 200 * time.Millisecond})
	brokerDone := make(chan error, 1)
	go func() { brokerDone <- b.Run() }()

	p := node.NewProducer("a", node.NewDummyDevice(100, 0), node.ProducerConfig{}, b.Endpoints(), testLogger())
	producerDone := runNode(t, p)

	await(t, producerDone, "producer")
	await(t, brokerDone, "broker")
}

// Barrier: nenhum pacote alcança o frontend antes de todos os nodes
// registrarem; o GO só sai com o barrier completo.
func TestBroker_NoDataBeforeBarrier(t *testing.T) {
	b := ephemeral(t, Config{Name: "test", LocalNodes: 2, LocalProducers: 1})
	brokerDone := make(chan error, 1)
	go func() { brokerDone <- b.Run() }()

	ep := b.Endpoints()

	// Observador cru no frontend, fora do barrier.
	sub, err := transport.DialSub("observer", "127.0.0.1:"+ep.PortFrontend, "a.")
	if err != nil {
		t.Fatalf("DialSub: %v", err)
	}
	defer sub.Close()

	p := node.NewProducer("a", node.NewDummyDevice(1000, 5), node.ProducerConfig{}, ep, testLogger())
	producerDone := runNode(t, p)

	// Falta um node no barrier: nada pode fluir.
	select {
	case ev := <-sub.Events():
		if ev.Msg != nil && ev.Msg.Kind == wire.KindData {
			t.Fatalf("data leaked before barrier: %q", ev.Msg.Topic())
		}
	case <-time.After(200 * time.Millisecond):
	}

	sink := newTallySink()
	consumer := node.NewConsumer("logger", []string{"a"}, sink, ep, testLogger())
	consumerDone := runNode(t, consumer)

	await(t, producerDone, "producer")
	await(t, consumerDone, "consumer")
	await(t, brokerDone, "broker")

	packets, _ := sink.snapshot()
	if len(packets["a.data"]) != 5 {
		t.Errorf("expected all 5 packets after barrier, got %d", len(packets["a.data"]))
	}
}

// Pipeline aligner fim-a-fim: dois producers, um aligner fundindo os dois
// canais e um consumer dos snapshots; o aligner emite o próprio END depois
// dos upstreams.
func TestBroker_AlignerPipeline(t *testing.T) {
	b := ephemeral(t, Config{Name: "test", LocalNodes: 4, LocalProducers: 3})
	brokerDone := make(chan error, 1)
	go func() { brokerDone <- b.Run() }()

	ep := b.Endpoints()
	sink := newTallySink()
	consumer := node.NewConsumer("viz", []string{"aligned"}, sink, ep, testLogger())
	consumerDone := runNode(t, consumer)

	proc := node.NewAligner([]string{"a", "b"}, 64, 200)
	aligner := node.NewPipeline("aligned", []string{"a", "b"}, proc, node.ProducerConfig{}, ep, testLogger())
	alignerDone := runNode(t, aligner)

	pa := node.NewProducer("a", node.NewDummyDevice(200, 40), node.ProducerConfig{}, ep, testLogger())
	pb := node.NewProducer("b", node.NewDummyDevice(200, 40), node.ProducerConfig{}, ep, testLogger())
	paDone := runNode(t, pa)
	pbDone := runNode(t, pb)

	await(t, paDone, "producer a")
	await(t, pbDone, "producer b")
	await(t, alignerDone, "aligner")
	await(t, consumerDone, "consumer")
	await(t, brokerDone, "broker")

	packets, ends := sink.snapshot()
	if len(packets["aligned.data"]) == 0 {
		t.Error("expected aligned snapshots at the consumer")
	}
	if ends["aligned"] != 1 {
		t.Errorf("expected one END from the aligner, got %d", ends["aligned"])
	}
}
