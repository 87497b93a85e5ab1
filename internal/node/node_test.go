// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package node

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-stream/internal/serialize"
	"github.com/nishisan-dev/n-stream/internal/transport"
	"github.com/nishisan-dev/n-stream/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBroker sobe os quatro endpoints de broker com portas efêmeras, para
// exercitar o FSM do node sem o broker real.
type fakeBroker struct {
	backend  *transport.Listener
	frontend *transport.Listener
	sync     *transport.Router
	killPub  *transport.Listener
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	logger := testLogger()
	backend, err := transport.Listen("backend", "127.0.0.1:0", logger)
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	frontend, err := transport.Listen("frontend", "127.0.0.1:0", logger)
	if err != nil {
		t.Fatalf("frontend listen: %v", err)
	}
	sync, err := transport.ListenRouter("sync", "127.0.0.1:0", logger)
	if err != nil {
		t.Fatalf("sync listen: %v", err)
	}
	killPub, err := transport.Listen("killsig", "127.0.0.1:0", logger)
	if err != nil {
		t.Fatalf("killsig listen: %v", err)
	}
	fb := &fakeBroker{backend: backend, frontend: frontend, sync: sync, killPub: killPub}
	t.Cleanup(fb.close)
	return fb
}

func (fb *fakeBroker) close() {
	fb.backend.Close()
	fb.frontend.Close()
	fb.sync.Close()
	fb.killPub.Close()
}

func (fb *fakeBroker) endpoints() Endpoints {
	return Endpoints{
		HostIP:       "127.0.0.1",
		PortBackend:  portOf(fb.backend.Addr()),
		PortFrontend: portOf(fb.frontend.Addr()),
		PortSync:     portOf(fb.sync.Addr()),
		PortKill:     portOf(fb.killPub.Addr()),
	}
}

// awaitSync espera o request de sync do tag e devolve a identity.
func (fb *fakeBroker) awaitSync(t *testing.T, tag string) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-fb.sync.Events():
			if ev.Msg != nil && string(ev.Msg.Frames[1]) == tag {
				return append([]byte(nil), ev.Msg.Frames[0]...)
			}
		case <-deadline:
			t.Fatalf("timed out waiting sync from %s", tag)
		}
	}
}

func (fb *fakeBroker) kill() {
	fb.killPub.Broadcast(wire.NewData(wire.TopicKill, []byte(wire.CmdKill)))
}

func portOf(addr string) string {
	_, port, _ := net.SplitHostPort(addr)
	return port
}

func TestProducer_FullLifecycle(t *testing.T) {
	fb := newFakeBroker(t)

	device := NewDummyDevice(200, 0)
	n := NewProducer("imu", device, ProducerConfig{}, fb.endpoints(), testLogger())

	runDone := make(chan error, 1)
	go func() { runDone <- n.Run() }()

	// Barrier: registra e recebe GO.
	identity := fb.awaitSync(t, "imu")
	if err := fb.sync.SendTo(identity, wire.CmdGo); err != nil {
		t.Fatalf("SendTo GO: %v", err)
	}

	// Amostras chegam no backend, em ordem por tópico.
	var last int64 = -1
	packets := 0
	deadline := time.After(2 * time.Second)
	for packets < 10 {
		select {
		case ev := <-fb.backend.Events():
			if ev.Msg == nil || ev.Msg.Kind != wire.KindData {
				continue
			}
			if ev.Msg.Topic() != "imu.data" {
				t.Fatalf("unexpected topic %q", ev.Msg.Topic())
			}
			rec, err := serialize.Decode(ev.Msg.Payload())
			if err != nil {
				t.Fatalf("decoding packet: %v", err)
			}
			counter, _ := serialize.AsInt(rec["counter"])
			if counter != last+1 {
				t.Fatalf("out of order counter: %d after %d", counter, last)
			}
			last = counter
			packets++
		case <-deadline:
			t.Fatalf("timed out waiting packets, got %d", packets)
		}
	}

	// Kill: o producer para de amostrar, drena e emite END.
	fb.kill()
	sawEnd := false
	deadline = time.After(2 * time.Second)
	for !sawEnd {
		select {
		case ev := <-fb.backend.Events():
			if ev.Msg != nil && ev.Msg.IsEnd() {
				if ev.Msg.Topic() != "imu.data" {
					t.Fatalf("END on unexpected topic %q", ev.Msg.Topic())
				}
				sawEnd = true
			}
		case <-deadline:
			t.Fatal("timed out waiting END")
		}
	}

	// BYE libera o node.
	if err := fb.sync.SendTo(identity, wire.CmdBye); err != nil {
		t.Fatalf("SendTo BYE: %v", err)
	}

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("node run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("node did not exit after BYE")
	}
}

func TestProducer_IdempotentKill(t *testing.T) {
	fb := newFakeBroker(t)

	device := NewDummyDevice(100, 0)
	n := NewProducer("emg", device, ProducerConfig{}, fb.endpoints(), testLogger())

	runDone := make(chan error, 1)
	go func() { runDone <- n.Run() }()

	identity := fb.awaitSync(t, "emg")
	fb.sync.SendTo(identity, wire.CmdGo)

	// Kill duplicado: o segundo é um no-op, o drain segue igual.
	n.Kill()
	n.Kill()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-fb.backend.Events():
			if ev.Msg != nil && ev.Msg.IsEnd() {
				fb.sync.SendTo(identity, wire.CmdBye)
				select {
				case err := <-runDone:
					if err != nil {
						t.Fatalf("node run: %v", err)
					}
					return
				case <-time.After(2 * time.Second):
					t.Fatal("node did not exit")
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting END after double kill")
		}
	}
}

func TestProducer_FiniteDeviceEndsOnItsOwn(t *testing.T) {
	fb := newFakeBroker(t)

	device := NewDummyDevice(500, 5)
	n := NewProducer("cam", device, ProducerConfig{}, fb.endpoints(), testLogger())

	runDone := make(chan error, 1)
	go func() { runDone <- n.Run() }()

	identity := fb.awaitSync(t, "cam")
	fb.sync.SendTo(identity, wire.CmdGo)

	// 5 amostras e o END, sem kill.
	data, ends := 0, 0
	deadline := time.After(2 * time.Second)
	for ends == 0 {
		select {
		case ev := <-fb.backend.Events():
			if ev.Msg == nil || ev.Msg.Kind != wire.KindData {
				continue
			}
			if ev.Msg.IsEnd() {
				ends++
			} else {
				data++
			}
		case <-deadline:
			t.Fatal("timed out waiting finite device END")
		}
	}
	if data != 5 {
		t.Errorf("expected 5 data packets, got %d", data)
	}

	fb.sync.SendTo(identity, wire.CmdBye)
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("node did not exit")
	}
}

// captureSink acumula pacotes e fins de tópico.
type captureSink struct {
	packets chan string
	ends    chan string
}

func newCaptureSink() *captureSink {
	return &captureSink{
		packets: make(chan string, 1024),
		ends:    make(chan string, 16),
	}
}

func (s *captureSink) OnPacket(topic string, rec serialize.Record) error {
	s.packets <- topic
	return nil
}

func (s *captureSink) OnTopicEnd(tag string) error {
	s.ends <- tag
	return nil
}

func (s *captureSink) Close() error { return nil }

func TestConsumer_DoneWhenAllTopicsEnd(t *testing.T) {
	fb := newFakeBroker(t)

	sink := newCaptureSink()
	n := NewConsumer("logger", []string{"imu", "cam"}, sink, fb.endpoints(), testLogger())

	runDone := make(chan error, 1)
	go func() { runDone <- n.Run() }()

	identity := fb.awaitSync(t, "logger")
	fb.sync.SendTo(identity, wire.CmdGo)

	// Espera as assinaturas chegarem ao frontend antes de publicar.
	waitSubs(t, fb.frontend, 2)

	rec := serialize.New(1.5)
	payload, _ := serialize.Encode(rec)
	fb.frontend.Publish(wire.NewData("imu.data", payload))
	fb.frontend.Publish(wire.NewData("cam.data", payload))
	fb.frontend.Publish(wire.NewEnd("imu"))
	fb.frontend.Publish(wire.NewEnd("cam"))

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("consumer run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not finish after all ENDs")
	}

	if got := len(sink.packets); got != 2 {
		t.Errorf("expected 2 packets, got %d", got)
	}
	if got := len(sink.ends); got != 2 {
		t.Errorf("expected 2 topic ends, got %d", got)
	}
}

func TestConsumer_MalformedPacketDropped(t *testing.T) {
	fb := newFakeBroker(t)

	sink := newCaptureSink()
	n := NewConsumer("logger", []string{"imu"}, sink, fb.endpoints(), testLogger())

	runDone := make(chan error, 1)
	go func() { runDone <- n.Run() }()

	identity := fb.awaitSync(t, "logger")
	fb.sync.SendTo(identity, wire.CmdGo)
	waitSubs(t, fb.frontend, 1)

	// Payload inválido: descartado com log, o node segue.
	fb.frontend.Publish(wire.NewData("imu.data", []byte{0xC1}))
	rec := serialize.New(2.0)
	payload, _ := serialize.Encode(rec)
	fb.frontend.Publish(wire.NewData("imu.data", payload))
	fb.frontend.Publish(wire.NewEnd("imu"))

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not finish")
	}

	if got := len(sink.packets); got != 1 {
		t.Errorf("expected only the valid packet, got %d", got)
	}
}

// waitSubs consome eventos do listener até ver os deltas de assinatura
// esperados — só então um Publish alcança o assinante.
func waitSubs(t *testing.T, l *transport.Listener, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	seen := 0
	for seen < want {
		select {
		case ev := <-l.Events():
			if ev.Msg != nil && ev.Msg.Kind == wire.KindSubscribe {
				seen++
			}
		case <-deadline:
			t.Fatalf("timed out waiting %d subscriptions, saw %d", want, seen)
		}
	}
}

// memorySink acumula registros do logging local do producer.
type memorySink struct {
	mu      sync.Mutex
	records map[string]int
	closed  bool
}

func (s *memorySink) WriteRecord(topic string, rec serialize.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = make(map[string]int)
	}
	s.records[topic]++
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) count(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[topic]
}

func TestProducer_DelayEstimatorAndLocalSink(t *testing.T) {
	fb := newFakeBroker(t)

	sink := &memorySink{}
	device := NewDummyDevice(200, 0)
	n := NewProducer("imu", device, ProducerConfig{
		DelayPeriod: 20 * time.Millisecond,
		Sink:        sink,
	}, fb.endpoints(), testLogger())

	runDone := make(chan error, 1)
	go func() { runDone <- n.Run() }()

	identity := fb.awaitSync(t, "imu")
	fb.sync.SendTo(identity, wire.CmdGo)

	// O estimador publica no subcanal auxiliar em paralelo aos dados.
	sawConnection := false
	deadline := time.After(2 * time.Second)
	for !sawConnection {
		select {
		case ev := <-fb.backend.Events():
			if ev.Msg != nil && ev.Msg.Topic() == "imu.connection" {
				rec, err := serialize.Decode(ev.Msg.Payload())
				if err != nil {
					t.Fatalf("decoding connection record: %v", err)
				}
				if d, ok := rec["transmission_delay"].(float64); !ok || d <= 0 {
					t.Errorf("expected positive transmission_delay, got %v", rec["transmission_delay"])
				}
				sawConnection = true
			}
		case <-deadline:
			t.Fatal("timed out waiting transmission delay sample")
		}
	}

	fb.kill()
	drainUntilEnd(t, fb, identity)

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("node did not exit")
	}

	// A thread de logging local persistiu os dados e o subcanal auxiliar.
	if sink.count("imu.data") == 0 {
		t.Error("expected local sink to tail imu.data")
	}
	if sink.count("imu.connection") == 0 {
		t.Error("expected local sink to tail imu.connection")
	}
	if !sink.closed {
		t.Error("expected sink closed on cleanup")
	}
}

func TestProducer_CompressedPayloads(t *testing.T) {
	fb := newFakeBroker(t)

	device := NewDummyDevice(200, 3)
	n := NewProducer("cam", device, ProducerConfig{Compress: true}, fb.endpoints(), testLogger())

	runDone := make(chan error, 1)
	go func() { runDone <- n.Run() }()

	identity := fb.awaitSync(t, "cam")
	fb.sync.SendTo(identity, wire.CmdGo)

	data := 0
	deadline := time.After(2 * time.Second)
	for data < 3 {
		select {
		case ev := <-fb.backend.Events():
			if ev.Msg == nil || ev.Msg.Kind != wire.KindData || ev.Msg.IsEnd() {
				continue
			}
			if ev.Msg.Flags&wire.FlagCompressed == 0 {
				t.Fatal("expected compressed payload flag")
			}
			payload, err := wire.DecodedPayload(ev.Msg)
			if err != nil {
				t.Fatalf("decompressing: %v", err)
			}
			if _, err := serialize.Decode(payload); err != nil {
				t.Fatalf("decoding decompressed record: %v", err)
			}
			data++
		case <-deadline:
			t.Fatalf("timed out, got %d compressed packets", data)
		}
	}

	drainUntilEnd(t, fb, identity)
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("node did not exit")
	}
}

// drainUntilEnd consome o backend até o END e responde BYE.
func drainUntilEnd(t *testing.T, fb *fakeBroker, identity []byte) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-fb.backend.Events():
			if ev.Msg != nil && ev.Msg.IsEnd() {
				fb.sync.SendTo(identity, wire.CmdBye)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting END")
		}
	}
}
