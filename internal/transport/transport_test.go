// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nishisan-dev/n-stream/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitEvent(t *testing.T, ch <-chan Event, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestListener_PublishFiltersByPrefix(t *testing.T) {
	l, err := Listen("frontend", "127.0.0.1:0", testLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	subA, err := DialSub("sub-a", l.Addr(), "imu.")
	if err != nil {
		t.Fatalf("DialSub a: %v", err)
	}
	defer subA.Close()

	subB, err := DialSub("sub-b", l.Addr(), "camera.")
	if err != nil {
		t.Fatalf("DialSub b: %v", err)
	}
	defer subB.Close()

	// Espera os deltas de assinatura chegarem ao listener.
	waitEvent(t, l.Events(), time.Second)
	waitEvent(t, l.Events(), time.Second)

	l.Publish(wire.NewData("imu.data", []byte("sample")))

	ev := waitEvent(t, subA.Events(), time.Second)
	if ev.Msg.Topic() != "imu.data" {
		t.Errorf("expected topic imu.data, got %q", ev.Msg.Topic())
	}

	select {
	case ev := <-subB.Events():
		t.Fatalf("subscriber b should not receive imu.data, got %v", ev.Msg)
	case <-time.After(100 * time.Millisecond):
		// OK, filtrado
	}
}

func TestListener_BroadcastIgnoresFilter(t *testing.T) {
	l, err := Listen("killsig", "127.0.0.1:0", testLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	sub, err := DialSub("kill-sub", l.Addr(), wire.TopicKill)
	if err != nil {
		t.Fatalf("DialSub: %v", err)
	}
	defer sub.Close()

	waitEvent(t, l.Events(), time.Second)

	l.Broadcast(wire.NewData(wire.TopicKill, []byte(wire.CmdKill)))

	ev := waitEvent(t, sub.Events(), time.Second)
	if !ev.Msg.IsKill() {
		t.Errorf("expected kill message, got topic %q", ev.Msg.Topic())
	}
}

func TestListener_BackendReceivesDataAndMirror(t *testing.T) {
	backend, err := Listen("backend", "127.0.0.1:0", testLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer backend.Close()

	pub, err := DialPub(backend.Addr())
	if err != nil {
		t.Fatalf("DialPub: %v", err)
	}
	defer pub.Close()

	if err := pub.Send(wire.NewData("emg.data", []byte("x"))); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ev := waitEvent(t, backend.Events(), time.Second)
	if ev.Msg == nil || ev.Msg.Topic() != "emg.data" {
		t.Fatalf("expected emg.data event, got %+v", ev)
	}

	// Espelha um delta de assinatura de volta ao producer; o drain loop
	// do PubConn deve consumi-lo sem travar o socket.
	backend.Broadcast(wire.NewSubscribe("emg."))
	if err := pub.Send(wire.NewData("emg.data", []byte("y"))); err != nil {
		t.Fatalf("Send after mirror: %v", err)
	}
	waitEvent(t, backend.Events(), time.Second)
}

func TestRouter_AddressedReplies(t *testing.T) {
	r, err := ListenRouter("sync", "127.0.0.1:0", testLogger())
	if err != nil {
		t.Fatalf("ListenRouter: %v", err)
	}
	defer r.Close()

	idA := []byte("identity-aaaa-16b")[:wire.IdentitySize]
	idB := []byte("identity-bbbb-16b")[:wire.IdentitySize]

	connA, err := DialSync(r.Addr(), idA)
	if err != nil {
		t.Fatalf("DialSync a: %v", err)
	}
	defer connA.Close()

	connB, err := DialSync(r.Addr(), idB)
	if err != nil {
		t.Fatalf("DialSync b: %v", err)
	}
	defer connB.Close()

	if err := connA.Request("imu"); err != nil {
		t.Fatalf("Request a: %v", err)
	}
	if err := connB.Request("camera"); err != nil {
		t.Fatalf("Request b: %v", err)
	}

	seen := map[string][]byte{}
	for i := 0; i < 2; i++ {
		ev := waitEvent(t, r.Events(), time.Second)
		seen[string(ev.Msg.Frames[1])] = ev.Msg.Frames[0]
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 distinct sync requests, got %d", len(seen))
	}

	// Responde na ordem inversa; cada node deve receber a sua.
	if err := r.SendTo(seen["camera"], wire.CmdGo); err != nil {
		t.Fatalf("SendTo camera: %v", err)
	}
	if err := r.SendTo(seen["imu"], wire.CmdGo); err != nil {
		t.Fatalf("SendTo imu: %v", err)
	}

	for _, c := range []*SyncConn{connA, connB} {
		payload, err := c.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if payload != wire.CmdGo {
			t.Errorf("expected GO, got %q", payload)
		}
	}
}

func TestRouter_UnknownIdentity(t *testing.T) {
	r, err := ListenRouter("sync", "127.0.0.1:0", testLogger())
	if err != nil {
		t.Fatalf("ListenRouter: %v", err)
	}
	defer r.Close()

	if err := r.SendTo([]byte("nobody"), wire.CmdBye); err != ErrUnknownIdentity {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
}

func TestConn_SlowConsumerDrops(t *testing.T) {
	// Conexão nunca drenada: a fila enche e o excedente é descartado em
	// vez de bloquear o publisher.
	l, err := Listen("frontend", "127.0.0.1:0", testLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	sub, err := DialSub("slow", l.Addr(), "x.")
	if err != nil {
		t.Fatalf("DialSub: %v", err)
	}
	defer sub.Close()

	ev := waitEvent(t, l.Events(), time.Second)
	conn := ev.Conn

	payload := make([]byte, 1024)
	for i := 0; i < outQueueDepth*4; i++ {
		conn.Send(wire.NewData("x.data", payload))
	}

	if conn.Dropped() == 0 {
		t.Error("expected drops under sustained overload of a slow consumer")
	}
}

func TestPoller_RegisterUnregister(t *testing.T) {
	p := NewPoller()
	defer p.Close()

	ch := make(chan Event, 1)
	p.Register("kill", ch)

	ch <- Event{Source: "kill"}
	ev := p.Poll()
	if ev.Source != "kill" {
		t.Fatalf("expected kill event, got %q", ev.Source)
	}

	p.Unregister("kill")
	// Após o unregister, eventos novos da fonte não chegam mais.
	time.Sleep(10 * time.Millisecond)
	select {
	case ch <- Event{Source: "kill"}:
	default:
	}

	p.Push(Event{Source: "marker"})
	ev = p.Poll()
	if ev.Source != "marker" {
		t.Fatalf("expected marker after unregister, got %q", ev.Source)
	}
}

func TestPoller_SyntheticPush(t *testing.T) {
	p := NewPoller()
	defer p.Close()

	done := make(chan Event, 1)
	go func() { done <- p.Poll() }()

	p.Push(Event{Source: "interrupt"})

	select {
	case ev := <-done:
		if ev.Source != "interrupt" {
			t.Errorf("expected interrupt, got %q", ev.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("Poll did not wake on Push")
	}
}
