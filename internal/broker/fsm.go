// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/n-stream/internal/transport"
	"github.com/nishisan-dev/n-stream/internal/wire"
)

type stateFn func(*Broker) stateFn

// stateStart registra os sockets de dados no poller e segue para o sync.
func stateStart(b *Broker) stateFn {
	b.poller.Register(srcBackend, b.backend.Events())
	for i, f := range b.frontends {
		name := srcFrontend
		if i > 0 {
			name = srcFrontendLAN
		}
		b.poller.Register(name, f.Events())
	}
	b.poller.Register(srcSync, b.sync.Events())
	for i, c := range b.remoteBackends {
		b.poller.Register(b.upstreamName(i), c.Events())
	}
	for i, c := range b.upstreamKills {
		b.poller.Register(b.upstreamKillName(i), c.Events())
	}
	b.phase.Store(phaseSync)
	return stateSync
}

// stateSync espera exatamente E mensagens de sync — nodes locais mais um
// registro por backend upstream — e responde GO a cada identity gravada.
// Nenhum dado é encaminhado antes do barrier liberar.
func stateSync(b *Broker) stateFn {
	expected := b.cfg.LocalNodes + len(b.cfg.Upstreams)
	count := 0
	for count < expected {
		ev := b.poller.Poll()
		switch {
		case ev.Source == srcInterrupt:
			// Kill antes do barrier: aborta sem drain, não há dados.
			b.logger.Info("killed during sync, aborting")
			return nil
		case ev.Source == srcSync && ev.Msg != nil:
			identity := append([]byte(nil), ev.Msg.Frames[0]...)
			tag := string(ev.Msg.Frames[1])
			if _, ok := b.nodes[tag]; ok {
				b.logger.Warn("duplicate sync registration", "tag", tag)
				continue
			}
			b.nodes[tag] = identity
			count++
			b.logger.Info("node connected to broker", "tag", tag, "count", count, "expected", expected)
		default:
			// Dados, deltas e erros de conexão esperam o Running.
		}
	}

	// Registra-se nos brokers downstream antes de liberar os nodes
	// locais: o barrier só abre quando a árvore inteira sincronizou.
	for _, down := range b.cfg.Downstreams {
		port := down.PortSync
		if port == "" {
			port = wire.PortSync
		}
		conn, err := transport.DialSync(net.JoinHostPort(down.Address, port), newIdentity())
		if err != nil {
			b.runErr = err
			b.logger.Error("connecting downstream sync failed", "error", err)
			return nil
		}
		b.downSyncs = append(b.downSyncs, conn)
		if err := conn.Request(b.cfg.Name); err != nil {
			b.runErr = err
			return nil
		}
		reply, err := conn.Recv()
		if err != nil || reply != wire.CmdGo {
			b.runErr = err
			b.logger.Error("downstream barrier failed", "reply", reply, "error", err)
			return nil
		}
	}

	for tag, identity := range b.nodes {
		if err := b.sync.SendTo(identity, wire.CmdGo); err != nil {
			b.logger.Error("sending GO failed", "tag", tag, "error", err)
		}
	}
	b.logger.Info("barrier released", "nodes", expected)

	b.armDeadline()
	b.phase.Store(phaseRunning)
	return stateRunning
}

// stateRunning encaminha pacotes até observar um sinal de kill — local,
// deadline ou upstream — ou até todos os ENDs esperados chegarem.
func stateRunning(b *Broker) stateFn {
	ev := b.poller.Poll()
	switch {
	case ev.Source == srcInterrupt:
		return stateKill
	case ev.Source == srcDeadline:
		b.logger.Info("duration elapsed, killing")
		return stateKill
	case b.isUpstreamKill(ev):
		b.logger.Info("upstream kill observed")
		return stateKill
	default:
		if b.route(ev) && b.endsLeft == 0 {
			// Todos os producers declararam END por conta própria:
			// não há mais nada para rotear.
			b.logger.Info("all expected ends accounted for")
			return stateFinish
		}
	}
	return stateRunning
}

// stateKill ignora novos kills upstream, publica KILL no killsig local e
// entra no drain.
func stateKill(b *Broker) stateFn {
	b.phase.Store(phaseKill)
	for i := range b.upstreamKills {
		b.poller.Unregister(b.upstreamKillName(i))
	}
	b.killPub.Broadcast(wire.NewData(wire.TopicKill, []byte(wire.CmdKill)))
	b.logger.Info("published KILL")
	b.phase.Store(phaseJoin)
	return stateJoin
}

// stateJoin continua encaminhando até cada producer esperado declarar END;
// cada END recebe um BYE endereçado na identity gravada no sync.
func stateJoin(b *Broker) stateFn {
	if b.endsLeft == 0 {
		return stateFinish
	}
	ev := b.poller.Poll()
	if ev.Source == srcInterrupt || ev.Source == srcDeadline || b.isUpstreamKill(ev) {
		// Já estamos encerrando; segue o drain.
		return stateJoin
	}
	b.route(ev)
	return stateJoin
}

// stateFinish fecha o papel de producer deste broker junto aos brokers
// downstream: emite o END do próprio tag e espera o BYE de cada um.
func stateFinish(b *Broker) stateFn {
	if len(b.downSyncs) > 0 {
		end := wire.NewEnd(b.cfg.Name)
		for _, f := range b.frontends {
			f.Publish(end)
		}
		for _, conn := range b.downSyncs {
			reply, err := conn.Recv()
			if err != nil {
				b.logger.Warn("downstream BYE failed", "error", err)
			} else if reply != wire.CmdBye {
				b.logger.Warn("unexpected downstream reply", "reply", reply)
			}
		}
	}
	return nil
}

// route encaminha um evento de dados ou delta de assinatura.
// Retorna true quando o evento era um END contabilizado.
func (b *Broker) route(ev transport.Event) bool {
	if ev.Msg == nil {
		if ev.Err != nil && ev.Conn != nil {
			// Peer caiu no meio do run: os demais seguem servidos.
			b.logger.Debug("peer disconnected", "source", ev.Source)
		}
		return false
	}

	switch ev.Msg.Kind {
	case wire.KindData:
		if !b.fromBackend(ev) {
			return false
		}
		// Fan-out incondicional: pacote de qualquer backend espelha em
		// todos os frontends; supressão de duplicata é do assinante.
		for _, f := range b.frontends {
			f.Publish(ev.Msg)
		}
		if ev.Msg.IsEnd() {
			return b.accountEnd(ev.Msg.Topic())
		}
	case wire.KindSubscribe, wire.KindUnsubscribe:
		if b.fromBackend(ev) {
			return false
		}
		// Delta de assinatura de qualquer frontend espelha em todos os
		// backends.
		b.backend.Broadcast(ev.Msg)
		for _, c := range b.remoteBackends {
			if err := c.Forward(ev.Msg); err != nil {
				b.logger.Debug("forwarding subscription upstream failed", "error", err)
			}
		}
	case wire.KindSync:
		b.logger.Warn("unexpected sync message after barrier", "source", ev.Source)
	}
	return false
}

// accountEnd decrementa o contador de ENDs esperados do tópico e responde
// BYE à identity registrada. ENDs de tags desconhecidos (producers de um
// upstream encaminhados em trânsito) só seguem o fan-out.
func (b *Broker) accountEnd(topic string) bool {
	tag := wire.SourceTag(topic)
	identity, ok := b.nodes[tag]
	if !ok {
		return false
	}
	delete(b.nodes, tag)
	b.endsLeft--
	if err := b.sync.SendTo(identity, wire.CmdBye); err != nil {
		b.logger.Warn("sending BYE failed", "tag", tag, "error", err)
	}
	b.logger.Info("producer ended", "tag", tag, "remaining", b.endsLeft)
	return true
}

func (b *Broker) fromBackend(ev transport.Event) bool {
	return ev.Source == srcBackend || strings.HasPrefix(ev.Source, srcUpstream+"#")
}

func (b *Broker) isUpstreamKill(ev transport.Event) bool {
	return strings.HasPrefix(ev.Source, srcKillIn+"#") && ev.Msg != nil && ev.Msg.IsKill()
}

func (b *Broker) upstreamName(i int) string {
	return srcUpstream + "#" + strconv.Itoa(i)
}

func (b *Broker) upstreamKillName(i int) string {
	return srcKillIn + "#" + strconv.Itoa(i)
}

// armDeadline agenda o kill sintético da duração configurada; a contagem
// começa quando todos os nodes sincronizaram.
func (b *Broker) armDeadline() {
	if b.cfg.Duration <= 0 {
		return
	}
	go func() {
		select {
		case <-b.deadlineStop:
		case <-time.After(b.cfg.Duration):
			b.poller.Push(transport.Event{Source: srcDeadline})
		}
	}()
}
