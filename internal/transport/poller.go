// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"sync"
)

// Poller multiplexa canais de eventos de vários endpoints num único canal,
// com registro e remoção dinâmicos — o equivalente síncrono do poll loop
// de sockets. Remover uma fonte para de entregar eventos novos dela;
// eventos já enfileirados ainda podem aparecer e cabem ao caller ignorar.
type Poller struct {
	events chan Event

	mu    sync.Mutex
	stops map[string]chan struct{}
}

// NewPoller cria um poller vazio.
func NewPoller() *Poller {
	return &Poller{
		events: make(chan Event, eventQueueDepth),
		stops:  make(map[string]chan struct{}),
	}
}

// Register liga uma fonte de eventos ao poller sob o nome dado.
// Registrar um nome já usado substitui a fonte anterior.
func (p *Poller) Register(name string, ch <-chan Event) {
	p.mu.Lock()
	if prev, ok := p.stops[name]; ok {
		close(prev)
	}
	stop := make(chan struct{})
	p.stops[name] = stop
	p.mu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				select {
				case <-stop:
					return
				case p.events <- ev:
				}
			}
		}
	}()
}

// Unregister desliga a fonte do poller.
func (p *Poller) Unregister(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stop, ok := p.stops[name]; ok {
		close(stop)
		delete(p.stops, name)
	}
}

// Push injeta um evento sintético (interrupt, deadline, amostra de device).
func (p *Poller) Push(ev Event) {
	p.events <- ev
}

// Poll bloqueia até o próximo evento de qualquer fonte registrada.
func (p *Poller) Poll() Event {
	return <-p.events
}

// Close desliga todas as fontes.
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, stop := range p.stops {
		close(stop)
		delete(p.stops, name)
	}
}
