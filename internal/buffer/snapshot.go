// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package buffer implementa o ring de snapshots que alinha K canais
// assíncronos de sensores num mesmo espaço de índices temporal.
package buffer

import (
	"errors"
	"sync"
)

// Erros do SnapshotBuffer.
var (
	ErrUnknownChannel = errors.New("snapshotbuffer: unknown channel")
)

// subBuffer é o estado de um canal dentro do ring compartilhado.
// Todos os sub-buffers compartilham o mesmo espaço de índices: a posição p
// no canal i alinha temporalmente com a posição p no canal j.
type subBuffer struct {
	slots    []any
	readTip  int
	writeTip int
	isFull   bool
	isEmpty  bool
}

// SnapshotBuffer funde K canais com ritmos diferentes em snapshots
// alinhados, tolerando drop-outs e chegadas fora de ordem. Put e Take são
// mutuamente exclusivos por um único mutex; K e S são pequenos e o
// trabalho por operação é O(K).
type SnapshotBuffer struct {
	mu       sync.Mutex
	size     int
	channels []string
	subs     map[string]*subBuffer
}

// NewSnapshotBuffer cria um ring de tamanho size para os canais dados.
func NewSnapshotBuffer(size int, channels []string) *SnapshotBuffer {
	b := &SnapshotBuffer{
		size:     size,
		channels: append([]string(nil), channels...),
		subs:     make(map[string]*subBuffer, len(channels)),
	}
	for _, ch := range channels {
		b.subs[ch] = &subBuffer{
			slots:   make([]any, size),
			isEmpty: true,
		}
	}
	return b
}

// Put escreve uma amostra do canal na posição counter mod S do ring.
// A primeira escrita de qualquer canal fixa a origem temporal compartilhada;
// escritas seguintes preenchem posições intermediárias do próprio canal com
// placeholders nulos até alcançar a posição alvo.
func (b *SnapshotBuffer) Put(channel string, data any, counter int) error {
	sub, ok := b.subs[channel]
	if !ok {
		return ErrUnknownChannel
	}
	counterTip := counter % b.size
	if counterTip < 0 {
		counterTip += b.size
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.allEmpty() {
		sub.slots[counterTip] = data
		b.setStartPosition(channel, counterTip)
		return nil
	}

	// Marca os timesteps perdidos deste canal até o tip alcançar a
	// posição da nova amostra.
	for sub.writeTip != counterTip {
		sub.slots[sub.writeTip] = nil
		b.moveWriteTip(channel)
	}
	sub.slots[sub.writeTip] = data
	b.moveWriteTip(channel)
	return nil
}

// Take retorna o snapshot na posição de leitura corrente — um valor por
// canal, nulo onde falta dado — e avança todos os read tips em sincronia.
// Retorna nil quando ainda não dá para produzir uma linha alinhada
// (aguardando chegadas) ou quando tudo foi drenado.
func (b *SnapshotBuffer) Take(stillRunning bool) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	anyGt1, allGt1 := false, true
	anyEq0, allEq0 := false, true
	for _, ch := range b.channels {
		n := b.length(ch)
		if n > 1 {
			anyGt1 = true
		} else {
			allGt1 = false
		}
		if n == 0 {
			anyEq0 = true
		} else {
			allEq0 = false
		}
	}

	if stillRunning {
		// A posição corrente tem dado válido em todos os canais, ou
		// contém um pacote perdido porque um timestep novo começou em
		// outro canal.
		if allGt1 || (anyGt1 && anyEq0) {
			snapshot := b.readNext()
			b.moveReadTip()
			return snapshot
		}
		// Falta pacote mas nenhum timestep novo começou: aguarda.
		return nil
	}

	// Produção encerrada: drena o que restou.
	if allEq0 {
		return nil
	}
	snapshot := b.readNext()
	b.moveReadTip()
	return snapshot
}

// length retorna quantas posições do canal estão ocupadas.
// Deve ser chamada com b.mu held.
func (b *SnapshotBuffer) length(channel string) int {
	sub := b.subs[channel]
	d := sub.writeTip - sub.readTip
	switch {
	case d == 0 && sub.isFull:
		return b.size
	case d < 0:
		return b.size + d
	default:
		return d
	}
}

func (b *SnapshotBuffer) allEmpty() bool {
	for _, sub := range b.subs {
		if !sub.isEmpty {
			return false
		}
	}
	return true
}

// readNext lê sincronamente a mesma posição em todos os sub-buffers.
// Sub-buffer vazio contribui com nulo.
func (b *SnapshotBuffer) readNext() map[string]any {
	out := make(map[string]any, len(b.channels))
	for _, ch := range b.channels {
		sub := b.subs[ch]
		if sub.isEmpty {
			out[ch] = nil
		} else {
			out[ch] = sub.slots[sub.readTip]
		}
	}
	return out
}

// moveReadTip avança os read tips de todos os sub-buffers em sincronia.
func (b *SnapshotBuffer) moveReadTip() {
	for _, ch := range b.channels {
		sub := b.subs[ch]
		switch {
		case sub.isFull:
			// Ler um buffer cheio abre vaga para dado novo.
			sub.readTip = (sub.readTip + 1) % b.size
			sub.isFull = false
		case sub.isEmpty:
			// Ler um buffer vazio move os dois tips juntos.
			sub.readTip = (sub.readTip + 1) % b.size
			sub.writeTip = (sub.writeTip + 1) % b.size
		default:
			sub.readTip = (sub.readTip + 1) % b.size
			if sub.writeTip == sub.readTip {
				sub.isEmpty = true
			}
		}
	}
}

// moveWriteTip avança o write tip do canal DEPOIS da escrita naquela
// posição. Quando a escrita sobrepõe o valor mais antigo, os read tips dos
// demais canais avançam também, preservando o alinhamento do snapshot
// (ainda que com dado perdido por dropout).
func (b *SnapshotBuffer) moveWriteTip(channel string) {
	sub := b.subs[channel]
	if sub.writeTip == sub.readTip && !sub.isEmpty {
		// Sobrescreveu o valor mais antigo deste canal.
		sub.writeTip = (sub.writeTip + 1) % b.size
		sub.readTip = (sub.readTip + 1) % b.size
		for _, ch := range b.channels {
			if ch == channel {
				continue
			}
			other := b.subs[ch]
			switch {
			case other.isFull:
				other.readTip = (other.readTip + 1) % b.size
				other.isFull = false
			case other.isEmpty:
				other.readTip = (other.readTip + 1) % b.size
				other.writeTip = (other.writeTip + 1) % b.size
			default:
				other.readTip = (other.readTip + 1) % b.size
				if other.writeTip == other.readTip {
					other.isEmpty = true
				}
			}
		}
		return
	}

	sub.writeTip = (sub.writeTip + 1) % b.size
	if sub.writeTip == sub.readTip {
		// A próxima escrita vai sobrepor o valor mais antigo.
		sub.isFull = true
	} else {
		sub.isEmpty = false
	}
}

// setStartPosition fixa a origem do ring para todos os sub-buffers na
// primeira escrita. Deve ser chamada com b.mu held.
func (b *SnapshotBuffer) setStartPosition(channel string, index int) {
	for _, sub := range b.subs {
		sub.readTip = index
		sub.writeTip = index
		sub.isEmpty = true
	}
	first := b.subs[channel]
	first.writeTip = (index + 1) % b.size
	first.isEmpty = false
}
