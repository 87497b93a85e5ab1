// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package node

import (
	"math"
	"strings"

	"github.com/nishisan-dev/n-stream/internal/buffer"
	"github.com/nishisan-dev/n-stream/internal/serialize"
	"github.com/nishisan-dev/n-stream/internal/wire"
)

// Aligner é um Processor que funde os canais assinados em snapshots
// alinhados usando o ring de snapshots. O timestep de cada amostra deriva
// do time_s — counters de dispositivo não são comparáveis entre sensores.
type Aligner struct {
	channels []string
	buf      *buffer.SnapshotBuffer
	rateHz   float64

	originSet bool
	originS   float64
}

// NewAligner cria um aligner para os source tags dados, com ring de
// tamanho size e taxa nominal de alinhamento rateHz.
func NewAligner(channels []string, size int, rateHz float64) *Aligner {
	return &Aligner{
		channels: append([]string(nil), channels...),
		buf:      buffer.NewSnapshotBuffer(size, channels),
		rateHz:   rateHz,
	}
}

// OnPacket insere a amostra no sub-buffer do canal e devolve os snapshots
// que ficaram prontos.
func (a *Aligner) OnPacket(topic string, rec serialize.Record) []serialize.Record {
	// Só o subcanal de dados participa do alinhamento.
	if !strings.HasSuffix(topic, "."+wire.SubchannelData) {
		return nil
	}
	tag := wire.SourceTag(topic)

	timeS := rec.TimeS()
	if !a.originSet {
		a.originSet = true
		a.originS = timeS
	}
	counter := int(math.Round((timeS - a.originS) * a.rateHz))
	if counter < 0 {
		// Chegada anterior à origem fixada: descarta, o slot já passou.
		return nil
	}
	if err := a.buf.Put(tag, rec, counter); err != nil {
		return nil
	}
	return a.drain(true)
}

// Flush drena as posições restantes depois que a produção upstream parou.
func (a *Aligner) Flush() []serialize.Record {
	return a.drain(false)
}

func (a *Aligner) drain(stillRunning bool) []serialize.Record {
	var out []serialize.Record
	for {
		snapshot := a.buf.Take(stillRunning)
		if snapshot == nil {
			return out
		}
		out = append(out, a.toRecord(snapshot))
	}
}

// toRecord materializa um snapshot K-tuple num registro publicável: o
// time_s do snapshot é o mais novo entre os membros presentes.
func (a *Aligner) toRecord(snapshot map[string]any) serialize.Record {
	newest := 0.0
	out := serialize.Record{}
	for ch, v := range snapshot {
		if v == nil {
			out[ch] = nil
			continue
		}
		member := v.(serialize.Record)
		out[ch] = map[string]any(member)
		if t := member.TimeS(); t > newest {
			newest = t
		}
	}
	out[serialize.KeyTime] = newest
	return out
}
