// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package stream guarda, em processo, as amostras publicadas por um node
// junto com os metadados do canal, para que uma thread de logging local
// possa seguir o fluxo sem tocar no caminho de rede.
package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/nishisan-dev/n-stream/internal/serialize"
)

// rateEWMAAlpha é o fator de suavização da taxa medida de amostragem.
const rateEWMAAlpha = 0.25

// Erros do store.
var (
	ErrUnknownStream   = errors.New("stream: unknown stream")
	ErrDuplicateStream = errors.New("stream: stream already registered")
)

// Info descreve um canal lógico no wire: tipo de elemento, shape da
// amostra, taxa nominal e a janela de solidificação — para sensores que
// revisam retroativamente as últimas N amostras, qualquer amostra mais
// velha que N timesteps é imutável.
type Info struct {
	Name                      string
	Dtype                     string
	SampleShape               []int
	RateHz                    float64
	IsMeasureRate             bool
	TimestepsBeforeSolidified int
	ExtraKeys                 []string
}

type streamData struct {
	info     Info
	records  []serialize.Record
	lastAt   time.Time
	measured float64
}

// Store é o conjunto de streams de um node. O append é guardado
// internamente; a thread de logging lê por cursor via TailSince.
type Store struct {
	mu      sync.Mutex
	streams map[string]*streamData
	closed  bool
}

// NewStore cria um store vazio.
func NewStore() *Store {
	return &Store{streams: make(map[string]*streamData)}
}

// AddStream registra os metadados de um canal. Criado no init do node,
// imutável até o teardown.
func (s *Store) AddStream(info Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[info.Name]; ok {
		return ErrDuplicateStream
	}
	s.streams[info.Name] = &streamData{info: info}
	return nil
}

// Infos retorna os metadados de todos os canais registrados.
func (s *Store) Infos() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.streams))
	for _, sd := range s.streams {
		out = append(out, sd.info)
	}
	return out
}

// Append anexa um registro ao canal e atualiza a taxa medida.
func (s *Store) Append(name string, rec serialize.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.streams[name]
	if !ok {
		return ErrUnknownStream
	}
	now := time.Now()
	if sd.info.IsMeasureRate && !sd.lastAt.IsZero() {
		if dt := now.Sub(sd.lastAt).Seconds(); dt > 0 {
			instant := 1.0 / dt
			if sd.measured == 0 {
				sd.measured = instant
			} else {
				sd.measured = rateEWMAAlpha*instant + (1-rateEWMAAlpha)*sd.measured
			}
		}
	}
	sd.lastAt = now
	sd.records = append(sd.records, rec)
	return nil
}

// Replace sobrescreve o registro na posição dada, para sensores que
// revisam amostras recentes. Só é válido dentro da janela ainda não
// solidificada do canal.
func (s *Store) Replace(name string, index int, rec serialize.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.streams[name]
	if !ok {
		return ErrUnknownStream
	}
	if index < 0 || index >= len(sd.records) {
		return ErrUnknownStream
	}
	sd.records[index] = rec
	return nil
}

// TailSince retorna os registros novos desde o cursor e o cursor avançado.
// Enquanto o store está aberto, a cauda ainda não solidificada do canal é
// retida (o producer pode revisá-la); depois do Close tudo é entregue.
func (s *Store) TailSince(name string, cursor int) ([]serialize.Record, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.streams[name]
	if !ok {
		return nil, cursor
	}
	limit := len(sd.records)
	if !s.closed {
		limit -= sd.info.TimestepsBeforeSolidified
	}
	if limit <= cursor {
		return nil, cursor
	}
	out := make([]serialize.Record, limit-cursor)
	copy(out, sd.records[cursor:limit])
	return out, limit
}

// Len retorna o número de registros acumulados do canal.
func (s *Store) Len(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.streams[name]
	if !ok {
		return 0
	}
	return len(sd.records)
}

// MeasuredRate retorna a taxa medida do canal, 0 se não medida.
func (s *Store) MeasuredRate(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.streams[name]
	if !ok || !sd.info.IsMeasureRate {
		return 0
	}
	return sd.measured
}

// Close finaliza o store: a janela de solidificação deixa de reter a
// cauda, liberando os últimos registros para o logger.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
