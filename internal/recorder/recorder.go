// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package recorder persiste os streams de um trial em disco: um log de
// registros comprimido por source e um histórico de texto, num diretório
// por trial. A escrita é atômica: .tmp → rename final.
package recorder

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-stream/internal/serialize"
	"github.com/nishisan-dev/n-stream/internal/wire"
)

// recordLogExt é a extensão dos logs de registro por source.
const recordLogExt = ".msgpack.gz"

// TrialDir monta o layout de diretório de um trial:
// {base}/{YYYY-MM-DD}_{subject}_{nn}/{HH-MM-SS}_{label}/
func TrialDir(base, subject string, trialNum int, label string, now time.Time) string {
	day := fmt.Sprintf("%s_%s_%02d", now.Format("2006-01-02"), subject, trialNum)
	session := fmt.Sprintf("%s_%s", now.Format("15-04-05"), label)
	return filepath.Join(base, day, session)
}

// sourceFile é o log comprimido de um source tag, gravado em .tmp até o
// finalize.
type sourceFile struct {
	f       *os.File
	gz      *pgzip.Writer
	tmpPath string
	final   string
}

// Recorder grava registros por source no diretório do trial. Serve tanto
// de sink de um Consumer logger quanto de sink local de um Producer.
type Recorder struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	files   map[string]*sourceFile
	history *os.File
	closed  bool
}

// New cria o diretório do trial e o histórico de texto.
func New(dir string, logger *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating trial directory: %w", err)
	}
	history, err := os.OpenFile(filepath.Join(dir, "log_history.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log history: %w", err)
	}
	r := &Recorder{
		dir:     dir,
		logger:  logger.With("component", "recorder", "dir", dir),
		files:   make(map[string]*sourceFile),
		history: history,
	}
	r.note("trial recording started")
	return r, nil
}

// Dir retorna o diretório do trial.
func (r *Recorder) Dir() string {
	return r.dir
}

// OnPacket implementa o sink de Consumer.
func (r *Recorder) OnPacket(topic string, rec serialize.Record) error {
	return r.WriteRecord(topic, rec)
}

// WriteRecord anexa um registro ao log do tópico, criando o arquivo na
// primeira escrita. Cada registro vai com prefixo de tamanho, para leitura
// em streaming.
func (r *Recorder) WriteRecord(topic string, rec serialize.Record) error {
	payload, err := serialize.Encode(rec)
	if err != nil {
		return fmt.Errorf("encoding record for %s: %w", topic, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	sf, ok := r.files[topic]
	if !ok {
		sf, err = r.openSource(topic)
		if err != nil {
			return err
		}
		r.files[topic] = sf
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := sf.gz.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing record length: %w", err)
	}
	if _, err := sf.gz.Write(payload); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

// OnTopicEnd finaliza o log do source: todos os tópicos do tag fecham e
// renomeiam do .tmp para o nome final.
func (r *Recorder) OnTopicEnd(tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.note(fmt.Sprintf("source %s ended", tag))

	var firstErr error
	for topic, sf := range r.files {
		if wire.SourceTag(topic) != tag {
			continue
		}
		if err := r.finalize(sf); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.files, topic)
	}
	return firstErr
}

// Close finaliza os logs restantes e o histórico.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	for topic, sf := range r.files {
		if err := r.finalize(sf); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.files, topic)
	}
	r.note("trial recording finished")
	if err := r.history.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// openSource cria o log .tmp de um tópico. Deve ser chamada com r.mu held.
func (r *Recorder) openSource(topic string) (*sourceFile, error) {
	final := filepath.Join(r.dir, topic+recordLogExt)
	tmpPath := final + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating record log for %s: %w", topic, err)
	}
	r.note(fmt.Sprintf("opened record log for %s", topic))
	return &sourceFile{
		f:       f,
		gz:      pgzip.NewWriter(f),
		tmpPath: tmpPath,
		final:   final,
	}, nil
}

// finalize fecha o gzip e renomeia .tmp → final. Deve ser chamada com
// r.mu held.
func (r *Recorder) finalize(sf *sourceFile) error {
	if err := sf.gz.Close(); err != nil {
		sf.f.Close()
		return fmt.Errorf("closing record log: %w", err)
	}
	if err := sf.f.Close(); err != nil {
		return fmt.Errorf("closing record file: %w", err)
	}
	if err := os.Rename(sf.tmpPath, sf.final); err != nil {
		return fmt.Errorf("renaming record log: %w", err)
	}
	return nil
}

func (r *Recorder) note(msg string) {
	fmt.Fprintf(r.history, "%s %s\n", time.Now().Format(time.RFC3339), msg)
}
