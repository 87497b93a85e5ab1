// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging constrói o slog.Logger raiz dos daemons do n-stream.
// Cada componente deriva o seu com logger.With("component", ...); nodes
// acrescentam o source tag com With("node", tag).
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options parametriza o logger raiz.
type Options struct {
	// Level: "debug", "info" (default), "warn", "error".
	Level string
	// Format: "json" (default) ou "text".
	Format string
	// File, se preenchido, grava em stderr + arquivo.
	File string
}

// levels mapeia os nomes aceitos em config para slog.
var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// nopCloser é o io.Closer devolvido quando não há arquivo a fechar.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New cria o logger raiz de um daemon. Logs vão para stderr — o stdout
// fica para a saída dos processos de node spawnados. O io.Closer retornado
// deve ser chamado no shutdown; sem arquivo configurado é um no-op.
// Arquivo que não abre não derruba o daemon: o aviso é logado e o daemon
// segue só com stderr.
func New(opts Options) (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	var fileErr error

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fileErr = err
		} else {
			w = io.MultiWriter(os.Stderr, f)
			closer = f
		}
	}

	level, ok := levels[strings.ToLower(opts.Level)]
	if !ok {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}

	logger := slog.New(handler)
	if fileErr != nil {
		logger.Warn("could not open log file, logging to stderr only",
			"path", opts.File, "error", fileErr)
	}
	return logger, closer
}
