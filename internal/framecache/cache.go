// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package framecache pré-decodifica janelas curtas de vídeo em torno de um
// frame pedido, para servir seeks interativos com latência limitada.
// Decodificar um frame aleatório de um arquivo comprimido custa segundos;
// uma janela decodificada serve o entorno em milissegundos.
package framecache

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Erros do cache.
var (
	ErrFrameOutOfRange = errors.New("framecache: frame id out of range")
)

// DecodeFunc decodifica a janela iniciada em frameID e retorna o map de
// frame id para bytes crus. Tipicamente embrulha um pipeline de vídeo com
// aceleração de hardware que faz seek por timestamp, não por índice.
type DecodeFunc func(frameID int) (map[int][]byte, error)

// Config parametriza o cache.
type Config struct {
	// Window é o número de frames decodificados por janela (fps × segundos).
	Window int
	// FrameBytes é o tamanho de um frame decodificado (geometria esperada).
	FrameBytes int
	// TotalFrames é o número de frames do arquivo; pedidos fora da faixa
	// são saturados nas bordas.
	TotalFrames int
	// BudgetBytes limita a memória total das janelas decodificadas (LRU).
	BudgetBytes int64
}

// window é uma faixa contígua de frames decodificados juntos.
// Imutável depois de pronta.
type window struct {
	start  int
	frames map[int][]byte
	bytes  int64
	ready  chan struct{}
	err    error
	elem   *list.Element
}

// Cache serve frames decodificados com no máximo uma decodificação em voo
// por janela; pedidos concorrentes para a mesma janela coalescem.
type Cache struct {
	cfg    Config
	decode DecodeFunc
	logger *slog.Logger

	mu      sync.Mutex
	windows map[int]*window // start → janela (pronta ou em voo)
	lru     *list.List      // frente = mais recente; valores são *window
	total   int64
}

// New cria um cache com a função de decodificação plugada.
func New(cfg Config, decode DecodeFunc, logger *slog.Logger) *Cache {
	return &Cache{
		cfg:     cfg,
		decode:  decode,
		logger:  logger.With("component", "framecache"),
		windows: make(map[int]*window),
		lru:     list.New(),
	}
}

// Get retorna o frame decodificado do id pedido. Bloqueia apenas quando
// nenhuma janela no cache cobre o id; nesse caso dispara a decodificação
// da janela [id, id+W) e pedidos concorrentes para a mesma faixa esperam
// a mesma decodificação. Um id abaixo do início de uma janela em voo não é
// coberto por ela e dispara a decodificação da própria janela. Falha de
// decodificação devolve um frame zerado da geometria esperada e loga o erro.
func (c *Cache) Get(frameID int) ([]byte, error) {
	if c.cfg.TotalFrames > 0 {
		if frameID < 0 {
			frameID = 0
		} else if frameID >= c.cfg.TotalFrames {
			frameID = c.cfg.TotalFrames - 1
		}
	} else if frameID < 0 {
		return nil, ErrFrameOutOfRange
	}

	c.mu.Lock()
	if w := c.covering(frameID); w != nil {
		c.touch(w)
		c.mu.Unlock()
		return c.await(w, frameID), nil
	}

	// Cache miss: registra a janela em voo antes de soltar o lock, para
	// que pedidos concorrentes coalesçam nela.
	w := &window{
		start:  frameID,
		frames: nil,
		ready:  make(chan struct{}),
	}
	c.windows[w.start] = w
	c.mu.Unlock()

	frames, err := c.decode(w.start)

	c.mu.Lock()
	w.err = err
	if err == nil {
		w.frames = frames
		for _, b := range frames {
			w.bytes += int64(len(b))
		}
	} else {
		c.logger.Error("window decode failed", "start", w.start, "error", err)
	}
	w.elem = c.lru.PushFront(w)
	c.total += w.bytes
	c.evict()
	c.mu.Unlock()

	close(w.ready)
	return c.await(w, frameID), nil
}

// Invalidate descarta a janela pronta que cobre o frame, permitindo ao
// caller re-tentar uma decodificação que falhou.
func (c *Cache) Invalidate(frameID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.covering(frameID)
	if w == nil {
		return
	}
	select {
	case <-w.ready:
	default:
		// Em voo: quem espera ainda vai usá-la; não remove.
		return
	}
	c.remove(w)
}

// Len retorna o número de janelas residentes (prontas ou em voo).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

// covering localiza uma janela cuja faixa [start, start+W) contém o frame.
// Deve ser chamada com c.mu held. O número de janelas residentes é pequeno
// (limitado pelo budget), então a varredura linear basta.
func (c *Cache) covering(frameID int) *window {
	for _, w := range c.windows {
		if frameID >= w.start && frameID < w.start+c.cfg.Window {
			return w
		}
	}
	return nil
}

// touch move a janela para a frente do LRU se já estiver pronta.
func (c *Cache) touch(w *window) {
	if w.elem != nil {
		c.lru.MoveToFront(w.elem)
	}
}

// await bloqueia até a janela estar pronta e extrai o frame pedido.
func (c *Cache) await(w *window, frameID int) []byte {
	<-w.ready
	if w.err != nil {
		return c.zeroFrame()
	}
	if b, ok := w.frames[frameID]; ok {
		return b
	}
	// Janela decodificou menos frames que o esperado (fim de arquivo).
	return c.zeroFrame()
}

func (c *Cache) zeroFrame() []byte {
	return make([]byte, c.cfg.FrameBytes)
}

// evict remove janelas do fundo do LRU até caber no budget.
// Deve ser chamada com c.mu held; nunca remove a única janela restante.
func (c *Cache) evict() {
	if c.cfg.BudgetBytes <= 0 {
		return
	}
	for c.total > c.cfg.BudgetBytes && c.lru.Len() > 1 {
		oldest := c.lru.Back()
		if oldest == nil {
			return
		}
		c.remove(oldest.Value.(*window))
	}
}

func (c *Cache) remove(w *window) {
	if w.elem != nil {
		c.lru.Remove(w.elem)
		w.elem = nil
	}
	delete(c.windows, w.start)
	c.total -= w.bytes
}

// RawFileDecoder devolve uma DecodeFunc que lê janelas de frames crus de
// tamanho fixo a partir de um reader posicional — o formato do recorder e
// dos testes. Pipelines de vídeo reais plugam sua própria DecodeFunc.
func RawFileDecoder(readAt func(p []byte, off int64) (int, error), frameBytes, windowFrames, totalFrames int) DecodeFunc {
	return func(frameID int) (map[int][]byte, error) {
		out := make(map[int][]byte, windowFrames)
		for i := 0; i < windowFrames; i++ {
			id := frameID + i
			if totalFrames > 0 && id >= totalFrames {
				break
			}
			buf := make([]byte, frameBytes)
			if _, err := readAt(buf, int64(id)*int64(frameBytes)); err != nil {
				return nil, fmt.Errorf("reading raw frame %d: %w", id, err)
			}
			out[id] = buf
		}
		return out, nil
	}
}
