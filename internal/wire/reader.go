// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadMessage lê e valida uma mensagem completa do reader.
// O magic "NSTR" é lido e validado; frames acima de MaxFrameSize são
// rejeitados antes de alocar.
func ReadMessage(r io.Reader) (*Message, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	if header[0] != MagicMessage[0] || header[1] != MagicMessage[1] ||
		header[2] != MagicMessage[2] || header[3] != MagicMessage[3] {
		return nil, ErrInvalidMagic
	}
	if header[4] != ProtocolVersion {
		return nil, ErrInvalidVersion
	}
	kind := header[5]
	if kind > KindSync {
		return nil, ErrInvalidKind
	}
	nFrames := int(header[7])
	if nFrames == 0 || nFrames > MaxFrames {
		return nil, ErrTooManyFrames
	}

	m := &Message{
		Kind:   kind,
		Flags:  header[6],
		Frames: make([][]byte, 0, nFrames),
	}
	var lenBuf [4]byte
	for i := 0; i < nFrames; i++ {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("reading frame length: %w", ErrTruncated)
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		frame := make([]byte, length)
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil, fmt.Errorf("reading frame body: %w", ErrTruncated)
		}
		m.Frames = append(m.Frames, frame)
	}
	return m, nil
}
