// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteMessage escreve uma mensagem completa no writer.
// Formato: [Magic "NSTR" 4B] [Version 1B] [Kind 1B] [Flags 1B] [NFrames 1B]
// seguido de NFrames vezes [Length uint32 4B] [bytes].
func WriteMessage(w io.Writer, m *Message) error {
	if len(m.Frames) == 0 || len(m.Frames) > MaxFrames {
		return ErrTooManyFrames
	}
	for _, f := range m.Frames {
		if len(f) > MaxFrameSize {
			return ErrFrameTooLarge
		}
	}

	header := [8]byte{}
	copy(header[0:4], MagicMessage[:])
	header[4] = ProtocolVersion
	header[5] = m.Kind
	header[6] = m.Flags
	header[7] = byte(len(m.Frames))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing message header: %w", err)
	}

	var lenBuf [4]byte
	for _, f := range m.Frames {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("writing frame length: %w", err)
		}
		if _, err := w.Write(f); err != nil {
			return fmt.Errorf("writing frame: %w", err)
		}
	}
	return nil
}
