// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Encoder/decoder zstd compartilhados. EncodeAll/DecodeAll são seguros
// para uso concorrente.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// CompressPayload comprime o último frame da mensagem com zstd e marca
// FlagCompressed. No-op para mensagens já comprimidas ou sem frames.
// Sentinelas de controle nunca devem ser comprimidas.
func CompressPayload(m *Message) {
	if m.Flags&FlagCompressed != 0 || len(m.Frames) == 0 {
		return
	}
	last := len(m.Frames) - 1
	m.Frames[last] = zstdEncoder.EncodeAll(m.Frames[last], nil)
	m.Flags |= FlagCompressed
}

// DecodedPayload retorna o payload da mensagem, descomprimindo se
// FlagCompressed estiver marcado.
func DecodedPayload(m *Message) ([]byte, error) {
	payload := m.Payload()
	if m.Flags&FlagCompressed == 0 {
		return payload, nil
	}
	out, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	return out, nil
}
