// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package serialize codifica os registros de amostra trocados no tecido:
// maps schemaless com suporte a blobs binários tipados (shape + dtype),
// para embutir frames crus sem base64.
package serialize

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// KeyTime é o campo obrigatório de todo registro: wall clock do host no
// momento da emissão, em segundos.
const KeyTime = "time_s"

// Chaves internas da codificação de blobs.
const (
	blobMarker = "__blob__"
	blobShape  = "shape"
	blobDtype  = "dtype"
	blobBytes  = "bytes"
)

// Erros do codec.
var (
	ErrMissingTime = errors.New("serialize: record missing time_s field")
	ErrNotARecord  = errors.New("serialize: payload is not a record map")
)

// Record é um registro schemaless de uma amostra.
// Inteiros decodificam como int64, floats como float64.
type Record map[string]any

// Blob é uma faixa de bytes tipada embutida num registro, com anotação de
// shape e tipo de elemento para reconstrução no consumidor sem schema.
type Blob struct {
	Shape []int
	Dtype string
	Bytes []byte
}

// New cria um registro com o timestamp obrigatório preenchido.
func New(timeS float64) Record {
	return Record{KeyTime: timeS}
}

// TimeS retorna o timestamp do registro, 0 se ausente.
func (r Record) TimeS() float64 {
	if v, ok := r[KeyTime].(float64); ok {
		return v
	}
	return 0
}

// Encode serializa o registro em msgpack. Blobs viram maps marcados com
// os bytes crus em formato bin.
func Encode(r Record) ([]byte, error) {
	if _, ok := r[KeyTime]; !ok {
		return nil, ErrMissingTime
	}
	b, err := msgpack.Marshal(encodeValue(map[string]any(r)))
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return b, nil
}

// Decode desserializa um payload msgpack de volta num registro,
// reconstruindo blobs marcados.
func Decode(payload []byte) (Record, error) {
	var raw map[string]any
	if err := msgpack.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	if raw == nil {
		return nil, ErrNotARecord
	}
	rec, ok := decodeValue(raw).(map[string]any)
	if !ok {
		return nil, ErrNotARecord
	}
	return Record(rec), nil
}

// encodeValue troca Blobs por maps marcados, recursivamente.
func encodeValue(v any) any {
	switch val := v.(type) {
	case Blob:
		return map[string]any{
			blobMarker: true,
			blobShape:  val.Shape,
			blobDtype:  val.Dtype,
			blobBytes:  val.Bytes,
		}
	case *Blob:
		return encodeValue(*val)
	case Record:
		return encodeValue(map[string]any(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = encodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = encodeValue(item)
		}
		return out
	default:
		return v
	}
}

// decodeValue reconstrói Blobs a partir de maps marcados, recursivamente.
func decodeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if _, ok := val[blobMarker]; ok {
			return Blob{
				Shape: toIntSlice(val[blobShape]),
				Dtype: asString(val[blobDtype]),
				Bytes: asBytes(val[blobBytes]),
			}
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = decodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = decodeValue(item)
		}
		return out
	default:
		return v
	}
}

func toIntSlice(v any) []int {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		switch n := item.(type) {
		case int64:
			out = append(out, int(n))
		case uint64:
			out = append(out, int(n))
		case int8:
			out = append(out, int(n))
		case int16:
			out = append(out, int(n))
		case int32:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		}
	}
	return out
}

// AsInt normaliza os tipos inteiros que o msgpack pode devolver num int64.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBytes(v any) []byte {
	b, _ := v.([]byte)
	return b
}
