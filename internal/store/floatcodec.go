package store

import (
	"encoding/binary"
	"math"
)

// encodeFloat32s packs a float32 slice into a little-endian byte blob for
// storage in a BLOB column (chunk_embeddings.embedding).
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s unpacks a little-endian byte blob written by encodeFloat32s.
func decodeFloat32s(buf []byte, dims int) []float32 {
	out := make([]float32, 0, dims)
	for i := 0; i+4 <= len(buf); i += 4 {
		out = append(out, math.Float32frombits(binary.LittleEndian.Uint32(buf[i:])))
	}
	return out
}
