package storage

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fencio-dev/prism/internal/model"
)

// Vector columns hold raw little-endian float32 bytes. The layout is
// part of the storage protocol: a 128-element vector is exactly 512
// bytes, readable by any implementation that shares the convention.

// VectorToBlob serializes a float32 vector to little-endian bytes.
func VectorToBlob(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// VectorFromBlob deserializes a 128-element vector from its stored form.
func VectorFromBlob(blob []byte) ([]float32, error) {
	if len(blob) != 4*model.IntentDim {
		return nil, fmt.Errorf("storage: vector blob is %d bytes, want %d", len(blob), 4*model.IntentDim)
	}
	vec := make([]float32, model.IntentDim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return vec, nil
}
