package storage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// serializeVector encodes a vector as little-endian float32s
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector decodes a blob written by serializeVector
func deserializeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(blob))
	}
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector, nil
}

// SerializeVector is the exported form of serializeVector
func SerializeVector(vector []float32) []byte {
	return serializeVector(vector)
}

// DeserializeVector is the exported form of deserializeVector
func DeserializeVector(blob []byte) ([]float32, error) {
	return deserializeVector(blob)
}
