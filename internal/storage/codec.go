package storage

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/rewired-gh/peerless/internal/models"
)

func (s *Storage) compress(raw []byte) []byte {
	return s.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

func (s *Storage) decompress(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	raw, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress blob: %w", err)
	}
	return raw, nil
}

func (s *Storage) encodeFloats(v []float64) []byte {
	raw := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(x))
	}
	return s.compress(raw)
}

func (s *Storage) decodeFloats(blob []byte) ([]float64, error) {
	raw, err := s.decompress(blob)
	if err != nil {
		return nil, err
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("float array blob has %d bytes", len(raw))
	}
	v := make([]float64, len(raw)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return v, nil
}

func (s *Storage) encodeInts(v []int) []byte {
	raw := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(raw[8*i:], uint64(int64(x)))
	}
	return s.compress(raw)
}

func (s *Storage) decodeInts(blob []byte) ([]int, error) {
	raw, err := s.decompress(blob)
	if err != nil {
		return nil, err
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("int array blob has %d bytes", len(raw))
	}
	v := make([]int, len(raw)/8)
	for i := range v {
		v[i] = int(int64(binary.LittleEndian.Uint64(raw[8*i:])))
	}
	return v, nil
}

// encodeCurve flattens the curve into precision, recall, threshold triples.
func (s *Storage) encodeCurve(curve []models.PRPoint) []byte {
	flat := make([]float64, 0, 3*len(curve))
	for _, p := range curve {
		flat = append(flat, p.Precision, p.Recall, p.Threshold)
	}
	return s.encodeFloats(flat)
}

func (s *Storage) decodeCurve(blob []byte) ([]models.PRPoint, error) {
	flat, err := s.decodeFloats(blob)
	if err != nil {
		return nil, err
	}
	if len(flat)%3 != 0 {
		return nil, fmt.Errorf("curve blob holds %d values", len(flat))
	}
	curve := make([]models.PRPoint, len(flat)/3)
	for i := range curve {
		curve[i] = models.PRPoint{Precision: flat[3*i], Recall: flat[3*i+1], Threshold: flat[3*i+2]}
	}
	return curve, nil
}
