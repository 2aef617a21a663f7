// Package prng provides the counter-based keyed random streams used by the
// price engine and the share-availability cycles. Every stream is derived
// from (global seed, symbol, day index, purpose), so the same query always
// sees the same noise regardless of call order. Wall-clock randomness is
// never used.
package prng

import (
	"encoding/binary"
	"hash/fnv"
)

// DefaultGlobalSeed is the savegame seed. It may be rotated across savegames
// but is constant within one.
const DefaultGlobalSeed uint64 = 0x5eed1970cafe42d7

// Stream is a splitmix64 generator over a derived key. It implements the
// math/rand/v2 Source interface (Uint64), so it can drive gonum's distuv
// distributions directly.
type Stream struct {
	state uint64
}

// New derives a stream keyed by (globalSeed, symbol, dayIndex, purpose).
func New(globalSeed uint64, symbol string, dayIndex int64, purpose string) *Stream {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], globalSeed)
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(symbol))
	binary.LittleEndian.PutUint64(buf[:], uint64(dayIndex))
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(purpose))
	return &Stream{state: h.Sum64()}
}

// SymbolHash returns a stable 64-bit hash of a symbol, used where a seed is
// combined with a day index (e.g. buyback cycle draws).
func SymbolHash(symbol string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	return h.Sum64()
}

// Seed resets the stream state. It exists only to satisfy the rand.Source
// interface used by gonum's distuv distributions; nothing calls it.
func (s *Stream) Seed(seed uint64) {
	s.state = seed
}

// Uint64 advances the stream one splitmix64 step.
func (s *Stream) Uint64() uint64 {
	s.state += 0x9e3779b97f4a7c15
	z := s.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Float64 returns a uniform draw in [0, 1).
func (s *Stream) Float64() float64 {
	return float64(s.Uint64()>>11) / (1 << 53)
}

// IntN returns a uniform draw in [0, n). n must be positive.
func (s *Stream) IntN(n int64) int64 {
	if n <= 0 {
		panic("prng: IntN with non-positive n")
	}
	return int64(s.Float64() * float64(n))
}

// Range returns a uniform draw in [lo, hi).
func (s *Stream) Range(lo, hi float64) float64 {
	return lo + s.Float64()*(hi-lo)
}
