// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sort"
)

// Rand supplies all nondeterministic choices made by transformations.
// Uniform returns a uniformly distributed integer in [0, n).
// RandValue returns a uniformly distributed integer of the given bit width.
type Rand interface {
	Uniform(n int) int
	RandValue(bits int) uint64
}

type RandGen struct {
	*rand.Rand
}

func NewRand(rs rand.Source) *RandGen {
	return &RandGen{Rand: rand.New(rs)}
}

func (r *RandGen) Uniform(n int) int {
	return r.Intn(n)
}

func (r *RandGen) RandValue(bits int) uint64 {
	return truncateToBitSize(r.Uint64(), bits)
}

func (r *RandGen) bin() bool {
	return r.Intn(2) == 0
}

func (r *RandGen) oneOf(n int) bool {
	return r.Intn(n) == 0
}

func (r *RandGen) nOutOf(n, outOf int) bool {
	if n <= 0 || n >= outOf {
		panic("bad probability")
	}
	v := r.Intn(outOf)
	return v < n
}

var (
	// Some potentially interesting integers.
	specialInts = []uint64{
		0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
		64, 127, 128, 129, 255, 256, 257, 511, 512,
		1023, 1024, 1025, 2047, 2048, 4095, 4096,
		(1 << 15) - 1, (1 << 15), (1 << 15) + 1,
		(1 << 16) - 1, (1 << 16), (1 << 16) + 1,
		(1 << 31) - 1, (1 << 31), (1 << 31) + 1,
		(1 << 32) - 1, (1 << 32), (1 << 32) + 1,
		(1 << 63) - 1, (1 << 63), (1 << 63) + 1,
		(1 << 64) - 1,
	}
	// The indexes (exclusive) for the maximum specialInts values that fit in 0, 1, ... 8 bytes.
	specialIntIndex [9]int
)

func init() {
	sort.Slice(specialInts, func(i, j int) bool {
		return specialInts[i] < specialInts[j]
	})
	for i := range specialIntIndex {
		bitSize := uint64(8 * i)
		specialIntIndex[i] = sort.Search(len(specialInts), func(i int) bool {
			return bitSize < 64 && specialInts[i]>>bitSize != 0
		})
		if i == 8 {
			specialIntIndex[i] = len(specialInts)
		}
	}
}

// randInt returns a value biased towards boundary cases, used for program generation.
// Masks for rewrites use RandValue, which is uniform.
func (r *RandGen) randInt(bits int) uint64 {
	v := r.Uint64()
	switch {
	case r.nOutOf(100, 182):
		v %= 10
	case bits >= 8 && r.nOutOf(50, 82):
		v = specialInts[r.Intn(specialIntIndex[bits/8])]
	case r.nOutOf(10, 32):
		v %= 256
	case r.nOutOf(10, 22):
		v %= 4 << 10
	}
	if r.oneOf(7) {
		v = -v
	}
	return truncateToBitSize(v, bits)
}

type cryptoSource struct{}

// NewCryptoSource returns a math/rand source backed by the operating system CSPRNG.
// It is not seedable: use it when results must not be reproducible.
func NewCryptoSource() rand.Source64 {
	return cryptoSource{}
}

func (cryptoSource) Uint64() uint64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (s cryptoSource) Int63() int64 {
	return int64(s.Uint64() >> 1)
}

func (cryptoSource) Seed(int64) {}
