// Copyright 2026 The go-accelerate Authors. SPDX-License-Identifier: Apache-2.0

package rng

import (
	"sync"

	"github.com/pkg/errors"
	xrand "golang.org/x/exp/rand"
)

// Generator is an explicitly-passed pseudo-random generator handle with a
// serializable state, so it can be captured on one rank and installed verbatim
// on another.
//
// It is a PCG generator (golang.org/x/exp/rand): its source state marshals to a
// stable binary form, which is what Synchronize moves across ranks. Generators
// are handles, never ambient process-wide state: every component that consumes
// randomness takes the Generator it should draw from.
//
// Methods are safe for concurrent use, but see Synchronize for the requirement
// that nothing draws from a generator while its state is being installed.
type Generator struct {
	mu  sync.Mutex
	src *xrand.PCGSource
	rnd *xrand.Rand
}

// NewGenerator returns a Generator seeded with seed.
func NewGenerator(seed uint64) *Generator {
	src := &xrand.PCGSource{}
	src.Seed(seed)
	return &Generator{
		src: src,
		rnd: xrand.New(src),
	}
}

// Seed resets the generator to the deterministic state derived from seed.
func (g *Generator) Seed(seed uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.src.Seed(seed)
}

// Intn returns a uniform int in [0, n). It panics if n <= 0.
func (g *Generator) Intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rnd.Intn(n)
}

// Uint64 returns a uniform 64-bit value.
func (g *Generator) Uint64() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rnd.Uint64()
}

// Perm returns a random permutation of [0, n).
func (g *Generator) Perm(n int) []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rnd.Perm(n)
}

// Shuffle pseudo-randomizes the order of n elements using swap.
func (g *Generator) Shuffle(n int, swap func(i, j int)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rnd.Shuffle(n, swap)
}

// CaptureState returns the complete generator state in a serializable form.
// The snapshot is independent of the generator: later draws don't change it.
func (g *Generator) CaptureState() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, err := g.src.MarshalBinary()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to capture generator state")
	}
	return state, nil
}

// InstallState replaces the complete generator state with a snapshot previously
// returned by CaptureState -- typically captured on another rank.
func (g *Generator) InstallState(state []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.src.UnmarshalBinary(state); err != nil {
		return errors.Wrapf(err, "failed to install generator state (%d bytes)", len(state))
	}
	return nil
}
