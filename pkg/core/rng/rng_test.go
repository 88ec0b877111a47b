// Copyright 2026 The go-accelerate Authors. SPDX-License-Identifier: Apache-2.0

package rng_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zanussbaum/accelerate/pkg/core/distributed"
	"github.com/zanussbaum/accelerate/pkg/core/distributed/disttest"
	"github.com/zanussbaum/accelerate/pkg/core/rng"
)

func TestCaptureInstallRoundtrip(t *testing.T) {
	gen := rng.NewGenerator(42)
	gen.Uint64()
	state, err := gen.CaptureState()
	require.NoError(t, err)

	want := []uint64{gen.Uint64(), gen.Uint64(), gen.Uint64()}

	other := rng.NewGenerator(7)
	require.NoError(t, other.InstallState(state))
	got := []uint64{other.Uint64(), other.Uint64(), other.Uint64()}
	assert.Equal(t, want, got)
}

func TestSynchronizeAgreement(t *testing.T) {
	for _, numProcesses := range []int{1, 2, 4, 8} {
		w, err := disttest.NewWorld(numProcesses)
		require.NoError(t, err)

		err = w.Run(func(c *distributed.Context, tr distributed.Transport) error {
			// Each rank starts from a different seed and a different number of draws,
			// so pre-sync states genuinely diverge.
			gen := rng.NewGenerator(uint64(c.ProcessIndex()))
			for range c.ProcessIndex() {
				gen.Uint64()
			}
			registry := rng.NewRegistry()
			if err := registry.Register(rng.GeneratorDomain(rng.DomainCPU, gen)); err != nil {
				return err
			}
			if err := rng.Synchronize(tr, c, registry, rng.DomainCPU); err != nil {
				return err
			}
			domain, err := registry.Domain(rng.DomainCPU)
			if err != nil {
				return err
			}
			if err := rng.AssertSynchronized(tr, c, domain); err != nil {
				return err
			}
			// All ranks must now draw the same permutation.
			perm := gen.Perm(16)
			all, err := tr.Gather(perm)
			if err != nil {
				return err
			}
			for _, v := range all {
				assert.Equal(t, perm, v)
			}
			return nil
		})
		require.NoError(t, err)
	}
}

func TestSynchronizeIsIdempotent(t *testing.T) {
	w, err := disttest.NewWorld(4)
	require.NoError(t, err)

	err = w.Run(func(c *distributed.Context, tr distributed.Transport) error {
		gen := rng.NewGenerator(uint64(c.ProcessIndex()) * 31)
		registry := rng.NewRegistry()
		if err := registry.Register(rng.GeneratorDomain(rng.DomainCPU, gen)); err != nil {
			return err
		}
		if err := rng.Synchronize(tr, c, registry, rng.DomainCPU); err != nil {
			return err
		}
		once, err := gen.CaptureState()
		if err != nil {
			return err
		}
		if err := rng.Synchronize(tr, c, registry, rng.DomainCPU); err != nil {
			return err
		}
		twice, err := gen.CaptureState()
		if err != nil {
			return err
		}
		assert.Equal(t, once, twice)
		return nil
	})
	require.NoError(t, err)
}

func TestSynchronizeUnknownAndUnavailableDomains(t *testing.T) {
	w, err := disttest.NewWorld(2)
	require.NoError(t, err)

	// Every rank fails before its first collective call, so nobody is stranded.
	err = w.Run(func(c *distributed.Context, tr distributed.Transport) error {
		registry := rng.NewRegistry()
		if err := registry.Register(rng.GeneratorDomain(rng.DomainCPU, rng.NewGenerator(0))); err != nil {
			return err
		}
		return rng.Synchronize(tr, c, registry, "typo")
	})
	require.Error(t, err)
	assert.True(t, distributed.IsConfiguration(err))

	w, err = disttest.NewWorld(2)
	require.NoError(t, err)
	err = w.Run(func(c *distributed.Context, tr distributed.Transport) error {
		registry := rng.NewRegistry()
		if err := registry.Register(rng.UnavailableDomain(rng.DomainDevice)); err != nil {
			return err
		}
		return rng.Synchronize(tr, c, registry, rng.DomainDevice)
	})
	require.Error(t, err)
	assert.True(t, distributed.IsConfiguration(err))
}

func TestSynchronizeRejectsDuplicateNames(t *testing.T) {
	w, err := disttest.NewWorld(2)
	require.NoError(t, err)

	err = w.Run(func(c *distributed.Context, tr distributed.Transport) error {
		registry := rng.NewRegistry()
		if err := registry.Register(rng.GeneratorDomain(rng.DomainCPU, rng.NewGenerator(0))); err != nil {
			return err
		}
		return rng.Synchronize(tr, c, registry, rng.DomainCPU, rng.DomainCPU)
	})
	require.Error(t, err)
	assert.True(t, distributed.IsConfiguration(err))
}

func TestDomainsAreIndependent(t *testing.T) {
	w, err := disttest.NewWorld(4)
	require.NoError(t, err)

	err = w.Run(func(c *distributed.Context, tr distributed.Transport) error {
		cpu := rng.NewGenerator(uint64(c.ProcessIndex()))
		named := rng.NewGenerator(1000 + uint64(c.ProcessIndex()))
		before, err := named.CaptureState()
		if err != nil {
			return err
		}

		registry := rng.NewRegistry()
		if err := registry.Register(rng.GeneratorDomain(rng.DomainCPU, cpu)); err != nil {
			return err
		}
		if err := registry.Register(rng.GeneratorDomain("shuffle", named)); err != nil {
			return err
		}
		if err := rng.Synchronize(tr, c, registry, rng.DomainCPU); err != nil {
			return err
		}

		// Only the requested domain was touched.
		after, err := named.CaptureState()
		if err != nil {
			return err
		}
		assert.Equal(t, before, after)
		return nil
	})
	require.NoError(t, err)
}

func TestRegistryDuplicate(t *testing.T) {
	registry := rng.NewRegistry()
	require.NoError(t, registry.Register(rng.GeneratorDomain(rng.DomainCPU, rng.NewGenerator(0))))
	err := registry.Register(rng.GeneratorDomain(rng.DomainCPU, rng.NewGenerator(1)))
	require.Error(t, err)
	assert.True(t, distributed.IsConfiguration(err))
	assert.Equal(t, []string{rng.DomainCPU}, registry.Names())
}

func TestSetSeed(t *testing.T) {
	genA := rng.NewGenerator(1)
	genB := rng.NewGenerator(2)
	registry := rng.NewRegistry()
	require.NoError(t, registry.Register(rng.GeneratorDomain(rng.DomainCPU, genA)))
	require.NoError(t, registry.Register(rng.GeneratorDomain("shuffle", genB)))
	require.NoError(t, registry.Register(rng.UnavailableDomain(rng.DomainDevice)))

	rng.SetSeed(registry, 123)
	assert.Equal(t, genA.Uint64(), genB.Uint64())

	want := rng.NewGenerator(123)
	want.Uint64()
	assert.Equal(t, want.Perm(10), genA.Perm(10))
}
