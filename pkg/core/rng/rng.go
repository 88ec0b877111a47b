// Copyright 2026 The go-accelerate Authors. SPDX-License-Identifier: Apache-2.0

// Package rng synchronizes named random-number-generator domains across ranks:
// it captures the complete generator state of each requested domain on the main
// rank and installs it verbatim into every other rank's corresponding generator,
// so the ranks deterministically agree on subsequent random decisions (e.g. the
// dataset shuffle order) exactly when they are meant to.
//
// Domains are independent: synchronizing "cpu" never perturbs "device" state, and
// a named generator is only touched when its name is requested.
package rng

import (
	"bytes"
	"sync"

	"github.com/zanussbaum/accelerate/pkg/core/distributed"
	"github.com/zanussbaum/accelerate/pkg/support/sets"
	"github.com/zanussbaum/accelerate/pkg/support/xslices"
	"k8s.io/klog/v2"
)

// Standard domain names. Arbitrary names may be registered for named generators.
const (
	// DomainCPU is the conventional name of the process' host generator.
	DomainCPU = "cpu"

	// DomainDevice is the conventional name of the accelerator device generator.
	// Requesting it on a process without such a device is a fatal configuration
	// error, never a silent skip.
	DomainDevice = "device"
)

// Domain is one named RNG domain: a pair of capture/install operations over an
// opaque serializable state, plus availability on the current process.
//
// State snapshots are captured at call time, moved across ranks and discarded
// after installation -- they are never persisted.
type Domain interface {
	// Name of the domain ("cpu", "device", or a named generator).
	Name() string

	// Available reports whether the domain's generator exists on this process.
	Available() bool

	// CaptureState returns the domain's complete generator state.
	CaptureState() ([]byte, error)

	// InstallState replaces the domain's complete generator state.
	InstallState(state []byte) error
}

// Seeder is optionally implemented by domains that can be reset from an integer
// seed. SetSeed uses it.
type Seeder interface {
	SeedWith(seed uint64)
}

// generatorDomain adapts a *Generator into a Domain.
type generatorDomain struct {
	name string
	gen  *Generator
}

// GeneratorDomain wraps the given generator handle as a Domain under the given name.
func GeneratorDomain(name string, gen *Generator) Domain {
	return &generatorDomain{name: name, gen: gen}
}

func (d *generatorDomain) Name() string                    { return d.name }
func (d *generatorDomain) Available() bool                 { return d.gen != nil }
func (d *generatorDomain) CaptureState() ([]byte, error)   { return d.gen.CaptureState() }
func (d *generatorDomain) InstallState(state []byte) error { return d.gen.InstallState(state) }
func (d *generatorDomain) SeedWith(seed uint64)            { d.gen.Seed(seed) }

// unavailableDomain is a placeholder for a domain whose generator does not exist
// on this process -- e.g. the "device" domain on a host with no accelerator.
type unavailableDomain struct {
	name string
}

// UnavailableDomain registers name as existing but without a generator on this
// process. Capture and install on it fail with a *ConfigurationError.
func UnavailableDomain(name string) Domain {
	return &unavailableDomain{name: name}
}

func (d *unavailableDomain) Name() string    { return d.name }
func (d *unavailableDomain) Available() bool { return false }
func (d *unavailableDomain) CaptureState() ([]byte, error) {
	return nil, distributed.Configurationf("RNG domain %q is not available on this process", d.name)
}
func (d *unavailableDomain) InstallState([]byte) error {
	return distributed.Configurationf("RNG domain %q is not available on this process", d.name)
}

// Registry maps domain names to their Domain adapters for one process.
type Registry struct {
	mu      sync.Mutex
	domains map[string]Domain
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{domains: make(map[string]Domain)}
}

// Register adds the domain under its name. Registering a duplicate name is a
// configuration error.
func (r *Registry) Register(d Domain) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.domains[d.Name()]; found {
		return distributed.Configurationf("RNG domain %q registered twice", d.Name())
	}
	r.domains[d.Name()] = d
	return nil
}

// Domain returns the domain registered under name, or a *ConfigurationError if
// there is none.
func (r *Registry) Domain(name string) (Domain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, found := r.domains[name]
	if !found {
		return nil, distributed.Configurationf("unknown RNG domain %q (registered: %v)",
			name, xslices.SortedKeys(r.domains))
	}
	return d, nil
}

// Names returns the sorted names of the registered domains.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return xslices.SortedKeys(r.domains)
}

// SetSeed seeds every registered, available domain that supports seeding.
// It is meant for the start of deterministic runs; ranks that must agree should
// either pass the same seed everywhere or follow up with Synchronize.
func SetSeed(r *Registry, seed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range xslices.SortedKeys(r.domains) {
		d := r.domains[name]
		if !d.Available() {
			continue
		}
		if seeder, ok := d.(Seeder); ok {
			seeder.SeedWith(seed)
		}
	}
}

// Synchronize forces, for each named domain, every rank's generator state to match
// the main rank's, then runs a barrier so no rank consumes randomness before
// installation completed everywhere.
//
// Every requested name is resolved -- and checked available -- on every rank
// before the first collective call, so a misconfigured rank fails with a
// *ConfigurationError without stranding its peers mid-collective. Calling twice
// with no intervening draws leaves all ranks in the same state as calling once.
//
// The caller must guarantee no other goroutine of this process draws from the
// named generators for the duration of the call.
func Synchronize(t distributed.Transport, c *distributed.Context, r *Registry, names ...string) error {
	domains := make([]Domain, 0, len(names))
	seen := sets.Make[string](len(names))
	for _, name := range names {
		if seen.Has(name) {
			return distributed.Configurationf("RNG domain %q requested twice in one synchronization", name)
		}
		seen.Insert(name)
		d, err := r.Domain(name)
		if err != nil {
			return err
		}
		if !d.Available() {
			return distributed.Configurationf("cannot synchronize RNG domain %q: not available on rank %d",
				name, c.ProcessIndex())
		}
		domains = append(domains, d)
	}

	for _, d := range domains {
		var state []byte
		if c.IsMain() {
			var err error
			state, err = d.CaptureState()
			if err != nil {
				return err
			}
		}
		received, err := t.Broadcast(state, 0)
		if err != nil {
			return distributed.WrapTransport(err, "broadcasting RNG domain %q state", d.Name())
		}
		if c.IsMain() {
			continue
		}
		stateBytes, ok := received.([]byte)
		if !ok {
			return distributed.Transportf("broadcast of RNG domain %q returned %T, want []byte", d.Name(), received)
		}
		if err := d.InstallState(stateBytes); err != nil {
			return err
		}
	}
	if err := t.Barrier(); err != nil {
		return distributed.WrapTransport(err, "barrier after RNG synchronization")
	}
	klog.V(1).Infof("rng: rank %d synchronized domains %v", c.ProcessIndex(), names)
	return nil
}

// AssertSynchronized gathers the state of the given domain from every rank and
// returns a *DivergenceError if any differs from the main rank's. It is a
// collective call: every rank must invoke it, in the same order.
func AssertSynchronized(t distributed.Transport, c *distributed.Context, d Domain) error {
	state, err := d.CaptureState()
	if err != nil {
		return err
	}
	all, err := t.Gather(state)
	if err != nil {
		return distributed.WrapTransport(err, "gathering RNG domain %q states", d.Name())
	}
	reference, ok := all[0].([]byte)
	if !ok {
		return distributed.Transportf("gather of RNG domain %q returned %T, want []byte", d.Name(), all[0])
	}
	for rank, v := range all {
		stateBytes, ok := v.([]byte)
		if !ok || !bytes.Equal(reference, stateBytes) {
			return distributed.Divergencef("RNG domain %q state on rank %d differs from rank 0", d.Name(), rank)
		}
	}
	return nil
}
