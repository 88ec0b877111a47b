// Copyright 2026 The go-accelerate Authors. SPDX-License-Identifier: Apache-2.0

// Package disttest provides an in-process "world" of N simulated ranks, each running
// in its own goroutine, connected by a distributed.Transport implemented over shared
// memory. In production each rank is its own OS process and the transport is an
// external communication layer; this package exists so multi-rank behavior can be
// exercised in unit tests and in the accelcheck harness without spawning processes.
//
// The transport implements the exact blocking and ordering semantics documented on
// distributed.Transport -- including the deadlocks: ranks issuing collectives in
// different orders will block forever, unless the world is closed.
package disttest

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zanussbaum/accelerate/pkg/core/distributed"
	"github.com/zanussbaum/accelerate/pkg/support/xsync"
	"k8s.io/klog/v2"
)

// World is a set of N in-process ranks sharing one collective rendezvous point.
//
// Create it with NewWorld, optionally configure it, then either call Run with a
// per-rank body, or wire the per-rank distributed.Context and distributed.Transport
// yourself with Rank.
type World struct {
	name             string
	numProcesses     int
	processesPerNode int

	closed *xsync.Latch

	// One rendezvous serves every collective of the world: the same-order issuance
	// requirement makes a single cyclic exchange point sufficient.
	mu       sync.Mutex
	cond     *sync.Cond
	arrived  int
	gen      uint64
	values   []any
	exchange []any
}

// NewWorld creates a world of numProcesses in-process ranks.
// It panics (via distributed.MustNewContext on first use) only on invalid ranks;
// numProcesses < 1 is rejected here.
func NewWorld(numProcesses int) (*World, error) {
	if numProcesses < 1 {
		return nil, distributed.Configurationf("disttest.NewWorld requires at least 1 process, got %d", numProcesses)
	}
	w := &World{
		name:             fmt.Sprintf("world-%s", uuid.NewString()[:8]),
		numProcesses:     numProcesses,
		processesPerNode: numProcesses,
		closed:           xsync.NewLatch(),
		values:           make([]any, numProcesses),
	}
	w.cond = sync.NewCond(&w.mu)
	return w, nil
}

// WithProcessesPerNode simulates a multi-node layout: ranks are assigned to nodes
// contiguously, n per node, so LocalProcessIndex = ProcessIndex mod n. The default
// is a single node holding every rank.
//
// It returns the updated World, so calls can be cascaded.
func (w *World) WithProcessesPerNode(n int) *World {
	if n < 1 || n > w.numProcesses {
		n = w.numProcesses
	}
	w.processesPerNode = n
	return w
}

// Name returns the world's unique diagnostic name.
func (w *World) Name() string { return w.name }

// NumProcesses returns the world size.
func (w *World) NumProcesses() int { return w.numProcesses }

// Rank returns the Context and Transport for the given rank of this world.
func (w *World) Rank(rank int) (*distributed.Context, distributed.Transport, error) {
	c, err := distributed.NewContext(distributed.Config{
		ProcessIndex:      rank,
		LocalProcessIndex: rank % w.processesPerNode,
		NumProcesses:      w.numProcesses,
	})
	if err != nil {
		return nil, nil, err
	}
	return c, &transport{world: w, rank: rank}, nil
}

// Run starts one goroutine per rank executing body and waits for all of them.
//
// It returns the error of the lowest-numbered failing rank, if any. A body
// returning an error does not release peers blocked on a collective -- exactly like
// a crashing process in production -- so bodies must fail either before their first
// collective call or symmetrically on every rank. Close can be used to break a
// deadlocked world.
func (w *World) Run(body func(c *distributed.Context, t distributed.Transport) error) error {
	var wg sync.WaitGroup
	rankErrs := make([]error, w.numProcesses)
	for rank := range w.numProcesses {
		c, t, err := w.Rank(rank)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			rankErrs[c.ProcessIndex()] = body(c, t)
		}()
	}
	wg.Wait()
	for rank, err := range rankErrs {
		if err != nil {
			return errors.WithMessagef(err, "world %s rank %d", w.name, rank)
		}
	}
	return nil
}

// Close aborts the world: every rank blocked on, or later entering, a collective
// call gets a transport error. Meant to recover tests from intentional deadlocks;
// a closed world cannot be reused.
func (w *World) Close() {
	if w.closed.Test() {
		return
	}
	klog.V(1).Infof("disttest: closing %s", w.name)
	w.closed.Trigger()
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
}

// rendezvous is the cyclic exchange every collective is built on: each rank deposits
// a value, the last arrival publishes the rank-ordered snapshot and wakes everyone.
//
// A waiter from generation g is necessarily absent from generation g+1, so reading
// the published snapshot after waking is race-free.
func (w *World) rendezvous(rank int, v any) ([]any, error) {
	if w.closed.Test() {
		return nil, distributed.Transportf("world %s is closed", w.name)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	gen := w.gen
	w.values[rank] = v
	w.arrived++
	if w.arrived == w.numProcesses {
		exchange := make([]any, w.numProcesses)
		copy(exchange, w.values)
		w.exchange = exchange
		w.arrived = 0
		w.gen++
		w.cond.Broadcast()
		return exchange, nil
	}
	for gen == w.gen && !w.closed.Test() {
		w.cond.Wait()
	}
	if gen == w.gen {
		// Woken by Close, not by the last arrival.
		return nil, distributed.Transportf("world %s closed while rank %d waited on a collective", w.name, rank)
	}
	return w.exchange, nil
}

// transport is one rank's view of the world's collectives.
type transport struct {
	world *World
	rank  int
}

var _ distributed.Transport = (*transport)(nil)

// Gather implements distributed.Transport.
func (t *transport) Gather(v any) ([]any, error) {
	return t.world.rendezvous(t.rank, v)
}

// Broadcast implements distributed.Transport.
func (t *transport) Broadcast(v any, root int) (any, error) {
	if root < 0 || root >= t.world.numProcesses {
		return nil, distributed.Configurationf("broadcast root %d out of range [0, %d)", root, t.world.numProcesses)
	}
	all, err := t.world.rendezvous(t.rank, v)
	if err != nil {
		return nil, err
	}
	return all[root], nil
}

// Scatter implements distributed.Transport.
func (t *transport) Scatter(parts []any, root int) (any, error) {
	if root < 0 || root >= t.world.numProcesses {
		return nil, distributed.Configurationf("scatter root %d out of range [0, %d)", root, t.world.numProcesses)
	}
	if t.rank == root && len(parts) != t.world.numProcesses {
		return nil, distributed.Configurationf("scatter from root %d requires %d parts, got %d",
			root, t.world.numProcesses, len(parts))
	}
	all, err := t.world.rendezvous(t.rank, parts)
	if err != nil {
		return nil, err
	}
	rootParts, ok := all[root].([]any)
	if !ok {
		return nil, distributed.Transportf("scatter root %d did not provide parts", root)
	}
	return rootParts[t.rank], nil
}

// Barrier implements distributed.Transport.
func (t *transport) Barrier() error {
	_, err := t.world.rendezvous(t.rank, nil)
	return err
}
