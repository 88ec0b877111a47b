// Copyright 2026 The go-accelerate Authors. SPDX-License-Identifier: Apache-2.0

// Package dataloader shards an indexable dataset across the ranks of a distributed
// computation, deterministically: the per-rank batches it yields, re-gathered in
// rank order and concatenated over steps, reconstruct exactly the sequence a
// single-process loader with the same seed and nominal batch size would have
// produced.
//
// Three mutually exclusive sharding policies are supported, selected once at
// construction (see Policy): Independent, SplitBatches and Dispatch. Only the
// Dispatch policy talks to the collective transport on every step; the other two
// rely on the shuffle generator being seeded identically across ranks (see
// rng.Synchronize) and never communicate.
package dataloader

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/zanussbaum/accelerate/pkg/core/distributed"
	"github.com/zanussbaum/accelerate/pkg/core/rng"
	"k8s.io/klog/v2"
)

// Dataset is the handle to an ordered, finite, randomly-indexable sequence of
// examples. It is read-only and owned externally; ranks may access it concurrently.
type Dataset[T any] interface {
	// Name identifies the dataset. Used for diagnostics.
	Name() string

	// Len returns the number of examples.
	Len() int

	// At returns the example at the given index, in [0, Len()).
	At(index int) (T, error)
}

// Placer transfers a batch to the rank's device before it is yielded. The device
// itself is an opaque external collaborator: this package never interprets it.
type Placer[T any] interface {
	Place(batch []T) ([]T, error)
}

// Policy enumerates the mutually exclusive sharding policies of a Loader.
type Policy int

const (
	// Independent is the default policy: every rank builds the same index plan
	// locally -- same seed, same shuffle -- and takes its own contiguous chunk of
	// every global batch of size BatchSize*NumProcesses. No collective call is
	// made; the cross-rank agreement rests entirely on synchronized seeding.
	Independent Policy = iota

	// SplitBatches treats the configured batch size as the global batch: each
	// step's index group of size BatchSize is computed identically on every rank
	// from the full shuffled order and split into NumProcesses contiguous chunks
	// of BatchSize/NumProcesses; rank r takes chunk r. When NumProcesses does not
	// divide BatchSize, the first BatchSize mod NumProcesses ranks take one extra
	// element (see Plan.ChunkBounds).
	SplitBatches

	// Dispatch makes rank 0 alone iterate the dataset; each step's global batch is
	// materialized there, split into contiguous chunks and scattered to the other
	// ranks through the collective transport. The other ranks never touch the
	// dataset, which removes the cross-rank seeding requirement -- the policy of
	// choice when the dataset cannot be cheaply replicated on every rank -- at the
	// cost of one communication round per step.
	Dispatch
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	switch p {
	case Independent:
		return "Independent"
	case SplitBatches:
		return "SplitBatches"
	case Dispatch:
		return "Dispatch"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Loader yields the calling rank's shard of each batch of one dataset epoch.
//
// It follows the usual iteration contract: Yield returns io.EOF at the end of the
// epoch, and Reset restarts (re-shuffling if configured). Configure it with the
// builder methods right after Wrap, before the first call to Yield, Steps or Reset.
//
// Under the Dispatch policy, Yield, Steps and Reset are collective calls: every
// rank must issue them in the same relative order (see distributed.Transport).
type Loader[T any] struct {
	ds        Dataset[T]
	ctx       *distributed.Context
	transport distributed.Transport

	batchSize    int
	policy       Policy
	splitBatches bool // Also set for Dispatch+SplitBatches.
	shuffle      bool
	dropLast     bool
	gen          *rng.Generator
	placer       Placer[T]

	planned bool
	plan    *Plan
	steps   int
	step    int
}

// Wrap shards ds across the ranks of the given context.
//
// batchSize is the number of examples each rank receives per step -- except under
// the SplitBatches policy, where it is the global batch size shared by all ranks.
// The transport is only exercised by the Dispatch policy (and may be
// distributed.Local{} otherwise).
func Wrap[T any](ds Dataset[T], c *distributed.Context, t distributed.Transport, batchSize int, policy Policy) (*Loader[T], error) {
	if batchSize < 1 {
		return nil, distributed.Configurationf("batch size must be at least 1, got %d", batchSize)
	}
	switch policy {
	case Independent, SplitBatches, Dispatch:
	default:
		return nil, distributed.Configurationf("unknown sharding policy %s", policy)
	}
	if policy == Dispatch && t == nil {
		return nil, distributed.Configurationf("the Dispatch policy requires a collective transport")
	}
	return &Loader[T]{
		ds:           ds,
		ctx:          c,
		transport:    t,
		batchSize:    batchSize,
		policy:       policy,
		splitBatches: policy == SplitBatches,
	}, nil
}

// SplitBatches combines the Dispatch policy with global-batch splitting: the batch
// rank 0 materializes per step has size BatchSize (instead of
// BatchSize*NumProcesses) and each rank receives BatchSize/NumProcesses examples.
// It is a no-op under the SplitBatches policy and invalid under Independent.
//
// It returns the updated Loader, so calls can be cascaded.
func (l *Loader[T]) SplitBatches() *Loader[T] {
	if l.configFrozen("SplitBatches") {
		return l
	}
	if l.policy == Independent {
		klog.Errorf("dataloader: SplitBatches() ignored for the Independent policy; construct with the SplitBatches policy instead")
		return l
	}
	l.splitBatches = true
	return l
}

// Shuffle makes the epoch order a seeded pseudo-random permutation instead of the
// sequential order. The shuffle generator defaults to rng.NewGenerator(0); pass a
// specific handle with WithGenerator. Under the Independent and SplitBatches
// policies the generator state must agree across ranks.
//
// It returns the updated Loader, so calls can be cascaded.
func (l *Loader[T]) Shuffle() *Loader[T] {
	if l.configFrozen("Shuffle") {
		return l
	}
	l.shuffle = true
	if l.gen == nil {
		l.gen = rng.NewGenerator(0)
	}
	return l
}

// WithGenerator sets the generator handle the shuffle order is drawn from, and
// implies Shuffle.
//
// It returns the updated Loader, so calls can be cascaded.
func (l *Loader[T]) WithGenerator(gen *rng.Generator) *Loader[T] {
	if l.configFrozen("WithGenerator") {
		return l
	}
	l.shuffle = true
	l.gen = gen
	return l
}

// DropLast drops the trailing incomplete global batch instead of padding the epoch
// order by wrapping around (the default, see Plan).
//
// It returns the updated Loader, so calls can be cascaded.
func (l *Loader[T]) DropLast() *Loader[T] {
	if l.configFrozen("DropLast") {
		return l
	}
	l.dropLast = true
	return l
}

// WithPlacer transfers every yielded batch to the rank's device before returning
// it. A failed transfer surfaces as a *TransportError from Yield.
//
// It returns the updated Loader, so calls can be cascaded.
func (l *Loader[T]) WithPlacer(placer Placer[T]) *Loader[T] {
	if l.configFrozen("WithPlacer") {
		return l
	}
	l.placer = placer
	return l
}

func (l *Loader[T]) configFrozen(method string) bool {
	if l.planned {
		klog.Errorf("dataloader: %s() called after iteration started, ignored", method)
		return true
	}
	return false
}

// Policy returns the loader's sharding policy.
func (l *Loader[T]) Policy() Policy { return l.policy }

// Name implements the usual dataset naming convention for diagnostics.
func (l *Loader[T]) Name() string {
	return fmt.Sprintf("%s [sharded: %s]", l.ds.Name(), l.policy)
}

// globalBatchSize returns G, the number of examples every step consumes across all
// ranks: BatchSize*NumProcesses normally, BatchSize when batches are split.
func (l *Loader[T]) globalBatchSize() int {
	if l.splitBatches {
		return l.batchSize
	}
	return l.batchSize * l.ctx.NumProcesses()
}

// ensurePlan lazily builds the epoch plan. Under Dispatch only rank 0 plans and it
// broadcasts the step count, so the other ranks know the epoch boundary without
// touching the dataset.
func (l *Loader[T]) ensurePlan() error {
	if l.planned {
		return nil
	}
	if l.policy != Dispatch || l.ctx.IsMain() {
		var gen *rng.Generator
		if l.shuffle {
			gen = l.gen
		}
		plan, err := BuildPlan(l.ds.Len(), l.globalBatchSize(), l.ctx.NumProcesses(), gen, l.dropLast)
		if err != nil {
			return err
		}
		l.plan = plan
		l.steps = plan.Steps()
		klog.V(1).Infof("dataloader: rank %d planned %q: %d examples, %d steps of global batch %d (%s)",
			l.ctx.ProcessIndex(), l.ds.Name(), l.ds.Len(), l.steps, l.globalBatchSize(), l.policy)
	}
	if l.policy != Dispatch {
		l.planned = true
		return nil
	}

	// Dispatch: agree on the step count.
	var sent any
	if l.ctx.IsMain() {
		sent = l.steps
	}
	received, err := l.transport.Broadcast(sent, 0)
	if err != nil {
		return distributed.WrapTransport(err, "broadcasting step count of %q", l.ds.Name())
	}
	steps, ok := received.(int)
	if !ok {
		return distributed.Transportf("step count broadcast of %q returned %T, want int", l.ds.Name(), received)
	}
	l.steps = steps
	l.planned = true
	return nil
}

// Steps returns the number of batches this rank yields per epoch. It is the same
// on every rank: ceil(L/G) with the default padding, L/G with DropLast.
//
// Under Dispatch, the first of Steps, Yield or Reset triggers the step-count
// broadcast, making it a collective call.
func (l *Loader[T]) Steps() (int, error) {
	if err := l.ensurePlan(); err != nil {
		return 0, err
	}
	return l.steps, nil
}

// Yield returns this rank's batch for the next step, or io.EOF at the end of the
// epoch.
func (l *Loader[T]) Yield() ([]T, error) {
	if err := l.ensurePlan(); err != nil {
		return nil, err
	}
	if l.step >= l.steps {
		return nil, io.EOF
	}
	step := l.step
	l.step++

	var batch []T
	var err error
	switch l.policy {
	case Independent, SplitBatches:
		batch, err = l.materialize(l.plan.Chunk(step, l.ctx.ProcessIndex()))
	case Dispatch:
		batch, err = l.dispatch(step)
	}
	if err != nil {
		return nil, err
	}
	if l.placer != nil {
		batch, err = l.placer.Place(batch)
		if err != nil {
			return nil, distributed.WrapTransport(err, "placing batch %d of %q on device", step, l.ds.Name())
		}
	}
	return batch, nil
}

// materialize fetches the given dataset indices.
func (l *Loader[T]) materialize(indices []int) ([]T, error) {
	batch := make([]T, len(indices))
	for i, index := range indices {
		value, err := l.ds.At(index)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading example %d of %q", index, l.ds.Name())
		}
		batch[i] = value
	}
	return batch, nil
}

// dispatch runs one step of the Dispatch policy: rank 0 materializes the step's
// global batch and scatters contiguous chunks; every rank receives its own.
func (l *Loader[T]) dispatch(step int) ([]T, error) {
	var parts []any
	if l.ctx.IsMain() {
		global, err := l.materialize(l.plan.Global(step))
		if err != nil {
			return nil, err
		}
		parts = make([]any, l.ctx.NumProcesses())
		for rank := range l.ctx.NumProcesses() {
			start, end := l.plan.ChunkBounds(rank)
			parts[rank] = global[start:end]
		}
	}
	received, err := l.transport.Scatter(parts, 0)
	if err != nil {
		return nil, distributed.WrapTransport(err, "dispatching batch %d of %q", step, l.ds.Name())
	}
	batch, ok := received.([]T)
	if !ok {
		return nil, distributed.Transportf("dispatch of batch %d of %q returned %T", step, l.ds.Name(), received)
	}
	return batch, nil
}

// Reset restarts the epoch. If shuffling, the next epoch order is drawn from the
// generator's current state -- which therefore must still agree across ranks for
// the Independent and SplitBatches policies.
func (l *Loader[T]) Reset() {
	l.planned = false
	l.plan = nil
	l.steps = 0
	l.step = 0
}

// GatherBatch re-assembles a global batch from the per-rank batches, concatenated
// in rank order -- the gather semantics the loader's correctness contract is
// stated in. It is a collective call.
func GatherBatch[T any](t distributed.Transport, batch []T) ([]T, error) {
	all, err := t.Gather(batch)
	if err != nil {
		return nil, distributed.WrapTransport(err, "gathering batches")
	}
	var global []T
	for rank, v := range all {
		part, ok := v.([]T)
		if !ok {
			return nil, distributed.Transportf("gather returned %T from rank %d", v, rank)
		}
		global = append(global, part...)
	}
	return global, nil
}
