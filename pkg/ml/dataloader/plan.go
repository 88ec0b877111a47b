// Copyright 2026 The go-accelerate Authors. SPDX-License-Identifier: Apache-2.0

package dataloader

import (
	"github.com/zanussbaum/accelerate/pkg/core/distributed"
	"github.com/zanussbaum/accelerate/pkg/core/rng"
	"github.com/zanussbaum/accelerate/pkg/support/xslices"
)

// Plan is the deterministic partition of a dataset's index range [0, length) into
// per-step, per-rank index groups for one epoch.
//
// The epoch order is the (optionally shuffled) sequence of dataset indices, padded
// or truncated so its length is a multiple of the global batch size G. Step s owns
// the contiguous group order[s*G:(s+1)*G), and rank r owns the r-th contiguous
// chunk of that group. Every policy of the Loader is this same plan, differing only
// in which rank computes and materializes which part.
//
// Padding rule: when length is not a multiple of G and the incomplete trailing
// batch is kept, the order wraps around to its own beginning -- the first padding
// index is order[0], the second order[1], and so on. Those indices are therefore
// consumed twice in the epoch; with dropLast the trailing incomplete global batch
// is dropped instead and every index is consumed at most once.
type Plan struct {
	length       int
	globalBatch  int
	numProcesses int
	steps        int
	order        []int
}

// BuildPlan computes the index plan for one epoch.
//
//   - length: number of examples in the dataset. May be 0, in which case the plan
//     has no steps.
//   - globalBatch: number of indices consumed per step across all ranks (G).
//   - numProcesses: number of ranks splitting each step's group.
//   - gen: when non-nil, the epoch order is a Fisher-Yates shuffle drawn from it;
//     ranks building the plan independently must hold generators in identical
//     state or they will silently diverge on which indices they see (see
//     rng.Synchronize). When nil, the order is sequential.
//   - dropLast: drop the trailing incomplete global batch instead of padding.
func BuildPlan(length, globalBatch, numProcesses int, gen *rng.Generator, dropLast bool) (*Plan, error) {
	if length < 0 {
		return nil, distributed.Configurationf("dataset length must be non-negative, got %d", length)
	}
	if globalBatch < 1 {
		return nil, distributed.Configurationf("global batch size must be at least 1, got %d", globalBatch)
	}
	if numProcesses < 1 {
		return nil, distributed.Configurationf("numProcesses must be at least 1, got %d", numProcesses)
	}

	order := xslices.Iota(0, length)
	if gen != nil {
		gen.Shuffle(length, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	var steps int
	if dropLast {
		steps = length / globalBatch
		order = order[:steps*globalBatch]
	} else {
		steps = (length + globalBatch - 1) / globalBatch
		for len(order) < steps*globalBatch {
			order = append(order, order[len(order)-length])
		}
	}
	return &Plan{
		length:       length,
		globalBatch:  globalBatch,
		numProcesses: numProcesses,
		steps:        steps,
		order:        order,
	}, nil
}

// Steps returns the number of steps in the epoch. It is the same on every rank.
func (p *Plan) Steps() int { return p.steps }

// GlobalBatch returns G, the number of indices consumed per step across all ranks.
func (p *Plan) GlobalBatch() int { return p.globalBatch }

// Global returns step s's full index group, in epoch order.
func (p *Plan) Global(step int) []int {
	return p.order[step*p.globalBatch : (step+1)*p.globalBatch]
}

// ChunkBounds returns the [start, end) range of rank's chunk within a step's group.
//
// Chunks are contiguous. When G is not divisible by the number of ranks, the first
// G mod numProcesses ranks take one extra element -- the deterministic remainder
// rule every rank agrees on without communicating.
func (p *Plan) ChunkBounds(rank int) (start, end int) {
	size := p.globalBatch / p.numProcesses
	remainder := p.globalBatch % p.numProcesses
	start = rank*size + min(rank, remainder)
	end = start + size
	if rank < remainder {
		end++
	}
	return
}

// Chunk returns the dataset indices of rank's chunk of step s.
func (p *Plan) Chunk(step, rank int) []int {
	group := p.Global(step)
	start, end := p.ChunkBounds(rank)
	return group[start:end]
}
