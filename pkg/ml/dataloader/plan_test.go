// Copyright 2026 The go-accelerate Authors. SPDX-License-Identifier: Apache-2.0

package dataloader_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zanussbaum/accelerate/pkg/core/distributed"
	"github.com/zanussbaum/accelerate/pkg/core/rng"
	"github.com/zanussbaum/accelerate/pkg/ml/dataloader"
	"github.com/zanussbaum/accelerate/pkg/support/xslices"
)

func TestPlanSequentialOrder(t *testing.T) {
	plan, err := dataloader.BuildPlan(16, 8, 4, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Steps())
	assert.Equal(t, 8, plan.GlobalBatch())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, plan.Global(0))
	assert.Equal(t, []int{8, 9, 10, 11, 12, 13, 14, 15}, plan.Global(1))
	assert.Equal(t, []int{10, 11}, plan.Chunk(1, 1))
}

func TestPlanPaddingWrapsAround(t *testing.T) {
	// 10 examples, global batches of 4: the last step wraps to the epoch's start.
	plan, err := dataloader.BuildPlan(10, 4, 2, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Steps())
	assert.Equal(t, []int{8, 9, 0, 1}, plan.Global(2))
	assert.Equal(t, []int{8, 9}, plan.Chunk(2, 0))
	assert.Equal(t, []int{0, 1}, plan.Chunk(2, 1))
}

func TestPlanDropLast(t *testing.T) {
	plan, err := dataloader.BuildPlan(10, 4, 2, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Steps())

	var seen []int
	for step := range plan.Steps() {
		seen = append(seen, plan.Global(step)...)
	}
	assert.Equal(t, xslices.Iota(0, 8), seen)
}

func TestPlanCompleteness(t *testing.T) {
	for _, tt := range []struct{ length, globalBatch, numProcesses int }{
		{32, 8, 4},
		{33, 8, 4},
		{10, 4, 3},
		{7, 16, 4},
		{1, 1, 1},
		{5, 5, 2},
	} {
		plan, err := dataloader.BuildPlan(tt.length, tt.globalBatch, tt.numProcesses, nil, false)
		require.NoError(t, err)

		// Concatenating every rank's chunk of every step consumes steps*G indices,
		// covering every dataset index at least once.
		var all []int
		for step := range plan.Steps() {
			for rank := range tt.numProcesses {
				all = append(all, plan.Chunk(step, rank)...)
			}
		}
		assert.Len(t, all, plan.Steps()*tt.globalBatch, "%+v", tt)
		covered := make(map[int]bool)
		for _, index := range all {
			require.GreaterOrEqual(t, index, 0)
			require.Less(t, index, tt.length)
			covered[index] = true
		}
		assert.Len(t, covered, tt.length, "%+v", tt)
	}
}

func TestPlanChunkRemainderRule(t *testing.T) {
	// G=10 over 4 ranks: the first 10 mod 4 = 2 ranks take one extra element.
	plan, err := dataloader.BuildPlan(10, 10, 4, nil, false)
	require.NoError(t, err)
	wantSizes := []int{3, 3, 2, 2}
	next := 0
	for rank, want := range wantSizes {
		start, end := plan.ChunkBounds(rank)
		assert.Equal(t, next, start)
		assert.Equal(t, want, end-start)
		next = end
	}
	assert.Equal(t, 10, next)
}

func TestPlanShuffleIsSeededPermutation(t *testing.T) {
	build := func() *dataloader.Plan {
		plan, err := dataloader.BuildPlan(20, 4, 2, rng.NewGenerator(17), false)
		require.NoError(t, err)
		return plan
	}
	a, b := build(), build()
	require.Equal(t, a.Steps(), b.Steps())

	var orderA, orderB []int
	for step := range a.Steps() {
		orderA = append(orderA, a.Global(step)...)
		orderB = append(orderB, b.Global(step)...)
	}
	// Same generator state, same order on both.
	assert.Equal(t, orderA, orderB)
	assert.NotEqual(t, xslices.Iota(0, 20), orderA[:20])
	sorted := xslices.Copy(orderA[:20])
	sort.Ints(sorted)
	assert.Equal(t, xslices.Iota(0, 20), sorted)
}

func TestPlanEmptyDataset(t *testing.T) {
	plan, err := dataloader.BuildPlan(0, 8, 4, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 0, plan.Steps())
}

func TestBuildPlanValidation(t *testing.T) {
	_, err := dataloader.BuildPlan(-1, 8, 4, nil, false)
	require.Error(t, err)
	assert.True(t, distributed.IsConfiguration(err))

	_, err = dataloader.BuildPlan(8, 0, 4, nil, false)
	require.Error(t, err)
	assert.True(t, distributed.IsConfiguration(err))

	_, err = dataloader.BuildPlan(8, 8, 0, nil, false)
	require.Error(t, err)
	assert.True(t, distributed.IsConfiguration(err))
}
