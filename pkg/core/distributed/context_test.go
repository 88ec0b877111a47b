// Copyright 2026 The go-accelerate Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zanussbaum/accelerate/pkg/core/distributed"
)

func TestNewContext(t *testing.T) {
	c, err := distributed.NewContext(distributed.Config{ProcessIndex: 2, LocalProcessIndex: 0, NumProcesses: 4})
	require.NoError(t, err)
	assert.Equal(t, 2, c.ProcessIndex())
	assert.Equal(t, 0, c.LocalProcessIndex())
	assert.Equal(t, 4, c.NumProcesses())
	assert.False(t, c.IsMain())
	assert.True(t, c.IsLocalMain())
	assert.False(t, c.IsLast())

	c, err = distributed.NewContext(distributed.Config{ProcessIndex: 3, LocalProcessIndex: 1, NumProcesses: 4})
	require.NoError(t, err)
	assert.False(t, c.IsMain())
	assert.False(t, c.IsLocalMain())
	assert.True(t, c.IsLast())

	// A world of one: the single rank is main, local main and last at once.
	c, err = distributed.NewContext(distributed.Config{NumProcesses: 1})
	require.NoError(t, err)
	assert.True(t, c.IsMain())
	assert.True(t, c.IsLocalMain())
	assert.True(t, c.IsLast())
}

func TestNewContextValidation(t *testing.T) {
	for _, cfg := range []distributed.Config{
		{ProcessIndex: 0, NumProcesses: 0},
		{ProcessIndex: 0, NumProcesses: -1},
		{ProcessIndex: 4, NumProcesses: 4},
		{ProcessIndex: -1, NumProcesses: 4},
		{ProcessIndex: 1, LocalProcessIndex: -1, NumProcesses: 4},
		{ProcessIndex: 1, LocalProcessIndex: 4, NumProcesses: 4},
	} {
		_, err := distributed.NewContext(cfg)
		require.Errorf(t, err, "config %+v should not validate", cfg)
		assert.True(t, distributed.IsConfiguration(err), "config %+v: expected a ConfigurationError, got %v", cfg, err)
	}

	assert.Panics(t, func() {
		distributed.MustNewContext(distributed.Config{ProcessIndex: 7, NumProcesses: 2})
	})
}

func TestExactlyOneDesignatedRank(t *testing.T) {
	// Exactly one rank per world is main, one per node is local main, one is last.
	const processesPerNode = 2
	for _, numProcesses := range []int{1, 2, 4, 8} {
		numMain, numLocalMain, numLast := 0, 0, 0
		for rank := range numProcesses {
			c, err := distributed.NewContext(distributed.Config{
				ProcessIndex:      rank,
				LocalProcessIndex: rank % processesPerNode,
				NumProcesses:      numProcesses,
			})
			require.NoError(t, err)
			if c.IsMain() {
				numMain++
			}
			if c.IsLocalMain() {
				numLocalMain++
			}
			if c.IsLast() {
				numLast++
			}
		}
		numNodes := (numProcesses + processesPerNode - 1) / processesPerNode
		assert.Equal(t, 1, numMain)
		assert.Equal(t, numNodes, numLocalMain)
		assert.Equal(t, 1, numLast)
	}
}

func TestContextString(t *testing.T) {
	c := distributed.MustNewContext(distributed.Config{ProcessIndex: 1, LocalProcessIndex: 1, NumProcesses: 2})
	want := "distributed.Context(process=1 of 2, localProcess=1, main=false, localMain=false, last=true)"
	assert.Equal(t, want, c.String())
	assert.Equal(t, want, fmt.Sprint(c))
}

func TestInitIsIdempotent(t *testing.T) {
	distributed.ResetState()
	defer distributed.ResetState()

	_, err := distributed.Current()
	require.Error(t, err)
	assert.True(t, distributed.IsConfiguration(err))

	c1, err := distributed.Init(distributed.Config{ProcessIndex: 1, LocalProcessIndex: 1, NumProcesses: 4})
	require.NoError(t, err)

	// Re-initialization returns the same logical identity, whatever the config.
	c2, err := distributed.Init(distributed.Config{ProcessIndex: 3, LocalProcessIndex: 0, NumProcesses: 8})
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, c2.ProcessIndex())
	assert.Equal(t, 4, c2.NumProcesses())

	current, err := distributed.Current()
	require.NoError(t, err)
	assert.Same(t, c1, current)

	// Only an explicit reset allows a new identity.
	distributed.ResetState()
	c3, err := distributed.Init(distributed.Config{ProcessIndex: 3, LocalProcessIndex: 0, NumProcesses: 8})
	require.NoError(t, err)
	assert.Equal(t, 3, c3.ProcessIndex())
	assert.Equal(t, 8, c3.NumProcesses())
}
