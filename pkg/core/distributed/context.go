// Copyright 2026 The go-accelerate Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed holds the coordination core for a computation replicated across
// N cooperating processes ("ranks"): the per-process rank Context, the calling contract
// of the collective Transport (gather/broadcast/scatter/barrier), the error taxonomy
// shared by the other packages, and rank-scoped execution helpers (OnMain, OnLast,
// MainProcessFirst, ...).
//
// The transport implementation itself (network, NCCL, MPI, ...) is an external
// collaborator: this package only specifies the contract it must satisfy. See
// Transport for the ordering requirements -- they are the most common source of
// deadlocks in this class of system.
package distributed

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
)

// Config describes a rank, as established by an external bootstrap (environment
// variables, a launcher, a test world, ...). Discovering these values is out of
// the scope of this package.
type Config struct {
	// ProcessIndex is the global rank of this process, 0-indexed.
	ProcessIndex int

	// LocalProcessIndex is the rank of this process within its physical node.
	// It equals ProcessIndex on single-node setups.
	LocalProcessIndex int

	// NumProcesses is the world size, the total number of cooperating processes.
	NumProcesses int
}

// Context is the immutable per-process description of a rank's identity.
//
// It is constructed once at process start (see Init and NewContext) and read by
// every other component -- the dataloader, the RNG synchronizer and the rank-scoped
// execution helpers. It has no mutating methods.
type Context struct {
	processIndex      int
	localProcessIndex int
	numProcesses      int
}

// NewContext validates cfg and returns the corresponding Context.
//
// It returns a *ConfigurationError if cfg is invalid: NumProcesses must be ≥ 1,
// ProcessIndex must be in [0, NumProcesses) and LocalProcessIndex must be ≥ 0.
//
// NewContext is a pure constructor with no process-global side effects: use it when
// driving several ranks from the same process (tests, simulated worlds). Normal
// programs use Init instead, which also registers the process-global context.
func NewContext(cfg Config) (*Context, error) {
	if cfg.NumProcesses < 1 {
		return nil, Configurationf("NumProcesses must be at least 1, got %d", cfg.NumProcesses)
	}
	if cfg.ProcessIndex < 0 || cfg.ProcessIndex >= cfg.NumProcesses {
		return nil, Configurationf("ProcessIndex must be in [0, %d), got %d", cfg.NumProcesses, cfg.ProcessIndex)
	}
	if cfg.LocalProcessIndex < 0 || cfg.LocalProcessIndex >= cfg.NumProcesses {
		return nil, Configurationf("LocalProcessIndex must be in [0, %d), got %d",
			cfg.NumProcesses, cfg.LocalProcessIndex)
	}
	return &Context{
		processIndex:      cfg.ProcessIndex,
		localProcessIndex: cfg.LocalProcessIndex,
		numProcesses:      cfg.NumProcesses,
	}, nil
}

// MustNewContext is like NewContext but panics on invalid configurations.
func MustNewContext(cfg Config) *Context {
	c, err := NewContext(cfg)
	if err != nil {
		exceptions.Panicf("distributed.MustNewContext: %+v", err)
	}
	return c
}

// ProcessIndex returns the global rank of this process, 0-indexed.
func (c *Context) ProcessIndex() int { return c.processIndex }

// LocalProcessIndex returns the rank of this process within its physical node.
func (c *Context) LocalProcessIndex() int { return c.localProcessIndex }

// NumProcesses returns the world size.
func (c *Context) NumProcesses() int { return c.numProcesses }

// IsMain returns whether this is the main process (global rank 0).
// Exactly one rank in the world satisfies IsMain.
func (c *Context) IsMain() bool { return c.processIndex == 0 }

// IsLocalMain returns whether this is the first process of its physical node.
// Exactly one rank per node satisfies IsLocalMain.
func (c *Context) IsLocalMain() bool { return c.localProcessIndex == 0 }

// IsLast returns whether this is the last process (global rank NumProcesses-1).
func (c *Context) IsLast() bool { return c.processIndex == c.numProcesses-1 }

// String implements fmt.Stringer. The format is stable and meant for diagnostics.
func (c *Context) String() string {
	return fmt.Sprintf("distributed.Context(process=%d of %d, localProcess=%d, main=%v, localMain=%v, last=%v)",
		c.processIndex, c.numProcesses, c.localProcessIndex, c.IsMain(), c.IsLocalMain(), c.IsLast())
}

var (
	muGlobal      sync.Mutex
	globalContext *Context
)

// Init constructs the process-global Context from cfg.
//
// The first call constructs and validates the context; subsequent calls are
// idempotent and return the same *Context -- cfg is ignored once initialized, so
// the logical identity of the process never changes for its lifetime, unless
// ResetState is called explicitly (test/bootstrap code only).
func Init(cfg Config) (*Context, error) {
	muGlobal.Lock()
	defer muGlobal.Unlock()
	if globalContext != nil {
		return globalContext, nil
	}
	c, err := NewContext(cfg)
	if err != nil {
		return nil, err
	}
	globalContext = c
	return c, nil
}

// Current returns the process-global Context, or a *ConfigurationError if Init
// has not been called yet.
func Current() (*Context, error) {
	muGlobal.Lock()
	defer muGlobal.Unlock()
	if globalContext == nil {
		return nil, Configurationf("distributed.Current called before distributed.Init")
	}
	return globalContext, nil
}

// ResetState discards the process-global Context, so a following Init performs a
// full re-initialization. Meant for test and bootstrap code only.
func ResetState() {
	muGlobal.Lock()
	defer muGlobal.Unlock()
	globalContext = nil
}
