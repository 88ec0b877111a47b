// Copyright 2026 The go-accelerate Authors. SPDX-License-Identifier: Apache-2.0

package distributed

// Rank-scoped execution: wrappers selecting at call time -- based only on the rank
// Context -- whether to invoke the wrapped function or to do nothing at all. On
// non-designated ranks the body does not execute, so none of its side effects
// (prints, downloads, cache writes) are observable there.
//
// The `1`-suffixed variants carry one result, following the naming convention of
// github.com/janpfeifer/must: they return the zero value and false on ranks where
// the body did not run -- that pair is the defined sentinel, never the wrapped
// function's return value.

// OnMain wraps fn so it runs only on the main process (rank 0).
func OnMain[T any](c *Context, fn func(T)) func(T) {
	return func(arg T) {
		if c.IsMain() {
			fn(arg)
		}
	}
}

// OnMain1 wraps fn so it runs only on the main process. On the other ranks the
// wrapped function returns the zero value of R and false.
func OnMain1[T, R any](c *Context, fn func(T) R) func(T) (R, bool) {
	return func(arg T) (result R, ran bool) {
		if c.IsMain() {
			return fn(arg), true
		}
		return
	}
}

// OnLocalMain wraps fn so it runs only on the first process of each physical node.
func OnLocalMain[T any](c *Context, fn func(T)) func(T) {
	return func(arg T) {
		if c.IsLocalMain() {
			fn(arg)
		}
	}
}

// OnLocalMain1 wraps fn so it runs only on the first process of each physical node.
// On the other ranks the wrapped function returns the zero value of R and false.
func OnLocalMain1[T, R any](c *Context, fn func(T) R) func(T) (R, bool) {
	return func(arg T) (result R, ran bool) {
		if c.IsLocalMain() {
			return fn(arg), true
		}
		return
	}
}

// OnLast wraps fn so it runs only on the last process (rank NumProcesses-1).
func OnLast[T any](c *Context, fn func(T)) func(T) {
	return func(arg T) {
		if c.IsLast() {
			fn(arg)
		}
	}
}

// OnLast1 wraps fn so it runs only on the last process. On the other ranks the
// wrapped function returns the zero value of R and false.
func OnLast1[T, R any](c *Context, fn func(T) R) func(T) (R, bool) {
	return func(arg T) (result R, ran bool) {
		if c.IsLast() {
			return fn(arg), true
		}
		return
	}
}

// OnProcess wraps fn so it runs only on the given rank.
func OnProcess[T any](c *Context, rank int, fn func(T)) func(T) {
	return func(arg T) {
		if c.processIndex == rank {
			fn(arg)
		}
	}
}

// OnProcess1 wraps fn so it runs only on the given rank. On the other ranks the
// wrapped function returns the zero value of R and false.
func OnProcess1[T, R any](c *Context, rank int, fn func(T) R) func(T) (R, bool) {
	return func(arg T) (result R, ran bool) {
		if c.processIndex == rank {
			return fn(arg), true
		}
		return
	}
}

// MainProcessFirst runs fn on the main process before running it on every other
// rank: the main rank executes fn, then releases its peers through a single
// barrier, after which the other ranks execute fn. It guarantees the main rank's
// effects (cache population, downloads, ...) are visible before dependents run.
//
// Each rank reaches the barrier exactly once per invocation. On the main rank the
// barrier is reached even if fn fails or panics, so an error on the main rank
// never leaves the other ranks blocked: it propagates only after they have been
// released. Errors from fn on any rank are returned to that rank's caller.
func MainProcessFirst(c *Context, t Transport, fn func() error) (err error) {
	if c.IsMain() {
		defer func() {
			if bErr := t.Barrier(); bErr != nil && err == nil {
				err = WrapTransport(bErr, "MainProcessFirst barrier")
			}
		}()
		return fn()
	}
	if bErr := t.Barrier(); bErr != nil {
		return WrapTransport(bErr, "MainProcessFirst barrier")
	}
	return fn()
}
