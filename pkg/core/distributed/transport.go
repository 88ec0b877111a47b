// Copyright 2026 The go-accelerate Authors. SPDX-License-Identifier: Apache-2.0

package distributed

// Transport is the calling contract of the collective communication layer.
//
// Implementations are external collaborators (network, RDMA, an in-process test
// world, ...); this package and its dependents only rely on the following semantics:
//
//   - Every call is blocking: it returns only once all participating ranks have
//     reached the matching call. A rank that never reaches it causes every other
//     participant to block indefinitely. There is no built-in timeout -- callers
//     needing bounded waits must wrap calls with an external mechanism.
//   - ORDERING: collective operations must be issued in the same relative order by
//     every rank, or behavior is undefined. This is the classic collective-ordering
//     hazard and the most common source of deadlock and data corruption: never
//     guard a collective call with a condition that can differ across ranks.
//   - A rank exiting abnormally (uncaught error, crash) leaves any pending
//     collective broken for all peers. This is a known liveness limitation; the
//     core does not paper over it.
//
// Failures of the transport itself must be returned as is (the callers wrap them
// as *TransportError); they are never retried here.
type Transport interface {
	// Gather exchanges one value per rank and returns all of them ordered by rank:
	// the returned slice has NumProcesses elements and element r is the value
	// passed by rank r. Every rank receives the full result.
	Gather(v any) ([]any, error)

	// Broadcast returns on every rank the value passed by rank root.
	// The value passed by the other ranks is ignored (conventionally nil).
	Broadcast(v any, root int) (any, error)

	// Scatter distributes parts[r] to rank r and returns the part for the calling
	// rank. Only rank root's parts slice is read -- it must have NumProcesses
	// elements -- the other ranks pass nil.
	Scatter(parts []any, root int) (any, error)

	// Barrier blocks until every rank has reached it.
	Barrier() error
}

// Local implements Transport for a world of exactly one process: gather wraps the
// value, broadcast and scatter return it unchanged, and the barrier is a no-op.
//
// It makes every rank-scoped primitive behave identically on 1 and on N processes,
// which is the contract the rest of the core is built on.
type Local struct{}

// Gather implements Transport.
func (Local) Gather(v any) ([]any, error) { return []any{v}, nil }

// Broadcast implements Transport.
func (Local) Broadcast(v any, root int) (any, error) {
	if root != 0 {
		return nil, Configurationf("Local transport has a single rank, cannot broadcast from rank %d", root)
	}
	return v, nil
}

// Scatter implements Transport.
func (Local) Scatter(parts []any, root int) (any, error) {
	if root != 0 {
		return nil, Configurationf("Local transport has a single rank, cannot scatter from rank %d", root)
	}
	if len(parts) != 1 {
		return nil, Configurationf("Local transport scatter requires exactly 1 part, got %d", len(parts))
	}
	return parts[0], nil
}

// Barrier implements Transport.
func (Local) Barrier() error { return nil }

var _ Transport = Local{}
