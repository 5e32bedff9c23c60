// Package comm defines the collective primitives shards use to exchange
// tensors: broadcast, all-reduce and all-gather.
//
// Two runtimes implement them. LocalGroup is an in-process rendezvous used by
// the thread-parallel executor, one member per worker goroutine. A
// ProcessGroup is a member of a multi-process runtime (see the httpgroup
// package, or MemoryGroup for tests).
//
// Collectives are synchronous and blocking: every member must issue the same
// sequence of collective calls, otherwise the group reports a mismatch (or,
// in a real multi-process runtime, deadlocks). Callers own the returned
// tensors; they never alias another member's buffers.
package comm

import (
	"context"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

// Communicator is one member's view of a group.
type Communicator interface {
	// Rank returns the member's index in [0, WorldSize).
	Rank() int
	// WorldSize returns the number of members.
	WorldSize() int
	// Broadcast returns a copy of root's tensor on every member. Non-root
	// members may pass nil.
	Broadcast(ctx context.Context, t *tensor.Tensor, root int) (*tensor.Tensor, error)
	// AllReduceSum returns the element-wise sum of every member's tensor.
	// All tensors must share one shape.
	AllReduceSum(ctx context.Context, t *tensor.Tensor) (*tensor.Tensor, error)
	// AllGather returns every member's tensor in rank order.
	AllGather(ctx context.Context, t *tensor.Tensor) ([]*tensor.Tensor, error)
}

// ProcessGroup is a Communicator backed by a multi-process runtime. The
// caller establishes it before wrapping a module and closes it afterwards.
type ProcessGroup interface {
	Communicator
	Close() error
}
