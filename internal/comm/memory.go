package comm

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

// ErrClosed is returned by collectives on a closed process group.
var ErrClosed = errors.New("process group closed")

// MemoryGroup is a ProcessGroup whose "processes" are goroutines of the
// current process. It behaves like a multi-process runtime without the
// network, which makes it the runtime of choice for tests and single-host
// dry runs of process-parallel mode.
type MemoryGroup struct {
	Communicator
	group  *LocalGroup
	closed atomic.Bool
}

// NewMemoryGroups returns the n members of a fresh in-memory runtime.
func NewMemoryGroups(n int) []*MemoryGroup {
	g := NewLocalGroup(n)
	out := make([]*MemoryGroup, n)
	for i := range out {
		out[i] = &MemoryGroup{Communicator: g.Member(i), group: g}
	}
	return out
}

// Close marks the member closed. Peers still blocked in a collective with
// this member are released with ErrClosed.
func (m *MemoryGroup) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.group.Abort(ErrClosed)
	return nil
}

func (m *MemoryGroup) check() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (m *MemoryGroup) Broadcast(ctx context.Context, t *tensor.Tensor, root int) (*tensor.Tensor, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.Communicator.Broadcast(ctx, t, root)
}

func (m *MemoryGroup) AllReduceSum(ctx context.Context, t *tensor.Tensor) (*tensor.Tensor, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.Communicator.AllReduceSum(ctx, t)
}

func (m *MemoryGroup) AllGather(ctx context.Context, t *tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.Communicator.AllGather(ctx, t)
}

// RunMemoryGroup runs fn once per rank of a fresh n-member MemoryGroup, each
// in its own goroutine, and returns the first error. The first failure
// cancels the context handed to the other ranks and aborts the group so no
// rank stays blocked in a collective.
func RunMemoryGroup(ctx context.Context, n int, fn func(ctx context.Context, pg ProcessGroup) error) error {
	members := NewMemoryGroups(n)
	eg, ctx := errgroup.WithContext(ctx)
	for _, m := range members {
		eg.Go(func() error {
			if err := fn(ctx, m); err != nil {
				m.group.Abort(errors.Wrapf(err, "rank %d failed", m.Rank()))
				return err
			}
			return nil
		})
	}
	err := eg.Wait()
	for _, m := range members {
		_ = m.Close()
	}
	return err
}
