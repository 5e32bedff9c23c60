package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

// ErrAborted is returned by collectives of a group that was aborted.
var ErrAborted = errors.New("collective group aborted")

// LocalGroup is an in-process group of n members that rendezvous through
// shared memory. Member i must only be used by one goroutine at a time.
//
// Rounds are matched by per-member sequence number: the k-th collective of
// every member forms round k. A round whose members disagree on the
// operation fails for all of them.
type LocalGroup struct {
	n int

	mu      sync.Mutex
	next    []uint64
	pending map[uint64]*round
	err     error
}

type round struct {
	op      string
	inputs  []*tensor.Tensor
	arrived int
	done    chan struct{}
	results [][]*tensor.Tensor
	err     error
}

// NewLocalGroup creates a group of n members.
func NewLocalGroup(n int) *LocalGroup {
	if n < 1 {
		panic(fmt.Sprintf("comm: group size must be positive, got %d", n))
	}
	return &LocalGroup{
		n:       n,
		next:    make([]uint64, n),
		pending: make(map[uint64]*round),
	}
}

// Size returns the number of members.
func (g *LocalGroup) Size() int { return g.n }

// Member returns the Communicator of rank.
func (g *LocalGroup) Member(rank int) Communicator {
	if rank < 0 || rank >= g.n {
		panic(fmt.Sprintf("comm: rank %d out of range [0, %d)", rank, g.n))
	}
	return &member{g: g, rank: rank}
}

// Abort fails every pending and future collective with err (ErrAborted when
// err is nil). It is safe to call more than once; the first error wins.
func (g *LocalGroup) Abort(err error) {
	if err == nil {
		err = ErrAborted
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return
	}
	g.err = err
	for seq, r := range g.pending {
		r.err = err
		close(r.done)
		delete(g.pending, seq)
	}
}

// join registers rank's contribution to its next round and returns the
// round to wait on.
func (g *LocalGroup) join(rank int, op string, t *tensor.Tensor, reduce func([]*tensor.Tensor) ([][]*tensor.Tensor, error)) (*round, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	seq := g.next[rank]
	g.next[rank]++

	r, ok := g.pending[seq]
	if !ok {
		r = &round{op: op, inputs: make([]*tensor.Tensor, g.n), done: make(chan struct{})}
		g.pending[seq] = r
	}
	if r.op != op {
		r.err = errors.Errorf("collective mismatch in round %d: rank %d called %s, others called %s", seq, rank, op, r.op)
	}
	r.inputs[rank] = t
	r.arrived++
	if r.arrived < g.n {
		return r, nil
	}

	delete(g.pending, seq)
	if r.err == nil {
		r.results, r.err = reduce(r.inputs)
	}
	r.inputs = nil
	close(r.done)
	klog.V(2).Infof("comm: round %d %s complete across %d members", seq, op, g.n)
	return r, nil
}

func (g *LocalGroup) await(ctx context.Context, rank int, r *round) ([]*tensor.Tensor, error) {
	select {
	case <-r.done:
		if r.err != nil {
			return nil, r.err
		}
		return r.results[rank], nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "rank %d waiting on %s", rank, r.op)
	}
}

type member struct {
	g    *LocalGroup
	rank int
}

func (m *member) Rank() int      { return m.rank }
func (m *member) WorldSize() int { return m.g.n }

func (m *member) Broadcast(ctx context.Context, t *tensor.Tensor, root int) (*tensor.Tensor, error) {
	if root < 0 || root >= m.g.n {
		return nil, errors.Errorf("broadcast root %d out of range [0, %d)", root, m.g.n)
	}
	if m.rank == root && t == nil {
		return nil, errors.Errorf("broadcast root %d has no tensor", root)
	}
	r, err := m.g.join(m.rank, fmt.Sprintf("broadcast(%d)", root), t, func(in []*tensor.Tensor) ([][]*tensor.Tensor, error) {
		out := make([][]*tensor.Tensor, len(in))
		for i := range out {
			out[i] = []*tensor.Tensor{in[root].Clone()}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	res, err := m.g.await(ctx, m.rank, r)
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

func (m *member) AllReduceSum(ctx context.Context, t *tensor.Tensor) (*tensor.Tensor, error) {
	if t == nil {
		return nil, errors.New("all-reduce of a nil tensor")
	}
	r, err := m.g.join(m.rank, "all_reduce(sum)", t, func(in []*tensor.Tensor) ([][]*tensor.Tensor, error) {
		if err := SameShape(in); err != nil {
			return nil, err
		}
		sum := tensor.Sum(in)
		out := make([][]*tensor.Tensor, len(in))
		for i := range out {
			if i == 0 {
				out[i] = []*tensor.Tensor{sum}
				continue
			}
			out[i] = []*tensor.Tensor{sum.Clone()}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	res, err := m.g.await(ctx, m.rank, r)
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

func (m *member) AllGather(ctx context.Context, t *tensor.Tensor) ([]*tensor.Tensor, error) {
	if t == nil {
		return nil, errors.New("all-gather of a nil tensor")
	}
	r, err := m.g.join(m.rank, "all_gather", t, func(in []*tensor.Tensor) ([][]*tensor.Tensor, error) {
		out := make([][]*tensor.Tensor, len(in))
		for i := range out {
			parts := make([]*tensor.Tensor, len(in))
			for j, p := range in {
				parts[j] = p.Clone()
			}
			out[i] = parts
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return m.g.await(ctx, m.rank, r)
}

// SameShape reports an error naming the first tensor whose shape differs
// from the first one.
func SameShape(ts []*tensor.Tensor) error {
	for i, t := range ts[1:] {
		if !t.Shape().Equal(ts[0].Shape()) {
			return errors.Errorf("rank %d contributed shape %v, rank 0 contributed %v", i+1, t.Shape(), ts[0].Shape())
		}
	}
	return nil
}
