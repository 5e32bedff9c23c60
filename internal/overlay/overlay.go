// Package overlay partitions replicated parameters across the shards of a
// thread-parallel executor.
//
// Every overlaid parameter is flattened, zero-padded to a multiple of the
// part count and cut into equal slices; shard i keeps only slice i between
// calls. Right before a shard's forward or backward the full parameter is
// reassembled with an all-gather and installed on the shard's module; it is
// released again once the pass is done. After backward each shard keeps only
// its slice of the parameter's gradient.
//
// Values are bit-exact: the slices of a parameter concatenate to exactly the
// tensor the shard held before it was overlaid.
package overlay

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/tensorparallel/internal/comm"
	"github.com/born-ml/tensorparallel/internal/executor"
	"github.com/born-ml/tensorparallel/internal/shard"
	"github.com/born-ml/tensorparallel/internal/slicing"
	"github.com/born-ml/tensorparallel/internal/tensor"
	"github.com/born-ml/tensorparallel/internal/tperr"
)

// slot is one shard's share of one overlaid parameter.
type slot struct {
	path  string
	shape tensor.Shape
	data  *tensor.Tensor // 1-D, chunk elements
	grad  *tensor.Tensor // 1-D, chunk elements, nil until a backward ran
}

// Overlay holds the partitioned parameters of one executor.
type Overlay struct {
	ex    *executor.Executor
	n     int
	paths []string
	// slots[i] is shard i's slots, in paths order. Only shard i's worker
	// touches slots[i] while a call runs.
	slots [][]*slot
	chunk map[string]int
}

// Attach partitions the selected parameters of ex's shards and registers
// the hooks that reassemble them. names selects parameters by dotted path
// or glob pattern ("*.bias"); no names selects every replicated parameter.
//
// Only replicated parameters whose values are bit-identical on every shard
// can be overlaid. The overlay needs every shard in one process: attaching
// to a process-parallel executor fails with a ConfigError.
func Attach(ex *executor.Executor, names ...string) (*Overlay, error) {
	if ex.Mode() == executor.Processes {
		return nil, tperr.Configf("sharded parameters are only supported in thread-parallel mode")
	}
	plan := ex.Plan()
	paths, err := selectParams(plan, names)
	if err != nil {
		return nil, err
	}
	shards := ex.Shards()
	o := &Overlay{
		ex:    ex,
		n:     len(shards),
		paths: paths,
		slots: make([][]*slot, len(shards)),
		chunk: make(map[string]int, len(paths)),
	}
	for _, p := range paths {
		ref := shards[0].Param(p).Tensor()
		if ref == nil {
			return nil, tperr.ParamConfigf(p, shards[0].Param(p).Shape(), "parameter is already released")
		}
		for _, s := range shards[1:] {
			if !ref.Equal(s.Param(p).Tensor()) {
				return nil, tperr.ParamConfigf(p, ref.Shape(), "replicas differ on shard %d; only identical replicas can be sharded", s.Index)
			}
		}
		o.chunk[p] = (ref.NumElements() + o.n - 1) / o.n
	}

	var before int64
	for _, s := range shards {
		before += s.Bytes()
	}
	for _, s := range shards {
		for _, p := range paths {
			param := s.Param(p)
			o.slots[s.Index] = append(o.slots[s.Index], &slot{
				path:  p,
				shape: param.Shape().Clone(),
				data:  o.cut(p, param.Tensor(), s.Index),
			})
			param.SetTensor(nil)
		}
	}
	var after int64
	for i, s := range shards {
		after += s.Bytes() + o.ShardBytes(i)
	}
	ex.AddHook(o)
	klog.Infof("overlay: %d parameters sharded over %d shards, parameter memory %s -> %s",
		len(paths), o.n, humanize.IBytes(uint64(before)), humanize.IBytes(uint64(after)))
	return o, nil
}

// selectParams returns the sorted paths of the parameters names selects.
func selectParams(plan *slicing.Plan, names []string) ([]string, error) {
	var out []string
	if len(names) == 0 {
		for _, pp := range plan.Params {
			if pp.Action.Kind == slicing.ActionReplicate {
				out = append(out, pp.Path)
			}
		}
		sort.Strings(out)
		return out, nil
	}
	seen := make(map[string]bool)
	for _, name := range names {
		matched := false
		for _, pp := range plan.Params {
			ok, err := path.Match(strings.ReplaceAll(name, ".", "/"), strings.ReplaceAll(pp.Path, ".", "/"))
			if err != nil {
				return nil, tperr.Configf("sharded parameter pattern %q: %v", name, err)
			}
			if !ok {
				continue
			}
			matched = true
			if pp.Action.Kind != slicing.ActionReplicate {
				return nil, tperr.ParamConfigf(pp.Path, pp.Shape, "parameter is already %v; only replicated parameters can be sharded", pp.Action)
			}
			if !seen[pp.Path] {
				seen[pp.Path] = true
				out = append(out, pp.Path)
			}
		}
		if !matched {
			return nil, tperr.Configf("sharded parameter %q matches no parameter", name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// cut returns shard index's slice of t, padded and flattened.
func (o *Overlay) cut(p string, t *tensor.Tensor, index int) *tensor.Tensor {
	chunk := o.chunk[p]
	flat := tensor.PadFlat(t, chunk*o.n)
	return tensor.Narrow(flat, 0, index*chunk, chunk)
}

// Paths returns the overlaid parameter paths, sorted.
func (o *Overlay) Paths() []string {
	return append([]string(nil), o.paths...)
}

// ShardBytes returns the memory shard index keeps for overlaid parameters.
func (o *Overlay) ShardBytes(index int) int64 {
	var total int64
	for _, sl := range o.slots[index] {
		total += int64(sl.data.ByteSize())
	}
	return total
}

// gather installs the full value of every overlaid parameter on s.
func (o *Overlay) gather(ctx context.Context, s *shard.Shard, c comm.Communicator) error {
	for _, sl := range o.slots[s.Index] {
		parts, err := c.AllGather(ctx, sl.data)
		if err != nil {
			return errors.Wrapf(err, "gathering %q", sl.path)
		}
		s.Param(sl.path).SetTensor(tensor.Unflatten(tensor.Cat(parts, 0), sl.shape))
	}
	return nil
}

func (o *Overlay) release(s *shard.Shard) {
	for _, sl := range o.slots[s.Index] {
		s.Param(sl.path).SetTensor(nil)
	}
}

// BeforeForward reassembles the shard's overlaid parameters.
func (o *Overlay) BeforeForward(ctx context.Context, s *shard.Shard, c comm.Communicator) error {
	return o.gather(ctx, s, c)
}

// AfterForward releases them.
func (o *Overlay) AfterForward(_ context.Context, s *shard.Shard, _ comm.Communicator) error {
	o.release(s)
	return nil
}

// BeforeBackward reassembles the shard's overlaid parameters.
func (o *Overlay) BeforeBackward(ctx context.Context, s *shard.Shard, c comm.Communicator) error {
	return o.gather(ctx, s, c)
}

// AfterBackward keeps the shard's slice of each overlaid parameter's
// gradient and releases the parameters. In a data-parallel plan the
// gradients are first summed over shards.
func (o *Overlay) AfterBackward(ctx context.Context, s *shard.Shard, c comm.Communicator) error {
	dataParallel := o.ex.Plan().DataParallel
	for _, sl := range o.slots[s.Index] {
		param := s.Param(sl.path)
		g := param.Grad()
		param.SetGrad(nil)
		if g == nil {
			continue
		}
		if dataParallel {
			var err error
			if g, err = c.AllReduceSum(ctx, g); err != nil {
				return errors.Wrapf(err, "reducing gradient of %q", sl.path)
			}
		}
		part := o.cut(sl.path, g, s.Index)
		if sl.grad == nil {
			sl.grad = part
		} else {
			tensor.AddInPlace(sl.grad, part)
		}
	}
	o.release(s)
	return nil
}

// Gradients returns the full gradient of every overlaid parameter that has
// one, reassembled from the shards' slices.
func (o *Overlay) Gradients(ctx context.Context) (map[string]*tensor.Tensor, error) {
	return o.assemble(ctx, func(sl *slot) *tensor.Tensor { return sl.grad })
}

// Reconstruct returns the full value of the overlaid parameter at p. It
// only reads the slices, so repeated calls return identical tensors.
func (o *Overlay) Reconstruct(ctx context.Context, p string) (*tensor.Tensor, error) {
	if _, ok := o.chunk[p]; !ok {
		return nil, errors.Errorf("parameter %q is not sharded", p)
	}
	all, err := o.assemble(ctx, func(sl *slot) *tensor.Tensor {
		if sl.path != p {
			return nil
		}
		return sl.data
	})
	if err != nil {
		return nil, err
	}
	return all[p], nil
}

// Parameters reconstructs every overlaid parameter.
func (o *Overlay) Parameters(ctx context.Context) (map[string]*tensor.Tensor, error) {
	return o.assemble(ctx, func(sl *slot) *tensor.Tensor { return sl.data })
}

// Update replaces every slice that has a gradient with fn's result, on the
// owning shard's worker. fn receives the flattened slice and its gradient
// and must return a tensor of the same length.
func (o *Overlay) Update(ctx context.Context, fn func(index int, path string, data, grad *tensor.Tensor) *tensor.Tensor) error {
	return o.ex.Each(ctx, func(_ context.Context, s *shard.Shard, _ comm.Communicator) error {
		for _, sl := range o.slots[s.Index] {
			if sl.grad == nil {
				continue
			}
			next := fn(s.Index, sl.path, sl.data, sl.grad)
			if next.NumElements() != sl.data.NumElements() {
				return errors.Errorf("update of %q has %d elements, want %d", sl.path, next.NumElements(), sl.data.NumElements())
			}
			sl.data = next
		}
		return nil
	})
}

// ZeroGrad drops the gradient slices.
func (o *Overlay) ZeroGrad(ctx context.Context) error {
	return o.ex.Each(ctx, func(_ context.Context, s *shard.Shard, _ comm.Communicator) error {
		for _, sl := range o.slots[s.Index] {
			sl.grad = nil
		}
		return nil
	})
}

// assemble all-gathers the slices pick selects on the shards' own workers
// and returns the reassembled tensors. Every shard makes the same decision
// for a slot, so the collectives stay in step.
func (o *Overlay) assemble(ctx context.Context, pick func(*slot) *tensor.Tensor) (map[string]*tensor.Tensor, error) {
	var mu sync.Mutex
	out := make(map[string]*tensor.Tensor)
	err := o.ex.Each(ctx, func(ctx context.Context, s *shard.Shard, c comm.Communicator) error {
		for _, sl := range o.slots[s.Index] {
			t := pick(sl)
			if t == nil {
				continue
			}
			parts, err := c.AllGather(ctx, t)
			if err != nil {
				return errors.Wrapf(err, "gathering %q", sl.path)
			}
			if s.Index != 0 {
				continue
			}
			full := tensor.Unflatten(tensor.Cat(parts, 0), sl.shape)
			mu.Lock()
			out[sl.path] = full
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
