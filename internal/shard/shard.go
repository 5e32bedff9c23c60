// Package shard builds the per-device module replicas of a slicing plan.
//
// BuildShards validates every split before it allocates anything, then for
// each shard clones the module structure without parameters and fills each
// parameter with that shard's slice (or full copy, or transform output). The
// original module is never mutated; shards own independent tensors.
package shard

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/slicing"
	"github.com/born-ml/tensorparallel/internal/tensor"
	"github.com/born-ml/tensorparallel/internal/tperr"
)

// Shard is one device's partial copy of a module.
type Shard struct {
	Index  int
	Module nn.Module
	// Params maps dotted parameter paths to the shard's parameters.
	Params map[string]*nn.Parameter
}

// Param returns the shard's parameter at path.
func (s *Shard) Param(path string) *nn.Parameter {
	return s.Params[path]
}

// Bytes returns the memory held by the shard's parameter tensors.
func (s *Shard) Bytes() int64 {
	var total int64
	for _, p := range s.Params {
		if t := p.Tensor(); t != nil {
			total += int64(t.ByteSize())
		}
	}
	return total
}

// ProgressFunc is called after each shard is built.
type ProgressFunc func(done, total int)

type options struct {
	progress ProgressFunc
}

// Option configures BuildShards.
type Option func(*options)

// WithProgress reports construction progress.
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

// Validate checks every split of plan against the module's parameter
// shapes. A split axis that does not divide by the part count fails with a
// ShapeError naming the parameter, its shape and the part count.
func Validate(root nn.Module, plan *slicing.Plan) error {
	for _, np := range nn.NamedParameters(root) {
		pp, ok := plan.Param(np.Path)
		if !ok {
			return tperr.ParamConfigf(np.Path, np.Parameter.Shape(), "parameter missing from the plan (module changed after resolve?)")
		}
		if np.Parameter.Tensor() == nil {
			return tperr.ParamConfigf(np.Path, np.Parameter.Shape(), "parameter has no tensor")
		}
		if pp.Action.Kind != slicing.ActionSplit {
			continue
		}
		if !tensor.Divisible(np.Parameter.Shape(), pp.Action.Axis, plan.NumParts) {
			return tperr.NotDivisible(np.Path, np.Parameter.Shape(), pp.Action.Axis, plan.NumParts)
		}
	}
	return nil
}

// BuildShards returns the plan.NumParts shards of root, ordered by index.
// Nothing is built when any split is invalid.
func BuildShards(root nn.Module, plan *slicing.Plan, opts ...Option) ([]*Shard, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := Validate(root, plan); err != nil {
		return nil, err
	}
	shards := make([]*Shard, plan.NumParts)
	for i := range shards {
		s, err := build(root, plan, i)
		if err != nil {
			return nil, err
		}
		shards[i] = s
		klog.V(1).Infof("shard %d/%d built: %s of parameters", i+1, plan.NumParts, humanize.IBytes(uint64(s.Bytes())))
		if o.progress != nil {
			o.progress(i+1, plan.NumParts)
		}
	}
	return shards, nil
}

// BuildShard builds only shard index, for runtimes where each process
// materializes a single shard.
func BuildShard(root nn.Module, plan *slicing.Plan, index int) (*Shard, error) {
	if index < 0 || index >= plan.NumParts {
		return nil, tperr.Configf("shard index %d out of range [0, %d)", index, plan.NumParts)
	}
	if err := Validate(root, plan); err != nil {
		return nil, err
	}
	return build(root, plan, index)
}

func build(root nn.Module, plan *slicing.Plan, index int) (*Shard, error) {
	n := plan.NumParts
	clone := root.CloneStructure()
	orig := nn.NamedParameters(root)
	dst := nn.NamedParameters(clone)
	if len(orig) != len(dst) {
		return nil, tperr.Configf("structure clone has %d parameters, module has %d", len(dst), len(orig))
	}

	s := &Shard{Index: index, Module: clone, Params: make(map[string]*nn.Parameter, len(dst))}
	for i, np := range orig {
		if dst[i].Path != np.Path {
			return nil, tperr.Configf("structure clone reorders parameters: %q != %q", dst[i].Path, np.Path)
		}
		pp, _ := plan.Param(np.Path)
		t, err := pp.Action.Apply(np.Parameter.Tensor(), index, n, plan.Policy)
		if err != nil {
			if pp.Action.Kind == slicing.ActionSplit {
				return nil, tperr.NotDivisible(np.Path, np.Parameter.Shape(), pp.Action.Axis, n)
			}
			return nil, tperr.ParamConfigf(np.Path, np.Parameter.Shape(), "%v", err)
		}
		dst[i].Parameter.SetTensor(t)
		s.Params[np.Path] = dst[i].Parameter
	}

	if err := applyAttrs(s, plan, index); err != nil {
		return nil, err
	}
	return s, nil
}

// applyAttrs sets the per-shard attribute overrides of the plan.
func applyAttrs(s *Shard, plan *slicing.Plan, index int) error {
	leaves := make(map[string]nn.Module)
	for _, leaf := range nn.Leaves(s.Module) {
		leaves[leaf.Path] = leaf.Module
	}
	for _, step := range plan.Steps {
		if len(step.Attrs) == 0 {
			continue
		}
		attr, ok := leaves[step.Path].(nn.Attributed)
		if !ok {
			return &tperr.ConfigError{Operators: []string{step.Path}, Reason: "operator has no attributes to override"}
		}
		for name, off := range step.Attrs {
			pp, ok := plan.Param(nn.JoinPath(step.Path, off.Param))
			if !ok {
				return tperr.ParamConfigf(nn.JoinPath(step.Path, off.Param), nil, "attribute %q refers to a missing parameter", name)
			}
			axis, err := pp.Shape.NormalizeAxis(off.Axis)
			if err != nil {
				return tperr.ParamConfigf(pp.Path, pp.Shape, "attribute %q: %v", name, err)
			}
			size := pp.Shape[axis]
			if pp.Action.Kind == slicing.ActionSplit {
				size /= plan.NumParts
			}
			if !attr.SetAttr(name, index*size) {
				return &tperr.ConfigError{Operators: []string{step.Path}, Reason: fmt.Sprintf("unknown attribute %q", name)}
			}
		}
	}
	return nil
}

// Stats summarizes the memory held by each shard.
type Stats struct {
	Shards []ShardStats
	// Original is the parameter memory of the unsharded module.
	Original int64
}

// ShardStats is the memory held by one shard.
type ShardStats struct {
	Index  int
	Params int
	Bytes  int64
}

// Measure computes Stats for shards built from root.
func Measure(root nn.Module, shards []*Shard) Stats {
	var st Stats
	for _, np := range nn.NamedParameters(root) {
		if t := np.Parameter.Tensor(); t != nil {
			st.Original += int64(t.ByteSize())
		}
	}
	for _, s := range shards {
		st.Shards = append(st.Shards, ShardStats{Index: s.Index, Params: len(s.Params), Bytes: s.Bytes()})
	}
	return st
}

// WriteTable prints per-shard memory with human readable sizes.
func (st Stats) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "SHARD\tPARAMS\tMEMORY\tOF ORIGINAL\n")
	for _, s := range st.Shards {
		ratio := 0.0
		if st.Original > 0 {
			ratio = 100 * float64(s.Bytes) / float64(st.Original)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%.1f%%\n", s.Index, s.Params, humanize.IBytes(uint64(s.Bytes)), ratio)
	}
	fmt.Fprintf(tw, "original\t\t%s\t\n", humanize.IBytes(uint64(st.Original)))
	return tw.Flush()
}

func (st Stats) String() string {
	var b strings.Builder
	_ = st.WriteTable(&b)
	return b.String()
}
