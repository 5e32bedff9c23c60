package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/born-ml/tensorparallel/internal/comm/httpgroup"
	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/optim"
	"github.com/born-ml/tensorparallel/internal/tensor"
	"github.com/born-ml/tensorparallel/tp"
)

type runFlags struct {
	modelFlags
	batch     int
	seq       int
	size      int
	seed      int64
	repeat    int
	backward  bool
	processes bool
	half      bool
	tolerance float64
	steps     int
	lr        float32
}

func runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a model in parallel on random inputs and compare with the unsharded model",
		Long: `Draws a random batch, runs it through the unsharded model and through the
parallel one, and reports the largest difference of outputs (and, with
--backward, of gradients). With --processes every shard runs in its own
process group member, connected over loopback HTTP. --steps N applies N SGD
updates on both models and compares the outputs afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return f.run(cmd)
		},
	}
	f.register(cmd)
	fl := cmd.Flags()
	fl.IntVar(&f.batch, "batch", 8, "batch size")
	fl.IntVar(&f.seq, "seq", 8, "sequence length for token models")
	fl.IntVar(&f.size, "size", 16, "image height and width for convolution models")
	fl.Int64Var(&f.seed, "seed", 1, "input seed")
	fl.IntVar(&f.repeat, "repeat", 1, "number of forward calls to time")
	fl.BoolVar(&f.backward, "backward", false, "also compare the backward pass")
	fl.BoolVar(&f.processes, "processes", false, "run one process group member per shard")
	fl.BoolVar(&f.half, "float16", false, "send process group payloads as float16")
	fl.Float64Var(&f.tolerance, "tolerance", 1e-4, "largest accepted difference")
	f.registerTraining(cmd)
	return cmd
}

func (f *runFlags) registerTraining(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.steps, "steps", 0, "SGD steps to take on the batch before comparing parameters (implies --backward)")
	cmd.Flags().Float32Var(&f.lr, "lr", 0.01, "learning rate of --steps")
}

// result is what one parallel run produced.
type result struct {
	out     *tensor.Tensor
	grads   map[string]*tensor.Tensor
	elapsed time.Duration
	// trained is the output after the optimizer steps.
	trained *tensor.Tensor
}

func (f *runFlags) run(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	model, err := f.load()
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(f.seed))
	x, err := sampleInput(model, f.batch, f.seq, f.size, rng)
	if err != nil {
		return err
	}
	ref := f.unsharded(model, x, rng)

	opts, err := f.options(cmd)
	if err != nil {
		return err
	}
	var res *result
	if f.processes {
		res, err = f.runProcesses(ctx, model, x, ref.grad, opts)
	} else {
		res, err = f.runThreads(ctx, model, x, ref.grad, opts)
	}
	if err != nil {
		return err
	}
	return f.report(cmd.OutOrStdout(), model, ref, res)
}

// reference is what the unsharded model produced.
type reference struct {
	out     *tensor.Tensor
	grad    *tensor.Tensor
	grads   map[string]*tensor.Tensor
	trained *tensor.Tensor
}

// unsharded runs the model as is. It draws the output gradient from rng
// after the input. Training steps run on a copy, leaving model untouched
// for the parallel run.
func (f *runFlags) unsharded(model nn.Module, x *tensor.Tensor, rng *rand.Rand) *reference {
	ref := &reference{out: model.Forward(x), grads: make(map[string]*tensor.Tensor)}
	if !f.backward && f.steps == 0 {
		return ref
	}
	ref.grad = tensor.Randn(ref.out.Shape(), rng)
	model.Backward(ref.grad)
	for _, np := range nn.NamedParameters(model) {
		if g := np.Parameter.Grad(); g != nil {
			ref.grads[np.Path] = g.Clone()
		}
	}
	nn.ZeroGrad(model)
	if f.steps == 0 {
		return ref
	}

	trained := nn.Clone(model)
	opt := optim.NewSGD(optim.SGDConfig{LR: f.lr})
	for range f.steps {
		trained.Forward(x)
		trained.Backward(ref.grad)
		for _, np := range nn.NamedParameters(trained) {
			if g := np.Parameter.Grad(); g != nil {
				np.Parameter.SetTensor(tensor.Sub(np.Parameter.Tensor(), opt.Delta(np.Path, g)))
			}
		}
		nn.ZeroGrad(trained)
	}
	ref.trained = trained.Forward(x)
	return ref
}

func (f *runFlags) runThreads(ctx context.Context, model nn.Module, x, grad *tensor.Tensor, opts []tp.Option) (*result, error) {
	devices, err := f.devices()
	if err != nil {
		return nil, err
	}
	opts = append(opts, tp.WithDevices(devices), tp.WithProgress(shardProgress("building shards")))
	m, err := tp.TensorParallel(model, opts...)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	return f.drive(ctx, m, x, grad)
}

// runProcesses starts one process group member per shard in this process.
// Rank 0 hosts the coordinator on a loopback port.
func (f *runFlags) runProcesses(ctx context.Context, model nn.Module, x, grad *tensor.Tensor, opts []tp.Option) (*result, error) {
	devices, err := f.devices()
	if err != nil {
		return nil, err
	}
	n := devices.Len()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "listening for the coordinator")
	}
	precision := httpgroup.Float32
	if f.half {
		precision = httpgroup.Float16
	}

	var res *result
	g, gctx := errgroup.WithContext(ctx)
	for rank := range n {
		g.Go(func() error {
			cfg := httpgroup.Config{Addr: ln.Addr().String(), Rank: rank, WorldSize: n, Precision: precision}
			if rank == 0 {
				cfg.Listener = ln
			}
			pg, err := httpgroup.Connect(gctx, cfg)
			if err != nil {
				return errors.Wrapf(err, "rank %d", rank)
			}
			defer pg.Close()
			m, err := tp.TensorParallel(model, append(opts, tp.WithProcessGroup(pg))...)
			if err != nil {
				return errors.Wrapf(err, "rank %d", rank)
			}
			defer m.Close()
			r, err := f.drive(gctx, m, x, grad)
			if err != nil {
				return errors.Wrapf(err, "rank %d", rank)
			}
			if rank == 0 {
				res = r
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("run: %d ranks finished", n)
	return res, nil
}

// drive runs the timed forward calls and the optional backward.
func (f *runFlags) drive(ctx context.Context, m tp.Module, x, grad *tensor.Tensor) (*result, error) {
	res := &result{}
	start := time.Now()
	for i := 0; i < max(f.repeat, 1); i++ {
		out, err := m.Forward(ctx, x)
		if err != nil {
			return nil, err
		}
		res.out = out
	}
	res.elapsed = time.Since(start) / time.Duration(max(f.repeat, 1))
	if grad == nil {
		return res, nil
	}
	if _, err := m.Backward(ctx, grad); err != nil {
		return nil, err
	}
	grads, err := m.Gradients(ctx)
	if err != nil {
		return nil, err
	}
	res.grads = grads
	if f.steps == 0 {
		return res, nil
	}

	opt := optim.NewSGD(optim.SGDConfig{LR: f.lr})
	for i := range f.steps {
		if i > 0 {
			if _, err := m.Forward(ctx, x); err != nil {
				return nil, err
			}
			if _, err := m.Backward(ctx, grad); err != nil {
				return nil, err
			}
		}
		if err := m.Step(ctx, opt); err != nil {
			return nil, err
		}
		if err := m.ZeroGrad(ctx); err != nil {
			return nil, err
		}
	}
	if res.trained, err = m.Forward(ctx, x); err != nil {
		return nil, err
	}
	return res, nil
}

func (f *runFlags) report(w io.Writer, model nn.Module, ref *reference, res *result) error {
	var params int64
	for _, np := range nn.NamedParameters(model) {
		params += int64(np.Parameter.Shape().NumElements())
	}
	diff := tensor.MaxAbsDiff(ref.out, res.out)
	fmt.Fprintf(w, "parameters:  %s\n", humanize.Comma(params))
	fmt.Fprintf(w, "output:      %v\n", res.out.Shape())
	fmt.Fprintf(w, "forward:     %v per call\n", res.elapsed)
	fmt.Fprintf(w, "output diff: %g\n", diff)
	worst := float64(diff)

	if f.backward && len(ref.grads) > 0 {
		paths := make([]string, 0, len(ref.grads))
		for p := range ref.grads {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			got, ok := res.grads[p]
			if !ok {
				return errors.Errorf("no gradient for %s", p)
			}
			d := tensor.MaxAbsDiff(ref.grads[p], got)
			fmt.Fprintf(w, "grad diff:   %-24s %g\n", p, d)
			worst = max(worst, float64(d))
		}
	}
	if ref.trained != nil {
		d := tensor.MaxAbsDiff(ref.trained, res.trained)
		fmt.Fprintf(w, "after %d steps: output diff %g\n", f.steps, d)
		worst = max(worst, float64(d))
	}
	if worst > f.tolerance {
		return errors.Errorf("parallel result differs by %g, tolerance %g", worst, f.tolerance)
	}
	return nil
}
