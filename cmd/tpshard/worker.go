package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/born-ml/tensorparallel/internal/comm/httpgroup"
	"github.com/born-ml/tensorparallel/internal/device"
	"github.com/born-ml/tensorparallel/tp"
)

type workerFlags struct {
	runFlags
	addr      string
	rank      int
	world     int
	device    int
	joinAfter time.Duration
}

func workerCmd() *cobra.Command {
	var f workerFlags
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one shard as a member of a multi-process group",
		Long: `Joins the process group coordinated at --addr (rank 0 listens there) and
runs this rank's shard on random inputs drawn from --seed. Every rank must be
started with the same model, config and seed. Rank 0 prints the comparison
with the unsharded model.

  tpshard worker -m model.yaml --addr 127.0.0.1:7070 --world 2 --rank 0 &
  tpshard worker -m model.yaml --addr 127.0.0.1:7070 --world 2 --rank 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return f.work(cmd)
		},
	}
	f.register(cmd)
	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", "127.0.0.1:7070", "host:port of the rank 0 coordinator")
	fl.IntVar(&f.rank, "rank", 0, "rank of this process")
	fl.IntVar(&f.world, "world", 1, "number of processes in the group")
	fl.IntVar(&f.device, "device", 0, "local device id")
	fl.DurationVar(&f.joinAfter, "join-timeout", time.Minute, "how long to wait for every rank to join")
	fl.IntVar(&f.batch, "batch", 8, "batch size")
	fl.IntVar(&f.seq, "seq", 8, "sequence length for token models")
	fl.IntVar(&f.size, "size", 16, "image height and width for convolution models")
	fl.Int64Var(&f.seed, "seed", 1, "input seed, equal on every rank")
	fl.IntVar(&f.repeat, "repeat", 1, "number of forward calls to time")
	fl.BoolVar(&f.backward, "backward", false, "also compare the backward pass")
	fl.BoolVar(&f.half, "float16", false, "send payloads as float16")
	fl.Float64Var(&f.tolerance, "tolerance", 1e-4, "largest accepted difference")
	f.registerTraining(cmd)
	return cmd
}

func (f *workerFlags) work(cmd *cobra.Command) error {
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

	precision := httpgroup.Float32
	if f.half {
		precision = httpgroup.Float16
	}
	pg, err := httpgroup.Connect(ctx, httpgroup.Config{
		Addr: f.addr, Rank: f.rank, WorldSize: f.world, Precision: precision, JoinTimeout: f.joinAfter,
	})
	if err != nil {
		return err
	}
	defer pg.Close()

	all, err := device.Default()
	if err != nil {
		return err
	}
	local, err := all.Select(f.device)
	if err != nil {
		return err
	}
	opts, err := f.options(cmd)
	if err != nil {
		return err
	}
	m, err := tp.TensorParallel(model, append(opts, tp.WithProcessGroup(pg), tp.WithDevices(local))...)
	if err != nil {
		return err
	}
	defer m.Close()

	// Every rank computes the reference so that each draws the same
	// random output gradient.
	ref := f.unsharded(model, x, rng)
	res, err := f.drive(ctx, m, x, ref.grad)
	if err != nil {
		return errors.Wrapf(err, "rank %d of run %s", f.rank, pg.Run())
	}
	if f.rank != 0 {
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d ranks\n", pg.Run(), f.world)
	return f.report(cmd.OutOrStdout(), model, ref, res)
}
