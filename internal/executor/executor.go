// Package executor runs a sharded module's forward and backward passes and
// recombines the per-shard results.
//
// In thread mode the calling process owns every shard. Each shard is driven
// by one worker goroutine started at construction and parked on a
// single-producer/single-consumer job channel; a call fans one job out to
// every worker, blocks until all of them report, and combines their outputs
// in shard order on the calling goroutine. Workers exchange activations
// through a comm.LocalGroup created fresh for every call.
//
// In process mode the process owns exactly one shard and every collective,
// including the final output combine, goes through a comm.ProcessGroup that
// the caller established beforehand. Every rank must make the same sequence
// of calls.
//
// Containers are executed as the in-order chain of their leaf operators, the
// same order the slicing plan was resolved in, so that collectives can be
// placed between operators.
package executor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/tensorparallel/internal/comm"
	"github.com/born-ml/tensorparallel/internal/device"
	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/shard"
	"github.com/born-ml/tensorparallel/internal/slicing"
	"github.com/born-ml/tensorparallel/internal/tperr"
)

// Mode selects how shards are driven. It is fixed at construction.
type Mode uint8

const (
	// Threads drives every shard from a worker goroutine of this process.
	Threads Mode = iota
	// Processes drives the single local shard of one process of a group.
	Processes
)

func (m Mode) String() string {
	if m == Processes {
		return "process-parallel"
	}
	return "thread-parallel"
}

// Hook observes each shard's passes. Hooks run on the shard's own worker
// and may issue collectives through c; every shard runs the same hooks in
// the same order.
type Hook interface {
	BeforeForward(ctx context.Context, s *shard.Shard, c comm.Communicator) error
	AfterForward(ctx context.Context, s *shard.Shard, c comm.Communicator) error
	BeforeBackward(ctx context.Context, s *shard.Shard, c comm.Communicator) error
	AfterBackward(ctx context.Context, s *shard.Shard, c comm.Communicator) error
}

type options struct {
	outputDevice int
	hooks        []Hook
}

// Option configures an Executor.
type Option func(*options)

// WithOutputDevice sets the index, within the device list, of the device
// combined outputs are returned on. The default is 0.
func WithOutputDevice(index int) Option {
	return func(o *options) { o.outputDevice = index }
}

// WithHooks registers hooks at construction.
func WithHooks(hooks ...Hook) Option {
	return func(o *options) { o.hooks = append(o.hooks, hooks...) }
}

// unit is one local shard together with the worker that owns it.
type unit struct {
	shard  *shard.Shard
	leaves []nn.Leaf
	device device.Device
	jobs   chan func()
	exited chan struct{}

	// ran is set by a successful forward and gates the next backward.
	ran bool
}

// Executor drives the shards of one parallel module.
type Executor struct {
	id           string
	mode         Mode
	plan         *slicing.Plan
	devices      device.List
	outputDevice int
	units        []*unit
	pg           comm.ProcessGroup

	mu       sync.Mutex
	hooks    []Hook
	inflight sync.WaitGroup
	closed   bool
	// lastInputRole is the role of the last forward's activation; the input
	// gradient is recombined accordingly.
	lastInputRole slicing.InputRole
}

// NewThreaded starts one worker per shard. shards must be ordered by index
// and devices must hold one device per shard.
func NewThreaded(plan *slicing.Plan, shards []*shard.Shard, devices device.List, opts ...Option) (*Executor, error) {
	o := applyOptions(opts)
	n := plan.NumParts
	if len(shards) != n {
		return nil, tperr.Configf("thread-parallel mode needs %d shards, got %d", n, len(shards))
	}
	if devices.Len() != n {
		return nil, tperr.Configf("thread-parallel mode needs one device per shard: %d devices %v for %d shards", devices.Len(), devices.IDs(), n)
	}
	if o.outputDevice < 0 || o.outputDevice >= devices.Len() {
		return nil, tperr.Configf("output device index %d out of range for %d devices", o.outputDevice, devices.Len())
	}
	e := &Executor{
		id:           uuid.NewString(),
		mode:         Threads,
		plan:         plan,
		devices:      devices,
		outputDevice: o.outputDevice,
		hooks:        o.hooks,
	}
	for i, s := range shards {
		if s.Index != i {
			return nil, tperr.Configf("shard at position %d has index %d", i, s.Index)
		}
		u, err := newUnit(plan, s, devices.At(i))
		if err != nil {
			return nil, err
		}
		e.units = append(e.units, u)
	}
	for _, u := range e.units {
		u.jobs = make(chan func(), 1)
		u.exited = make(chan struct{})
		go u.loop()
	}
	klog.Infof("executor %s: %s over %d shards on %v", e.id, e.mode, n, devices)
	return e, nil
}

// NewProcess wraps the local shard of a process group member. The group's
// world size must equal the plan's part count and exactly one local device
// may be given.
func NewProcess(plan *slicing.Plan, s *shard.Shard, pg comm.ProcessGroup, devices device.List, opts ...Option) (*Executor, error) {
	if err := CheckProcessGroup(plan.NumParts, pg, devices); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	if o.outputDevice != 0 {
		return nil, tperr.Configf("process-parallel mode has a single local device; output device index %d is invalid", o.outputDevice)
	}
	if s.Index != pg.Rank() {
		return nil, tperr.Configf("shard %d built for process of rank %d", s.Index, pg.Rank())
	}
	u, err := newUnit(plan, s, devices.At(0))
	if err != nil {
		return nil, err
	}
	e := &Executor{
		id:      uuid.NewString(),
		mode:    Processes,
		plan:    plan,
		devices: devices,
		units:   []*unit{u},
		pg:      pg,
		hooks:   o.hooks,
	}
	klog.Infof("executor %s: %s rank %d/%d on %v", e.id, e.mode, pg.Rank(), pg.WorldSize(), devices)
	return e, nil
}

// CheckProcessGroup validates the process-parallel preconditions without
// building anything.
func CheckProcessGroup(numParts int, pg comm.ProcessGroup, devices device.List) error {
	if pg == nil {
		return tperr.Configf("process-parallel mode needs an established process group")
	}
	if pg.WorldSize() != numParts {
		return tperr.Configf("process group world size %d does not match num_parts %d", pg.WorldSize(), numParts)
	}
	if devices.Len() != 1 {
		return tperr.Configf("process-parallel mode drives exactly one local device per process, got %d device ids %v", devices.Len(), devices.IDs())
	}
	return nil
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newUnit(plan *slicing.Plan, s *shard.Shard, d device.Device) (*unit, error) {
	leaves := nn.Leaves(s.Module)
	if len(leaves) != len(plan.Steps) {
		return nil, tperr.Configf("shard %d has %d operators, plan has %d", s.Index, len(leaves), len(plan.Steps))
	}
	for i, l := range leaves {
		if l.Path != plan.Steps[i].Path {
			return nil, &tperr.ConfigError{
				Operators: []string{l.Path, plan.Steps[i].Path},
				Reason:    fmt.Sprintf("shard %d operator order differs from the plan", s.Index),
			}
		}
	}
	return &unit{shard: s, leaves: leaves, device: d}, nil
}

// loop is the worker goroutine. It stays on one OS thread so the shard's
// kernels keep their device affinity.
func (u *unit) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(u.exited)
	for job := range u.jobs {
		job()
	}
}

// ID identifies the executor in logs.
func (e *Executor) ID() string { return e.id }

// Mode returns the execution mode.
func (e *Executor) Mode() Mode { return e.mode }

// Plan returns the slicing plan the shards were built from.
func (e *Executor) Plan() *slicing.Plan { return e.plan }

// Devices returns the device list.
func (e *Executor) Devices() device.List { return e.devices }

// OutputDevice returns the device combined outputs are returned on.
func (e *Executor) OutputDevice() device.Device { return e.devices.At(e.outputDevice) }

// Shards returns the local shards: all of them in thread mode, the rank's
// own in process mode. Callers must not touch them while a call runs.
func (e *Executor) Shards() []*shard.Shard {
	out := make([]*shard.Shard, len(e.units))
	for i, u := range e.units {
		out[i] = u.shard
	}
	return out
}

// AddHook registers h for subsequent calls.
func (e *Executor) AddHook(h Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, h)
}

// Each runs fn on every local shard, on the goroutine that owns it, and
// returns the first failure tagged with its shard index. fn may issue
// collectives through c.
func (e *Executor) Each(ctx context.Context, fn func(ctx context.Context, s *shard.Shard, c comm.Communicator) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errClosed
	}
	return e.each(ctx, "each", func(ctx context.Context, u *unit, c comm.Communicator) error {
		return fn(ctx, u.shard, c)
	})
}

// ZeroGrad clears the gradients of every local shard.
func (e *Executor) ZeroGrad(ctx context.Context) error {
	return e.Each(ctx, func(_ context.Context, s *shard.Shard, _ comm.Communicator) error {
		nn.ZeroGrad(s.Module)
		return nil
	})
}

// Close stops the workers. Pending calls finish first. In process mode the
// process group is left open; its owner closes it.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.inflight.Wait()
	for _, u := range e.units {
		if u.jobs != nil {
			close(u.jobs)
			<-u.exited
		}
	}
	klog.V(1).Infof("executor %s: closed", e.id)
	return nil
}

var errClosed = errors.New("executor closed")

type shardResult struct {
	index int
	err   error
}

// each runs fn once per local shard and waits for all of them, or for the
// first failure. The caller holds e.mu.
//
// In thread mode a failure cancels the call's context and aborts its group,
// then returns without waiting for the other workers; the next call waits
// for them before dispatching.
func (e *Executor) each(ctx context.Context, op string, fn func(ctx context.Context, u *unit, c comm.Communicator) error) error {
	if e.mode == Processes {
		u := e.units[0]
		return tperr.Execution(e.pg.Rank(), op, safely(func() error { return fn(ctx, u, e.pg) }))
	}

	e.inflight.Wait()
	ctx, cancel := context.WithCancel(ctx)
	group := comm.NewLocalGroup(len(e.units))
	results := make(chan shardResult, len(e.units))
	for i, u := range e.units {
		e.inflight.Add(1)
		member := group.Member(i)
		u.jobs <- func() {
			defer e.inflight.Done()
			err := safely(func() error { return fn(ctx, u, member) })
			results <- shardResult{index: i, err: err}
		}
	}

	for range e.units {
		r := <-results
		if r.err != nil {
			err := tperr.Execution(r.index, op, r.err)
			cancel()
			group.Abort(err)
			klog.V(1).Infof("executor %s: %s failed on shard %d: %v", e.id, op, r.index, r.err)
			return err
		}
	}
	cancel()
	return nil
}

// safely converts a panic in fn (kernels panic on misuse) into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.Wrap(e, "panic")
				return
			}
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (e *Executor) logTiming(op string, start time.Time) {
	if klog.V(1).Enabled() {
		klog.Infof("executor %s: %s took %s", e.id, op, time.Since(start))
	}
}
