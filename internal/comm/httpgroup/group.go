// Package httpgroup is a network process-group runtime for process-parallel
// execution.
//
// Rank 0 hosts a small HTTP rendezvous service; every rank (rank 0 included)
// joins it, then issues each collective as one POST that returns once all
// ranks have issued the matching call. Tensors travel in a compact
// protobuf-wire encoding, optionally as float16.
package httpgroup

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/tensorparallel/internal/comm"
	"github.com/born-ml/tensorparallel/internal/tensor"
)

// Config describes one process's membership.
type Config struct {
	// Addr is the host:port rank 0 listens on and other ranks dial.
	Addr      string
	Rank      int
	WorldSize int
	// Precision of tensor payloads sent by this rank.
	Precision Precision
	// Listener, if set on rank 0, is served instead of listening on Addr.
	Listener net.Listener
	// JoinTimeout bounds how long Connect waits for the coordinator to come
	// up and for all ranks to join. Zero means one minute.
	JoinTimeout time.Duration
	// Client overrides the HTTP client.
	Client *http.Client
}

// Group is one rank's membership in a network process group. It implements
// comm.ProcessGroup. A Group must not be used from more than one goroutine
// at a time.
type Group struct {
	cfg    Config
	base   string
	client *http.Client
	run    string
	seq    uint64
	coord  *coordinator
	closed bool
}

var _ comm.ProcessGroup = (*Group)(nil)

// Connect joins the group described by cfg, starting the coordinator when
// cfg.Rank is 0. It returns once every rank has joined.
func Connect(ctx context.Context, cfg Config) (*Group, error) {
	if cfg.WorldSize < 1 {
		return nil, errors.Errorf("world size must be positive, got %d", cfg.WorldSize)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, errors.Errorf("rank %d out of range [0, %d)", cfg.Rank, cfg.WorldSize)
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = time.Minute
	}
	g := &Group{cfg: cfg, client: cfg.Client}
	if g.client == nil {
		g.client = &http.Client{}
	}

	addr := cfg.Addr
	if cfg.Rank == 0 {
		ln := cfg.Listener
		if ln == nil {
			var err error
			ln, err = net.Listen("tcp", cfg.Addr)
			if err != nil {
				return nil, errors.Wrapf(err, "rank 0 listening on %s", cfg.Addr)
			}
		}
		addr = ln.Addr().String()
		g.coord = newCoordinator(cfg.WorldSize, cfg.Precision)
		g.coord.serve(ln)
		klog.Infof("httpgroup: coordinator for %d ranks listening on %s", cfg.WorldSize, addr)
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	g.base = strings.TrimSuffix(addr, "/")

	joinCtx, cancel := context.WithTimeout(ctx, cfg.JoinTimeout)
	defer cancel()
	resp, err := g.joinWithRetry(joinCtx)
	if err != nil {
		if g.coord != nil {
			_ = g.coord.shutdown(context.Background())
		}
		return nil, err
	}
	g.run = resp.Run
	klog.V(1).Infof("httpgroup: rank %d/%d joined run %s", cfg.Rank, cfg.WorldSize, g.run)
	return g, nil
}

// joinWithRetry keeps dialing until the coordinator accepts the join, since
// ranks may start before rank 0 listens.
func (g *Group) joinWithRetry(ctx context.Context) (*frame, error) {
	backoff := 50 * time.Millisecond
	for {
		resp, err := g.post(ctx, pathJoin, &frame{Rank: g.cfg.Rank, World: g.cfg.WorldSize, Op: opJoin})
		if err == nil {
			return resp, nil
		}
		var se *statusError
		if errors.As(err, &se) {
			return nil, errors.Wrapf(err, "rank %d joining %s", g.cfg.Rank, g.base)
		}
		klog.V(2).Infof("httpgroup: rank %d join attempt failed: %v", g.cfg.Rank, err)
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(err, "rank %d joining %s", g.cfg.Rank, g.base)
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, time.Second)
	}
}

// Run returns the id rank 0 assigned to this group.
func (g *Group) Run() string { return g.run }

// Rank implements comm.Communicator.
func (g *Group) Rank() int { return g.cfg.Rank }

// WorldSize implements comm.Communicator.
func (g *Group) WorldSize() int { return g.cfg.WorldSize }

// Broadcast implements comm.Communicator.
func (g *Group) Broadcast(ctx context.Context, t *tensor.Tensor, root int) (*tensor.Tensor, error) {
	f := &frame{Op: opBroadcast, Root: root}
	if t != nil && g.cfg.Rank == root {
		f.Tensors = []*tensor.Tensor{t}
	}
	out, err := g.collective(ctx, f, 1)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// AllReduceSum implements comm.Communicator.
func (g *Group) AllReduceSum(ctx context.Context, t *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := g.collective(ctx, &frame{Op: opAllReduceSum, Tensors: []*tensor.Tensor{t}}, 1)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// AllGather implements comm.Communicator.
func (g *Group) AllGather(ctx context.Context, t *tensor.Tensor) ([]*tensor.Tensor, error) {
	return g.collective(ctx, &frame{Op: opAllGather, Tensors: []*tensor.Tensor{t}}, g.cfg.WorldSize)
}

func (g *Group) collective(ctx context.Context, f *frame, want int) ([]*tensor.Tensor, error) {
	if g.closed {
		return nil, comm.ErrClosed
	}
	f.Run, f.Rank, f.World, f.Seq = g.run, g.cfg.Rank, g.cfg.WorldSize, g.seq
	g.seq++
	start := time.Now()
	resp, err := g.post(ctx, pathCollective, f)
	if err != nil {
		return nil, errors.Wrapf(err, "rank %d %s #%d", g.cfg.Rank, f.Op, f.Seq)
	}
	if resp.Error != "" {
		return nil, errors.Errorf("rank %d %s #%d: %s", g.cfg.Rank, f.Op, f.Seq, resp.Error)
	}
	if len(resp.Tensors) != want {
		return nil, errors.Errorf("rank %d %s #%d: got %d tensors, want %d", g.cfg.Rank, f.Op, f.Seq, len(resp.Tensors), want)
	}
	klog.V(2).Infof("httpgroup: rank %d %s #%d took %s", g.cfg.Rank, f.Op, f.Seq, time.Since(start))
	return resp.Tensors, nil
}

// Close leaves the group. On rank 0 it waits (bounded by the join timeout)
// for the other ranks to leave, then stops the coordinator.
func (g *Group) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.JoinTimeout)
	defer cancel()
	_, err := g.post(ctx, pathLeave, &frame{Run: g.run, Rank: g.cfg.Rank, World: g.cfg.WorldSize, Op: opLeave})
	if err != nil {
		err = errors.Wrapf(err, "rank %d leaving", g.cfg.Rank)
	}
	defer g.client.CloseIdleConnections()
	if g.coord == nil {
		return err
	}
	select {
	case <-g.coord.allLeft:
	case <-ctx.Done():
		klog.Warningf("httpgroup: closing coordinator before every rank left")
	}
	if serr := g.coord.shutdown(ctx); serr != nil && err == nil {
		err = errors.Wrap(serr, "stopping coordinator")
	}
	return err
}

type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return http.StatusText(e.code) + ": " + e.msg
}

func (g *Group) post(ctx context.Context, path string, f *frame) (*frame, error) {
	body := encodeFrame(f, g.cfg.Precision)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, msg: strings.TrimSpace(string(payload))}
	}
	return decodeFrame(payload)
}
