package httpgroup

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/born-ml/tensorparallel/internal/comm"
	"github.com/born-ml/tensorparallel/internal/tensor"
)

const (
	pathJoin       = "/v1/join"
	pathCollective = "/v1/collective"
	pathLeave      = "/v1/leave"
	contentType    = "application/x-protobuf"
	maxFrameBytes  = 1 << 30
)

// coordinator is the rendezvous service rank 0 hosts. Every rank, rank 0
// included, talks to it over HTTP; each request is served by a member of an
// in-process comm.LocalGroup, so matching collectives of all ranks meet in
// one round.
type coordinator struct {
	run   string
	world int
	prec  Precision
	group *comm.LocalGroup

	mu      sync.Mutex
	joined  []bool
	left    []bool
	nJoined int
	nLeft   int
	nextSeq []uint64
	ready   chan struct{}
	allLeft chan struct{}

	srv *http.Server
}

func newCoordinator(world int, prec Precision) *coordinator {
	c := &coordinator{
		run:     uuid.NewString(),
		world:   world,
		prec:    prec,
		group:   comm.NewLocalGroup(world),
		joined:  make([]bool, world),
		left:    make([]bool, world),
		nextSeq: make([]uint64, world),
		ready:   make(chan struct{}),
		allLeft: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(pathJoin, c.handleJoin)
	mux.HandleFunc(pathCollective, c.handleCollective)
	mux.HandleFunc(pathLeave, c.handleLeave)
	c.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return c
}

func (c *coordinator) serve(ln net.Listener) {
	go func() {
		if err := c.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			klog.Errorf("httpgroup: coordinator stopped: %v", err)
		}
	}()
}

// shutdown releases every blocked collective and stops the server.
func (c *coordinator) shutdown(ctx context.Context) error {
	c.group.Abort(comm.ErrClosed)
	return c.srv.Shutdown(ctx)
}

func (c *coordinator) readFrame(w http.ResponseWriter, r *http.Request) (*frame, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	f, err := decodeFrame(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if f.Rank < 0 || f.Rank >= c.world {
		http.Error(w, "rank out of range", http.StatusBadRequest)
		return nil, false
	}
	return f, true
}

func (c *coordinator) writeFrame(w http.ResponseWriter, f *frame) {
	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write(encodeFrame(f, c.prec)); err != nil {
		klog.V(2).Infof("httpgroup: writing response to rank %d: %v", f.Rank, err)
	}
}

func (c *coordinator) handleJoin(w http.ResponseWriter, r *http.Request) {
	f, ok := c.readFrame(w, r)
	if !ok {
		return
	}
	if f.World != c.world {
		http.Error(w, "world size mismatch", http.StatusConflict)
		return
	}
	c.mu.Lock()
	if c.joined[f.Rank] {
		c.mu.Unlock()
		http.Error(w, "rank already joined", http.StatusConflict)
		return
	}
	c.joined[f.Rank] = true
	c.nJoined++
	if c.nJoined == c.world {
		close(c.ready)
	}
	c.mu.Unlock()
	klog.V(1).Infof("httpgroup: rank %d joined run %s", f.Rank, c.run)

	select {
	case <-c.ready:
		c.writeFrame(w, &frame{Run: c.run, Rank: f.Rank, World: c.world, Op: opJoin})
	case <-r.Context().Done():
		http.Error(w, "join cancelled", http.StatusServiceUnavailable)
	}
}

func (c *coordinator) handleCollective(w http.ResponseWriter, r *http.Request) {
	f, ok := c.readFrame(w, r)
	if !ok {
		return
	}
	if f.Run != c.run {
		http.Error(w, "unknown run", http.StatusConflict)
		return
	}
	c.mu.Lock()
	want := c.nextSeq[f.Rank]
	if f.Seq == want {
		c.nextSeq[f.Rank]++
	}
	c.mu.Unlock()
	if f.Seq != want {
		http.Error(w, "out of order collective", http.StatusConflict)
		return
	}

	m := c.group.Member(f.Rank)
	resp := &frame{Run: c.run, Rank: f.Rank, World: c.world, Seq: f.Seq, Op: f.Op}
	var err error
	ctx := r.Context()
	switch f.Op {
	case opBroadcast:
		in := first(f)
		out, e := m.Broadcast(ctx, in, f.Root)
		if e == nil {
			resp.Tensors = append(resp.Tensors, out)
		}
		err = e
	case opAllReduceSum:
		out, e := m.AllReduceSum(ctx, first(f))
		if e == nil {
			resp.Tensors = append(resp.Tensors, out)
		}
		err = e
	case opAllGather:
		resp.Tensors, err = m.AllGather(ctx, first(f))
	default:
		http.Error(w, "unknown operation", http.StatusBadRequest)
		return
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Tensors = nil
	}
	c.writeFrame(w, resp)
}

func (c *coordinator) handleLeave(w http.ResponseWriter, r *http.Request) {
	f, ok := c.readFrame(w, r)
	if !ok {
		return
	}
	c.mu.Lock()
	if !c.left[f.Rank] {
		c.left[f.Rank] = true
		c.nLeft++
		if c.nLeft == c.world {
			close(c.allLeft)
		}
	}
	c.mu.Unlock()
	c.writeFrame(w, &frame{Run: c.run, Rank: f.Rank, Op: opLeave})
}

func first(f *frame) *tensor.Tensor {
	if len(f.Tensors) == 0 {
		return nil
	}
	return f.Tensors[0]
}
