// Package device probes the compute devices available to this process once
// and hands the result around as an immutable List.
//
// Only CPU devices are executable by the bundled tensor runtime. A host
// exposes one logical CPU device per shard slot; each device gets a share of
// the host's cores for intra-operator parallelism.
package device

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/tensorparallel/internal/parallel"
)

// Kind is the hardware family of a device.
type Kind int

// Device kinds.
const (
	CPU Kind = iota
	CUDA
	Metal
	WebGPU
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	case Metal:
		return "metal"
	case WebGPU:
		return "webgpu"
	default:
		return "unknown"
	}
}

// Device is one schedulable compute device.
type Device struct {
	Index int
	Kind  Kind
	// Threads is the number of cores kernels on this device may use.
	Threads int
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// Kernels returns the intra-operator parallelism config of the device.
func (d Device) Kernels() parallel.Config {
	if d.Threads <= 1 {
		return parallel.Sequential()
	}
	return parallel.Config{Workers: d.Threads, Grain: parallel.DefaultGrain}
}

// List is an immutable ordered set of devices.
type List struct {
	devices []Device
}

// NewList builds a List from devices, re-indexing nothing: indices are
// taken as given and must be unique.
func NewList(devices ...Device) (List, error) {
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		if seen[d.String()] {
			return List{}, errors.Errorf("device %s listed twice", d)
		}
		seen[d.String()] = true
	}
	return List{devices: append([]Device(nil), devices...)}, nil
}

// Len returns the number of devices.
func (l List) Len() int { return len(l.devices) }

// At returns the i-th device of the list.
func (l List) At(i int) Device { return l.devices[i] }

// All returns a copy of the devices.
func (l List) All() []Device { return append([]Device(nil), l.devices...) }

// IDs returns the device indices in list order.
func (l List) IDs() []int {
	ids := make([]int, len(l.devices))
	for i, d := range l.devices {
		ids[i] = d.Index
	}
	return ids
}

// Select returns the sub-list with the given device indices, in the order
// given.
func (l List) Select(ids ...int) (List, error) {
	out := make([]Device, 0, len(ids))
	for _, id := range ids {
		found := false
		for _, d := range l.devices {
			if d.Index == id {
				out = append(out, d)
				found = true
				break
			}
		}
		if !found {
			return List{}, errors.Errorf("device %d not available (have %v)", id, l.IDs())
		}
	}
	return NewList(out...)
}

// First returns the first n devices.
func (l List) First(n int) (List, error) {
	if n > len(l.devices) {
		return List{}, errors.Errorf("need %d devices, only %d available", n, len(l.devices))
	}
	return List{devices: append([]Device(nil), l.devices[:n]...)}, nil
}

func (l List) String() string {
	names := make([]string, len(l.devices))
	for i, d := range l.devices {
		names[i] = d.String()
	}
	return "[" + strings.Join(names, " ") + "]"
}

// EnvDevices overrides the number of logical CPU devices Probe reports.
const EnvDevices = "TP_CPU_DEVICES"

// ProbeOptions controls Probe.
type ProbeOptions struct {
	// Count is the number of logical CPU devices. Zero reads EnvDevices, then
	// falls back to the number of cores.
	Count int
	// Cores is the number of host cores to share out. Zero means
	// runtime.NumCPU.
	Cores int
}

// Probe enumerates the devices of this host.
func Probe(opts ProbeOptions) (List, error) {
	cores := opts.Cores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	count := opts.Count
	if count <= 0 {
		if v := os.Getenv(EnvDevices); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return List{}, errors.Errorf("%s=%q: want a positive integer", EnvDevices, v)
			}
			count = n
		}
	}
	if count <= 0 {
		count = cores
	}
	threads := max(cores/count, 1)
	devices := make([]Device, count)
	for i := range devices {
		devices[i] = Device{Index: i, Kind: CPU, Threads: threads}
	}
	klog.V(1).Infof("device probe: %d cpu devices, %d threads each", count, threads)
	return List{devices: devices}, nil
}

var (
	probeOnce sync.Once
	probed    List
	probeErr  error
)

// Default returns the result of probing once with default options.
func Default() (List, error) {
	probeOnce.Do(func() {
		probed, probeErr = Probe(ProbeOptions{})
	})
	return probed, probeErr
}

// ParseIDs parses a comma separated list of device indices such as "0,1".
func ParseIDs(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var ids []int
	for _, f := range strings.Split(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || id < 0 {
			return nil, errors.Errorf("bad device id %q", f)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
