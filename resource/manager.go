// Package resource implements the ResourceManager: the OpenCL
// platform/context, the per-device command queue table, the kernel cache,
// and the buffer pool (§4.2).
//
// The teacher has no GPU surface at all (Sublation kernels run in-process
// on CPU bytes); the OpenCL bindings here are grounded on the retrieval
// pack's eriklupander/ocltest example, which is the only place in the pack
// that drives github.com/jgillich/go-opencl end-to-end (platform/device
// discovery, context + command queue creation, program compilation, buffer
// upload/download, kernel dispatch).
package resource

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/jgillich/go-opencl/cl"

	"github.com/sbl8/ufoflow/buffer"
	"github.com/sbl8/ufoflow/errs"
	"github.com/sbl8/ufoflow/graph"
	"github.com/sbl8/ufoflow/logging"
)

// Config configures Manager construction. Workers is not read by Manager or
// by the scheduler, which runs one goroutine per node; GPUDevices, if
// non-empty, restricts which OpenCL devices to bind
// (by index into the selected platform); an empty set means "use every
// device the platform reports".
type Config struct {
	Workers      int
	GPUDevices   []int
	IncludePaths []string
	PoolBucketCap int
}

// ConfigFromEnv reads two of the §6 Environment variables: OCL_DEVICES is a
// comma-separated list of device indices, OCL_INCLUDE_PATH is a
// colon-separated list of kernel include directories. OCL_PLATFORM, the
// platform index, is read by New rather than here.
func ConfigFromEnv() Config {
	cfg := Config{PoolBucketCap: 8}
	if v := os.Getenv("OCL_INCLUDE_PATH"); v != "" {
		cfg.IncludePaths = splitNonEmpty(v, ':')
	}
	if v := os.Getenv("OCL_DEVICES"); v != "" {
		for _, s := range splitNonEmpty(v, ',') {
			if idx, err := strconv.Atoi(s); err == nil {
				cfg.GPUDevices = append(cfg.GPUDevices, idx)
			}
		}
	}
	return cfg
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

type kernelKey struct {
	hash   uint64
	symbol string
}

type compiledKernel struct {
	program *cl.Program
	kernel  *cl.Kernel
}

// Manager is the ResourceManager: shared by every driver, lifetime equal to
// one scheduler run.
type Manager struct {
	platformIdx int
	context     *cl.Context
	devices     []*cl.Device
	queues      []*cl.CommandQueue

	kernelMu sync.Mutex // serializes compilation, per §5 Shared resource policy
	kernels  map[kernelKey]*compiledKernel

	pool          *buffer.Pool
	includePaths  []string
}

// New creates a Manager bound to the platform/device set in cfg. If no
// OpenCL platform is available the Manager still functions for CPU-only
// graphs; GPU-mode task setup will fail with errs.SetupFailed.
func New(cfg Config) (*Manager, error) {
	m := &Manager{
		kernels:      make(map[kernelKey]*compiledKernel),
		pool:         buffer.NewPool(cfg.PoolBucketCap),
		includePaths: cfg.IncludePaths,
	}

	platforms, err := cl.GetPlatforms()
	if err != nil || len(platforms) == 0 {
		logging.L.Warn().Err(err).Msg("resource: no OpenCL platform available, GPU executors disabled")
		return m, nil
	}

	platform := platforms[0]
	if v := os.Getenv("OCL_PLATFORM"); v != "" {
		if idx, perr := strconv.Atoi(v); perr == nil && idx < len(platforms) {
			platform = platforms[idx]
		}
	}

	allDevices, err := platform.GetDevices(cl.DeviceTypeAll)
	if err != nil || len(allDevices) == 0 {
		logging.L.Warn().Err(err).Msg("resource: OpenCL platform reports no devices")
		return m, nil
	}

	devices := allDevices
	if len(cfg.GPUDevices) > 0 {
		devices = nil
		for _, idx := range cfg.GPUDevices {
			if idx >= 0 && idx < len(allDevices) {
				devices = append(devices, allDevices[idx])
			}
		}
	}
	if len(devices) == 0 {
		return m, nil
	}

	context, err := cl.CreateContext(devices)
	if err != nil {
		return nil, errs.New(errs.SetupFailed, "resource.Manager", fmt.Errorf("create opencl context: %w", err))
	}
	m.context = context
	m.devices = devices

	for _, d := range devices {
		q, qerr := context.CreateCommandQueue(d, 0)
		if qerr != nil {
			return nil, errs.New(errs.SetupFailed, "resource.Manager", fmt.Errorf("create command queue: %w", qerr))
		}
		m.queues = append(m.queues, q)
	}

	return m, nil
}

// NumGPUs reports how many GPU executors (command queues) are available.
func (m *Manager) NumGPUs() int { return len(m.queues) }

// Queue returns the i-th GPU executor's DeviceQueue adapter for buffer
// residency transitions.
func (m *Manager) Queue(i int) buffer.DeviceQueue {
	return &gpuQueue{mgr: m, idx: i}
}

// GetKernel compiles source (a literal kernel source string, or a path to a
// .cl file) on first request for symbol and returns a retained handle;
// subsequent calls with the same source/symbol return the cached kernel.
// Compilation is serialized per §4.2/§5.
func (m *Manager) GetKernel(sourceOrFile, symbol string) (graph.Kernel, error) {
	src := sourceOrFile
	if data, err := os.ReadFile(sourceOrFile); err == nil {
		src = string(data)
	}

	key := kernelKey{hash: xxhash.Sum64String(src), symbol: symbol}

	m.kernelMu.Lock()
	defer m.kernelMu.Unlock()

	if ck, ok := m.kernels[key]; ok {
		return ck.kernel, nil
	}

	if m.context == nil {
		return nil, errs.New(errs.SetupFailed, "resource.Manager", fmt.Errorf("no OpenCL context available"))
	}

	program, err := m.context.CreateProgramWithSource([]string{src})
	if err != nil {
		return nil, errs.New(errs.SetupFailed, "resource.Manager", fmt.Errorf("create program: %w", err))
	}

	includeFlags := ""
	for _, p := range m.includePaths {
		includeFlags += "-I " + p + " "
	}
	if err := program.BuildProgram(m.devices, includeFlags); err != nil {
		return nil, errs.New(errs.SetupFailed, "resource.Manager", fmt.Errorf("build program: %w", err))
	}

	kernel, err := program.CreateKernel(symbol)
	if err != nil {
		return nil, errs.New(errs.SetupFailed, "resource.Manager", fmt.Errorf("create kernel %q: %w", symbol, err))
	}

	m.kernels[key] = &compiledKernel{program: program, kernel: kernel}
	return kernel, nil
}

// AcquireBuffer satisfies graph.Resources by delegating to the pool.
func (m *Manager) AcquireBuffer(req buffer.Requisition, hint buffer.Location) *buffer.Buffer {
	return m.pool.Acquire(req, hint)
}

// ReleaseBuffer returns buf to the pool.
func (m *Manager) ReleaseBuffer(b *buffer.Buffer) {
	m.pool.Release(b)
}

// Pool exposes the underlying buffer pool (used by tests asserting the
// pool-outstanding invariant).
func (m *Manager) Pool() *buffer.Pool { return m.pool }

// Close releases OpenCL queues and the context.
func (m *Manager) Close() {
	for _, q := range m.queues {
		q.Release()
	}
	if m.context != nil {
		m.context.Release()
	}
}

// gpuQueue adapts one OpenCL command queue to buffer.DeviceQueue.
type gpuQueue struct {
	mgr *Manager
	idx int
}

type clHandle struct {
	mem  *cl.MemObject
	size int
}

func (q *gpuQueue) queue() *cl.CommandQueue { return q.mgr.queues[q.idx] }

func (q *gpuQueue) Upload(dims [3]int, ndims int, host []float32) (buffer.DeviceHandle, error) {
	byteLen := len(host) * 4
	mem, err := q.mgr.context.CreateEmptyBuffer(cl.MemReadWrite, byteLen)
	if err != nil {
		return nil, fmt.Errorf("opencl create buffer: %w", err)
	}
	if byteLen > 0 {
		ptr := unsafe.Pointer(&host[0])
		if _, err := q.queue().EnqueueWriteBuffer(mem, true, 0, byteLen, ptr, nil); err != nil {
			return nil, fmt.Errorf("opencl upload: %w", err)
		}
	}
	return &clHandle{mem: mem, size: byteLen}, nil
}

func (q *gpuQueue) Download(handle buffer.DeviceHandle, host []float32) error {
	h, ok := handle.(*clHandle)
	if !ok {
		return fmt.Errorf("opencl download: invalid handle")
	}
	if len(host) == 0 {
		return nil
	}
	ptr := unsafe.Pointer(&host[0])
	if _, err := q.queue().EnqueueReadBuffer(h.mem, true, 0, h.size, ptr, nil); err != nil {
		return fmt.Errorf("opencl download: %w", err)
	}
	return nil
}

func (q *gpuQueue) Release(handle buffer.DeviceHandle) {
	if h, ok := handle.(*clHandle); ok && h.mem != nil {
		h.mem.Release()
	}
}

// Launch dispatches kernel k on the device behind q over globalSize work
// items, waiting for completion (§5 suspension point (d): the driver may
// block on an OpenCL event wait). Outstanding commands are never killed; a
// cancel only takes effect once Launch returns, preserving device state per
// §5 Cancellation. args must be handles obtained from Buffer.GetDeviceArray
// on this same q, in kernel-argument order.
func (m *Manager) Launch(q buffer.DeviceQueue, k graph.Kernel, args []buffer.DeviceHandle, globalSize []int) error {
	gq, ok := q.(*gpuQueue)
	if !ok || gq.mgr != m {
		return errs.New(errs.KernelLaunchFailed, "resource.Manager", fmt.Errorf("queue not owned by this manager"))
	}
	kernel, ok := k.(*cl.Kernel)
	if !ok {
		return errs.New(errs.KernelLaunchFailed, "resource.Manager", fmt.Errorf("not a compiled kernel"))
	}

	clArgs := make([]any, len(args))
	for i, a := range args {
		h, ok := a.(*clHandle)
		if !ok {
			return errs.New(errs.KernelLaunchFailed, "resource.Manager", fmt.Errorf("arg %d is not a device handle", i))
		}
		clArgs[i] = h.mem
	}
	if err := kernel.SetArgs(clArgs...); err != nil {
		return errs.New(errs.KernelLaunchFailed, "resource.Manager", fmt.Errorf("set kernel args: %w", err))
	}

	cq := gq.queue()
	if _, err := cq.EnqueueNDRangeKernel(kernel, nil, globalSize, nil, nil); err != nil {
		return errs.New(errs.KernelLaunchFailed, "resource.Manager", fmt.Errorf("enqueue kernel: %w", err))
	}
	if err := cq.Finish(); err != nil {
		return errs.New(errs.KernelLaunchFailed, "resource.Manager", fmt.Errorf("finish: %w", err))
	}
	return nil
}

// GPUQueueSelector returns a stateful round-robin chooser that the scheduler
// calls once per node immediately after Setup, to bind CapableGPU nodes
// across the available command queues (§4.5: "each GPU executor owns one
// command queue"). A Manager with no OpenCL devices returns a selector that
// always answers nil, so every node falls back to its CPU path.
func (m *Manager) GPUQueueSelector() func(graph.TaskNode) buffer.DeviceQueue {
	var next int32
	n := len(m.queues)
	return func(node graph.TaskNode) buffer.DeviceQueue {
		if n == 0 || !node.Mode().Is(graph.CapableGPU) {
			return nil
		}
		i := int(atomic.AddInt32(&next, 1)-1) % n
		return m.Queue(i)
	}
}
