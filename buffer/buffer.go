// Package buffer implements the reference-counted, dual-residency image
// buffer that flows between task nodes.
//
// A Buffer mirrors the teacher's core.Sublate: a small struct holding two
// byte-oriented payloads (there PayloadPrev/PayloadProp for double
// buffering, here Host/Device for residency) plus metadata and flags. Where
// the teacher swaps PayloadPrev/PayloadProp to avoid reallocating between
// simulation steps, a Buffer swaps host arrays between sibling buffers to
// avoid reallocating between pipeline ticks (see SwapHostArrays).
package buffer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Location is the residency tag of a Buffer's data.
type Location int

const (
	Invalid Location = iota
	Host
	Device
	DeviceImage
)

func (l Location) String() string {
	switch l {
	case Host:
		return "HOST"
	case Device:
		return "DEVICE"
	case DeviceImage:
		return "DEVICE_IMAGE"
	default:
		return "INVALID"
	}
}

// ErrDeviceTransferFailed is returned by accessors once a transfer has
// failed; the buffer's location is set to Invalid and stays that way.
var ErrDeviceTransferFailed = errors.New("device transfer failed")

// Requisition describes the output shape a node wants to produce this tick.
// NumDims == 0 means "no output this tick" (sinks, reducers mid-accumulation).
type Requisition struct {
	NumDims int
	Dims    [3]int
}

// Size returns the element count implied by the requisition (product of dims).
func (r Requisition) Size() int {
	if r.NumDims == 0 {
		return 0
	}
	n := 1
	for i := 0; i < r.NumDims; i++ {
		n *= r.Dims[i]
	}
	return n
}

// DeviceHandle is an opaque per-device residency token. Concrete handles are
// produced by a DeviceQueue implementation (see package resource).
type DeviceHandle interface{}

// DeviceQueue is the minimal capability a Buffer needs from a GPU executor's
// command queue to move data across the host/device boundary. package
// resource's Manager implements this per bound device.
type DeviceQueue interface {
	// Upload copies host into a fresh or reused device allocation sized for
	// dims and returns an opaque handle to it.
	Upload(dims [3]int, ndims int, host []float32) (DeviceHandle, error)
	// Download copies the contents referenced by handle back into host,
	// which must already be sized correctly.
	Download(handle DeviceHandle, host []float32) error
	// Release frees a device allocation obtained from Upload.
	Release(handle DeviceHandle)
}

// Buffer is a reference-counted N-dimensional float32 image with dual
// host/device residency.
type Buffer struct {
	mu sync.Mutex

	ndims int
	dims  [3]int

	location Location
	host     []float32
	hostValid   bool
	device      DeviceHandle
	deviceValid bool
	deviceQueue DeviceQueue

	meta map[string]any

	streamID uint64
	refCount int32

	// ingress holds raw 8/16-bit sample bytes staged by a reader ahead of
	// Reinterpret widening them into host float32s.
	ingress []byte

	err error
}

// New allocates a Buffer sized for req with the given initial residency
// hint. A hint of Device/DeviceImage allocates no host array up front;
// GetHostArray will materialize one lazily.
func New(req Requisition, hint Location) *Buffer {
	b := &Buffer{
		ndims:    req.NumDims,
		dims:     req.Dims,
		location: hint,
		meta:     make(map[string]any),
		refCount: 1,
	}
	if hint == Host || hint == Invalid {
		b.host = make([]float32, req.Size())
		b.hostValid = req.NumDims > 0
		if b.location == Invalid && req.NumDims > 0 {
			b.location = Host
		}
	}
	return b
}

// GetRequisition reports the buffer's current shape as a Requisition.
func (b *Buffer) GetRequisition() Requisition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Requisition{NumDims: b.ndims, Dims: b.dims}
}

// GetLocation returns the buffer's current residency tag.
func (b *Buffer) GetLocation() Location {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.location
}

// SetLocation force-sets the residency tag without moving data. Used by
// tasks that know they are about to overwrite one side exclusively.
func (b *Buffer) SetLocation(loc Location) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.location = loc
}

// GetID returns the buffer's stream id.
func (b *Buffer) GetID() uint64 {
	return atomic.LoadUint64(&b.streamID)
}

// SetID assigns the buffer's stream id, preserved end-to-end by pass-through nodes.
func (b *Buffer) SetID(id uint64) {
	atomic.StoreUint64(&b.streamID, id)
}

// GetHostArray returns a writable host view, transferring from device if the
// host copy is stale. Once a transfer fails the buffer is permanently Invalid.
func (b *Buffer) GetHostArray() ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.location == Invalid {
		return nil, fmt.Errorf("%w: buffer is invalid", ErrDeviceTransferFailed)
	}
	if b.hostValid {
		return b.host, nil
	}
	if !b.deviceValid || b.deviceQueue == nil {
		// Nothing authoritative to copy from; hand back a fresh zeroed array.
		if b.host == nil {
			b.host = make([]float32, b.sizeLocked())
		}
		b.hostValid = true
		return b.host, nil
	}

	if b.host == nil {
		b.host = make([]float32, b.sizeLocked())
	}
	if err := b.deviceQueue.Download(b.device, b.host); err != nil {
		b.location = Invalid
		b.err = err
		return nil, fmt.Errorf("%w: %v", ErrDeviceTransferFailed, err)
	}
	b.hostValid = true
	return b.host, nil
}

// GetDeviceArray returns an opaque device handle on q, uploading from host
// if the device copy is stale.
func (b *Buffer) GetDeviceArray(q DeviceQueue) (DeviceHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.location == Invalid {
		return nil, fmt.Errorf("%w: buffer is invalid", ErrDeviceTransferFailed)
	}
	if b.deviceValid && b.deviceQueue == q {
		return b.device, nil
	}

	if !b.hostValid {
		return nil, fmt.Errorf("%w: no valid host data to upload", ErrDeviceTransferFailed)
	}

	handle, err := q.Upload(b.dims, b.ndims, b.host)
	if err != nil {
		b.location = Invalid
		b.err = err
		return nil, fmt.Errorf("%w: %v", ErrDeviceTransferFailed, err)
	}

	if b.device != nil && b.deviceQueue != nil {
		b.deviceQueue.Release(b.device)
	}
	b.device = handle
	b.deviceQueue = q
	b.deviceValid = true
	return handle, nil
}

// MarkDeviceDirty flips residency so the device side is authoritative and
// the host side is stale, without touching either payload. A GPU-bound node
// calls this after a kernel launch has written output through GetDeviceArray,
// since that call only uploads (it never marks the device copy as the write
// target); GetHostArray then knows to download on the next host read instead
// of handing back the pre-kernel host contents.
func (b *Buffer) MarkDeviceDirty() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hostValid = false
	b.location = Device
}

func (b *Buffer) sizeLocked() int {
	if b.ndims == 0 {
		return 0
	}
	n := 1
	for i := 0; i < b.ndims; i++ {
		n *= b.dims[i]
	}
	return n
}

// Copy copies src's contents into dst, respecting src's current location:
// a host-resident src does a host-to-host copy, a device-resident src is
// downloaded first.
func Copy(dst, src *Buffer) error {
	host, err := src.GetHostArray()
	if err != nil {
		return err
	}
	dst.mu.Lock()
	defer dst.mu.Unlock()
	if len(dst.host) != len(host) {
		dst.host = make([]float32, len(host))
	}
	copy(dst.host, host)
	dst.ndims, dst.dims = src.ndims, src.dims
	dst.hostValid = true
	dst.deviceValid = false
	dst.location = Host
	return nil
}

// SwapHostArrays swaps the host-resident payloads of a and b in O(1) without
// reallocating, the way an averager-style accumulator reuses its buffer
// across ticks instead of allocating a fresh one.
func SwapHostArrays(a, b *Buffer) {
	if a == b {
		return
	}
	// Lock in a stable order to avoid deadlocking against a concurrent swap
	// of the same pair from the other direction.
	first, second := a, b
	if uintptr(unsafe.Pointer(a)) > uintptr(unsafe.Pointer(b)) {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	defer second.mu.Unlock()
	defer first.mu.Unlock()

	a.host, b.host = b.host, a.host
	a.hostValid, b.hostValid = b.hostValid, a.hostValid
	a.location, b.location = Host, Host
	a.deviceValid, b.deviceValid = false, false
}

// SetIngressBytes stages raw 8/16-bit little-endian sample bytes ahead of a
// Reinterpret call. Readers ingesting uint8/uint16 TIFF/HDF5 data call this
// instead of writing into the (already float32) host array directly.
func (b *Buffer) SetIngressBytes(raw []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ingress = raw
}

// Reinterpret widens the staged 8/16-bit ingress bytes to float32, reusing
// the host array's backing storage in place when its capacity permits
// instead of reallocating. bitDepth is 8 or 16; nElements is the number of
// source samples staged via SetIngressBytes. The buffer keeps its shape when
// that shape holds exactly nElements samples; otherwise it becomes 1-D with
// nElements elements.
//
// This performs explicit widening loops rather than pointer reinterpretation
// so the result is portable across platforms, per the design notes on the
// TIFF reader's ingress path.
func (b *Buffer) Reinterpret(bitDepth int, nElements int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bitDepth != 8 && bitDepth != 16 {
		return fmt.Errorf("reinterpret: unsupported bit depth %d", bitDepth)
	}
	bytesPerSample := bitDepth / 8
	need := nElements * bytesPerSample
	if len(b.ingress) < need {
		return fmt.Errorf("reinterpret: staged %d bytes smaller than %d needed", len(b.ingress), need)
	}

	if cap(b.host) >= nElements {
		b.host = b.host[:nElements]
	} else {
		b.host = make([]float32, nElements)
	}

	switch bitDepth {
	case 8:
		for i := 0; i < nElements; i++ {
			b.host[i] = float32(b.ingress[i])
		}
	case 16:
		for i := 0; i < nElements; i++ {
			lo := int(b.ingress[2*i])
			hi := int(b.ingress[2*i+1])
			b.host[i] = float32(lo | hi<<8)
		}
	}

	b.ingress = nil
	if b.sizeLocked() != nElements {
		b.ndims = 1
		b.dims = [3]int{nElements, 0, 0}
	}
	b.hostValid = true
	b.deviceValid = false
	b.location = Host
	return nil
}

// MetadataGet returns the value stored under key and whether it was present.
// Unknown keys return absent rather than an error.
func (b *Buffer) MetadataGet(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.meta[key]
	return v, ok
}

// MetadataSet stores value under key. Metadata operations never fail.
func (b *Buffer) MetadataSet(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.meta[key] = value
}

// MetadataKeys returns the set of keys currently stored.
func (b *Buffer) MetadataKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.meta))
	for k := range b.meta {
		keys = append(keys, k)
	}
	return keys
}

// CopyMetadataFrom copies all of src's metadata into b. Used by the scheduler
// when pushing a buffer across an edge, so each edge sees its own
// independent map (copy-on-push) rather than aliasing across drivers.
func (b *Buffer) CopyMetadataFrom(src *Buffer) {
	src.mu.Lock()
	snapshot := make(map[string]any, len(src.meta))
	for k, v := range src.meta {
		snapshot[k] = v
	}
	src.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range snapshot {
		b.meta[k] = v
	}
}

// Retain increments the fan-out reference count by n (n>=1).
func (b *Buffer) Retain(n int) {
	atomic.AddInt32(&b.refCount, int32(n))
}

// Release decrements the fan-out reference count and reports whether this
// was the final release (refcount reached zero), at which point the caller
// should return the buffer to its pool.
func (b *Buffer) Release() bool {
	return atomic.AddInt32(&b.refCount, -1) == 0
}

// resetForReuse restores a buffer to a pristine state before it is handed
// back out by a pool.
func (b *Buffer) resetForReuse(req Requisition, hint Location) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deviceValid && b.device != nil && b.deviceQueue != nil {
		b.deviceQueue.Release(b.device)
	}

	b.ndims = req.NumDims
	b.dims = req.Dims
	b.location = hint
	b.hostValid = false
	b.deviceValid = false
	b.device = nil
	b.deviceQueue = nil
	b.err = nil
	for k := range b.meta {
		delete(b.meta, k)
	}
	atomic.StoreInt32(&b.refCount, 1)

	need := req.Size()
	if cap(b.host) >= need {
		b.host = b.host[:need]
		clear(b.host)
	} else {
		b.host = make([]float32, need)
	}
	if hint == Host || hint == Invalid {
		b.hostValid = req.NumDims > 0
		if b.location == Invalid && req.NumDims > 0 {
			b.location = Host
		}
	}
}

// Capacity reports the element capacity of the buffer's host array,
// independent of its current shape; used by the pool's size-bucket lookup.
func (b *Buffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cap(b.host)
}
