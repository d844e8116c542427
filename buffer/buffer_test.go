package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwapHostArraysIsOwnInverse(t *testing.T) {
	a := New(Requisition{NumDims: 1, Dims: [3]int{4}}, Host)
	b := New(Requisition{NumDims: 1, Dims: [3]int{4}}, Host)

	ah, _ := a.GetHostArray()
	bh, _ := b.GetHostArray()
	copy(ah, []float32{1, 2, 3, 4})
	copy(bh, []float32{5, 6, 7, 8})

	SwapHostArrays(a, b)
	SwapHostArrays(a, b)

	got, _ := a.GetHostArray()
	assert.Equal(t, []float32{1, 2, 3, 4}, got)
	got, _ = b.GetHostArray()
	assert.Equal(t, []float32{5, 6, 7, 8}, got)
}

func TestSwapHostArraysSameBufferNoOp(t *testing.T) {
	a := New(Requisition{NumDims: 1, Dims: [3]int{2}}, Host)
	h, _ := a.GetHostArray()
	copy(h, []float32{1, 2})
	SwapHostArrays(a, a)
	got, _ := a.GetHostArray()
	assert.Equal(t, []float32{1, 2}, got)
}

func TestReinterpretWidensUint16LittleEndian(t *testing.T) {
	b := New(Requisition{}, Host)
	b.SetIngressBytes([]byte{0x01, 0x00, 0xFF, 0x00})
	require.NoError(t, b.Reinterpret(16, 2))

	host, err := b.GetHostArray()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 255}, host)
	assert.Equal(t, Host, b.GetLocation())
}

func TestReinterpretRejectsShortIngress(t *testing.T) {
	b := New(Requisition{}, Host)
	b.SetIngressBytes([]byte{0x01})
	err := b.Reinterpret(16, 2)
	assert.Error(t, err)
}

func TestMetadataCopyOnPushIsIndependent(t *testing.T) {
	src := New(Requisition{}, Host)
	src.MetadataSet("k", 1)

	dst := New(Requisition{}, Host)
	dst.CopyMetadataFrom(src)

	src.MetadataSet("k", 2)

	v, ok := dst.MetadataGet("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestRetainReleaseFanOut(t *testing.T) {
	b := New(Requisition{}, Host)
	b.Retain(2) // fan out to 3 consumers total
	assert.False(t, b.Release())
	assert.False(t, b.Release())
	assert.True(t, b.Release())
}

func TestPoolAcquireReleaseOutstandingReturnsToZero(t *testing.T) {
	p := NewPool(4)
	req := Requisition{NumDims: 1, Dims: [3]int{16}}

	var produced []*Buffer
	for i := 0; i < 3; i++ {
		produced = append(produced, p.Acquire(req, Host))
	}
	assert.Equal(t, 3, p.Outstanding(3))

	for _, b := range produced {
		p.Release(b)
	}
	assert.Equal(t, 0, p.Outstanding(3))
}

func TestPoolAcquireReusesReleasedBuffer(t *testing.T) {
	p := NewPool(4)
	req := Requisition{NumDims: 1, Dims: [3]int{8}}

	b1 := p.Acquire(req, Host)
	p.Release(b1)
	b2 := p.Acquire(req, Host)

	assert.Same(t, b1, b2)
}

// fakeDeviceQueue is an in-memory DeviceQueue stand-in, letting buffer's
// residency transitions be exercised without a real OpenCL platform.
type fakeDeviceQueue struct {
	uploads   int
	downloads int
	released  int
}

type fakeHandle struct {
	data []float32
}

func (q *fakeDeviceQueue) Upload(dims [3]int, ndims int, host []float32) (DeviceHandle, error) {
	q.uploads++
	cp := append([]float32(nil), host...)
	return &fakeHandle{data: cp}, nil
}

func (q *fakeDeviceQueue) Download(handle DeviceHandle, host []float32) error {
	q.downloads++
	h := handle.(*fakeHandle)
	copy(host, h.data)
	return nil
}

func (q *fakeDeviceQueue) Release(handle DeviceHandle) {
	q.released++
}

func TestGetDeviceArrayUploadsFromValidHost(t *testing.T) {
	b := New(Requisition{NumDims: 1, Dims: [3]int{3}}, Host)
	host, _ := b.GetHostArray()
	copy(host, []float32{1, 2, 3})

	q := &fakeDeviceQueue{}
	handle, err := b.GetDeviceArray(q)
	require.NoError(t, err)
	require.Equal(t, 1, q.uploads)

	h := handle.(*fakeHandle)
	assert.Equal(t, []float32{1, 2, 3}, h.data)
}

func TestGetDeviceArrayReusesHandleForSameQueue(t *testing.T) {
	b := New(Requisition{NumDims: 1, Dims: [3]int{2}}, Host)
	host, _ := b.GetHostArray()
	copy(host, []float32{4, 5})

	q := &fakeDeviceQueue{}
	first, err := b.GetDeviceArray(q)
	require.NoError(t, err)
	second, err := b.GetDeviceArray(q)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, q.uploads, "second call on the same queue must not re-upload")
}

func TestMarkDeviceDirtyForcesDownloadOnNextHostRead(t *testing.T) {
	b := New(Requisition{NumDims: 1, Dims: [3]int{2}}, Host)
	host, _ := b.GetHostArray()
	copy(host, []float32{1, 1})

	q := &fakeDeviceQueue{}
	handle, err := b.GetDeviceArray(q)
	require.NoError(t, err)

	// Simulate a kernel overwriting the device allocation in place.
	handle.(*fakeHandle).data = []float32{9, 9}
	b.MarkDeviceDirty()

	got, err := b.GetHostArray()
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 9}, got)
	assert.Equal(t, 1, q.downloads)
	assert.Equal(t, Device, b.GetLocation())
}

func TestPoolEvictsOldestOnOverflow(t *testing.T) {
	p := NewPool(1)
	req := Requisition{NumDims: 1, Dims: [3]int{4}}

	first := p.Acquire(req, Host)
	second := p.Acquire(req, Host)
	p.Release(first)
	p.Release(second)

	assert.Equal(t, 1, p.Outstanding(2))
}
