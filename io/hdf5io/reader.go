package hdf5io

import (
	"fmt"

	"gonum.org/v1/hdf5"

	"github.com/sbl8/ufoflow/buffer"
)

// Reader streams frames out of one HDF5 dataset, the outermost dimension
// indexing frames (§6). Datasets must be <=3-dimensional and are read as
// float32 regardless of their on-disk storage type.
type Reader struct {
	file    *hdf5.File
	dataset *hdf5.Dataset
	dims    []uint
	frame   int
}

// Open opens path, locates dataset, and validates its rank.
func Open(path, dataset string) (*Reader, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("hdf5io: open %q: %w", path, err)
	}
	ds, err := f.OpenDataset(dataset)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hdf5io: open dataset %q: %w", dataset, err)
	}
	space := ds.Space()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		ds.Close()
		f.Close()
		return nil, fmt.Errorf("hdf5io: read dataspace of %q: %w", dataset, err)
	}
	if len(dims) > 3 {
		ds.Close()
		f.Close()
		return nil, fmt.Errorf("hdf5io: dataset %q has rank %d, want <=3", dataset, len(dims))
	}
	return &Reader{file: f, dataset: ds, dims: dims}, nil
}

// NumFrames reports the size of the outermost dimension, or 1 for a
// dataset with fewer than 3 dimensions (a single 2-D image).
func (r *Reader) NumFrames() int {
	if len(r.dims) == 3 {
		return int(r.dims[0])
	}
	return 1
}

// FrameShape returns the per-frame height/width (the innermost two dims).
func (r *Reader) FrameShape() (h, w int) {
	n := len(r.dims)
	if n == 0 {
		return 0, 0
	}
	if n == 1 {
		return 1, int(r.dims[0])
	}
	return int(r.dims[n-2]), int(r.dims[n-1])
}

// ReadFrame reads the next frame into a fresh float32 buffer with a
// Requisition matching FrameShape, advancing the frame cursor. It returns
// false once every frame has been read.
func (r *Reader) ReadFrame() (*buffer.Buffer, bool, error) {
	if r.frame >= r.NumFrames() {
		return nil, false, nil
	}

	h, w := r.FrameShape()
	req := buffer.Requisition{NumDims: 2, Dims: [3]int{h, w, 0}}
	b := buffer.New(req, buffer.Host)

	data := make([]float32, h*w)
	if err := r.readFrameInto(data); err != nil {
		return nil, false, err
	}
	host, _ := b.GetHostArray()
	copy(host, data)

	b.SetID(uint64(r.frame))
	r.frame++
	return b, true, nil
}

func (r *Reader) readFrameInto(dst []float32) error {
	if len(r.dims) < 3 {
		return r.dataset.Read(&dst)
	}

	h, w := int(r.dims[1]), int(r.dims[2])
	memspace, err := hdf5.CreateSimpleDataspace([]uint{uint(h), uint(w)}, nil)
	if err != nil {
		return fmt.Errorf("hdf5io: create memspace: %w", err)
	}
	defer memspace.Close()

	filespace := r.dataset.Space()
	if err := filespace.SelectHyperslab(
		[]uint{uint(r.frame), 0, 0},
		nil,
		[]uint{1, uint(h), uint(w)},
		nil,
	); err != nil {
		return fmt.Errorf("hdf5io: select hyperslab: %w", err)
	}

	return r.dataset.ReadSubset(&dst, memspace, filespace)
}

// Close releases the dataset and file handles.
func (r *Reader) Close() error {
	r.dataset.Close()
	return r.file.Close()
}
