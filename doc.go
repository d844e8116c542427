// Package ufoflow implements a streaming dataflow execution engine for
// image-processing task graphs.
//
// Frames flow through a graph of TaskNodes connected by typed, bounded
// edges. A Scheduler drives one goroutine per node, moving Buffers (dual
// host/device-resident N-dimensional float32 arrays) between them with
// back-pressure, EOF propagation, and first-fault cancellation. Nodes
// that declare GPU capability compile and run their kernels through a
// ResourceManager backed by OpenCL.
//
// # Package structure
//
//   - buffer: the dual-residency Buffer type and its size-bucketed pool
//   - graph: TaskNode, Graph construction/validation, and replica expansion
//   - scheduler: the driver loop that runs a Graph to completion
//   - resource: OpenCL platform/context/queue management and kernel cache
//   - tasks: concrete processing/reducing/generating nodes
//   - io/hdf5io, io/tiffio: frame readers and writers
//   - expr: the arithmetic-expression-to-OpenCL-kernel compiler
//   - errs, logging, profiler: ambient error, logging, and metrics support
//
// See cmd/dfrun for a minimal driver that assembles a graph and runs it.
package ufoflow
