// Package graph implements the task-graph model: TaskNode, its protocol,
// typed edges, and the TaskGraph that wires nodes together.
//
// This generalizes the teacher's model.Graph/model.Node (a flat array of
// opcodes and byte offsets meant for one fixed neural-net-shaped topology)
// into an arbitrary directed multigraph of heterogeneous task plug-ins, the
// way the design notes ask: "the source's inheritance and interface
// dispatch collapses to tagged variants (mode bitset) plus a capability
// table".
package graph

import "github.com/sbl8/ufoflow/buffer"

// Mode is a bitset describing a node's execution role and processor
// affinity. At most one of Processor/Reducer/Generator may be set. A node
// that sets both CapableCPU and CapableGPU is dual-mode: it runs on a device
// queue when the scheduler binds one and on its CPU path otherwise.
type Mode uint8

const (
	Processor Mode = 1 << iota
	Reducer
	Generator
	CapableCPU
	CapableGPU
)

func (m Mode) Is(flag Mode) bool { return m&flag != 0 }

// Result is returned by Process/Reduce/Generate.
type Result int

const (
	Continue Result = iota
	Stop
)

// Kernel is an opaque compiled-kernel handle returned by Resources.GetKernel.
type Kernel interface{}

// Resources is the capability handle a node's Setup receives. package
// resource's Manager implements it; keeping the interface here (rather than
// importing package resource, which in turn depends on graph/buffer) avoids
// an import cycle while still giving nodes exactly the §4.2 operations they
// are allowed to call.
type Resources interface {
	GetKernel(sourceOrText, symbol string) (Kernel, error)
	AcquireBuffer(req buffer.Requisition, hint buffer.Location) *buffer.Buffer
	ReleaseBuffer(b *buffer.Buffer)

	// Launch dispatches kernel k on the device behind q over globalSize work
	// items, with args (device handles obtained from buffer.Buffer's
	// GetDeviceArray on that same q, in kernel-argument order), blocking
	// until the kernel finishes (§5 suspension point (d)). A GPUBound node
	// calls this from its Process once BindQueue has given it a non-nil q.
	Launch(q buffer.DeviceQueue, k Kernel, args []buffer.DeviceHandle, globalSize []int) error
}

// GPUBound is an optional capability for a CapableGPU node that actually
// drives OpenCL residency transitions and kernel launches itself, rather
// than always running a CPU-equivalent algorithm. The scheduler calls
// BindQueue once, right after Setup succeeds, with the device queue that
// Options.GPUQueue resolved for this node's binding (§4.5: "each GPU
// executor owns one command queue"); a nil q means no device was assigned
// (CPU-only configuration, or the node lost out to a busier binding) and
// the node must fall back to its CPU path. A node not implementing
// GPUBound always runs its CPU path regardless of its declared mode.
type GPUBound interface {
	TaskNode
	BindQueue(q buffer.DeviceQueue)
}

// TaskNode is the participant protocol every plug-in implements (§4.4).
type TaskNode interface {
	Name() string
	Mode() Mode
	NumInputs() int
	NumDimensions(port int) int

	Setup(res Resources) error

	// GetRequisition must be a pure function of input shapes and node
	// configuration. NumDims==0 signals "consume without producing".
	GetRequisition(inputs []*buffer.Buffer) buffer.Requisition

	// Process is the workhorse entry point for PROCESSOR and REDUCER nodes
	// (where it accumulates) and the one-shot primer call for GENERATOR nodes.
	Process(inputs []*buffer.Buffer, output *buffer.Buffer) (Result, error)

	// Reduce is called repeatedly after upstream EOF for REDUCER nodes until
	// it returns Stop; every call that was handed a non-nil output, the Stop
	// call included, has that output pushed downstream. No-op (returns Stop
	// immediately) for other modes.
	Reduce(output *buffer.Buffer) (Result, error)

	// Generate is called repeatedly for GENERATOR nodes until it returns
	// Stop. No-op (returns Stop immediately) for other modes.
	Generate(output *buffer.Buffer) (Result, error)
}

// PortHold is an optional capability for multi-input nodes whose ports
// advance at independent rates (the §4.5 mux contract: "advance whichever
// side has the smaller stream id"). A node implementing it is consulted by
// the driver immediately after a Process call that did not error: for every
// index where HoldPorts reports true, the driver does not release that
// tick's input buffer, and instead redelivers the very same buffer as the
// next tick's read from that port instead of popping a fresh one from the
// port's queue. A node that does not implement PortHold is always fully
// consumed each tick, per the ordinary driver loop.
type PortHold interface {
	TaskNode
	HoldPorts() []bool
}

// RoundRobinDispatch is implemented by structural fan-out nodes (Expand's
// BroadcastNode) whose single output must be routed to exactly one
// successor edge per tick, rather than fanned out identically to every
// edge like an ordinary multi-successor node. After a successful Process
// call the driver calls DispatchIndex to learn which of the node's output
// edges (in connection order) should receive this tick's buffer.
type RoundRobinDispatch interface {
	TaskNode
	DispatchIndex() int
}

// Base provides default no-op implementations of the optional entry points
// (§9 design notes: "implement as a trait/interface with default no-op
// implementations of optional entry points"), so concrete nodes only
// override what their mode actually uses.
type Base struct {
	NodeName string
}

func (b *Base) Name() string                               { return b.NodeName }
func (b *Base) Setup(Resources) error                       { return nil }
func (b *Base) Reduce(*buffer.Buffer) (Result, error)       { return Stop, nil }
func (b *Base) Generate(*buffer.Buffer) (Result, error)     { return Stop, nil }
func (b *Base) NumDimensions(port int) int                  { return 2 }
