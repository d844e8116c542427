package tasks

import (
	"github.com/sbl8/ufoflow/buffer"
	"github.com/sbl8/ufoflow/graph"
	"github.com/sbl8/ufoflow/logging"
)

// Monitor passes its input through unchanged while logging its shape,
// metadata keys, and residency, grounded on ufo-monitor-task.c's process
// (which g_prints the same facts before ufo_buffer_copy-ing to its
// output). Logging goes through the shared structured logger instead of
// stdout prints.
type Monitor struct {
	graph.Base
}

func NewMonitor(name string) *Monitor { return &Monitor{Base: graph.Base{NodeName: name}} }

func (m *Monitor) Mode() graph.Mode { return graph.Processor | graph.CapableCPU }
func (m *Monitor) NumInputs() int   { return 1 }

func (m *Monitor) GetRequisition(inputs []*buffer.Buffer) buffer.Requisition {
	return inputs[0].GetRequisition()
}

func (m *Monitor) Process(inputs []*buffer.Buffer, output *buffer.Buffer) (graph.Result, error) {
	in := inputs[0]
	req := in.GetRequisition()
	logging.Node(m.Name()).Debug().
		Ints("dims", req.Dims[:req.NumDims]).
		Strs("keys", in.MetadataKeys()).
		Str("location", in.GetLocation().String()).
		Msg("monitor")
	return graph.Continue, buffer.Copy(output, in)
}
