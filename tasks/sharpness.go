package tasks

import (
	"github.com/sbl8/ufoflow/buffer"
	"github.com/sbl8/ufoflow/graph"
)

// Sharpness is a consume-only PROCESSOR grounded on
// ufo-sharpness-measure-task.c's measure_sharpness: it accumulates the sum
// of adjacent horizontal and vertical absolute gradients over the interior
// of a 2-D buffer (excluding the border row/column, where the original's
// loop starts at index 1) and reports sum/2/(width*height). The original
// exposes the result as a read-only GObject property; here it is both
// retained on the node (Value) and written onto the consumed buffer's
// metadata under "sharpness", so a downstream node or the driver program
// can read it off the buffer without a reference to this node.
type Sharpness struct {
	graph.Base
	value float64
}

func NewSharpness(name string) *Sharpness { return &Sharpness{Base: graph.Base{NodeName: name}} }

func (s *Sharpness) Mode() graph.Mode { return graph.Processor | graph.CapableCPU }
func (s *Sharpness) NumInputs() int   { return 1 }

// GetRequisition always reports NumDims==0: Sharpness consumes without
// producing, the same SINK requisition ufo-sharpness-measure-task.c's
// get_requisition sets.
func (s *Sharpness) GetRequisition(inputs []*buffer.Buffer) buffer.Requisition {
	return buffer.Requisition{}
}

func (s *Sharpness) Process(inputs []*buffer.Buffer, output *buffer.Buffer) (graph.Result, error) {
	in := inputs[0]
	data, err := in.GetHostArray()
	if err != nil {
		return graph.Continue, err
	}
	req := in.GetRequisition()
	height, width := req.Dims[0], req.Dims[1]

	var sum float64
	for y := 1; y < height; y++ {
		for x := 1; x < width; x++ {
			idx := y*width + x
			hGradient := data[idx] - data[idx-1]
			if hGradient < 0 {
				hGradient = -hGradient
			}
			vGradient := data[idx] - data[idx-width]
			if vGradient < 0 {
				vGradient = -vGradient
			}
			sum += float64(hGradient) + float64(vGradient)
		}
	}

	s.value = sum / 2.0 / float64(width*height)
	in.MetadataSet("sharpness", s.value)
	return graph.Continue, nil
}

// Value returns the sharpness metric computed by the most recent Process
// call.
func (s *Sharpness) Value() float64 { return s.value }
