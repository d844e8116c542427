package tasks

import (
	"github.com/sbl8/ufoflow/buffer"
	"github.com/sbl8/ufoflow/graph"
)

// RofexAverage assigns incoming 2-D buffers round-robin to NumberOfPlanes
// planes (frame i goes to plane i mod NumberOfPlanes) and emits the
// per-plane averages stacked into a 3-D output requisition, grounded on
// ufo-rofex-average-ref-task.c's {w,h,n_planes} requisition shape (the
// original leaves the actual reduction to a GPU kernel not shown in the
// retrieval pack; this CPU reduction mirrors Averager's accumulate/divide
// loop, just partitioned per plane instead of over the whole stream).
type RofexAverage struct {
	graph.Base
	NumberOfPlanes int

	width, height int
	bands         [][]float32
	counts        []int
	framesSeen    int
}

func NewRofexAverage(name string, numberOfPlanes int) *RofexAverage {
	return &RofexAverage{Base: graph.Base{NodeName: name}, NumberOfPlanes: numberOfPlanes}
}

func (r *RofexAverage) Mode() graph.Mode { return graph.Reducer | graph.CapableCPU }
func (r *RofexAverage) NumInputs() int   { return 1 }

func (r *RofexAverage) GetRequisition(inputs []*buffer.Buffer) buffer.Requisition {
	if len(inputs) == 1 && inputs[0] != nil {
		req := inputs[0].GetRequisition()
		r.width, r.height = req.Dims[1], req.Dims[0]
		return buffer.Requisition{}
	}
	if r.width == 0 || r.framesSeen == 0 {
		return buffer.Requisition{}
	}
	return buffer.Requisition{NumDims: 3, Dims: [3]int{r.height, r.width, r.NumberOfPlanes}}
}

func (r *RofexAverage) Process(inputs []*buffer.Buffer, output *buffer.Buffer) (graph.Result, error) {
	in, err := inputs[0].GetHostArray()
	if err != nil {
		return graph.Continue, err
	}
	if r.bands == nil {
		r.bands = make([][]float32, r.NumberOfPlanes)
		r.counts = make([]int, r.NumberOfPlanes)
		for i := range r.bands {
			r.bands[i] = make([]float32, len(in))
		}
	}

	plane := r.framesSeen % r.NumberOfPlanes
	for i, v := range in {
		r.bands[plane][i] += v
	}
	r.counts[plane]++
	r.framesSeen++
	return graph.Continue, nil
}

func (r *RofexAverage) Reduce(output *buffer.Buffer) (graph.Result, error) {
	if r.framesSeen == 0 || output == nil {
		return graph.Stop, nil
	}
	out, err := output.GetHostArray()
	if err != nil {
		return graph.Continue, err
	}
	planeSize := r.width * r.height
	for p := 0; p < r.NumberOfPlanes; p++ {
		count := float32(r.counts[p])
		if count == 0 {
			continue
		}
		for i := 0; i < planeSize; i++ {
			out[p*planeSize+i] = r.bands[p][i] / count
		}
	}
	r.framesSeen = 0
	return graph.Stop, nil
}
