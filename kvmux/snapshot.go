package kvmux

// PipelineSnapshot is a point in time view of the pipelines of a Mux.
type PipelineSnapshot struct {
	state *muxState
}

// RevID is the revision of the config the pipelines were built from.
func (s PipelineSnapshot) RevID() int64 {
	return s.state.routeCfg.RevID()
}

func (s PipelineSnapshot) NumPipelines() int {
	return len(s.state.pipelines)
}

// Iterate visits every pipeline once, starting at offset and wrapping
// around.  Returning true from cb stops the iteration.
func (s PipelineSnapshot) Iterate(offset int, cb func(pipeline *Pipeline) bool) {
	numPipelines := len(s.state.pipelines)
	if numPipelines == 0 {
		return
	}

	offset %= numPipelines
	if offset < 0 {
		offset += numPipelines
	}

	for i := 0; i < numPipelines; i++ {
		pipeline := s.state.pipelines[(offset+i)%numPipelines]
		if cb(pipeline) {
			return
		}
	}
}
