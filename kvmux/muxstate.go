package kvmux

import (
	"fmt"
	"strings"

	"github.com/couchbase/kvrouting/topology"
)

// muxState is the immutable set of pipelines built for one route config.
type muxState struct {
	routeCfg     *topology.RouteConfig
	pipelines    []*Pipeline
	deadPipeline *Pipeline
	serverList   []topology.RouteEndpoint
}

// GetPipeline returns the pipeline for a server index, or the dead
// pipeline when the index is out of range.
func (s *muxState) GetPipeline(index int) *Pipeline {
	if index < 0 || index >= len(s.pipelines) {
		return s.deadPipeline
	}
	return s.pipelines[index]
}

// allPipelines returns the node pipelines followed by the dead pipeline.
func (s *muxState) allPipelines() []*Pipeline {
	pipelines := make([]*Pipeline, 0, len(s.pipelines)+1)
	pipelines = append(pipelines, s.pipelines...)
	return append(pipelines, s.deadPipeline)
}

func (s *muxState) pipelineByAddress(address string) *Pipeline {
	for _, pipeline := range s.pipelines {
		if pipeline.Address() == address {
			return pipeline
		}
	}
	return nil
}

func (s *muxState) DebugString() string {
	var out strings.Builder

	fmt.Fprintf(&out, "revision: %d, bucket type: %s\n", s.routeCfg.RevID(), s.routeCfg.BucketType())
	for i, pipeline := range s.pipelines {
		fmt.Fprintf(&out, "pipeline %d: %s", i, pipeline.DebugString())
	}
	fmt.Fprintf(&out, "dead pipeline: %s", s.deadPipeline.DebugString())

	return out.String()
}
