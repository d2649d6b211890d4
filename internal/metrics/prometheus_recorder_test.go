package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.IncBuildEnqueued("trac", "trunk")
	pr.IncBuildAllocated("trac", "trunk")
	pr.IncBuildOutcome("trac", "success")
	pr.ObserveBuildDuration("trac", 500*time.Millisecond)
	pr.IncStepResult("trac", "failure")
	pr.SetPendingBuilds("trac", 1)
	// Basic scrape to ensure metrics encode without panic
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected metrics, got none")
	}
}
