package metrics

import (
	"testing"
	"time"
)

type testRecorder struct {
	enqueued  map[string]int
	allocated map[string]int
	dropped   map[string]int
	orphaned  map[string]int
	outcomes  map[string]int
	steps     map[string]int
	durations int
	pending   map[string]int
}

func newTestRecorder() *testRecorder {
	return &testRecorder{
		enqueued:  map[string]int{},
		allocated: map[string]int{},
		dropped:   map[string]int{},
		orphaned:  map[string]int{},
		outcomes:  map[string]int{},
		steps:     map[string]int{},
		pending:   map[string]int{},
	}
}

func (t *testRecorder) IncBuildEnqueued(project, config string)  { t.enqueued[project+"/"+config]++ }
func (t *testRecorder) IncBuildAllocated(project, config string) { t.allocated[project+"/"+config]++ }
func (t *testRecorder) IncBuildDropped(project, config string)   { t.dropped[project+"/"+config]++ }
func (t *testRecorder) IncBuildOrphaned(project, config string)  { t.orphaned[project+"/"+config]++ }
func (t *testRecorder) IncBuildOutcome(project, outcome string)  { t.outcomes[project+"/"+outcome]++ }
func (t *testRecorder) ObserveBuildDuration(string, time.Duration) {
	t.durations++
}
func (t *testRecorder) IncStepResult(project, result string) { t.steps[project+"/"+result]++ }
func (t *testRecorder) SetPendingBuilds(project string, n int) {
	t.pending[project] = n
}

var (
	_ Recorder = NoopRecorder{}
	_ Recorder = (*PrometheusRecorder)(nil)
	_ Recorder = (*testRecorder)(nil)
)

func TestRecorderCounts(t *testing.T) {
	rec := newTestRecorder()
	rec.IncBuildEnqueued("trac", "trunk")
	rec.IncBuildEnqueued("trac", "trunk")
	rec.IncBuildOutcome("trac", "success")
	rec.SetPendingBuilds("trac", 3)
	if rec.enqueued["trac/trunk"] != 2 {
		t.Errorf("expected 2 enqueued, got %d", rec.enqueued["trac/trunk"])
	}
	if rec.outcomes["trac/success"] != 1 {
		t.Errorf("expected 1 success outcome, got %d", rec.outcomes["trac/success"])
	}
	if rec.pending["trac"] != 3 {
		t.Errorf("expected pending gauge 3, got %d", rec.pending["trac"])
	}
}
