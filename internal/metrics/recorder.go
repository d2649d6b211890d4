package metrics

import "time"

// Recorder defines observability hooks for queue and build metrics. Implementations
// may forward to Prometheus, OpenTelemetry, etc. All methods must be safe for nil receivers
// when using the NoopRecorder (allowing optional injection).
type Recorder interface {
	IncBuildEnqueued(project, config string)
	IncBuildAllocated(project, config string)
	IncBuildDropped(project, config string)
	IncBuildOrphaned(project, config string)
	IncBuildOutcome(project, outcome string) // outcome: success|failure
	ObserveBuildDuration(project string, d time.Duration)
	IncStepResult(project, result string) // result: success|failure
	SetPendingBuilds(project string, n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncBuildEnqueued(string, string)            {}
func (NoopRecorder) IncBuildAllocated(string, string)           {}
func (NoopRecorder) IncBuildDropped(string, string)             {}
func (NoopRecorder) IncBuildOrphaned(string, string)            {}
func (NoopRecorder) IncBuildOutcome(string, string)             {}
func (NoopRecorder) ObserveBuildDuration(string, time.Duration) {}
func (NoopRecorder) IncStepResult(string, string)               {}
func (NoopRecorder) SetPendingBuilds(string, int)               {}
