package metrics

import "time"

// Outcome labels for finished builds.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Recorder defines observability hooks for the build worker and pipeline.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration, success bool)
	ObserveBuildDuration(d time.Duration)
	IncBuildOutcome(outcome string)
	IncSuperseded(n int)
	SetBuildInFlight(inFlight bool)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration, bool) {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)               {}
func (NoopRecorder) IncBuildOutcome(string)                           {}
func (NoopRecorder) IncSuperseded(int)                                {}
func (NoopRecorder) SetBuildInFlight(bool)                            {}
