package worker

import "time"

// FetchOutcome classifies a single network attempt.
type FetchOutcome string

const (
	FetchOK    FetchOutcome = "ok"
	FetchNotOK FetchOutcome = "not_ok"
	FetchError FetchOutcome = "error"
)

// Recorder receives engine events for metrics. Implementations must be safe
// for concurrent use.
type Recorder interface {
	ObserveStrategy(strategy Strategy, source Source, elapsed time.Duration)
	ObserveFetch(outcome FetchOutcome)
	ObserveRevalidate(err error)
	ObserveLifecycle(state State)
	ObserveEviction(store string)
}

// NopRecorder discards every event.
type NopRecorder struct{}

func (NopRecorder) ObserveStrategy(Strategy, Source, time.Duration) {}
func (NopRecorder) ObserveFetch(FetchOutcome)                       {}
func (NopRecorder) ObserveRevalidate(error)                         {}
func (NopRecorder) ObserveLifecycle(State)                          {}
func (NopRecorder) ObserveEviction(string)                          {}
