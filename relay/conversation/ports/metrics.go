package conversationports

import "time"

// RunStats summarises one pipeline run.
type RunStats struct {
	Outcome  string
	Duration time.Duration
	Usage    Usage
	Chunks   int // chunks delivered and persisted
	Dropped  int // history groups left out of the prompt
}

// RunRecorder receives a RunStats after every pipeline run.
type RunRecorder interface {
	RecordRun(stats RunStats)
}
