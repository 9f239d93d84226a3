package builder

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Status represents the lifecycle state of a build.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Stage is a pipeline state as observed from outside the worker.
type Stage string

const (
	StageIdle       Stage = "IDLE"
	StageFetching   Stage = "FETCHING"
	StagePreparing  Stage = "PREPARING"
	StageBuilding   Stage = "BUILDING"
	StagePublishing Stage = "PUBLISHING"
	StageDone       Stage = "DONE"
	StageFailed     Stage = "FAILED"
)

// BuildRequest is what a push event asks the worker to build. It is treated
// as immutable once created.
type BuildRequest struct {
	Project string `json:"project"`
	URL     string `json:"url"`
	Branch  string `json:"branch"`
	Commit  string `json:"commit,omitempty"`
}

// Build describes one execution of the pipeline for a request.
type Build struct {
	ID         string       `json:"id"`
	Request    BuildRequest `json:"request"`
	Status     Status       `json:"status"`
	Stage      Stage        `json:"stage"`
	Variant    string       `json:"variant,omitempty"`
	Artifacts  []string     `json:"artifacts,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
	Completed  bool         `json:"completed"`
	Error      string       `json:"error,omitempty"`
}

// LogRecord is one captured log line of a build.
type LogRecord struct {
	Level   slog.Level `json:"level"`
	Time    time.Time  `json:"time"`
	Message string     `json:"message"`
}

// CounterState is persisted per project between successful builds.
// LastNumber is the highest build number issued so far.
type CounterState struct {
	Counter    int `json:"counter"`
	LastNumber int `json:"last_number"`
}

// UnmarshalJSON also accepts a bare counter, the format older counter files
// were written in.
func (c *CounterState) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*c = CounterState{Counter: n}
		return nil
	}
	type plain CounterState
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = CounterState(p)
	return nil
}
