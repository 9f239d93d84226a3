package pipeline

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Kind classifies where a build failed.
type Kind string

const (
	KindFetch      Kind = "fetch"
	KindDependency Kind = "dependency"
	KindBuildTool  Kind = "build_tool"
	KindPublish    Kind = "publish"
)

// StageError is returned by Run for any failure inside the pipeline. Stack
// holds the goroutine stack at the point the failure was classified.
type StageError struct {
	Kind    Kind
	Stage   string
	Variant string
	Err     error
	Stack   string
}

func newStageError(kind Kind, stage, variant string, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Variant: variant, Err: err, Stack: string(debug.Stack())}
}

func (e *StageError) Error() string {
	if e.Variant != "" {
		return fmt.Sprintf("%s failed (%s, variant %s): %v", e.Stage, e.Kind, e.Variant, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsKind reports whether err carries a StageError of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *StageError
	return errors.As(err, &se) && se.Kind == kind
}

// ExitError reports a toolchain command that exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Command, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }
