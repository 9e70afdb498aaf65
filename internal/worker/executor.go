package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/showrunner/internal/persistence"
	"github.com/basket/showrunner/internal/pipeline"
)

// StepResult reports how far an execution attempt got. Completed counts
// finished sub-units out of Total; for single-unit steps both are 1 on
// success. OutputRef points at the produced artifact.
type StepResult struct {
	Completed int
	Total     int
	OutputRef string
}

// StepExecutor runs one pipeline step for a task. An attempt that fails
// midway should still return the partial StepResult so the caller can
// persist progress; the next attempt receives that progress and resumes at
// sub-unit Completed+1.
type StepExecutor interface {
	Execute(ctx context.Context, task *persistence.Task, progress persistence.StepProgress) (StepResult, error)
}

// PermanentError marks a step failure that retrying cannot fix (invalid
// input, rejected content, a 4xx from a collaborator service).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its
// chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ExecutorSet maps step IDs to their executors.
type ExecutorSet map[pipeline.StepID]StepExecutor
