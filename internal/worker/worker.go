// ============================================================================
// Forge-Queue Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs a single task inside its own goroutine with timeout control
//           and panic recovery
//
// Timeout Control:
//   Each task gets an independent context derived from the pool's base context:
//   - Task.Timeout > 0 wraps it with context.WithTimeout
//   - Pool.Stop(ctx) cancels the base context once its own deadline passes
//
// Panic Recovery:
//   A panicking task is converted into a failed Result (Panicked = true).
//   The slot is still released by the deferred release in Slot.Run.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// Task represents a unit of work to execute on a reserved slot
type Task struct {
	JobID   types.JobID                     // job being executed
	Timeout time.Duration                   // <= 0 means no per-task timeout
	Run     func(ctx context.Context) error // the work itself
}

// Result represents the outcome of a task
type Result struct {
	JobID    types.JobID   // job ID
	Success  bool          // whether Run returned nil
	Error    error         // error returned by Run, or the recovered panic
	Duration time.Duration // actual execution time
	Panicked bool
}

// execute runs the task with its timeout and converts a panic into a failed Result
func execute(parent context.Context, task Task) (result Result) {
	start := time.Now()
	result.JobID = task.JobID

	ctx := parent
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Panicked = true
			result.Error = fmt.Errorf("task %s panicked: %v", task.JobID, r)
		}
		result.Duration = time.Since(start)
	}()

	if task.Run == nil {
		result.Error = fmt.Errorf("task %s has no run function", task.JobID)
		return result
	}

	err := task.Run(ctx)
	result.Success = err == nil
	result.Error = err
	return result
}
