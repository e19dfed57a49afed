// ============================================================================
// MoleQueue Worker - Local Job Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs launcher scripts of local-queue jobs, one process at a time
//
// How it works:
//   Each Worker is an independent goroutine that loops:
//   1. Receive task from taskCh (or exit when stopCh closes)
//   2. Claim the job in the registry; a job canceled while queued is skipped
//   3. Run the command with exec.CommandContext
//   4. Send result to resultCh
//
// Cancellation:
//   Every running task owns a context registered under its JobID.
//   Pool.Cancel cancels that context, which kills the process.
//   Pool.Stop cancels the base context, killing every running process.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// ErrCanceled is the Result error of a task stopped by Pool.Cancel or Pool.Stop.
var ErrCanceled = errors.New("task canceled")

// waitDelay bounds how long Wait lingers on output pipes after a kill.
const waitDelay = 2 * time.Second

// Worker represents a work execution unit
type Worker struct {
	id       int             // Worker unique identifier, used for logging
	taskCh   <-chan Task     // Task channel (read-only)
	resultCh chan<- Result   // Result channel (write-only)
	stopCh   <-chan struct{} // Closed by Pool.Stop
	reg      *registry       // Cancel bookkeeping shared with the pool
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, reg *registry) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		reg:      reg,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			w.report(w.handle(task))
		}
	}
}

func (w *Worker) handle(task Task) Result {
	start := time.Now()

	ctx, cancel, ok := w.reg.begin(task.JobID)
	if !ok {
		return Result{JobID: task.JobID, ExitCode: -1, Canceled: true, Error: ErrCanceled}
	}
	defer w.reg.end(task.JobID)
	defer cancel()

	if task.Timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, task.Timeout)
		defer stop()
	}

	code, err := w.execute(ctx, task)
	result := Result{
		JobID:    task.JobID,
		Success:  err == nil && code == 0,
		ExitCode: code,
		Error:    err,
		Duration: time.Since(start),
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		result.Success = false
		result.Canceled = true
		result.Error = ErrCanceled
	}
	log.Debug("task finished", "worker", w.id, "moleQueueId", task.JobID,
		"exitCode", code, "duration", result.Duration)
	return result
}

func (w *Worker) report(result Result) {
	select {
	case w.resultCh <- result:
	case <-w.stopCh:
		log.Warn("dropping result after stop", "moleQueueId", result.JobID)
	}
}

// execute runs the task's command and returns its exit code
func (w *Worker) execute(ctx context.Context, task Task) (int, error) {
	if len(task.Command) == 0 {
		return -1, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, task.Command[0], task.Command[1:]...)
	cmd.Dir = task.Dir
	setProcessGroup(cmd)
	// 行程組被殺掉後，最多再等這麼久讓輸出管線關閉
	cmd.WaitDelay = waitDelay

	var out io.Writer = io.Discard
	if task.LogFile != "" {
		f, err := os.Create(task.LogFile)
		if err != nil {
			return -1, fmt.Errorf("create log file: %w", err)
		}
		defer f.Close()
		out = f
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return -1, err
	}
	if task.Started != nil {
		task.Started(cmd.Process.Pid)
	}

	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return exitErr.ExitCode(), ctx.Err()
		}
		return exitErr.ExitCode(), fmt.Errorf("process exited with code %d", exitErr.ExitCode())
	}
	// 腳本已正常結束，只是背景程式還佔著輸出
	if errors.Is(err, exec.ErrWaitDelay) && ctx.Err() == nil {
		return 0, nil
	}
	return -1, err
}
