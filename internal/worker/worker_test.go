package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify process execution, cancellation, timeout, graceful shutdown
// ============================================================================

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/molequeue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellTask(id types.ID, script string) Task {
	return Task{JobID: id, Command: []string{"/bin/sh", "-c", script}, Timeout: 5 * time.Second}
}

func startedPool(t *testing.T, workers int) *Pool {
	t.Helper()
	pool := NewPool(100)
	require.NoError(t, pool.Start(workers))
	t.Cleanup(pool.Stop)
	return pool
}

// receive waits for one result with a deadline
func receive(t *testing.T, pool *Pool) Result {
	t.Helper()
	ch := make(chan Result, 1)
	go func() {
		r, err := pool.ReceiveResult()
		if err == nil {
			ch <- r
		}
	}()
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	require.NoError(t, pool.Start(4))
	assert.Equal(t, 4, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	assert.Error(t, pool.Start(2))

	pool.Stop()
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		success bool
		code    int
	}{
		{"success", "exit 0", true, 0},
		{"failure", "exit 3", false, 3},
		{"missing program", "/nonexistent/program", false, 127},
	}

	pool := startedPool(t, 1)
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := types.ID(i + 1)
			require.NoError(t, pool.Submit(shellTask(id, tt.script)))

			result := receive(t, pool)
			assert.Equal(t, id, result.JobID)
			assert.Equal(t, tt.success, result.Success)
			assert.Equal(t, tt.code, result.ExitCode)
			assert.False(t, result.Canceled)
			if tt.success {
				assert.NoError(t, result.Error)
			} else {
				assert.Error(t, result.Error)
			}
		})
	}
}

func TestWorkingDirectoryAndLogFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "job.log")

	pool := startedPool(t, 1)
	task := shellTask(1, "pwd; echo oops >&2")
	task.Dir = dir
	task.LogFile = logFile
	require.NoError(t, pool.Submit(task))

	result := receive(t, pool)
	require.True(t, result.Success, "error: %v", result.Error)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.True(t, strings.Contains(string(data), dir) || strings.Contains(string(data), resolved), "log: %q", data)
	assert.Contains(t, string(data), "oops")
}

func TestStartedCalledBeforeExit(t *testing.T) {
	pool := startedPool(t, 1)

	var mu sync.Mutex
	var started bool
	task := shellTask(1, "exit 0")
	task.Started = func(pid int) {
		mu.Lock()
		started = pid > 0
		mu.Unlock()
	}
	require.NoError(t, pool.Submit(task))

	receive(t, pool)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, started)
}

func TestTimeout(t *testing.T) {
	pool := startedPool(t, 1)

	task := shellTask(1, "sleep 10")
	task.Timeout = 50 * time.Millisecond
	require.NoError(t, pool.Submit(task))

	result := receive(t, pool)
	assert.False(t, result.Success)
	assert.False(t, result.Canceled)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "deadline exceeded")
	assert.Less(t, result.Duration, 5*time.Second)
}

// ============================================================================
// Cancellation Tests
// ============================================================================

func TestCancelRunningTask(t *testing.T) {
	pool := startedPool(t, 1)

	running := make(chan struct{})
	task := shellTask(7, "sleep 10")
	task.Started = func(int) { close(running) }
	require.NoError(t, pool.Submit(task))
	<-running

	assert.True(t, pool.Cancel(7))

	result := receive(t, pool)
	assert.Equal(t, types.ID(7), result.JobID)
	assert.True(t, result.Canceled)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, ErrCanceled)
}

// TestCancelKillsScriptChildren 取消時 launch script 啟動的程式也要一起結束
func TestCancelKillsScriptChildren(t *testing.T) {
	pool := startedPool(t, 1)
	marker := filepath.Join(t.TempDir(), "marker")

	running := make(chan struct{})
	task := shellTask(8, "/bin/sh -c 'sleep 1; touch "+marker+"'; true")
	task.Started = func(int) { close(running) }
	require.NoError(t, pool.Submit(task))
	<-running
	time.Sleep(50 * time.Millisecond)

	require.True(t, pool.Cancel(8))
	result := receive(t, pool)
	assert.True(t, result.Canceled)
	assert.Less(t, result.Duration, time.Second)

	time.Sleep(1500 * time.Millisecond)
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "child of the script kept running after cancel")
}

func TestCancelQueuedTaskNeverStarts(t *testing.T) {
	pool := startedPool(t, 1)

	running := make(chan struct{})
	blocker := shellTask(1, "sleep 10")
	blocker.Started = func(int) { close(running) }
	require.NoError(t, pool.Submit(blocker))
	<-running

	marker := filepath.Join(t.TempDir(), "ran")
	require.NoError(t, pool.Submit(shellTask(2, "touch "+marker)))

	assert.True(t, pool.Cancel(2))
	assert.True(t, pool.Cancel(1))

	first := receive(t, pool)
	second := receive(t, pool)
	assert.Equal(t, types.ID(1), first.JobID)
	assert.Equal(t, types.ID(2), second.JobID)
	assert.True(t, second.Canceled)
	assert.Equal(t, -1, second.ExitCode)

	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "canceled task must not run")
}

func TestCancelUnknownTask(t *testing.T) {
	pool := startedPool(t, 1)
	assert.False(t, pool.Cancel(99))
}

func TestDuplicateSubmit(t *testing.T) {
	pool := startedPool(t, 1)

	running := make(chan struct{})
	task := shellTask(1, "sleep 10")
	task.Started = func(int) { close(running) }
	require.NoError(t, pool.Submit(task))
	<-running

	assert.ErrorIs(t, pool.Submit(shellTask(1, "exit 0")), ErrDuplicateTask)
	assert.Equal(t, 1, pool.Running())
	pool.Cancel(1)
	receive(t, pool)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentSubmit(t *testing.T) {
	pool := startedPool(t, 4)

	taskCount := 40
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(shellTask(types.ID(index+1), "exit 0")))
		}(i)
	}
	wg.Wait()

	seen := make(map[types.ID]bool)
	for i := 0; i < taskCount; i++ {
		result := receive(t, pool)
		assert.True(t, result.Success)
		seen[result.JobID] = true
	}
	assert.Len(t, seen, taskCount)
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestStopKillsRunningProcesses(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))

	running := make(chan struct{})
	task := shellTask(1, "sleep 30")
	task.Started = func(int) { close(running) }
	require.NoError(t, pool.Submit(task))
	<-running

	start := time.Now()
	pool.Stop()
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 0, pool.Running())
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, func() {
		pool.Stop()
	})
	assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	assert.Equal(t, ErrPoolClosed, pool.Submit(shellTask(1, "exit 0")))
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.Equal(t, ErrPoolNotStarted, pool.Submit(shellTask(1, "exit 0")))
}

func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

// ============================================================================
// Worker Behavior Tests
// ============================================================================

func TestWorkerExecuteEmptyCommand(t *testing.T) {
	worker := &Worker{id: 1}
	code, err := worker.execute(context.Background(), Task{JobID: 1})
	assert.Error(t, err)
	assert.Equal(t, -1, code)
}

func TestWorkerExecuteExpiredContext(t *testing.T) {
	worker := &Worker{id: 1}

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(10 * time.Millisecond)

	_, err := worker.execute(ctx, shellTask(1, "sleep 1"))
	assert.Error(t, err)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000)
	pool.Start(8)
	defer pool.Stop()

	go func() {
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit(Task{JobID: types.ID(i), Command: []string{"true"}})
	}
}
