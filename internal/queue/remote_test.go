package queue

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/molequeue/internal/jobmanager"
	"github.com/ChuLiYu/molequeue/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

type remoteFixture struct {
	remote  *Remote
	ops     *fakeFactory
	jobs    *jobmanager.JobManager
	sched   *fakeScheduler
	workDir string
}

func newRemoteFixture(t *testing.T, backend Backend) *remoteFixture {
	t.Helper()
	f := &remoteFixture{
		ops:     &fakeFactory{},
		jobs:    jobmanager.NewJobManager(),
		sched:   &fakeScheduler{},
		workDir: t.TempDir(),
	}
	f.remote = NewRemote(RemoteConfig{
		Name:                 "cluster",
		Backend:              backend,
		WorkingDirectoryBase: "/scratch",
		PendingInterval:      time.Second,
		UpdateInterval:       time.Minute,
	}, f.ops, f.jobs, f.sched, nil)
	require.NoError(t, f.remote.AddProgram(&Program{Name: "sleep", Executable: "sleep", Arguments: "$$sleep$$"}))
	return f
}

// newJob registers a job and gives it a local working directory.
func (f *remoteFixture) newJob(t *testing.T, mutate func(*types.Job)) types.Job {
	t.Helper()
	opts := types.NewJob()
	opts.Queue = "cluster"
	opts.Program = "sleep"
	opts.Keywords = map[string]string{"$$sleep$$": "10"}
	opts.InputFile = types.FileSpec{Filename: "input.txt", Contents: "hello"}
	if mutate != nil {
		mutate(&opts)
	}
	job := f.jobs.NewJob(opts)
	dir := filepath.Join(f.workDir, "jobs", strconv.FormatUint(job.MoleQueueID, 10))
	require.NoError(t, f.jobs.Update(job.MoleQueueID, func(j *types.Job) {
		j.LocalWorkingDirectory = dir
	}))
	job, _ = f.jobs.Lookup(job.MoleQueueID)
	return job
}

func (f *remoteFixture) state(t *testing.T, id types.ID) types.JobState {
	t.Helper()
	job, ok := f.jobs.Lookup(id)
	require.True(t, ok, "job %d not found", id)
	return job.State
}

// submitted drives a job through upload and qsub.
func (f *remoteFixture) submitted(t *testing.T, job types.Job, qsubOutput string) {
	t.Helper()
	require.NoError(t, f.remote.Submit(job))
	f.remote.submitPending()
	f.ops.last().succeed("")
	f.ops.last().succeed(qsubOutput)
}

// ============================================================================
// 完整流程
// ============================================================================

func TestRemoteLifecycle(t *testing.T) {
	f := newRemoteFixture(t, PBS{})
	require.NoError(t, f.jobs.Restore(types.SnapshotData{NextID: 42}))

	var seen []types.JobState
	f.jobs.OnStateChange(func(c jobmanager.StateChange) { seen = append(seen, c.NewState) })

	job := f.newJob(t, func(j *types.Job) { j.NumberOfCores = 4 })
	require.Equal(t, types.ID(42), job.MoleQueueID)

	require.NoError(t, f.remote.Submit(job))
	assert.Equal(t, types.StateAccepted, f.state(t, 42))
	assert.Equal(t, []types.ID{42}, f.remote.Pending())
	assert.Empty(t, f.ops.ops, "nothing runs before the pending timer")

	script, err := os.ReadFile(filepath.Join(job.LocalWorkingDirectory, DefaultLaunchScriptName))
	require.NoError(t, err)
	assert.Contains(t, string(script), "#PBS -l procs=4\n")
	assert.Contains(t, string(script), "#PBS -l walltime=24:00:00\n")
	assert.Contains(t, string(script), "\nsleep 10\n")
	assert.NotContains(t, string(script), "$$")

	f.remote.submitPending()
	assert.Empty(t, f.remote.Pending())
	upload := f.ops.last()
	assert.Equal(t, "dir-upload", upload.kind)
	assert.Equal(t, []string{job.LocalWorkingDirectory, "/scratch/42"}, upload.args)
	assert.True(t, upload.executed)

	upload.succeed("")
	submit := f.ops.last()
	assert.Equal(t, []string{"cd /scratch/42 && qsub job.sh"}, submit.args)

	submit.succeed("1001.server\n")
	assert.Equal(t, types.StateSubmitted, f.state(t, 42))
	assert.Equal(t, map[types.ID]types.ID{1001: 42}, f.remote.Tracked())
	got, _ := f.jobs.Lookup(42)
	assert.Equal(t, types.ID(1001), got.QueueID)

	f.remote.requestQueueUpdate()
	status := f.ops.last()
	assert.Equal(t, []string{"qstat 1001"}, status.args)
	status.succeed("Job id  Name  User  Time Use S Queue\n" +
		"------  ----  ----  -------- - -----\n" +
		"1001.server  job.sh  user  00:00:01 R batch\n")
	assert.Equal(t, types.StateRunningRemote, f.state(t, 42))

	f.remote.requestQueueUpdate()
	f.ops.last().succeed("")
	assert.Empty(t, f.remote.Tracked())

	download := f.ops.last()
	assert.Equal(t, "dir-download", download.kind)
	assert.Equal(t, []string{"/scratch/42", filepath.Dir(job.LocalWorkingDirectory)}, download.args)
	download.succeed("")

	assert.Equal(t, types.StateFinished, f.state(t, 42))
	assert.Equal(t, []types.JobState{
		types.StateAccepted,
		types.StateSubmitted,
		types.StateRunningRemote,
		types.StateFinished,
	}, seen)
}

func TestRemoteSGESubmission(t *testing.T) {
	f := newRemoteFixture(t, SGE{})
	job := f.newJob(t, nil)

	f.submitted(t, job, `Your job 77 ("job.sh") has been submitted`)
	assert.Equal(t, map[types.ID]types.ID{77: job.MoleQueueID}, f.remote.Tracked())

	f.remote.requestQueueUpdate()
	status := f.ops.last()
	assert.Equal(t, []string{"qstat"}, status.args)
	status.succeed("job-ID prior name user state submit/start at queue slots\n" +
		"-----------------------------------------------------------------\n" +
		"     12 0.55500 other  bob  r  01/01/2013 12:00:00 all.q@node1 1\n" +
		"     77 0.55500 job.sh user qw 01/01/2013 12:00:00              4\n")
	assert.Equal(t, types.StateQueuedRemote, f.state(t, job.MoleQueueID))
	assert.Len(t, f.remote.Tracked(), 1)
}

// ============================================================================
// 重試
// ============================================================================

func TestRemoteRetriesThenGivesUp(t *testing.T) {
	f := newRemoteFixture(t, PBS{})
	job := f.newJob(t, nil)
	id := job.MoleQueueID
	require.NoError(t, f.remote.Submit(job))

	for attempt := 1; attempt <= MaxRetries; attempt++ {
		f.remote.submitPending()
		f.ops.last().fail(255, "connection refused")

		assert.Equal(t, types.StateError, f.state(t, id), "attempt %d", attempt)
		assert.Equal(t, []types.ID{id}, f.remote.Pending(), "attempt %d should be retried", attempt)
		assert.Equal(t, attempt, f.remote.Failures().Count(id))
	}

	f.remote.submitPending()
	f.ops.last().fail(255, "connection refused")

	assert.Equal(t, types.StateError, f.state(t, id))
	assert.Empty(t, f.remote.Pending(), "no retry after the limit")
	assert.Equal(t, 0, f.remote.Failures().Count(id))
	assert.Len(t, f.ops.ops, MaxRetries+1)
}

func TestRemoteSuccessClearsFailures(t *testing.T) {
	f := newRemoteFixture(t, PBS{})
	job := f.newJob(t, nil)
	id := job.MoleQueueID
	require.NoError(t, f.remote.Submit(job))

	f.remote.submitPending()
	f.ops.last().succeed("")
	f.ops.last().fail(1, "qsub: server unavailable")
	assert.Equal(t, 1, f.remote.Failures().Count(id))

	f.remote.submitPending()
	f.ops.last().succeed("")
	f.ops.last().succeed("5.server")
	assert.Equal(t, types.StateSubmitted, f.state(t, id))
	assert.Equal(t, 0, f.remote.Failures().Count(id))
}

func TestRemoteUnparsableQueueID(t *testing.T) {
	f := newRemoteFixture(t, PBS{})
	job := f.newJob(t, nil)

	f.submitted(t, job, "qsub: submitted, probably")
	assert.Equal(t, types.StateError, f.state(t, job.MoleQueueID))
	assert.Empty(t, f.remote.Tracked())
	assert.Equal(t, []types.ID{job.MoleQueueID}, f.remote.Pending())
}

func TestRemoteCreatesMissingDirectoryOnce(t *testing.T) {
	f := newRemoteFixture(t, PBS{})
	job := f.newJob(t, nil)
	require.NoError(t, f.remote.Submit(job))

	f.remote.submitPending()
	f.ops.last().fail(2, "sftp: No such file or directory")

	mkdir := f.ops.last()
	assert.Equal(t, []string{"mkdir -p /scratch"}, mkdir.args)
	mkdir.succeed("")

	retry := f.ops.last()
	assert.Equal(t, "dir-upload", retry.kind)
	retry.fail(2, "sftp: No such file or directory")

	assert.Len(t, f.ops.ops, 3, "mkdir is tried once per attempt")
	assert.Equal(t, types.StateError, f.state(t, job.MoleQueueID))
	assert.Equal(t, []types.ID{job.MoleQueueID}, f.remote.Pending())

	// the next attempt may create the directory again
	f.remote.submitPending()
	f.ops.last().fail(1, "scp: /scratch/1: No such file or directory")
	assert.Equal(t, "command", f.ops.last().kind)
}

func TestRemoteMkdirFailure(t *testing.T) {
	f := newRemoteFixture(t, PBS{})
	job := f.newJob(t, nil)
	require.NoError(t, f.remote.Submit(job))

	f.remote.submitPending()
	f.ops.last().fail(2, "No such file or directory")
	f.ops.last().fail(1, "mkdir: permission denied")

	assert.Equal(t, types.StateError, f.state(t, job.MoleQueueID))
	assert.Equal(t, 1, f.remote.Failures().Count(job.MoleQueueID))
}

func TestRemoteSubmitWithoutProgram(t *testing.T) {
	f := newRemoteFixture(t, PBS{})
	job := f.newJob(t, func(j *types.Job) { j.Program = "missing" })

	err := f.remote.Submit(job)
	assert.ErrorIs(t, err, ErrProgramNotFound)
	assert.Equal(t, types.StateError, f.state(t, job.MoleQueueID))
	assert.Empty(t, f.remote.Pending())
}

// ============================================================================
// 狀態輪詢
// ============================================================================

func TestRemotePollingGuard(t *testing.T) {
	f := newRemoteFixture(t, PBS{})

	f.remote.requestQueueUpdate()
	assert.Empty(t, f.ops.ops, "no status command without tracked jobs")

	f.submitted(t, f.newJob(t, nil), "7.server")
	n := len(f.ops.ops)

	f.remote.requestQueueUpdate()
	f.remote.requestQueueUpdate()
	assert.Len(t, f.ops.ops, n+1, "one status command in flight at a time")

	f.ops.last().succeed("7.server job.sh user 0 Q batch")
	f.remote.requestQueueUpdate()
	assert.Len(t, f.ops.ops, n+2)
}

func TestRemoteStatusExitCodes(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		output    string
		wantState types.JobState
		tracked   bool
	}{
		{"error keeps tracking", 1, "", types.StateSubmitted, true},
		{"unknown job id is allowed", 153, "", types.StateFinished, false},
		{"success with row", 0, "3.server job.sh user 0 H batch", types.StateQueuedRemote, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRemoteFixture(t, PBS{})
			job := f.newJob(t, func(j *types.Job) { j.RetrieveOutput = false })
			f.submitted(t, job, "3.server")

			f.remote.requestQueueUpdate()
			f.ops.last().finish(channelResult(tt.code, tt.output))

			assert.Equal(t, tt.wantState, f.state(t, job.MoleQueueID))
			_, tracked := f.remote.Tracked()[3]
			assert.Equal(t, tt.tracked, tracked)
		})
	}
}

func TestRemoteStatusIgnoresTerminalJobs(t *testing.T) {
	f := newRemoteFixture(t, PBS{})
	job := f.newJob(t, nil)
	f.submitted(t, job, "9.server")

	f.remote.requestQueueUpdate()
	require.NoError(t, f.jobs.SetState(job.MoleQueueID, types.StateKilled))
	f.ops.last().succeed("9.server job.sh user 0 R batch")

	assert.Equal(t, types.StateKilled, f.state(t, job.MoleQueueID))
}

// ============================================================================
// 收尾
// ============================================================================

func TestRemoteFinalize(t *testing.T) {
	tests := []struct {
		name         string
		mutate       func(*types.Job)
		wantDownload bool
		wantRemove   bool
	}{
		{"retrieve output", nil, true, false},
		{"no retrieve", func(j *types.Job) { j.RetrieveOutput = false }, false, false},
		{"clean local without output dir", func(j *types.Job) { j.CleanLocalWorkingDirectory = true }, false, false},
		{"clean remote", func(j *types.Job) { j.CleanRemoteFiles = true }, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRemoteFixture(t, PBS{})
			job := f.newJob(t, tt.mutate)
			f.submitted(t, job, "11.server")
			before := len(f.ops.ops)

			f.remote.requestQueueUpdate()
			f.ops.last().succeed("")

			for _, op := range f.ops.ops[before+1:] {
				if op.kind == "dir-download" {
					op.succeed("")
				}
			}
			var kinds []string
			for _, op := range f.ops.ops[before+1:] {
				kinds = append(kinds, op.kind)
			}

			assert.Equal(t, tt.wantDownload, contains(kinds, "dir-download"))
			assert.Equal(t, tt.wantRemove, contains(kinds, "remove"))
			assert.Equal(t, types.StateFinished, f.state(t, job.MoleQueueID))
		})
	}
}

func TestRemoteFinalizeCopiesToOutputDirectory(t *testing.T) {
	f := newRemoteFixture(t, PBS{})
	out := filepath.Join(t.TempDir(), "results")
	job := f.newJob(t, func(j *types.Job) {
		j.OutputDirectory = out
		j.CleanLocalWorkingDirectory = true
	})
	f.submitted(t, job, "12.server")

	f.remote.requestQueueUpdate()
	f.ops.last().succeed("")
	f.ops.last().succeed("")

	assert.Equal(t, types.StateFinished, f.state(t, job.MoleQueueID))
	data, err := os.ReadFile(filepath.Join(out, "input.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.NoDirExists(t, job.LocalWorkingDirectory)
}

func TestRemoteDownloadFailureIsNotRetried(t *testing.T) {
	f := newRemoteFixture(t, PBS{})
	job := f.newJob(t, nil)
	f.submitted(t, job, "13.server")

	f.remote.requestQueueUpdate()
	f.ops.last().succeed("")
	f.ops.last().fail(1, "permission denied")

	assert.Equal(t, types.StateError, f.state(t, job.MoleQueueID))
	assert.Empty(t, f.remote.Pending())
	assert.Empty(t, f.remote.Tracked())
}

// ============================================================================
// 取消
// ============================================================================

func TestRemoteKillTrackedJob(t *testing.T) {
	f := newRemoteFixture(t, PBS{})
	job := f.newJob(t, nil)
	f.submitted(t, job, "1001.server")

	// a status request is in flight when the kill arrives
	f.remote.requestQueueUpdate()
	status := f.ops.last()

	job, _ = f.jobs.Lookup(job.MoleQueueID)
	f.remote.Kill(job)
	assert.Equal(t, types.StateKilled, f.state(t, job.MoleQueueID))
	assert.Empty(t, f.remote.Tracked())

	kill := f.ops.last()
	assert.Equal(t, []string{"qdel 1001"}, kill.args)

	status.succeed("1001.server job.sh user 0 R batch")
	kill.fail(1, "qdel: Unknown Job Id")
	assert.Equal(t, types.StateKilled, f.state(t, job.MoleQueueID))
}

func TestRemoteKillPendingJob(t *testing.T) {
	f := newRemoteFixture(t, PBS{})
	job := f.newJob(t, nil)
	require.NoError(t, f.remote.Submit(job))

	f.remote.Kill(job)
	assert.Equal(t, types.StateKilled, f.state(t, job.MoleQueueID))
	assert.Empty(t, f.remote.Pending())

	f.remote.submitPending()
	assert.Empty(t, f.ops.ops, "a killed job is never uploaded")
}

func TestRemoteKillDuringUpload(t *testing.T) {
	f := newRemoteFixture(t, PBS{})
	job := f.newJob(t, nil)
	require.NoError(t, f.remote.Submit(job))
	f.remote.submitPending()
	upload := f.ops.last()

	f.remote.Kill(job)
	upload.succeed("")

	assert.Len(t, f.ops.ops, 1, "no qsub after kill")
	assert.Equal(t, types.StateKilled, f.state(t, job.MoleQueueID))
}

// ============================================================================
// 生命週期
// ============================================================================

func TestRemoteResume(t *testing.T) {
	f := newRemoteFixture(t, PBS{})

	running := f.newJob(t, nil)
	require.NoError(t, f.jobs.SetState(running.MoleQueueID, types.StateRunningRemote))
	require.NoError(t, f.jobs.SetQueueID(running.MoleQueueID, 500))
	accepted := f.newJob(t, nil)
	require.NoError(t, f.jobs.SetState(accepted.MoleQueueID, types.StateAccepted))
	failed := f.newJob(t, nil)
	require.NoError(t, f.jobs.SetState(failed.MoleQueueID, types.StateError))

	for _, job := range f.jobs.Jobs() {
		f.remote.Resume(job)
	}

	assert.Equal(t, map[types.ID]types.ID{500: running.MoleQueueID}, f.remote.Tracked())
	assert.Equal(t, []types.ID{accepted.MoleQueueID}, f.remote.Pending())
}

func TestRemoteForget(t *testing.T) {
	f := newRemoteFixture(t, PBS{})
	job := f.newJob(t, nil)
	f.submitted(t, job, "21.server")
	job, _ = f.jobs.Lookup(job.MoleQueueID)

	f.remote.Forget(job)
	assert.Empty(t, f.remote.Tracked())
}

func TestRemoteStartStop(t *testing.T) {
	f := newRemoteFixture(t, PBS{})
	require.NoError(t, f.remote.Start())
	assert.Equal(t, []time.Duration{time.Second, time.Minute}, f.sched.timers)

	f.remote.Stop()
	assert.Equal(t, 2, f.sched.stopped)
	assert.True(t, f.ops.closed)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
