// ============================================================================
// MoleQueue Remote Queue - 遠端批次系統狀態機
// ============================================================================
//
// 每個任務的流程:
//
//   Accepted ──(pending 計時器)──> 上傳工作目錄 ──> 送出 launch script
//       ^          │ "No such file or directory"        │ 解析 queueId
//       │          v                                    v
//       │     mkdir -p <base> ──> 再次上傳          Submitted
//       │                                               │ 狀態輪詢
//       │ 失敗且未超過重試上限                            v
//     Error <────────────────────────────── Queued/RunningRemote
//                                                      │ queueId 從輪詢消失
//                                                      v
//              下載輸出 ──> 複製到 outputDirectory ──> 清理 ──> Finished
//
// 前段（上傳、送出）失敗會依 FailureTracker 重試；收尾（下載、複製）失敗
// 直接進入 Error。每個 SSH 完成回呼都先確認任務仍存在且尚未結束，
// 因此 Kill 之後才完成的操作不會改動任務。
//
// ============================================================================

package queue

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/molequeue/internal/channel"
	"github.com/ChuLiYu/molequeue/internal/metrics"
	"github.com/ChuLiYu/molequeue/internal/sshop"
	"github.com/ChuLiYu/molequeue/pkg/types"
)

const (
	DefaultLaunchScriptName = "job.sh"
	DefaultPendingInterval  = 5 * time.Second
	DefaultUpdateInterval   = time.Minute
	DefaultMaxWallTime      = 24 * 60

	missingDirectory = "No such file or directory"
)

// RemoteConfig describes a remote queue.
type RemoteConfig struct {
	Name                 string
	Backend              Backend
	Commands             Commands // empty fields use the backend's
	WorkingDirectoryBase string
	LaunchTemplate       string // empty uses the backend's
	LaunchScriptName     string
	DefaultMaxWallTime   int // minutes
	AllowedExitCodes     []int
	UpdateInterval       time.Duration
	PendingInterval      time.Duration
}

// Remote drives jobs through a batch system reached by ssh.
type Remote struct {
	base
	backend  Backend
	cmds     Commands
	ops      sshop.Factory
	sched    Scheduler
	metrics  *metrics.Collector
	workBase string
	allowed  map[int]bool

	updateInterval  time.Duration
	pendingInterval time.Duration

	pending    []types.ID            // waiting for the pending timer
	jobs       map[types.ID]types.ID // queueId -> moleQueueId
	mkdirTried map[types.ID]bool     // parent directory created this attempt
	checking   bool                  // status command in flight
	stops      []func()
}

func NewRemote(cfg RemoteConfig, ops sshop.Factory, store JobStore, sched Scheduler, m *metrics.Collector) *Remote {
	r := &Remote{
		base:            newBase(cfg.Name, cfg.Backend.Type(), store),
		backend:         cfg.Backend,
		cmds:            cfg.Commands.merge(cfg.Backend.DefaultCommands()),
		ops:             ops,
		sched:           sched,
		metrics:         m,
		workBase:        cfg.WorkingDirectoryBase,
		allowed:         map[int]bool{0: true},
		updateInterval:  cfg.UpdateInterval,
		pendingInterval: cfg.PendingInterval,
		jobs:            make(map[types.ID]types.ID),
		mkdirTried:      make(map[types.ID]bool),
	}
	r.launchTemplate = cfg.LaunchTemplate
	if r.launchTemplate == "" {
		r.launchTemplate = cfg.Backend.DefaultLaunchTemplate()
	}
	r.scriptName = cfg.LaunchScriptName
	if r.scriptName == "" {
		r.scriptName = DefaultLaunchScriptName
	}
	r.defaultWallTime = cfg.DefaultMaxWallTime
	if r.defaultWallTime <= 0 {
		r.defaultWallTime = DefaultMaxWallTime
	}
	if r.updateInterval <= 0 {
		r.updateInterval = DefaultUpdateInterval
	}
	if r.pendingInterval <= 0 {
		r.pendingInterval = DefaultPendingInterval
	}
	for _, code := range cfg.Backend.AllowedExitCodes() {
		r.allowed[code] = true
	}
	for _, code := range cfg.AllowedExitCodes {
		r.allowed[code] = true
	}
	return r
}

func (r *Remote) Start() error {
	r.stops = append(r.stops,
		r.sched.Every(r.pendingInterval, r.submitPending),
		r.sched.Every(r.updateInterval, r.requestQueueUpdate),
	)
	log.Info("remote queue started", "queue", r.name, "type", r.kind,
		"host", r.ops.ConnectionString(), "workingDirectoryBase", r.workBase)
	return nil
}

func (r *Remote) Stop() {
	for _, stop := range r.stops {
		stop()
	}
	r.stops = nil
	if err := r.ops.Close(); err != nil {
		log.Warn("closing ssh connection", "queue", r.name, "error", err)
	}
}

// Tracked returns the queueId -> moleQueueId map of jobs in the batch system.
func (r *Remote) Tracked() map[types.ID]types.ID {
	out := make(map[types.ID]types.ID, len(r.jobs))
	for k, v := range r.jobs {
		out[k] = v
	}
	return out
}

// Pending returns the jobs waiting for submission.
func (r *Remote) Pending() []types.ID {
	return append([]types.ID(nil), r.pending...)
}

func (r *Remote) remoteDir(id types.ID) string {
	return path.Join(r.workBase, strconv.FormatUint(id, 10))
}

// run executes op and hands its result to done on the loop.
func (r *Remote) run(op sshop.Operation, kind string, done func(channel.Result)) {
	op.OnComplete(func(res channel.Result) {
		r.metrics.RecordSSHOperation(kind, res.Failed(), res.Duration)
		done(res)
	})
	op.Execute()
}

// ============================================================================
// 提交
// ============================================================================

func (r *Remote) Submit(job types.Job) error {
	if err := r.writeInputFiles(job); err != nil {
		log.Error("error while writing input files", "queue", r.name,
			"moleQueueId", job.MoleQueueID, "error", err)
		r.setState(job.MoleQueueID, types.StateError)
		return err
	}
	r.setState(job.MoleQueueID, types.StateAccepted)
	r.pending = append(r.pending, job.MoleQueueID)
	return nil
}

func (r *Remote) Resume(job types.Job) {
	switch job.State {
	case types.StateSubmitted, types.StateQueuedRemote, types.StateRunningRemote:
		if job.QueueID != types.InvalidID {
			r.jobs[job.QueueID] = job.MoleQueueID
			return
		}
		r.pending = append(r.pending, job.MoleQueueID)
	case types.StateNone, types.StateAccepted:
		r.pending = append(r.pending, job.MoleQueueID)
	}
}

func (r *Remote) submitPending() {
	ids := r.pending
	r.pending = nil
	for _, id := range ids {
		job, ok := r.store.Lookup(id)
		if !ok || job.State.Terminal() {
			continue
		}
		r.beginSubmission(job)
	}
}

func (r *Remote) beginSubmission(job types.Job) {
	delete(r.mkdirTried, job.MoleQueueID)
	r.copyInputFilesToHost(job)
}

func (r *Remote) createRemoteDirectory(job types.Job) {
	// only the base; the job directory is created by the upload
	op := r.ops.NewCommand("mkdir -p " + sshop.ShellQuote(r.workBase))
	id := job.MoleQueueID
	r.run(op, "mkdir", func(res channel.Result) {
		job, ok := r.current(id, "mkdir")
		if !ok {
			return
		}
		if res.Failed() {
			r.failure(job, "cannot create remote directory", res)
			return
		}
		r.copyInputFilesToHost(job)
	})
}

func (r *Remote) copyInputFilesToHost(job types.Job) {
	op := r.ops.NewDirUpload(job.LocalWorkingDirectory, r.remoteDir(job.MoleQueueID))
	id := job.MoleQueueID
	r.run(op, "dir-upload", func(res channel.Result) {
		job, ok := r.current(id, "upload")
		if !ok {
			return
		}
		if res.Failed() {
			if !r.mkdirTried[id] && strings.Contains(res.Output+res.ErrorString, missingDirectory) {
				log.Debug("remote working directory missing, creating", "queue", r.name, "moleQueueId", id)
				r.mkdirTried[id] = true
				r.createRemoteDirectory(job)
				return
			}
			r.failure(job, "error while copying input files to remote host", res)
			return
		}
		r.submitJobToRemoteQueue(job)
	})
}

func (r *Remote) submitJobToRemoteQueue(job types.Job) {
	command := fmt.Sprintf("cd %s && %s %s",
		sshop.ShellQuote(r.remoteDir(job.MoleQueueID)), r.cmds.Submit, r.scriptName)
	id := job.MoleQueueID
	r.run(r.ops.NewCommand(command), "submit", func(res channel.Result) {
		job, ok := r.current(id, "submit")
		if !ok {
			return
		}
		if res.Failed() {
			r.failure(job, "could not submit job to remote queue", res)
			return
		}
		queueID, ok := r.backend.ParseQueueID(res.Output)
		if !ok {
			res.ErrorCode = -1
			res.ErrorString = "cannot parse queue id"
			r.failure(job, "could not submit job to remote queue", res)
			return
		}

		delete(r.mkdirTried, id)
		r.failures.Clear(id)
		if err := r.store.SetQueueID(id, queueID); err != nil {
			log.Error("cannot record queue id", "queue", r.name, "moleQueueId", id, "error", err)
		}
		r.jobs[queueID] = id
		r.setState(id, types.StateSubmitted)
		log.Info("job submitted", "queue", r.name, "moleQueueId", id, "queueId", queueID)
	})
}

// failure applies the retry policy to a failed submission step.
func (r *Remote) failure(job types.Job, what string, res channel.Result) {
	id := job.MoleQueueID
	log.Warn(what, "queue", r.name, "moleQueueId", id, "host", r.ops.ConnectionString(),
		"exitCode", res.ErrorCode, "error", res.ErrorString, "output", res.Output)

	if r.failures.Add(id) {
		r.metrics.RecordRetry()
		r.pending = append(r.pending, id)
	} else {
		r.metrics.RecordFailed()
		log.Error("maximum number of retries exceeded", "queue", r.name, "moleQueueId", id)
	}
	r.setState(id, types.StateError)
}

// ============================================================================
// 狀態輪詢
// ============================================================================

func (r *Remote) trackedIDs() []types.ID {
	ids := make([]types.ID, 0, len(r.jobs))
	for qid := range r.jobs {
		ids = append(ids, qid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Remote) requestQueueUpdate() {
	if r.checking || len(r.jobs) == 0 {
		return
	}
	r.checking = true

	command := r.backend.StatusCommand(r.cmds.Status, r.trackedIDs())
	r.run(r.ops.NewCommand(command), "status", r.handleQueueUpdate)
}

func (r *Remote) handleQueueUpdate(res channel.Result) {
	r.checking = false

	if !r.allowed[res.ErrorCode] {
		log.Warn("error requesting queue data", "queue", r.name, "command", r.cmds.Status,
			"host", r.ops.ConnectionString(), "exitCode", res.ErrorCode,
			"error", res.ErrorString, "output", res.Output)
		return
	}

	// queue ids missing from the output have left the batch system
	gone := make(map[types.ID]bool, len(r.jobs))
	for qid := range r.jobs {
		gone[qid] = true
	}

	for _, line := range strings.Split(res.Output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		qid, state, ok := r.backend.ParseQueueLine(line)
		if !ok {
			continue
		}
		id, tracked := r.jobs[qid]
		if !tracked {
			continue
		}
		delete(gone, qid)

		job, ok := r.store.Lookup(id)
		if !ok {
			log.Error("cannot update unknown job", "queue", r.name, "moleQueueId", id, "queueId", qid)
			continue
		}
		if job.State.Terminal() {
			continue
		}
		r.setState(id, state)
	}

	finished := make([]types.ID, 0, len(gone))
	for qid := range gone {
		finished = append(finished, qid)
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i] < finished[j] })
	for _, qid := range finished {
		r.beginFinalizeJob(qid)
	}
}

// ============================================================================
// 收尾
// ============================================================================

func (r *Remote) beginFinalizeJob(queueID types.ID) {
	id, ok := r.jobs[queueID]
	if !ok {
		return
	}
	delete(r.jobs, queueID)

	job, ok := r.store.Lookup(id)
	if !ok || job.State.Terminal() {
		return
	}
	r.finalizeCopyFromServer(job)
}

func (r *Remote) finalizeCopyFromServer(job types.Job) {
	if !job.RetrieveOutput || (job.CleanLocalWorkingDirectory && job.OutputDirectory == "") {
		r.finalizeCopyToCustomDestination(job)
		return
	}

	// lands in <parent>/<moleQueueId>, i.e. the local working directory
	op := r.ops.NewDirDownload(r.remoteDir(job.MoleQueueID), filepath.Dir(job.LocalWorkingDirectory))
	id := job.MoleQueueID
	r.run(op, "dir-download", func(res channel.Result) {
		job, ok := r.current(id, "download")
		if !ok {
			return
		}
		if res.Failed() {
			log.Error("error while copying job output from remote server", "queue", r.name,
				"moleQueueId", id, "host", r.ops.ConnectionString(), "local", job.LocalWorkingDirectory,
				"exitCode", res.ErrorCode, "error", res.ErrorString, "output", res.Output)
			r.setState(id, types.StateError)
			return
		}
		r.finalizeCopyToCustomDestination(job)
	})
}

func (r *Remote) finalizeCopyToCustomDestination(job types.Job) {
	if finalizeOutputDirectory(job) != nil {
		r.setState(job.MoleQueueID, types.StateError)
		return
	}
	r.finalizeJobCleanup(job)
}

func (r *Remote) finalizeJobCleanup(job types.Job) {
	if job.CleanLocalWorkingDirectory {
		cleanLocalDirectory(job)
	}
	if job.CleanRemoteFiles {
		r.cleanRemoteDirectory(job)
	}
	r.setState(job.MoleQueueID, types.StateFinished)
}

func (r *Remote) cleanRemoteDirectory(job types.Job) {
	dir := path.Clean(r.remoteDir(job.MoleQueueID))
	if strings.TrimSpace(dir) == "/" {
		log.Error("refusing to clean remote directory", "queue", r.name,
			"moleQueueId", job.MoleQueueID, "path", dir)
		return
	}

	id := job.MoleQueueID
	r.run(r.ops.NewRemoveDir(dir), "remove", func(res channel.Result) {
		if res.Failed() {
			log.Error("error clearing remote directory", "queue", r.name, "moleQueueId", id,
				"path", dir, "exitCode", res.ErrorCode, "error", res.ErrorString, "output", res.Output)
		}
	})
}

// ============================================================================
// 取消與移除
// ============================================================================

func (r *Remote) Kill(job types.Job) {
	id := job.MoleQueueID

	var wasPending bool
	r.pending, wasPending = removeID(r.pending, id)
	if qid, ok := r.trackedQueueID(job); !wasPending && ok {
		delete(r.jobs, qid)
		r.beginKillJob(job)
	}
	delete(r.mkdirTried, id)
	r.failures.Clear(id)
	r.setState(id, types.StateKilled)
}

// beginKillJob is fire-and-forget; the job is Killed either way.
func (r *Remote) beginKillJob(job types.Job) {
	command := fmt.Sprintf("%s %d", r.cmds.Kill, job.QueueID)
	id, qid := job.MoleQueueID, job.QueueID
	r.run(r.ops.NewCommand(command), "kill", func(res channel.Result) {
		if res.Failed() {
			log.Warn("error cancelling job", "queue", r.name, "moleQueueId", id, "queueId", qid,
				"host", r.ops.ConnectionString(), "exitCode", res.ErrorCode, "output", res.Output)
		}
	})
}

func (r *Remote) Forget(job types.Job) {
	id := job.MoleQueueID
	r.failures.Clear(id)
	delete(r.mkdirTried, id)
	r.pending, _ = removeID(r.pending, id)
	if qid, ok := r.trackedQueueID(job); ok {
		delete(r.jobs, qid)
	}
}

func (r *Remote) trackedQueueID(job types.Job) (types.ID, bool) {
	qid := job.QueueID
	if qid == types.InvalidID {
		return qid, false
	}
	id, ok := r.jobs[qid]
	return qid, ok && id == job.MoleQueueID
}

var _ Queue = (*Remote)(nil)
