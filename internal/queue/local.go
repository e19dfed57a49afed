package queue

// ============================================================================
// Local Queue - 本機執行
// ============================================================================
//
// 每個任務的 launch script 交給 worker pool 以 /bin/sh 執行:
//
//   Accepted -> QueuedLocal -> RunningLocal -> Finished | Error
//
// 行程的 PID 會被記為 queueId。worker 的結果由收集 goroutine
// 轉交回 event loop，與遠端佇列相同的 current() 檢查確保被取消
// 的任務不會再被改動。
//
// ============================================================================

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ChuLiYu/molequeue/internal/metrics"
	"github.com/ChuLiYu/molequeue/internal/worker"
	"github.com/ChuLiYu/molequeue/pkg/types"
)

const (
	DefaultLocalLaunchTemplate = "#!/bin/sh\n\n$$programExecution$$\n"
	LocalLogName               = "molequeue.log"
)

// LocalConfig describes a local queue.
type LocalConfig struct {
	Name               string
	Cores              int
	LaunchTemplate     string
	LaunchScriptName   string
	DefaultMaxWallTime int
}

// Local runs jobs as child processes of the server.
type Local struct {
	base
	pool    *worker.Pool
	sched   Scheduler
	metrics *metrics.Collector
	cores   int
	wg      sync.WaitGroup
}

func NewLocal(cfg LocalConfig, store JobStore, sched Scheduler, m *metrics.Collector) *Local {
	l := &Local{
		base:    newBase(cfg.Name, "local", store),
		sched:   sched,
		metrics: m,
		cores:   cfg.Cores,
	}
	if l.cores <= 0 {
		l.cores = 1
	}
	l.pool = worker.NewPool(64)
	l.launchTemplate = cfg.LaunchTemplate
	if l.launchTemplate == "" {
		l.launchTemplate = DefaultLocalLaunchTemplate
	}
	l.scriptName = cfg.LaunchScriptName
	if l.scriptName == "" {
		l.scriptName = DefaultLaunchScriptName
	}
	l.defaultWallTime = cfg.DefaultMaxWallTime
	if l.defaultWallTime <= 0 {
		l.defaultWallTime = DefaultMaxWallTime
	}
	return l
}

// Cores is the number of jobs run concurrently.
func (l *Local) Cores() int { return l.cores }

func (l *Local) Start() error {
	if err := l.pool.Start(l.cores); err != nil {
		return err
	}
	l.wg.Add(1)
	go l.collect()
	log.Info("local queue started", "queue", l.name, "cores", l.cores)
	return nil
}

func (l *Local) Stop() {
	l.pool.Stop()
	l.wg.Wait()
}

// collect forwards worker results to the loop until the pool closes.
func (l *Local) collect() {
	defer l.wg.Done()
	for {
		res, err := l.pool.ReceiveResult()
		if err != nil {
			return
		}
		l.sched.Post(func() { l.finished(res) })
	}
}

func (l *Local) Submit(job types.Job) error {
	if err := l.writeInputFiles(job); err != nil {
		log.Error("error while writing input files", "queue", l.name,
			"moleQueueId", job.MoleQueueID, "error", err)
		l.setState(job.MoleQueueID, types.StateError)
		return err
	}
	l.setState(job.MoleQueueID, types.StateAccepted)
	return l.enqueue(job)
}

func (l *Local) enqueue(job types.Job) error {
	id := job.MoleQueueID
	task := worker.Task{
		JobID:   id,
		Command: []string{"/bin/sh", l.scriptName},
		Dir:     job.LocalWorkingDirectory,
		LogFile: filepath.Join(job.LocalWorkingDirectory, LocalLogName),
		Started: func(pid int) {
			l.sched.Post(func() { l.started(id, pid) })
		},
	}
	if err := l.pool.Submit(task); err != nil && !errors.Is(err, worker.ErrDuplicateTask) {
		log.Error("cannot queue local job", "queue", l.name, "moleQueueId", id, "error", err)
		l.setState(id, types.StateError)
		return err
	}
	l.setState(id, types.StateQueuedLocal)
	return nil
}

func (l *Local) started(id types.ID, pid int) {
	if _, ok := l.current(id, "start"); !ok {
		return
	}
	if err := l.store.SetQueueID(id, types.ID(pid)); err != nil {
		log.Error("cannot record pid", "queue", l.name, "moleQueueId", id, "error", err)
	}
	l.setState(id, types.StateRunningLocal)
}

func (l *Local) finished(res worker.Result) {
	job, ok := l.current(res.JobID, "exit")
	if !ok || res.Canceled {
		return
	}
	if !res.Success {
		log.Error("local job failed", "queue", l.name, "moleQueueId", res.JobID,
			"exitCode", res.ExitCode, "error", res.Error)
		l.metrics.RecordFailed()
		l.setState(res.JobID, types.StateError)
		return
	}

	if finalizeOutputDirectory(job) != nil {
		l.setState(job.MoleQueueID, types.StateError)
		return
	}
	if job.CleanLocalWorkingDirectory {
		cleanLocalDirectory(job)
	}
	log.Info("local job finished", "queue", l.name, "moleQueueId", job.MoleQueueID, "duration", res.Duration)
	l.setState(job.MoleQueueID, types.StateFinished)
}

func (l *Local) Kill(job types.Job) {
	l.pool.Cancel(job.MoleQueueID)
	l.setState(job.MoleQueueID, types.StateKilled)
}

func (l *Local) Resume(job types.Job) {
	if job.State.Terminal() || job.State == types.StateError {
		return
	}
	if strings.TrimSpace(job.LocalWorkingDirectory) == "" {
		l.setState(job.MoleQueueID, types.StateError)
		return
	}
	// the process did not survive the restart; run it again
	if err := l.enqueue(job); err != nil {
		log.Warn("cannot resume local job", "queue", l.name, "moleQueueId", job.MoleQueueID, "error", err)
	}
}

func (l *Local) Forget(job types.Job) {
	l.pool.Cancel(job.MoleQueueID)
	l.failures.Clear(job.MoleQueueID)
}

var _ Queue = (*Local)(nil)
