// ============================================================================
// MoleQueue Queues - 任務派送後端
// ============================================================================
//
// Package: internal/queue
// 文件: queue.go
// 功能: 佇列介面、共用的程式表與輸入檔寫入
//
// 佇列種類:
//   - Local:  本機 worker pool 執行 launch script
//   - Remote: 經由 SSH 把任務送到 PBS / SGE 批次系統
//
// 執行緒模型:
//   除了建構以外，所有方法都只在 event loop 上呼叫，因此不需要鎖。
//   背景 goroutine（worker pool、ssh 行程）透過 Scheduler.Post 回到 loop。
//
// ============================================================================

package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ChuLiYu/molequeue/pkg/types"
)

var log = slog.With("component", "queue")

var (
	ErrQueueNotFound    = errors.New("queue not found")
	ErrProgramNotFound  = errors.New("program not found")
	ErrDuplicateQueue   = errors.New("queue already exists")
	ErrDuplicateProgram = errors.New("program already exists")
)

// JobStore is the part of the job manager queues mutate.
type JobStore interface {
	Lookup(id types.ID) (types.Job, bool)
	SetState(id types.ID, state types.JobState) error
	SetQueueID(id, queueID types.ID) error
}

// Scheduler runs callbacks on the event loop.
type Scheduler interface {
	Post(fn func())
	Every(interval time.Duration, fn func()) (stop func())
}

// Queue dispatches jobs to one execution backend.
type Queue interface {
	Name() string
	Type() string
	ProgramNames() []string
	Program(name string) (*Program, bool)

	// Submit writes the job's input files and takes ownership of it.
	// A returned error means the job was set to Error.
	Submit(job types.Job) error
	// Resume re-adopts a job restored from a snapshot.
	Resume(job types.Job)
	// Kill marks the job Killed; any backend cleanup is best effort.
	Kill(job types.Job)
	// Forget drops all bookkeeping for a job removed from the store.
	Forget(job types.Job)

	Start() error
	Stop()
}

// base holds what every queue type shares.
type base struct {
	name            string
	kind            string
	programs        map[string]*Program
	store           JobStore
	failures        *FailureTracker
	launchTemplate  string
	scriptName      string
	defaultWallTime int
}

func newBase(name, kind string, store JobStore) base {
	return base{
		name:     name,
		kind:     kind,
		programs: make(map[string]*Program),
		store:    store,
		failures: NewFailureTracker(),
	}
}

func (b *base) Name() string { return b.name }
func (b *base) Type() string { return b.kind }

// AddProgram registers p under its name.
func (b *base) AddProgram(p *Program) error {
	if _, ok := b.programs[p.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProgram, p.Name)
	}
	b.programs[p.Name] = p
	return nil
}

func (b *base) Program(name string) (*Program, bool) {
	p, ok := b.programs[name]
	return p, ok
}

func (b *base) ProgramNames() []string {
	names := make([]string, 0, len(b.programs))
	for name := range b.programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Failures exposes the retry bookkeeping.
func (b *base) Failures() *FailureTracker { return b.failures }

// LaunchScript renders the launch script of job.
func (b *base) LaunchScript(job types.Job) (string, error) {
	p, ok := b.programs[job.Program]
	if !ok {
		return "", fmt.Errorf("%w: queue %s has no program %q", ErrProgramNotFound, b.name, job.Program)
	}
	return ReplaceKeywords(p.LaunchTemplate(b.launchTemplate), job, b.defaultWallTime, true), nil
}

func (b *base) writeInputFiles(job types.Job) error {
	script, err := b.LaunchScript(job)
	if err != nil {
		return err
	}
	return WriteInputFiles(job, b.scriptName, script)
}

// setState logs instead of failing; the job may have been removed meanwhile.
func (b *base) setState(id types.ID, state types.JobState) {
	if err := b.store.SetState(id, state); err != nil {
		log.Error("cannot update job state", "queue", b.name, "moleQueueId", id,
			"state", state, "error", err)
	}
}

// current returns the job if a completion for it should still act.
func (b *base) current(id types.ID, step string) (types.Job, bool) {
	job, ok := b.store.Lookup(id)
	if !ok {
		log.Error("completion for unknown job", "queue", b.name, "step", step, "moleQueueId", id)
		return job, false
	}
	if job.State.Terminal() {
		log.Debug("ignoring completion for finished job", "queue", b.name, "step", step,
			"moleQueueId", id, "state", job.State)
		return job, false
	}
	return job, true
}

func removeID(ids []types.ID, id types.ID) ([]types.ID, bool) {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...), true
		}
	}
	return ids, false
}
