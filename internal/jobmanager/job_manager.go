// ============================================================================
// MoleQueue 任務管理器 - 任務登記與狀態追蹤
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 分配 moleQueueId、保存每個任務的選項集合、廣播狀態變化
//
// 設計理念:
//   1. jobs map - 統一的任務存儲，作為單一真實來源 (Single Source of Truth)
//   2. byState 索引 - 按狀態分組的 ID 集合，提供快速查詢與統計
//   3. 兩者在同一把鎖下更新，確保狀態一致性
//
// 狀態轉換由佇列驅動 (internal/queue)，本模組只負責記錄與通知：
//   None → Accepted → Submitted → QueuedRemote → RunningRemote → Finished
//   任何狀態都可能進入 Error 或 Killed
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 監聽器在鎖外呼叫，避免監聽器回呼造成死鎖
//
// 快照支持:
//   - Snapshot() - 序列化當前所有任務與下一個 ID
//   - Restore() - 從快照恢復
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sort"
	"sync"

	"github.com/ChuLiYu/molequeue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 快照版本不符
	ErrSchemaVersion = errors.New("unsupported snapshot schema version")
)

// SchemaVersion 快照資料結構版本
const SchemaVersion = 1

// StateChange 狀態變化事件
type StateChange struct {
	Job      types.Job
	OldState types.JobState
	NewState types.JobState
}

// JobManager 任務管理器
type JobManager struct {
	mu      sync.RWMutex
	jobs    map[types.ID]*types.Job
	byState map[types.JobState]map[types.ID]struct{}
	nextID  types.ID

	listenerMu      sync.RWMutex
	stateListeners  []func(StateChange)
	removeListeners []func(types.Job)
}

// NewJobManager 建立新的任務管理器，moleQueueId 從 1 開始分配
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:    make(map[types.ID]*types.Job),
		byState: make(map[types.JobState]map[types.ID]struct{}),
		nextID:  1,
	}
}

// OnStateChange 註冊狀態變化監聽器
func (jm *JobManager) OnStateChange(fn func(StateChange)) {
	jm.listenerMu.Lock()
	defer jm.listenerMu.Unlock()
	jm.stateListeners = append(jm.stateListeners, fn)
}

// OnRemove 註冊任務移除監聽器
func (jm *JobManager) OnRemove(fn func(types.Job)) {
	jm.listenerMu.Lock()
	defer jm.listenerMu.Unlock()
	jm.removeListeners = append(jm.removeListeners, fn)
}

func (jm *JobManager) index(job *types.Job) {
	set, ok := jm.byState[job.State]
	if !ok {
		set = make(map[types.ID]struct{})
		jm.byState[job.State] = set
	}
	set[job.MoleQueueID] = struct{}{}
}

func (jm *JobManager) unindex(job *types.Job) {
	if set, ok := jm.byState[job.State]; ok {
		delete(set, job.MoleQueueID)
	}
}

// NewJob 登記一個新任務並分配 moleQueueId
//
// 參數說明：
//   - opts: 客戶端提交的選項集合；MoleQueueID 與 QueueID 會被覆寫
//
// 返回值：
//   - types.Job: 登記後的任務副本，狀態為 None
//
// 併發安全：使用互斥鎖保護
func (jm *JobManager) NewJob(opts types.Job) types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := opts
	job.MoleQueueID = jm.nextID
	job.QueueID = types.InvalidID
	job.State = types.StateNone
	jm.nextID++

	jm.jobs[job.MoleQueueID] = &job
	jm.index(&job)
	return job
}

// Lookup 取得任務副本
func (jm *JobManager) Lookup(id types.ID) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return *job, true
}

// SetState 更新任務狀態並通知監聽器；狀態未改變時不通知
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在於系統中
func (jm *JobManager) SetState(id types.ID, state types.JobState) error {
	jm.mu.Lock()
	job, ok := jm.jobs[id]
	if !ok {
		jm.mu.Unlock()
		return ErrJobNotFound
	}
	old := job.State
	if old == state {
		jm.mu.Unlock()
		return nil
	}
	jm.unindex(job)
	job.State = state
	jm.index(job)
	change := StateChange{Job: *job, OldState: old, NewState: state}
	jm.mu.Unlock()

	jm.listenerMu.RLock()
	listeners := append([]func(StateChange){}, jm.stateListeners...)
	jm.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}
	return nil
}

// SetQueueID 記錄批次系統指派的 queueId
func (jm *JobManager) SetQueueID(id, queueID types.ID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	job, ok := jm.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.QueueID = queueID
	return nil
}

// Update 以 fn 修改任務選項；moleQueueId 與狀態不可透過此方法修改
func (jm *JobManager) Update(id types.ID, fn func(job *types.Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	job, ok := jm.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	state := job.State
	fn(job)
	job.MoleQueueID = id
	job.State = state
	return nil
}

// Remove 移除任務並通知監聽器
func (jm *JobManager) Remove(id types.ID) error {
	jm.mu.Lock()
	job, ok := jm.jobs[id]
	if !ok {
		jm.mu.Unlock()
		return ErrJobNotFound
	}
	jm.unindex(job)
	delete(jm.jobs, id)
	removed := *job
	jm.mu.Unlock()

	jm.listenerMu.RLock()
	listeners := append([]func(types.Job){}, jm.removeListeners...)
	jm.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(removed)
	}
	return nil
}

// Jobs 取得所有任務副本，按 moleQueueId 排序
func (jm *JobManager) Jobs() []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MoleQueueID < out[j].MoleQueueID })
	return out
}

// InState 取得處於指定狀態的任務 ID，已排序
func (jm *JobManager) InState(state types.JobState) []types.ID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	ids := make([]types.ID, 0, len(jm.byState[state]))
	for id := range jm.byState[state] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count 任務總數
func (jm *JobManager) Count() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// Stats 取得各狀態任務的統計資訊，鍵為狀態名稱
//
// 使用範例：
//
//	stats := jm.Stats()
//	log.Info("jobs", "running", stats["RunningRemote"], "error", stats["Error"])
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := make(map[string]int, len(jm.byState))
	for state, set := range jm.byState {
		if len(set) > 0 {
			stats[state.String()] = len(set)
		}
	}
	return stats
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Snapshot 生成快照資料（深拷貝）
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobsCopy := make(map[types.ID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		jobCopy := *job
		jobsCopy[id] = &jobCopy
	}

	return types.SnapshotData{
		Jobs:      jobsCopy,
		NextID:    jm.nextID,
		SchemaVer: SchemaVersion,
	}
}

// Restore 從快照恢復狀態，清空現有任務
//
// 錯誤處理：
//   - ErrSchemaVersion: 快照版本不是 SchemaVersion
func (jm *JobManager) Restore(data types.SnapshotData) error {
	if data.SchemaVer != 0 && data.SchemaVer != SchemaVersion {
		return ErrSchemaVersion
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.ID]*types.Job, len(data.Jobs))
	jm.byState = make(map[types.JobState]map[types.ID]struct{})
	jm.nextID = 1

	for id, job := range data.Jobs {
		if job == nil {
			continue
		}
		restored := *job
		restored.MoleQueueID = id
		jm.jobs[id] = &restored
		jm.index(&restored)
		if id >= jm.nextID {
			jm.nextID = id + 1
		}
	}
	if data.NextID > jm.nextID {
		jm.nextID = data.NextID
	}
	return nil
}
