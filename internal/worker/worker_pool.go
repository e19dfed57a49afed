// ============================================================================
// MoleQueue Worker Pool - 本機任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期、任務分發與取消
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量的 Worker（等於本機佇列的核心數）持續運行
//   2. 通過共享的任務 channel 分發任務
//   3. 通過結果 channel 收集執行結果
//
// 架構組件:
//   ┌─────────────┐
//   │ Local queue │ --Submit()/Cancel()--> Pool
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Cancel(id) - 取消排隊中或執行中的任務
//   6. Stop() - 關閉 stopCh，終止執行中的行程，等待所有 Worker 退出
//
// 並發控制:
//   - taskCh 永不關閉：Worker 以 stopCh 退出，Submit 不會對已關閉 channel 發送
//   - registry: 以互斥鎖保護排隊中/執行中的任務集合
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/molequeue/pkg/types"
)

var log = slog.With("component", "worker")

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrDuplicateTask 表示同一個 JobID 已在池中
	ErrDuplicateTask = errors.New("task already queued or running")
)

// ============================================================================
// 取消登記表
// ============================================================================

type registry struct {
	mu       sync.Mutex
	base     context.Context
	queued   map[types.ID]bool
	canceled map[types.ID]bool
	running  map[types.ID]context.CancelFunc
}

func newRegistry(base context.Context) *registry {
	return &registry{
		base:     base,
		queued:   make(map[types.ID]bool),
		canceled: make(map[types.ID]bool),
		running:  make(map[types.ID]context.CancelFunc),
	}
}

func (r *registry) enqueue(id types.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queued[id] || r.running[id] != nil {
		return false
	}
	r.queued[id] = true
	return true
}

// dequeue undoes enqueue for a task that never reached taskCh.
func (r *registry) dequeue(id types.ID) {
	r.mu.Lock()
	delete(r.queued, id)
	r.mu.Unlock()
}

// begin claims id for a worker. It reports false if id was canceled while queued.
func (r *registry) begin(id types.ID) (context.Context, context.CancelFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queued, id)
	if r.canceled[id] {
		delete(r.canceled, id)
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(r.base)
	r.running[id] = cancel
	return ctx, cancel, true
}

func (r *registry) end(id types.ID) {
	r.mu.Lock()
	delete(r.running, id)
	r.mu.Unlock()
}

func (r *registry) cancel(id types.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.running[id]; ok {
		cancel()
		return true
	}
	if r.queued[id] {
		r.canceled[id] = true
		return true
	}
	return false
}

func (r *registry) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker          // 所有啟動的 Worker 實例
	taskCh   chan Task          // 任務通道
	resultCh chan Result        // 結果通道
	stopCh   chan struct{}      // 停止訊號
	reg      *registry          // 排隊中/執行中任務
	cancel   context.CancelFunc // 終止所有執行中的行程
	wg       sync.WaitGroup     // 等待所有 Worker 完成
	started  bool               // Pool 是否已啟動
	stopped  bool               // Pool 是否已停止
	mu       sync.Mutex         // 保護 started 和 stopped 狀態
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
//
// 返回值：
//   - *Pool: Worker Pool 實例
func NewPool(bufferSize int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		reg:      newRegistry(ctx),
		cancel:   cancel,
	}
}

// Start 啟動指定數量的 Worker
// 參數：
//   - workerCount: 要啟動的 Worker 數量
//
// 返回值：
//   - error: 如果 Pool 已啟動則返回錯誤
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh, p.stopCh, p.reg)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool
//
// 參數：
//   - task: 要執行的任務
//
// 返回值：
//   - error: Pool 未啟動、已關閉或同一 JobID 已在池中
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	if !p.reg.enqueue(task.JobID) {
		return ErrDuplicateTask
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		p.reg.dequeue(task.JobID)
		return ErrPoolClosed
	}
}

// Cancel 取消排隊中或執行中的任務
//
// 排隊中的任務在被 Worker 取出時直接回報 Canceled；
// 執行中的任務其行程會被終止。
//
// 返回值：
//   - bool: 任務是否在池中
func (p *Pool) Cancel(id types.ID) bool {
	return p.reg.cancel(id)
}

// ReceiveResult 從結果通道接收執行結果
// 返回值：
//   - Result: 任務執行結果
//   - error: 如果 Pool 已關閉則返回錯誤
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop 關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，Worker 不再接收新任務
//  3. 取消基底 context，終止執行中的行程
//  4. 等待所有 Worker 退出
//  5. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.cancel()

	p.wg.Wait()

	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Running 返回目前執行中的任務數
func (p *Pool) Running() int {
	return p.reg.active()
}
