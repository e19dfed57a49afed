package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加任務變更到日誌檔案（append-only）
// 2. 啟動時在快照之上重放，補回最後一次快照之後的變更
// 3. 快照寫入成功後截斷日誌
// 4. 批次寫入，終態變更強制同步
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/molequeue/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options 批次寫入設定
type Options struct {
	BufferSize    int           // 緩衝事件數上限，<= 1 表示每次追加都寫入
	FlushInterval time.Duration // 距上次寫入超過此時間則寫入
}

// DefaultOptions 預設批次設定
var DefaultOptions = Options{BufferSize: 64, FlushInterval: time.Second}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex    // 保護並發寫入
	file    FileInterface // WAL 檔案
	encoder *json.Encoder // JSON 編碼器
	path    string        // WAL 檔案路徑
	seq     uint64        // 當前事件序號
	closed  bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, opts Options) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create wal directory: %w", err)
		}
	}

	var seq uint64
	last, err := GetLastEvent(path)
	if err != nil {
		return nil, err
	}
	if last != nil {
		seq = last.Seq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	if opts.BufferSize < 1 {
		opts.BufferSize = 1
	}
	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		buffer:        make([]Event, 0, opts.BufferSize),
		bufferSize:    opts.BufferSize,
		lastFlushTime: time.Now(),
		flushInterval: opts.FlushInterval,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq 並計算 checksum
// - 加入緩衝；緩衝滿、超時或 force 時寫入並同步
// - job 為 nil 時只記錄 ID（EventRemove）
func (w *WAL) Append(eventType EventType, id types.ID, job *types.Job, force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:         w.seq,
		Type:        eventType,
		MoleQueueID: id,
		Timestamp:   time.Now().UnixMilli(),
	}
	if job != nil {
		jobCopy := *job
		event.Job = &jobCopy
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	needFlush := force || len(w.buffer) >= w.bufferSize ||
		(w.flushInterval > 0 && time.Since(w.lastFlushTime) > w.flushInterval)
	if needFlush {
		return w.flushLocked()
	}
	return nil
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 先寫入緩衝中的事件
// - 從頭讀取 WAL 檔案並驗證每個事件的 checksum
// - checksum 錯誤時停止並回傳 *ChecksumError
// - 檔尾無法解碼（寫入中途當機）時停止並回傳 *CorruptionError，
//   之前的事件已交給 handler
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}

	_, err := scan(w.path, func(event Event) error {
		if expected := CalculateChecksum(event); expected != event.Checksum {
			return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
		}
		return handler(event)
	})
	return err
}

// Rotate 清空日誌，seq 歸零；在快照寫入成功後呼叫
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	// 緩衝中的事件已包含在快照裡
	w.buffer = w.buffer[:0]
	if err := w.file.Close(); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		w.closed = true
		return err
	}
	if err := newFile.Sync(); err != nil {
		newFile.Close()
		w.closed = true
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.lastFlushTime = time.Now()
	return nil
}

// Flush 寫入緩衝中的事件
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Close 寫入緩衝並關閉 WAL，關閉後的實例不可再用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// GetPath 取得 WAL 檔案路徑
func (w *WAL) GetPath() string { return w.path }

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}
