package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能
// ============================================================================

import (
	"encoding/json"
	"errors"
	"io"
	"os"
)

// scan 逐一解碼檔案中的事件，不驗證 checksum
//
// 回傳最後一個成功解碼的 seq；遇到無法解碼的資料時回傳 *CorruptionError
func scan(path string, fn func(Event) error) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	var lastSeq uint64
	decoder := json.NewDecoder(file)
	for {
		var event Event
		offset := decoder.InputOffset()
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return lastSeq, nil
			}
			return lastSeq, &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
		}
		if err := fn(event); err != nil {
			return lastSeq, err
		}
		lastSeq = event.Seq
	}
}

// GetLastEvent 從 WAL 檔案讀取最後一個可解碼的事件
//
// 用途：NewWAL 時需要取得 last_seq 以繼續編號
// 檔案為空或不存在時回傳 nil
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	_, err := scan(path, func(e Event) error {
		last = &e
		return nil
	})
	if err != nil && !errors.Is(err, ErrCorruptedWAL) {
		return nil, err
	}
	return last, nil
}

// CountEvents 計算 WAL 中可解碼的事件總數
func CountEvents(path string) (int, error) {
	n := 0
	_, err := scan(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}
