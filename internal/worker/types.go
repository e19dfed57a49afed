package worker

import (
	"time"

	"github.com/ChuLiYu/molequeue/pkg/types"
)

// Task 代表要執行的本機任務
type Task struct {
	JobID   types.ID      // 對應的 moleQueueId
	Command []string      // argv，通常是 {"/bin/sh", "<launcher script>"}
	Dir     string        // 工作目錄
	LogFile string        // stdout/stderr 寫入的檔案，空字串則丟棄
	Timeout time.Duration // 執行超時時間，0 表示不限制
	Started func(pid int) // 行程啟動後於 Worker goroutine 呼叫
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.ID      // 任務 ID
	Success  bool          // 行程是否以 0 結束
	ExitCode int           // 行程結束碼，未啟動時為 -1
	Canceled bool          // 是否被 Cancel 中止（含排隊中取消）
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
