// ============================================================================
// MoleQueue 領域模型 - Job / JobState / QueueList
// ============================================================================
//
// Package: pkg/types
// 文件: types.go
// 功能: 定義跨模組共享的任務資料結構
//
// Job 的生命週期:
//   None → Accepted → (QueuedLocal | Submitted → QueuedRemote)
//        → (RunningLocal | RunningRemote) → Finished
//   任何步驟都可能進入 Error；Killed 由取消請求觸發
//
// ============================================================================

package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ID is the integer type used for moleQueueIds, queueIds and packet ids.
type ID = uint64

// InvalidID marks an unset moleQueueId or queueId.
const InvalidID ID = ^ID(0)

// JobState 任務狀態
type JobState int

const (
	StateUnknown JobState = iota - 1
	StateNone
	StateAccepted
	StateQueuedLocal
	StateSubmitted
	StateQueuedRemote
	StateRunningLocal
	StateRunningRemote
	StateFinished
	StateKilled
	StateError
)

var stateNames = map[JobState]string{
	StateUnknown:       "Unknown",
	StateNone:          "None",
	StateAccepted:      "Accepted",
	StateQueuedLocal:   "QueuedLocal",
	StateSubmitted:     "Submitted",
	StateQueuedRemote:  "QueuedRemote",
	StateRunningLocal:  "RunningLocal",
	StateRunningRemote: "RunningRemote",
	StateFinished:      "Finished",
	StateKilled:        "Killed",
	StateError:         "Error",
}

func (s JobState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return stateNames[StateUnknown]
}

// ParseJobState is case-insensitive; unrecognized names map to StateUnknown.
func ParseJobState(name string) JobState {
	for state, n := range stateNames {
		if strings.EqualFold(n, name) {
			return state
		}
	}
	return StateUnknown
}

// Terminal reports whether no further queue work may touch the job.
func (s JobState) Terminal() bool {
	return s == StateFinished || s == StateKilled
}

func (s JobState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *JobState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("job state must be a string: %w", err)
	}
	*s = ParseJobState(name)
	return nil
}

// SubmissionErrorCode is carried in the error object of a failed submitJob reply.
type SubmissionErrorCode int

const (
	SubmissionSuccess SubmissionErrorCode = iota
	InvalidQueue
	InvalidProgram
	InvalidMoleQueueID
	JobAlreadyFinished
	UnknownSubmissionError
)

// FileSpec 輸入檔案描述：內嵌內容或本機路徑
type FileSpec struct {
	Filename string `json:"filename,omitempty"`
	Contents string `json:"contents,omitempty"`
	Path     string `json:"path,omitempty"`
}

// Valid reports whether the spec names a file.
func (f FileSpec) Valid() bool {
	return f.Filename != "" || f.Path != ""
}

// Name returns the file name the spec materializes as.
func (f FileSpec) Name() string {
	if f.Filename != "" {
		return f.Filename
	}
	return filepath.Base(f.Path)
}

// BaseName is Name without its extension.
func (f FileSpec) BaseName() string {
	name := f.Name()
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Job 任務的完整選項集合
type Job struct {
	// 識別
	MoleQueueID ID       `json:"moleQueueId"`
	QueueID     ID       `json:"queueId"`
	State       JobState `json:"jobState"`

	// 派送目標
	Queue       string `json:"queue"`
	Program     string `json:"program"`
	Description string `json:"description,omitempty"`

	// 輸入
	InputFile            FileSpec          `json:"inputFile"`
	AdditionalInputFiles []FileSpec        `json:"additionalInputFiles,omitempty"`
	Keywords             map[string]string `json:"keywords,omitempty"`

	// 目錄
	OutputDirectory       string `json:"outputDirectory,omitempty"`
	LocalWorkingDirectory string `json:"localWorkingDirectory,omitempty"`

	// 清理與回收
	CleanRemoteFiles           bool `json:"cleanRemoteFiles"`
	RetrieveOutput             bool `json:"retrieveOutput"`
	CleanLocalWorkingDirectory bool `json:"cleanLocalWorkingDirectory"`
	HideFromGui                bool `json:"hideFromGui"`
	PopupOnStateChange         bool `json:"popupOnStateChange"`

	// 資源
	NumberOfCores int `json:"numberOfCores"`
	MaxWallTime   int `json:"maxWallTime"` // minutes, <= 0 uses the queue default
}

// NewJob returns a job carrying the option defaults.
func NewJob() Job {
	return Job{
		MoleQueueID:    InvalidID,
		QueueID:        InvalidID,
		State:          StateNone,
		RetrieveOutput: true,
		NumberOfCores:  1,
		MaxWallTime:    -1,
	}
}

// Hash returns the job's option set as a generic JSON object.
func (j Job) Hash() map[string]any {
	data, err := json.Marshal(j)
	if err != nil {
		return map[string]any{}
	}
	var hash map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&hash); err != nil {
		return map[string]any{}
	}
	return hash
}

// JobFromHash builds a job from an option set, filling absent options with defaults.
func JobFromHash(hash map[string]any) (Job, error) {
	job := NewJob()
	data, err := json.Marshal(hash)
	if err != nil {
		return job, fmt.Errorf("encode job options: %w", err)
	}
	if err := json.Unmarshal(data, &job); err != nil {
		return job, fmt.Errorf("decode job options: %w", err)
	}
	return job, nil
}

// QueueList maps queue names to the programs each queue offers.
type QueueList map[string][]string

// Names returns the queue names in sorted order.
func (l QueueList) Names() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SnapshotData 快照資料，包含所有任務的完整狀態
type SnapshotData struct {
	Jobs      map[ID]*Job `json:"jobs"`       // 所有任務的完整資料
	NextID    ID          `json:"next_id"`    // 下一個要分配的 moleQueueId
	SchemaVer int         `json:"schema_ver"` // 資料結構版本號，用於向後相容性
}
