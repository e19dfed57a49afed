// ============================================================================
// MoleQueue Config - YAML 設定檔
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 定義伺服器設定結構、預設值與驗證
//
// 設定分區:
//   - server:  本機 socket、訊息匯流排位址、工作目錄、快照與變更日誌
//   - log:     slog 等級與格式
//   - http:    狀態 API 與 /metrics
//   - health:  gRPC health 服務
//   - queues:  佇列定義（local / pbs / sge）與各自的程式
//
// 時間欄位使用 Go duration 字串（例如 "5s"、"1m30s"）
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Queue types
const (
	TypeLocal = "local"
	TypePBS   = "pbs"
	TypeSGE   = "sge"
)

// Remote backends
const (
	BackendNative  = "native"
	BackendOpenSSH = "openssh"
)

// Config 系統完整設定
type Config struct {
	Server ServerConfig  `yaml:"server"`
	Log    LogConfig     `yaml:"log"`
	HTTP   HTTPConfig    `yaml:"http"`
	Health HealthConfig  `yaml:"health"`
	Queues []QueueConfig `yaml:"queues"`
}

type ServerConfig struct {
	SocketPath       string        `yaml:"socket_path"`
	BusAddress       string        `yaml:"bus_address"` // 空字串停用匯流排 listener
	WorkDir          string        `yaml:"work_dir"`    // 本機任務目錄在 <work_dir>/jobs/<moleQueueId>
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SnapshotBackups  int           `yaml:"snapshot_backups"`
	JournalPath      string        `yaml:"journal_path"` // 快照之間的任務變更日誌，空字串停用
	Strict           bool          `yaml:"strict"` // 嚴格 JSON-RPC 驗證
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

type HTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ProgramConfig 佇列上可執行的程式
type ProgramConfig struct {
	Name           string `yaml:"name"`
	Executable     string `yaml:"executable"`
	Arguments      string `yaml:"arguments"`
	InputFilename  string `yaml:"input_filename"`
	OutputFilename string `yaml:"output_filename"`
	LaunchSyntax   string `yaml:"launch_syntax"`   // plain, input_arg, input_arg_no_ext, redirect, input_arg_output_redirect, custom
	LaunchTemplate string `yaml:"launch_template"` // custom 語法使用
}

// QueueConfig 單一佇列設定
type QueueConfig struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	Cores int    `yaml:"cores"` // local 佇列同時執行的任務數

	// 遠端連線
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	IdentityFile string `yaml:"identity_file"`
	KnownHosts   string `yaml:"known_hosts"`
	Backend      string `yaml:"backend"`
	SSHCommand   string `yaml:"ssh_command"`
	SCPCommand   string `yaml:"scp_command"`

	// 遠端佇列行為
	WorkingDirectoryBase string        `yaml:"working_directory_base"`
	SubmitCommand        string        `yaml:"submit_command"`
	StatusCommand        string        `yaml:"status_command"`
	KillCommand          string        `yaml:"kill_command"`
	AllowedExitCodes     []int         `yaml:"allowed_exit_codes"`
	UpdateInterval       time.Duration `yaml:"update_interval"`
	PendingInterval      time.Duration `yaml:"pending_interval"`
	DefaultMaxWallTime   int           `yaml:"default_max_wall_time"` // minutes
	LaunchTemplate       string        `yaml:"launch_template"`
	LaunchScriptName     string        `yaml:"launch_script_name"`

	Programs []ProgramConfig `yaml:"programs"`
}

// Remote reports whether the queue reaches a batch system over SSH.
func (q QueueConfig) Remote() bool {
	return q.Type == TypePBS || q.Type == TypeSGE
}

// Default 回傳預設設定
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	base := filepath.Join(home, ".molequeue")
	return &Config{
		Server: ServerConfig{
			SocketPath:       filepath.Join(base, "molequeue.sock"),
			WorkDir:          base,
			SnapshotPath:     filepath.Join(base, "jobs.json"),
			SnapshotInterval: time.Minute,
			SnapshotBackups:  3,
			JournalPath:      filepath.Join(base, "jobs.wal"),
		},
		Log:    LogConfig{Level: "info", Format: "text"},
		HTTP:   HTTPConfig{Enabled: true, Port: 9090},
		Health: HealthConfig{Enabled: false, Port: 50051},
	}
}

// Load 讀取 YAML 設定檔，未指定的欄位沿用預設值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 內容並驗證
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Queues {
		q := &c.Queues[i]
		if q.Type == "" {
			q.Type = TypeLocal
		}
		if q.Cores <= 0 {
			q.Cores = 1
		}
		if !q.Remote() {
			continue
		}
		if q.Port == 0 {
			q.Port = 22
		}
		if q.Backend == "" {
			q.Backend = BackendNative
		}
		if q.UpdateInterval <= 0 {
			q.UpdateInterval = time.Minute
		}
		if q.PendingInterval <= 0 {
			q.PendingInterval = 5 * time.Second
		}
		if q.DefaultMaxWallTime <= 0 {
			q.DefaultMaxWallTime = 24 * 60
		}
	}
}

// Validate 檢查設定是否合法
func (c *Config) Validate() error {
	if c.Server.WorkDir == "" {
		return fmt.Errorf("%w: server.work_dir is required", ErrInvalidConfig)
	}
	if c.Server.SocketPath == "" && c.Server.BusAddress == "" {
		return fmt.Errorf("%w: at least one of server.socket_path or server.bus_address is required", ErrInvalidConfig)
	}

	seen := make(map[string]bool)
	for _, q := range c.Queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queue without name", ErrInvalidConfig)
		}
		if seen[q.Name] {
			return fmt.Errorf("%w: duplicate queue %q", ErrInvalidConfig, q.Name)
		}
		seen[q.Name] = true

		switch q.Type {
		case TypeLocal:
		case TypePBS, TypeSGE:
			if q.Host == "" {
				return fmt.Errorf("%w: remote queue %q has no host", ErrInvalidConfig, q.Name)
			}
			if q.Backend != BackendNative && q.Backend != BackendOpenSSH {
				return fmt.Errorf("%w: queue %q has unknown backend %q", ErrInvalidConfig, q.Name, q.Backend)
			}
		default:
			return fmt.Errorf("%w: queue %q has unknown type %q", ErrInvalidConfig, q.Name, q.Type)
		}

		programs := make(map[string]bool)
		for _, p := range q.Programs {
			if p.Name == "" {
				return fmt.Errorf("%w: queue %q has a program without name", ErrInvalidConfig, q.Name)
			}
			if programs[p.Name] {
				return fmt.Errorf("%w: queue %q has duplicate program %q", ErrInvalidConfig, q.Name, p.Name)
			}
			programs[p.Name] = true
		}
	}
	return nil
}
