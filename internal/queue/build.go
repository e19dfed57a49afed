package queue

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/molequeue/internal/channel"
	"github.com/ChuLiYu/molequeue/internal/config"
	"github.com/ChuLiYu/molequeue/internal/metrics"
	"github.com/ChuLiYu/molequeue/internal/sshclient"
	"github.com/ChuLiYu/molequeue/internal/sshop"
)

// DefaultRemoteWorkingDirectory is used when a remote queue names no base;
// it is relative to the remote login directory.
const DefaultRemoteWorkingDirectory = "molequeue/jobs"

const sshTimeout = 30 * time.Second

// Env is what Build needs from the server.
type Env struct {
	Loop     Scheduler
	Store    JobStore
	Metrics  *metrics.Collector
	Password func(prompt string) (string, error) // optional, for native ssh
}

// Build creates the queue described by cfg, with its programs.
func Build(cfg config.QueueConfig, env Env) (Queue, error) {
	programs, err := buildPrograms(cfg)
	if err != nil {
		return nil, err
	}

	var q interface {
		Queue
		AddProgram(*Program) error
	}
	switch cfg.Type {
	case config.TypeLocal, "":
		q = NewLocal(LocalConfig{
			Name:               cfg.Name,
			Cores:              cfg.Cores,
			LaunchTemplate:     cfg.LaunchTemplate,
			LaunchScriptName:   cfg.LaunchScriptName,
			DefaultMaxWallTime: cfg.DefaultMaxWallTime,
		}, env.Store, env.Loop, env.Metrics)
	case config.TypePBS, config.TypeSGE:
		backend, ok := BackendFor(cfg.Type)
		if !ok {
			return nil, fmt.Errorf("queue %s: unknown type %q", cfg.Name, cfg.Type)
		}
		ops, err := buildFactory(cfg, env)
		if err != nil {
			return nil, err
		}
		base := cfg.WorkingDirectoryBase
		if base == "" {
			base = DefaultRemoteWorkingDirectory
		}
		q = NewRemote(RemoteConfig{
			Name:                 cfg.Name,
			Backend:              backend,
			Commands:             Commands{Submit: cfg.SubmitCommand, Status: cfg.StatusCommand, Kill: cfg.KillCommand},
			WorkingDirectoryBase: base,
			LaunchTemplate:       cfg.LaunchTemplate,
			LaunchScriptName:     cfg.LaunchScriptName,
			DefaultMaxWallTime:   cfg.DefaultMaxWallTime,
			AllowedExitCodes:     cfg.AllowedExitCodes,
			UpdateInterval:       cfg.UpdateInterval,
			PendingInterval:      cfg.PendingInterval,
		}, ops, env.Store, env.Loop, env.Metrics)
	default:
		return nil, fmt.Errorf("queue %s: unknown type %q", cfg.Name, cfg.Type)
	}

	for _, p := range programs {
		if err := q.AddProgram(p); err != nil {
			return nil, fmt.Errorf("queue %s: %w", cfg.Name, err)
		}
	}
	return q, nil
}

func buildPrograms(cfg config.QueueConfig) ([]*Program, error) {
	programs := make([]*Program, 0, len(cfg.Programs))
	for _, pc := range cfg.Programs {
		syntax, err := ParseLaunchSyntax(pc.LaunchSyntax)
		if err != nil {
			return nil, fmt.Errorf("queue %s program %s: %w", cfg.Name, pc.Name, err)
		}
		programs = append(programs, &Program{
			Name:           pc.Name,
			Executable:     pc.Executable,
			Arguments:      pc.Arguments,
			InputFilename:  pc.InputFilename,
			OutputFilename: pc.OutputFilename,
			Syntax:         syntax,
			CustomTemplate: pc.LaunchTemplate,
		})
	}
	return programs, nil
}

func buildFactory(cfg config.QueueConfig, env Env) (sshop.Factory, error) {
	switch cfg.Backend {
	case config.BackendOpenSSH:
		return sshop.NewProcess(env.Loop, sshop.ProcessConfig{
			SSHCommand:   cfg.SSHCommand,
			SCPCommand:   cfg.SCPCommand,
			User:         cfg.User,
			Host:         cfg.Host,
			Port:         cfg.Port,
			IdentityFile: cfg.IdentityFile,
		}), nil
	case config.BackendNative, "":
		session := sshclient.New(sshclient.Config{
			Host:         cfg.Host,
			Port:         cfg.Port,
			User:         cfg.User,
			IdentityFile: cfg.IdentityFile,
			KnownHosts:   cfg.KnownHosts,
			Timeout:      sshTimeout,
			Password:     env.Password,
		})
		target := cfg.Host
		if cfg.User != "" {
			target = cfg.User + "@" + cfg.Host
		}
		conn := channel.NewConn(env.Loop, session, target)
		return sshop.NewNative(env.Loop, conn, target), nil
	default:
		return nil, fmt.Errorf("queue %s: unknown backend %q", cfg.Name, cfg.Backend)
	}
}
