// ============================================================================
// MoleQueue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running the server and talking to it
//
// Command Structure:
//   molequeue                      # Root command
//   ├── serve                      # Start the server
//   ├── submit                     # Submit a job
//   │   ├── --queue, -q / --program, -p
//   │   ├── --input, -i            # Input file (inlined)
//   │   ├── --keyword, -k          # $$key$$=value substitutions
//   │   ├── --file, -f             # Job options as JSON
//   │   └── --wait, -w             # Follow state changes until done
//   ├── cancel <moleQueueId>       # Kill a job
//   ├── lookup <moleQueueId>       # Print a job's options and state
//   ├── queues                     # List queues and programs
//   ├── status                     # Configuration and live statistics
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Client commands reach the server over the configured local socket, or over
// the message bus with --bus.
//
// Signal Handling:
//   serve stops on SIGINT / SIGTERM: listeners close, queues stop and a final
//   snapshot is written.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ChuLiYu/molequeue/internal/client"
	"github.com/ChuLiYu/molequeue/internal/config"
	"github.com/ChuLiYu/molequeue/internal/jsonrpc"
	"github.com/ChuLiYu/molequeue/internal/metrics"
	"github.com/ChuLiYu/molequeue/internal/server"
	"github.com/ChuLiYu/molequeue/pkg/types"
)

// Version is set at build time.
var Version = "0.1.0"

const requestTimeout = 10 * time.Second

var (
	configFile string
	busAddress string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "molequeue",
		Short: "MoleQueue: a job queue for local and remote batch systems",
		Long: `MoleQueue accepts jobs over JSON-RPC and runs them on:
- a local process pool
- PBS or SGE clusters reached over SSH`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&busAddress, "bus", "", "connect over the message bus at this address instead of the local socket")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildLookupCommand())
	rootCmd.AddCommand(buildQueuesCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// 共用
// ============================================================================

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the configured slog handler as the default logger.
func setupLogging(cfg config.LogConfig, w io.Writer) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// promptPassword reads an ssh password from the controlling terminal.
func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("cannot prompt for %q: stdin is not a terminal", prompt)
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func connect() (*client.Client, error) {
	if busAddress != "" {
		return client.DialBus(busAddress)
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}
	c, err := client.DialLocal(cfg.Server.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s (is the server running?): %w", cfg.Server.SocketPath, err)
	}
	return c, nil
}

func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return fn(ctx, c)
}

func parseID(arg string) (types.ID, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	// moleQueueIds start at 1
	if err != nil || id == 0 || id == types.InvalidID {
		return 0, fmt.Errorf("invalid moleQueueId %q", arg)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MoleQueue server",
		Long:  "Start the server: listeners, queues, HTTP status API and snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			setupLogging(cfg.Log, os.Stderr)

			srv, err := server.New(cfg, server.Options{
				Metrics:  metrics.NewCollector(),
				Password: promptPassword,
			})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
}

// ============================================================================
// submit
// ============================================================================

type submitOptions struct {
	queue       string
	program     string
	description string
	input       string
	file        string
	outputDir   string
	keywords    map[string]string
	cores       int
	wallTime    int
	wait        bool
}

func buildSubmitCommand() *cobra.Command {
	opts := submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job",
		Long: `Submit a job to a queue. Options come from flags, or from a JSON file of job
options (--file) that flags then override.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.job()
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *client.Client) error {
				return submit(ctx, c, job, opts.wait, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVarP(&opts.queue, "queue", "q", "", "queue name")
	cmd.Flags().StringVarP(&opts.program, "program", "p", "", "program name")
	cmd.Flags().StringVarP(&opts.description, "description", "d", "", "job description")
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "input file, sent inline")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "JSON file of job options")
	cmd.Flags().StringVarP(&opts.outputDir, "output-dir", "o", "", "copy results here when the job finishes")
	cmd.Flags().StringToStringVarP(&opts.keywords, "keyword", "k", nil, "launch script substitutions, e.g. -k sleep=10")
	cmd.Flags().IntVarP(&opts.cores, "cores", "n", 0, "number of cores")
	cmd.Flags().IntVar(&opts.wallTime, "walltime", 0, "maximum wall time in minutes")
	cmd.Flags().BoolVarP(&opts.wait, "wait", "w", false, "wait until the job finishes")

	return cmd
}

// job assembles the job options from the file and the flags.
func (o submitOptions) job() (types.Job, error) {
	job := types.NewJob()
	if o.file != "" {
		data, err := os.ReadFile(o.file)
		if err != nil {
			return job, fmt.Errorf("failed to read job file: %w", err)
		}
		var hash map[string]any
		if err := json.Unmarshal(data, &hash); err != nil {
			return job, fmt.Errorf("failed to parse job file: %w", err)
		}
		if job, err = types.JobFromHash(hash); err != nil {
			return job, fmt.Errorf("failed to parse job file: %w", err)
		}
	}

	if o.queue != "" {
		job.Queue = o.queue
	}
	if o.program != "" {
		job.Program = o.program
	}
	if o.description != "" {
		job.Description = o.description
	}
	if o.outputDir != "" {
		job.OutputDirectory = o.outputDir
	}
	if o.cores > 0 {
		job.NumberOfCores = o.cores
	}
	if o.wallTime > 0 {
		job.MaxWallTime = o.wallTime
	}
	if len(o.keywords) > 0 && job.Keywords == nil {
		job.Keywords = make(map[string]string, len(o.keywords))
	}
	for k, v := range o.keywords {
		if !strings.HasPrefix(k, "$$") {
			k = "$$" + k + "$$"
		}
		job.Keywords[k] = v
	}
	if o.input != "" {
		data, err := os.ReadFile(o.input)
		if err != nil {
			return job, fmt.Errorf("failed to read input file: %w", err)
		}
		job.InputFile = types.FileSpec{Filename: filepath.Base(o.input), Contents: string(data)}
	}

	if job.Queue == "" || job.Program == "" {
		return job, fmt.Errorf("queue and program are required")
	}
	return job, nil
}

func submit(ctx context.Context, c *client.Client, job types.Job, wait bool, out io.Writer) error {
	final := make(chan types.JobState, 1)
	var id types.ID
	idSet := make(chan struct{})
	if wait {
		c.OnJobStateChanged(func(n jsonrpc.JobStateChanged) {
			<-idSet
			if n.MoleQueueID != id {
				return
			}
			fmt.Fprintf(out, "job %d: %s -> %s\n", n.MoleQueueID, n.OldState, n.NewState)
			if n.NewState.Terminal() || n.NewState == types.StateError {
				select {
				case final <- n.NewState:
				default:
				}
			}
		})
	}

	sub, err := c.SubmitJob(ctx, job)
	id = sub.MoleQueueID
	close(idSet)
	if err != nil {
		return fmt.Errorf("submission failed: %w", err)
	}
	fmt.Fprintf(out, "submitted job %d (working directory %s)\n", sub.MoleQueueID, sub.WorkingDirectory)
	if !wait {
		return nil
	}

	state := <-final
	if state != types.StateFinished {
		return fmt.Errorf("job %d ended in state %s", id, state)
	}
	return nil
}

// ============================================================================
// cancel / lookup / queues
// ============================================================================

func buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <moleQueueId>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *client.Client) error {
				if err := c.CancelJob(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d canceled\n", id)
				return nil
			})
		},
	}
}

func buildLookupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <moleQueueId>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *client.Client) error {
				job, err := c.LookupJob(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func buildQueuesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List queues and their programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				queues, err := c.ListQueues(ctx)
				if err != nil {
					return err
				}
				printQueues(cmd.OutOrStdout(), queues)
				return nil
			})
		},
	}
}

func printQueues(w io.Writer, queues types.QueueList) {
	for _, name := range queues.Names() {
		fmt.Fprintf(w, "%s\n", name)
		programs := queues[name]
		for i, p := range programs {
			branch := "├─"
			if i == len(programs)-1 {
				branch = "└─"
			}
			fmt.Fprintf(w, "  %s %s\n", branch, p)
		}
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Long:  "Display the configuration and, when the HTTP API is reachable, live job statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), cfg, fetchStats(cfg))
		},
	}
}

type liveStats struct {
	Jobs        map[string]int `json:"jobs"`
	Total       int            `json:"total"`
	Connections int            `json:"connections"`
}

// fetchStats asks a running server's HTTP API; nil when unreachable.
func fetchStats(cfg *config.Config) *liveStats {
	if !cfg.HTTP.Enabled {
		return nil
	}
	hc := http.Client{Timeout: 2 * time.Second}
	resp, err := hc.Get(fmt.Sprintf("http://localhost:%d/api/stats", cfg.HTTP.Port))
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var stats liveStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil
	}
	return &stats
}

func showStatus(w io.Writer, cfg *config.Config, stats *liveStats) error {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           MoleQueue Server Status                         ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Local Socket:    %s\n", cfg.Server.SocketPath)
	if cfg.Server.BusAddress != "" {
		fmt.Fprintf(w, "  ├─ Message Bus:     %s\n", cfg.Server.BusAddress)
	}
	fmt.Fprintf(w, "  └─ Work Directory:  %s\n", cfg.Server.WorkDir)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "💾 Snapshots:")
	fmt.Fprintf(w, "  ├─ Path:            %s\n", cfg.Server.SnapshotPath)
	fmt.Fprintf(w, "  ├─ Interval:        %s\n", cfg.Server.SnapshotInterval)
	fmt.Fprintf(w, "  └─ Backups:         %d\n", cfg.Server.SnapshotBackups)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🗂  Queues:")
	for i, q := range cfg.Queues {
		branch := "├─"
		if i == len(cfg.Queues)-1 {
			branch = "└─"
		}
		target := fmt.Sprintf("%d cores", q.Cores)
		if q.Remote() {
			target = fmt.Sprintf("%s@%s via %s", q.User, q.Host, q.Backend)
		}
		fmt.Fprintf(w, "  %s %-12s %-6s %s (%d programs)\n", branch, q.Name, q.Type, target, len(q.Programs))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Jobs:")
	if stats == nil {
		fmt.Fprintln(w, "  └─ Server not reachable (run 'molequeue serve' to start)")
	} else {
		fmt.Fprintf(w, "  ├─ Total:           %d\n", stats.Total)
		fmt.Fprintf(w, "  ├─ Connections:     %d\n", stats.Connections)
		states := []types.JobState{
			types.StateAccepted, types.StateQueuedLocal, types.StateSubmitted, types.StateQueuedRemote,
			types.StateRunningLocal, types.StateRunningRemote, types.StateFinished, types.StateKilled, types.StateError,
		}
		for i, st := range states {
			branch := "├─"
			if i == len(states)-1 {
				branch = "└─"
			}
			fmt.Fprintf(w, "  %s %-16s %d\n", branch, st.String()+":", stats.Jobs[st.String()])
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 HTTP API:")
	if cfg.HTTP.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://localhost:%d (metrics at /metrics)\n", cfg.HTTP.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}
