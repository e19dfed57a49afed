// ============================================================================
// MoleQueue Server - 伺服器組裝
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 把 listener、JSON-RPC dispatcher、任務登記表與佇列組裝成常駐服務
//
// 執行緒模型:
//
//   accept / read goroutines ──Post──┐
//   worker pool 結果          ──Post──┼──> event loop (單一 goroutine)
//   計時器 (輪詢、快照)        ──Post──┘       │
//                                              ├─ dispatcher 事件處理
//                                              ├─ 佇列狀態機
//                                              └─ 狀態變更通知
//
//   HTTP / gRPC health 只讀取 JobManager（自帶鎖），
//   需要改動狀態的請求（刪除任務）同樣 Post 到 loop。
//
// 啟動流程:
//   1. 建立工作目錄，依設定建立佇列
//   2. 載入快照，重放變更日誌，恢復任務登記表
//   3. 啟動佇列，恢復未完成的任務
//   4. 啟動 listener、HTTP API、gRPC health
//   5. 定期寫入快照（成功後清空變更日誌）
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/molequeue/internal/config"
	"github.com/ChuLiYu/molequeue/internal/eventloop"
	"github.com/ChuLiYu/molequeue/internal/jobmanager"
	"github.com/ChuLiYu/molequeue/internal/jsonrpc"
	"github.com/ChuLiYu/molequeue/internal/metrics"
	"github.com/ChuLiYu/molequeue/internal/queue"
	"github.com/ChuLiYu/molequeue/internal/snapshot"
	"github.com/ChuLiYu/molequeue/internal/storage/wal"
	"github.com/ChuLiYu/molequeue/internal/transport"
	"github.com/ChuLiYu/molequeue/internal/transport/bus"
	"github.com/ChuLiYu/molequeue/internal/transport/localsocket"
	"github.com/ChuLiYu/molequeue/pkg/types"
)

var log = slog.With("component", "server")

var (
	ErrAlreadyStarted = errors.New("server already started")
	ErrNotRunning     = errors.New("server not running")
)

// HealthService is the service name reported by the gRPC health endpoint.
const HealthService = "molequeue"

// Options carries the collaborators a Server does not build itself.
type Options struct {
	Metrics *metrics.Collector
	// Password answers ssh password prompts of native remote queues.
	Password func(prompt string) (string, error)
}

// Server is the MoleQueue daemon.
type Server struct {
	cfg  *config.Config
	opts Options

	loop       *eventloop.Loop
	dispatcher *jsonrpc.Dispatcher
	jobs       *jobmanager.JobManager
	queues     *queue.Manager
	snapshots  *snapshot.Manager
	journal    *wal.WAL
	metrics    *metrics.Collector

	// loop only
	routes map[types.ID]jsonrpc.Route // submitter of each job

	mu        sync.Mutex
	conns     map[string]transport.Connection
	listeners []transport.Listener
	running   bool

	httpSrv   *http.Server
	grpcSrv   *grpc.Server
	health    *health.Server
	cancel    context.CancelFunc
	loopDone  chan struct{}
	stopTimer []func()
}

// New builds a server and its queues. Nothing is started.
func New(cfg *config.Config, opts Options) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		opts:       opts,
		loop:       eventloop.New(),
		dispatcher: jsonrpc.NewDispatcher(),
		jobs:       jobmanager.NewJobManager(),
		queues:     queue.NewManager(),
		metrics:    opts.Metrics,
		routes:     make(map[types.ID]jsonrpc.Route),
		conns:      make(map[string]transport.Connection),
	}
	if cfg.Server.SnapshotPath != "" {
		s.snapshots = snapshot.NewManager(cfg.Server.SnapshotPath)
	}
	s.dispatcher.SetStrict(cfg.Server.Strict)

	env := queue.Env{Loop: s.loop, Store: s.jobs, Metrics: s.metrics, Password: opts.Password}
	for _, qc := range cfg.Queues {
		q, err := queue.Build(qc, env)
		if err != nil {
			return nil, err
		}
		if err := s.queues.Add(q); err != nil {
			return nil, err
		}
	}

	s.dispatcher.Subscribe(s.handleEvent)
	s.jobs.OnStateChange(s.jobStateChanged)
	s.jobs.OnRemove(s.jobRemoved)
	return s, nil
}

// Jobs exposes the job registry.
func (s *Server) Jobs() *jobmanager.JobManager { return s.jobs }

// Queues exposes the configured queues.
func (s *Server) Queues() *queue.Manager { return s.queues }

// JobDirectory is the local working directory of a job.
func (s *Server) JobDirectory(id types.ID) string {
	return filepath.Join(s.cfg.Server.WorkDir, "jobs", strconv.FormatUint(id, 10))
}

// ============================================================================
// 生命週期
// ============================================================================

// Start restores state and begins serving. It returns once every listener is up.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.running = true
	s.mu.Unlock()

	if err := s.prepare(); err != nil {
		if s.journal != nil {
			s.journal.Close()
			s.journal = nil
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go func() {
		defer close(s.loopDone)
		s.loop.Run(ctx)
	}()

	s.loop.Post(s.resumeJobs)

	if err := s.startListeners(); err != nil {
		s.Stop()
		return err
	}
	if err := s.startHTTP(); err != nil {
		s.Stop()
		return err
	}
	if err := s.startHealth(); err != nil {
		s.Stop()
		return err
	}

	if s.snapshots != nil && s.cfg.Server.SnapshotInterval > 0 {
		s.stopTimer = append(s.stopTimer, s.loop.Every(s.cfg.Server.SnapshotInterval, s.saveSnapshot))
	}
	if s.journal != nil {
		s.stopTimer = append(s.stopTimer, s.loop.Every(wal.DefaultOptions.FlushInterval, s.flushJournal))
	}

	log.Info("molequeue server started", "workDir", s.cfg.Server.WorkDir,
		"queues", s.queues.QueueList().Names(), "jobs", s.jobs.Count())
	return nil
}

// prepare restores the job registry and starts the queues.
func (s *Server) prepare() error {
	if err := os.MkdirAll(filepath.Join(s.cfg.Server.WorkDir, "jobs"), 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	if err := s.restore(); err != nil {
		return err
	}
	return s.queues.Start()
}

// Stop shuts down listeners and queues and writes a final snapshot.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	listeners := s.listeners
	s.listeners = nil
	conns := make([]transport.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]transport.Connection)
	s.mu.Unlock()

	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			log.Warn("http shutdown", "error", err)
		}
		cancel()
	}
	for _, l := range listeners {
		if err := l.Stop(); err != nil && !errors.Is(err, transport.ErrNotStarted) {
			log.Warn("stopping listener", "listener", l.ConnectionString(), "error", err)
		}
	}
	for _, c := range conns {
		c.Close()
	}

	for _, stop := range s.stopTimer {
		stop()
	}
	s.onLoop(func() {
		s.queues.Stop()
		s.saveSnapshot()
		if s.journal != nil {
			if err := s.journal.Close(); err != nil {
				log.Error("failed to close journal", "error", err)
			}
		}
	})
	if s.cancel != nil {
		s.cancel()
		<-s.loopDone
	}
	s.loop.Stop()
	log.Info("molequeue server stopped")
}

// Run starts the server and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// onLoop runs fn on the event loop and waits for it. Before the loop runs
// (or after it stopped) fn runs inline.
func (s *Server) onLoop(fn func()) {
	if s.loopDone == nil {
		fn()
		return
	}
	select {
	case <-s.loopDone:
		fn()
		return
	default:
	}

	done := make(chan struct{})
	s.loop.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-s.loopDone:
	}
}

// ============================================================================
// 快照
// ============================================================================

func (s *Server) restore() error {
	start := time.Now()
	data := types.SnapshotData{Jobs: make(map[types.ID]*types.Job), NextID: 1, SchemaVer: jobmanager.SchemaVersion}
	if s.snapshots != nil {
		loaded, err := s.snapshots.Load()
		if err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
		data = loaded
	}

	replayed, damaged := 0, false
	if p := s.cfg.Server.JournalPath; p != "" {
		j, err := wal.NewWAL(p, wal.DefaultOptions)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		s.journal = j
		if replayed, damaged, err = replayJournal(j, &data); err != nil {
			return fmt.Errorf("failed to replay journal: %w", err)
		}
	}

	if err := s.jobs.Restore(data); err != nil {
		return fmt.Errorf("failed to restore jobs: %w", err)
	}
	s.metrics.SetRecoveryTime(time.Since(start))
	s.metrics.UpdateJobStats(s.jobs.Stats(), stateNames())
	if n := len(data.Jobs); n > 0 {
		log.Info("restored jobs", "jobs", n, "journalEvents", replayed, "duration", time.Since(start))
	}

	// fold the journal into a fresh snapshot so it starts empty
	if replayed > 0 || damaged {
		s.saveSnapshot()
	}
	return nil
}

// replayJournal applies journaled changes on top of a snapshot. A damaged
// tail is reported, not fatal: every event before it is kept.
func replayJournal(j *wal.WAL, data *types.SnapshotData) (n int, damaged bool, err error) {
	if data.Jobs == nil {
		data.Jobs = make(map[types.ID]*types.Job)
	}
	err = j.Replay(func(ev wal.Event) error {
		switch ev.Type {
		case wal.EventUpsert:
			if ev.Job == nil {
				return nil
			}
			job := *ev.Job
			data.Jobs[ev.MoleQueueID] = &job
		case wal.EventRemove:
			delete(data.Jobs, ev.MoleQueueID)
		}
		if ev.MoleQueueID >= data.NextID {
			data.NextID = ev.MoleQueueID + 1
		}
		n++
		return nil
	})
	if errors.Is(err, wal.ErrCorruptedWAL) || errors.Is(err, wal.ErrChecksumMismatch) {
		log.Warn("journal is damaged, keeping the events before the damage",
			"path", j.GetPath(), "events", n, "error", err)
		return n, true, nil
	}
	return n, false, err
}

func (s *Server) saveSnapshot() {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.WriteWithBackup(s.jobs.Snapshot(), s.cfg.Server.SnapshotBackups); err != nil {
		log.Error("failed to write snapshot", "path", s.snapshots.GetPath(), "error", err)
		return
	}
	if s.journal != nil {
		if err := s.journal.Rotate(); err != nil {
			log.Error("failed to truncate journal", "path", s.journal.GetPath(), "error", err)
		}
	}
	log.Debug("snapshot written", "path", s.snapshots.GetPath(), "jobs", s.jobs.Count())
}

// journalJob records the job's current options and state.
func (s *Server) journalJob(job types.Job, force bool) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(wal.EventUpsert, job.MoleQueueID, &job, force); err != nil {
		log.Error("failed to journal job", "moleQueueId", job.MoleQueueID, "error", err)
	}
}

func (s *Server) flushJournal() {
	if s.journal == nil {
		return
	}
	if err := s.journal.Flush(); err != nil && !errors.Is(err, wal.ErrWALClosed) {
		log.Error("failed to flush journal", "error", err)
	}
}

// resumeJobs hands restored, unfinished jobs back to their queues.
func (s *Server) resumeJobs() {
	for _, job := range s.jobs.Jobs() {
		if job.State.Terminal() || job.State == types.StateError {
			continue
		}
		q, ok := s.queues.Lookup(job.Queue)
		if !ok {
			log.Warn("restored job names an unknown queue", "moleQueueId", job.MoleQueueID, "queue", job.Queue)
			continue
		}
		q.Resume(job)
	}
}

func stateNames() []string {
	names := make([]string, 0, types.StateError-types.StateUnknown+1)
	for st := types.StateUnknown; st <= types.StateError; st++ {
		names = append(names, st.String())
	}
	return names
}

// ============================================================================
// 連線
// ============================================================================

func (s *Server) startListeners() error {
	var listeners []transport.Listener
	if p := s.cfg.Server.SocketPath; p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("failed to create socket directory: %w", err)
		}
		listeners = append(listeners, localsocket.NewListener(p))
	}
	if addr := s.cfg.Server.BusAddress; addr != "" {
		listeners = append(listeners, bus.NewListener(addr))
	}

	for _, l := range listeners {
		l.OnNewConnection(s.newConnection)
		if err := l.Start(); err != nil {
			return fmt.Errorf("failed to start listener %s: %w", l.ConnectionString(), err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, l)
		s.mu.Unlock()
	}
	return nil
}

// closer is implemented by connections that report their own end.
type closer interface {
	Done() <-chan struct{}
}

func (s *Server) newConnection(conn transport.Connection) {
	conn.OnMessage(func(c transport.Connection, msg transport.Message) {
		s.loop.Post(func() {
			s.metrics.RecordPacket("in")
			s.dispatcher.InterpretIncomingPacket(c, msg)
		})
	})

	s.mu.Lock()
	s.conns[conn.ID()] = conn
	n := len(s.conns)
	s.mu.Unlock()
	s.metrics.SetConnections(n)
	log.Debug("new connection", "conn", conn.ID(), "on", conn.ConnectionString())

	if d, ok := conn.(closer); ok {
		go func() {
			<-d.Done()
			s.mu.Lock()
			delete(s.conns, conn.ID())
			n := len(s.conns)
			s.mu.Unlock()
			s.metrics.SetConnections(n)
		}()
	}
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) send(route jsonrpc.Route, data []byte) {
	if err := route.Reply(data); err != nil {
		log.Warn("could not send reply", "to", route.ReplyTo, "error", err)
		return
	}
	s.metrics.RecordPacket("out")
}

// ============================================================================
// HTTP 與 gRPC health
// ============================================================================

func (s *Server) startHTTP() error {
	if !s.cfg.HTTP.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.HTTP.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on http port %d: %w", s.cfg.HTTP.Port, err)
	}
	s.httpSrv = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
		}
	}()
	log.Info("http api listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) startHealth() error {
	if !s.cfg.Health.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Health.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on health port %d: %w", s.cfg.Health.Port, err)
	}
	s.grpcSrv = grpc.NewServer()
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcSrv, s.health)
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := s.grpcSrv.Serve(ln); err != nil {
			log.Error("grpc health server error", "error", err)
		}
	}()
	log.Info("grpc health listening", "addr", ln.Addr().String())
	return nil
}
