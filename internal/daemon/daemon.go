// Package daemon wires the labpilot control plane: the delegation queue,
// policy engine, audit chain, retention manager, and the HTTP surfaces
// for workers (TCP) and operators (Unix socket).
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/labpilot/labpilot/internal/audit"
	"github.com/labpilot/labpilot/internal/config"
	"github.com/labpilot/labpilot/internal/db"
	"github.com/labpilot/labpilot/internal/policy"
)

const (
	shutdownTimeout = 5 * time.Second
	socketPerms     = 0o660
	runDirPerms     = 0o750
)

// Service owns the listeners and background loops of labpilotd.
type Service struct {
	cfg             config.Config
	store           *db.Store
	engine          *policy.Engine
	chain           *audit.Chain
	queue           *Queue
	hub             *Hub
	reclaimer       *Reclaimer
	retention       *RetentionManager
	metrics         *Metrics
	unixListener    net.Listener
	workerListener  net.Listener
	metricsListener net.Listener
	unixServer      *http.Server
	workerServer    *http.Server
	metricsServer   *http.Server
}

// Run loads the policy, opens the store, and serves until ctx is
// canceled. A fail-closed policy misconfiguration is a startup error,
// never a warning.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	activePolicy, err := policy.LoadFile(cfg.PolicyPath)
	if err != nil {
		return err
	}
	engine, err := policy.NewEngine(activePolicy)
	if err != nil {
		return err
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	service, err := NewService(cfg, store, engine)
	if err != nil {
		_ = store.Close()
		return err
	}
	log.Printf("labpilotd: policy loaded from %s, mode=%s", cfg.PolicyPath, activePolicy.ExecutionMode)
	return service.Serve(ctx)
}

// NewService constructs a service with bound listeners.
func NewService(cfg config.Config, store *db.Store, engine *policy.Engine) (*Service, error) {
	if err := ensureDir(cfg.RunDir, runDirPerms); err != nil {
		return nil, err
	}
	unixListener, err := listenUnix(cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	workerListener, err := net.Listen("tcp", cfg.WorkerListen)
	if err != nil {
		_ = unixListener.Close()
		return nil, fmt.Errorf("listen worker %s: %w", cfg.WorkerListen, err)
	}
	var metricsListener net.Listener
	if cfg.MetricsListen != "" {
		metricsListener, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = workerListener.Close()
			_ = unixListener.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
	}

	recipients, err := audit.ParseRecipients(cfg.AuditRecipients)
	if err != nil {
		_ = closeAll(unixListener, workerListener, metricsListener)
		return nil, err
	}

	logger := log.Default()
	metrics := NewMetrics()
	hub := NewHub()
	events := NewEventRecorder(store, logger)
	chain := audit.NewChain(store)
	queue := NewQueue(store, engine, chain, hub, events, metrics, cfg.LeaseDuration, logger)
	reclaimer := NewReclaimer(store, chain, hub, events, metrics, cfg.ReclaimInterval, cfg.MaxQueueAge, cfg.HeartbeatTimeout, logger)
	exporter := audit.Exporter{Dir: cfg.AuditExportDir, Recipients: recipients}
	retention := NewRetentionManager(store, exporter, events, metrics, logger)
	verifier := audit.NewVerifier(store)

	localMux := http.NewServeMux()
	localMux.HandleFunc("/healthz", healthHandler)
	NewControlAPI(store, queue, engine, verifier, retention, cfg.Retention, cfg.PolicyPath, cfg.HeartbeatTimeout, logger).Register(localMux)

	workerMux := http.NewServeMux()
	workerMux.HandleFunc("/healthz", healthHandler)
	NewWorkerAPI(store, queue, hub, events, cfg.HeartbeatTimeout, cfg.LeaseDuration, logger).Register(workerMux)

	unixServer := &http.Server{
		Handler:           localMux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	workerServer := &http.Server{
		Handler:           workerMux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	var metricsServer *http.Server
	if metricsListener != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
	}

	return &Service{
		cfg:             cfg,
		store:           store,
		engine:          engine,
		chain:           chain,
		queue:           queue,
		hub:             hub,
		reclaimer:       reclaimer,
		retention:       retention,
		metrics:         metrics,
		unixListener:    unixListener,
		workerListener:  workerListener,
		metricsListener: metricsListener,
		unixServer:      unixServer,
		workerServer:    workerServer,
		metricsServer:   metricsServer,
	}, nil
}

// Serve blocks until shutdown or a listener error occurs.
func (s *Service) Serve(ctx context.Context) error {
	log.Printf("labpilotd: listening on unix=%s", s.cfg.SocketPath)
	log.Printf("labpilotd: listening on workers=%s", s.cfg.WorkerListen)
	if s.metricsListener != nil {
		log.Printf("labpilotd: listening on metrics=%s", s.cfg.MetricsListen)
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	go s.reclaimer.Run(loopCtx)
	go s.retentionLoop(loopCtx)

	servers := 2
	errCh := make(chan error, 3)
	go func() { errCh <- s.unixServer.Serve(s.unixListener) }()
	go func() { errCh <- s.workerServer.Serve(s.workerListener) }()
	if s.metricsServer != nil {
		servers = 3
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	remaining := servers
	var serveErr error

	select {
	case <-ctx.Done():
		// graceful shutdown
	case err := <-errCh:
		remaining = servers - 1
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	s.shutdown()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}

	_ = os.Remove(s.cfg.SocketPath)
	return serveErr
}

// retentionLoop runs periodic cleanup passes with the configured policy.
func (s *Service) retentionLoop(ctx context.Context) {
	if s.cfg.RetentionInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.retention.RunCleanup(ctx, time.Now(), s.cfg.Retention); err != nil {
				log.Printf("labpilotd: retention pass: %v", err)
			}
		}
	}
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.unixServer.Shutdown(ctx)
	_ = s.workerServer.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

func ensureDir(path string, perms os.FileMode) error {
	if path == "" {
		return errors.New("run_dir is required")
	}
	if err := os.MkdirAll(path, perms); err != nil {
		return fmt.Errorf("create dir %s: %w", path, err)
	}
	return nil
}

func listenUnix(socketPath string) (net.Listener, error) {
	if socketPath == "" {
		return nil, errors.New("socket_path is required")
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), runDirPerms); err != nil {
		return nil, fmt.Errorf("create socket dir %s: %w", filepath.Dir(socketPath), err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, socketPerms); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", socketPath, err)
	}
	return listener, nil
}

func closeAll(listeners ...net.Listener) error {
	var first error
	for _, l := range listeners {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
