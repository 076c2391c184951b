package appbootstrap

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"civic311/api"
	"civic311/config"
	"civic311/core/auth"
	"civic311/core/store"
	"civic311/core/utils"
)

const (
	shutdownTimeout      = 15 * time.Second
	sessionSweepInterval = 10 * time.Minute
	initialLoadDelay     = 500 * time.Millisecond
)

// Run wires the full process: config, database, stores, console engine, HTTP
// server, and background workers, then blocks until SIGINT/SIGTERM.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := utils.NewLogger()

	db, err := store.Open(cfg.DBDriver, cfg.DBURL)
	if err != nil {
		return err
	}
	defer db.Close()

	comp, err := composeRuntime(cfg, db, logger)
	if err != nil {
		return err
	}
	server := api.NewServer(comp.serverDeps)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, worker := range comp.workers {
		worker.StartWithContext(ctx)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// The console engine reaches the records API over HTTP, so the first
	// aggregate load waits for the listener. A failed load is surfaced and
	// retried only through the console load endpoint.
	go func() {
		time.Sleep(initialLoadDelay)
		if err := comp.engine.InitialLoad(ctx); err != nil {
			logger.Warnf("initial console load failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case sig := <-stop:
		logger.Infof("received %s, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("http shutdown: %v", err)
	}
	cancel()
	for i := len(comp.workers) - 1; i >= 0; i-- {
		if err := comp.workers[i].StopWithContext(shutdownCtx); err != nil {
			logger.Errorf("worker shutdown: %v", err)
		}
	}
	return nil
}

// sessionSweeper deletes expired sessions on a fixed interval.
type sessionSweeper struct {
	manager *auth.SessionManager

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newSessionSweeper(manager *auth.SessionManager) *sessionSweeper {
	return &sessionSweeper{manager: manager}
}

func (s *sessionSweeper) StartWithContext(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(sessionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.manager.Sweep(runCtx)
			}
		}
	}()
}

func (s *sessionSweeper) StopWithContext(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
