// Package lifecycle runs a process's long-lived jobs and tears them down in
// reverse registration order.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"changedesk/internal/logging"
)

const DefaultShutdownTimeout = 5 * time.Second

type job struct {
	name string
	run  func(context.Context) error
}

type Manager struct {
	mu              sync.Mutex
	runJobs         []job
	shutdownJobs    []job
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:          logging.OrDiscard(logger).With("module", "lifecycle"),
		shutdownTimeout: DefaultShutdownTimeout,
	}
}

// SetShutdownTimeout bounds each shutdown job.
func (m *Manager) SetShutdownTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.shutdownTimeout = d
	m.mu.Unlock()
}

func (m *Manager) AddRun(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.runJobs = append(m.runJobs, job{name: name, run: fn})
	m.mu.Unlock()
}

func (m *Manager) AddShutdown(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.shutdownJobs = append(m.shutdownJobs, job{name: name, run: fn})
	m.mu.Unlock()
}

// StartAndWait runs every run job until parent ends, a signal in sig arrives,
// or one job fails. Shutdown jobs always run afterwards, last registered first.
func (m *Manager) StartAndWait(parent context.Context, sig ...os.Signal) error {
	ctx := parent
	if len(sig) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(parent, sig...)
		defer stop()
	}

	m.mu.Lock()
	runJobs := append([]job{}, m.runJobs...)
	shutdownJobs := append([]job{}, m.shutdownJobs...)
	timeout := m.shutdownTimeout
	m.mu.Unlock()

	g, runCtx := errgroup.WithContext(ctx)
	for _, j := range runJobs {
		g.Go(func() error {
			m.logger.Info("job started", "job", j.name)
			err := j.run(runCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("job failed", "job", j.name, "err", err)
				return fmt.Errorf("%s: %w", j.name, err)
			}
			m.logger.Info("job stopped", "job", j.name)
			return nil
		})
	}
	runErr := g.Wait()

	var shutdownErr error
	for i := len(shutdownJobs) - 1; i >= 0; i-- {
		j := shutdownJobs[i]
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := j.run(sctx)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("shutdown job failed", "job", j.name, "err", err)
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("%s: %w", j.name, err))
		}
	}
	return errors.Join(runErr, shutdownErr)
}
