package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered closers in reverse registration order once the
// process is asked to stop.
type Manager struct {
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	funcs []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

func New(timeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{timeout: timeout, logger: logger}
}

// Add registers fn under name. Later registrations run first.
func (m *Manager) Add(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append(m.funcs, closer{name: name, fn: fn})
}

// Wait blocks until SIGINT/SIGTERM or until errCh yields, then shuts down.
func (m *Manager) Wait(errCh <-chan error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		m.logger.Error("fatal error, shutting down", zap.Error(err))
	}
	m.Shutdown()
}

// Shutdown runs every closer with its own timeout.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	funcs := make([]closer, len(m.funcs))
	copy(funcs, m.funcs)
	m.funcs = nil
	m.mu.Unlock()

	for i := len(funcs) - 1; i >= 0; i-- {
		c := funcs[i]
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		start := time.Now()
		err := c.fn(ctx)
		cancel()

		if err != nil {
			m.logger.Error("shutdown step failed",
				zap.String("name", c.name),
				zap.Error(err),
				zap.Duration("duration", time.Since(start)))
			continue
		}
		m.logger.Info("shutdown step completed",
			zap.String("name", c.name),
			zap.Duration("duration", time.Since(start)))
	}
	m.logger.Info("shutdown complete")
}
