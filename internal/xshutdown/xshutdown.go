// Package xshutdown runs a set of teardown functions with an overall
// deadline. They are launched in LIFO order (the last registered is
// started first) but run concurrently, so the order in which they
// finish is not defined. Adapted from the teacher's kernel/utils/graceful.go,
// retargeted from *utils.Logger to internal/xlog and from the
// teacher's sentinel utils.NewError to internal/xerrors.
package xshutdown

import (
	"context"
	"sync"
	"time"

	"github.com/ferrohall/ecsrt/internal/xerrors"
	"github.com/ferrohall/ecsrt/internal/xlog"
)

// Manager runs registered teardown functions in reverse registration
// order when Shutdown is called.
type Manager struct {
	mu      sync.Mutex
	fns     []func() error
	timeout time.Duration
	log     *xlog.Logger
}

// New creates a Manager bounding Shutdown to timeout. A nil logger
// falls back to xlog.Default("shutdown").
func New(timeout time.Duration, logger *xlog.Logger) *Manager {
	if logger == nil {
		logger = xlog.Default("shutdown")
	}
	return &Manager{timeout: timeout, log: logger}
}

// Register appends fn to the teardown list.
func (m *Manager) Register(fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fns = append(m.fns, fn)
}

// Shutdown runs every registered function, most-recently-registered
// first, concurrently, and waits for them all or the deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Info("starting graceful shutdown", xlog.Int("components", len(m.fns)))

	shutdownCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var wg sync.WaitGroup
	failed := make(chan int, len(m.fns))

	for i := len(m.fns) - 1; i >= 0; i-- {
		wg.Add(1)
		idx, fn := i, m.fns[i]
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				m.log.Error("shutdown function failed", xlog.Int("index", idx), xlog.Err(err))
				failed <- idx
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if len(failed) > 0 {
			return xerrors.Wrapf(xerrors.ErrShutdownFailed, "xshutdown: %d component(s) failed to tear down cleanly", len(failed))
		}
		m.log.Info("graceful shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		m.log.Warn("graceful shutdown timed out")
		return xerrors.Wrap(xerrors.ErrTimedOut, "xshutdown: deadline exceeded")
	}
}
