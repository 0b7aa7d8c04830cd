// Package runtime provides graceful shutdown handling for aide processes.
package runtime

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aide-dev/aide/internal/logging"
)

// ShutdownFunc is a cleanup function called during shutdown
type ShutdownFunc func(ctx context.Context) error

// ShutdownManager handles graceful shutdown of the application.
// Handlers run in reverse registration order: sandbox teardown registers
// after the store opens, so sandboxes die before the store closes.
type ShutdownManager struct {
	mu          sync.Mutex
	handlers    []namedHandler
	timeout     time.Duration
	shutdownCtx context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	once        sync.Once
	log         *logging.Logger
}

type namedHandler struct {
	name string
	fn   ShutdownFunc
}

// DefaultShutdownTimeout is the default timeout for cleanup operations
const DefaultShutdownTimeout = 30 * time.Second

var (
	globalManager *ShutdownManager
	managerOnce   sync.Once
)

// Global returns the global shutdown manager
func Global() *ShutdownManager {
	managerOnce.Do(func() {
		globalManager = NewShutdownManager(DefaultShutdownTimeout)
	})
	return globalManager
}

// NewShutdownManager creates a new shutdown manager with specified timeout
func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ShutdownManager{
		handlers:    make([]namedHandler, 0),
		timeout:     timeout,
		shutdownCtx: ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		log:         logging.New("runtime"),
	}
}

// Register adds a cleanup handler to be called during shutdown.
// Handlers are called in reverse order (LIFO), last registered first.
func (m *ShutdownManager) Register(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, namedHandler{name: name, fn: fn})
}

// RegisterSimple adds a simple cleanup function (no error return)
func (m *ShutdownManager) RegisterSimple(name string, fn func()) {
	m.Register(name, func(ctx context.Context) error {
		fn()
		return nil
	})
}

// Context returns a context that is cancelled when shutdown begins
func (m *ShutdownManager) Context() context.Context {
	return m.shutdownCtx
}

// Done returns a channel that's closed when shutdown is complete
func (m *ShutdownManager) Done() <-chan struct{} {
	return m.done
}

// ListenForSignals starts listening for shutdown signals (SIGTERM, SIGINT).
// Non-blocking, call once at startup.
func (m *ShutdownManager) ListenForSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigChan
		m.log.Info("signal_received", map[string]any{"signal": sig.String()})
		m.Shutdown()
	}()
}

// Shutdown initiates graceful shutdown - can only be called once
func (m *ShutdownManager) Shutdown() {
	m.once.Do(func() {
		m.performShutdown()
	})
}

func (m *ShutdownManager) performShutdown() {
	defer close(m.done)

	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.Lock()
	handlers := make([]namedHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	m.log.Info("shutdown_started", map[string]any{"handlers": len(handlers)})

	failed := 0
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]

		if ctx.Err() != nil {
			m.log.Warn("shutdown_timeout", map[string]any{
				"skipped": i + 1,
			}, ctx.Err())
			return
		}

		start := time.Now()
		if err := h.fn(ctx); err != nil {
			failed++
			m.log.Error("handler_failed", map[string]any{"handler": h.name}, err)
		} else {
			m.log.TimedEvent("handler_done", start, map[string]any{"handler": h.name})
		}
	}

	m.log.Info("shutdown_complete", map[string]any{"failed": failed})
}

// WaitForShutdown blocks until shutdown is complete
func (m *ShutdownManager) WaitForShutdown() {
	<-m.done
}

// OnShutdown registers a cleanup handler with the global manager
func OnShutdown(name string, fn ShutdownFunc) {
	Global().Register(name, fn)
}

// OnShutdownSimple registers a simple cleanup function with the global manager
func OnShutdownSimple(name string, fn func()) {
	Global().RegisterSimple(name, fn)
}

// ListenForSignals starts signal listening on the global manager
func ListenForSignals() {
	Global().ListenForSignals()
}

// ShutdownContext returns the global shutdown context
func ShutdownContext() context.Context {
	return Global().Context()
}
