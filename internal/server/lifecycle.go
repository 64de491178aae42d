// Package server provides application lifecycle management: ordered service
// startup and signal-driven graceful shutdown.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service is a long-running component that can be started and stopped.
type Service interface {
	// Start begins the service and blocks until the service is stopped or
	// fails.
	Start() error
	// Stop gracefully stops the service.
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function.
func (f *FuncService) Stop() { f.StopFn() }

type entry struct {
	name    string
	service Service
}

// Lifecycle starts registered services in order and, on SIGINT/SIGTERM or
// the first service failure, stops them in reverse order.
type Lifecycle struct {
	logger  *zap.Logger
	mu      sync.Mutex
	entries []entry
}

// NewLifecycle creates a Lifecycle manager.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger}
}

// Add registers a named service. Services start in registration order and
// stop in reverse.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry{name: name, service: svc})
}

// Run starts all services and blocks until a termination signal arrives, the
// context is cancelled, or a service fails.
//
// Postcondition: All services are stopped when this method returns.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	failures := make(chan error, len(l.entries))
	for _, e := range l.entries {
		go func(e entry) {
			l.logger.Info("starting service", zap.String("service", e.name))
			if err := e.service.Start(); err != nil {
				failures <- fmt.Errorf("service %s: %w", e.name, err)
				cancel()
			}
		}(e)
	}

	l.logger.Info("all services started",
		zap.Int("count", len(l.entries)),
		zap.Duration("startup", time.Since(start)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-failures:
		l.logger.Error("service failed, shutting down", zap.Error(err))
		runErr = err
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	l.stopAll()

	l.logger.Info("shutdown complete",
		zap.Duration("total_uptime", time.Since(start)),
	)
	return runErr
}

// stopAll stops services in reverse registration order.
func (l *Lifecycle) stopAll() {
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		stopStart := time.Now()
		e.service.Stop()
		l.logger.Info("service stopped",
			zap.String("service", e.name),
			zap.Duration("elapsed", time.Since(stopStart)),
		)
	}
}
