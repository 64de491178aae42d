// Package ws provides the WebSocket frontend: it upgrades HTTP requests into
// bidirectional event channels, assigns connection IDs, and bridges each
// connection to the event router. It also serves the liveness probe.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/chat/presence"
	"github.com/cory-johannsen/relay/internal/chat/relay"
	"github.com/cory-johannsen/relay/internal/config"
)

const livenessBody = "chat relay running"

// Acceptor serves the HTTP endpoints and owns the per-connection goroutines.
type Acceptor struct {
	srvCfg   config.ServerConfig
	wsCfg    config.WebSocketConfig
	registry *presence.Registry
	router   *relay.Router
	logger   *zap.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewAcceptor creates a WebSocket acceptor with the given configuration.
//
// Precondition: registry, router, and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(srvCfg config.ServerConfig, wsCfg config.WebSocketConfig, registry *presence.Registry, router *relay.Router, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		srvCfg:   srvCfg,
		wsCfg:    wsCfg,
		registry: registry,
		router:   router,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dev posture, matching the permissive CORS of the service this
			// relay fronts. Tighten to the client origin in production.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", a.handleLiveness)
	mux.HandleFunc("/ws", a.handleWS)
	a.httpServer = &http.Server{
		Addr:    srvCfg.Addr(),
		Handler: mux,
	}
	return a
}

// Handler returns the HTTP handler, for tests that mount the acceptor on an
// httptest server.
func (a *Acceptor) Handler() http.Handler {
	return a.httpServer.Handler
}

// ListenAndServe starts the HTTP listener and blocks until Shutdown is
// called or the listener fails.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()
	a.logger.Info("websocket acceptor listening",
		zap.String("addr", a.srvCfg.Addr()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving on %s: %w", a.srvCfg.Addr(), err)
	}
	return nil
}

// Shutdown stops accepting new connections, closes the listener, and waits
// for per-connection goroutines to finish, bounded by the configured timeout.
func (a *Acceptor) Shutdown() {
	ctx := context.Background()
	if a.srvCfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.srvCfg.ShutdownTimeout)
		defer cancel()
	}

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("shutdown timed out waiting for connections")
	}
}

// handleLiveness answers the probe endpoint with a static confirmation.
func (a *Acceptor) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, livenessBody)
}

// handleWS upgrades the request and runs the connection until it closes.
func (a *Acceptor) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	connID := uuid.NewString()
	entity := presence.NewEntity(connID, a.wsCfg.SendBuffer)
	if err := a.registry.Register(connID, entity); err != nil {
		a.logger.Error("registering connection", zap.Error(err))
		_ = sock.Close()
		return
	}

	a.logger.Info("client connected",
		zap.String("connection_id", connID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	c := newConn(connID, sock, entity, a.router, a.wsCfg, a.logger)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		c.writePump()
	}()

	c.readLoop()

	// Exactly-once disconnect: the read loop returning is the single signal
	// that the connection is gone. Remove closes the entity, which in turn
	// ends the write pump.
	a.router.Disconnect(connID)
	_ = sock.Close()

	a.logger.Info("client disconnected",
		zap.String("connection_id", connID),
		zap.Int("connections", a.registry.ConnectionCount()),
	)
}
