// Package server implements an Arrow Flight SQL server over a pluggable
// query engine. The protocol core decodes commands, tracks prepared
// statements and client sessions, and bridges engine result streams onto
// gRPC; all SQL semantics live behind the engine interface.
package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/flight/flightsql"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/arrowgate/arrowgate/engine"
)

// MaxGRPCMessageSize bounds a single Flight data message. Result batches
// split well below this; the headroom is for wide rows.
const MaxGRPCMessageSize = 64 * 1024 * 1024

// Config tunes the Flight SQL endpoint. Zero values fall back to
// defaults.
type Config struct {
	SessionIdleTTL  time.Duration
	SessionReapTick time.Duration
	MaxMessageSize  int

	// EnableTelemetry attaches OpenTelemetry gRPC instrumentation.
	EnableTelemetry bool
}

// Server binds a Handler to a gRPC listener and owns its lifecycle.
type Server struct {
	flightSrv     flight.Server
	handler       *Handler
	listenerAddr  string
	logger        *slog.Logger
	shutdownOnce  sync.Once
	shutdownState atomic.Bool
	wg            sync.WaitGroup
}

// New wires a Flight SQL server over eng on ln. A non-nil tlsConfig
// wraps the listener; gRPC requires ALPN "h2", appended when absent.
func New(ln net.Listener, tlsConfig *tls.Config, eng engine.Engine, cfg Config, logger *slog.Logger) (*Server, error) {
	if ln == nil {
		return nil, fmt.Errorf("listener is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if tlsConfig != nil {
		tlsConfig = tlsConfig.Clone()
		if !containsString(tlsConfig.NextProtos, "h2") {
			tlsConfig.NextProtos = append(tlsConfig.NextProtos, "h2")
		}
		ln = tls.NewListener(ln, tlsConfig)
	}

	handler, err := NewHandler(eng, HandlerOptions{
		Logger:          logger,
		SessionIdleTTL:  cfg.SessionIdleTTL,
		SessionReapTick: cfg.SessionReapTick,
	})
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	maxMsg := cfg.MaxMessageSize
	if maxMsg <= 0 {
		maxMsg = MaxGRPCMessageSize
	}
	grpcOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsg),
		grpc.MaxSendMsgSize(maxMsg),
	}
	if cfg.EnableTelemetry {
		grpcOpts = append(grpcOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}

	srv := flight.NewServerWithMiddleware(nil, grpcOpts...)
	srv.RegisterFlightService(flightsql.NewFlightServer(handler))
	srv.InitListener(ln)

	return &Server{
		flightSrv:    srv,
		handler:      handler,
		listenerAddr: ln.Addr().String(),
		logger:       logger,
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	return s.listenerAddr
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.flightSrv.Serve(); err != nil && !s.shutdownState.Load() {
			s.logger.Error("flight server exited", "error", err)
		}
	}()
}

// Shutdown stops accepting connections, tears down sessions, and waits
// for the serve loop to drain. Safe to call more than once.
func (s *Server) Shutdown() {
	if s == nil {
		return
	}
	s.shutdownOnce.Do(func() {
		s.shutdownState.Store(true)
		if s.flightSrv != nil {
			s.flightSrv.Shutdown()
		}
		if s.handler != nil {
			s.handler.Close()
		}
		s.wg.Wait()
	})
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
