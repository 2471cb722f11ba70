// Package server runs the TCP accept loop: bind the configured client
// address, spawn one connection handler per accepted socket, and drain
// in-flight connections on graceful shutdown.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amberkv/amberkv/internal/logger"
	"github.com/amberkv/amberkv/pkg/metrics"
	"github.com/amberkv/amberkv/pkg/server/connection"
	"github.com/amberkv/amberkv/pkg/storage"
	kvsync "github.com/amberkv/amberkv/pkg/sync"
)

// Config controls the accept loop.
type Config struct {
	// ListenAddr is the client-facing RESP listen address, e.g. "0.0.0.0:6379".
	ListenAddr string
	// ShutdownTimeout bounds how long graceful shutdown waits for active
	// connections to finish before force-closing them.
	ShutdownTimeout time.Duration
}

// Server is the accept loop component. One is constructed per node.
type Server struct {
	cfg     Config
	store   *storage.Store
	sync    *kvsync.Layer
	metrics *metrics.Registry

	listener    net.Listener
	listenerMu  sync.RWMutex
	shutdownCh  chan struct{}
	shutdownOne sync.Once
	activeConns sync.WaitGroup
	connCount   atomic.Int32
	active      sync.Map // remote addr -> net.Conn
}

// New constructs a Server over the given storage engine and sync layer.
func New(cfg Config, store *storage.Store, syncLayer *kvsync.Layer, reg *metrics.Registry) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		sync:       syncLayer,
		metrics:    reg,
		shutdownCh: make(chan struct{}),
	}
}

// ActiveConnections reports the current number of accepted sockets, for
// the admin stats endpoint.
func (s *Server) ActiveConnections() int32 { return s.connCount.Load() }

// Run binds the listen address and accepts connections until ctx is
// cancelled, then drains in-flight connections up to ShutdownTimeout.
// Accept errors are fatal; per-connection errors are only logged.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen on %q: %w", s.cfg.ListenAddr, err)
	}
	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	logger.Info("server listening", "addr", s.cfg.ListenAddr)

	go func() {
		<-ctx.Done()
		s.initiateShutdown()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return s.drain()
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		s.activeConns.Add(1)
		s.connCount.Add(1)
		addr := conn.RemoteAddr().String()
		s.active.Store(addr, conn)
		if s.metrics != nil {
			s.metrics.ConnectionsAccepted.Inc()
			s.metrics.ActiveConnections.Set(float64(s.connCount.Load()))
		}
		logger.Debug("connection accepted", "addr", addr, "active", s.connCount.Load())

		handler := connection.New(conn, s.store, s.sync, s.metrics)
		go func() {
			defer func() {
				s.active.Delete(addr)
				s.activeConns.Done()
				s.connCount.Add(-1)
				if s.metrics != nil {
					s.metrics.ConnectionsClosed.Inc()
					s.metrics.ActiveConnections.Set(float64(s.connCount.Load()))
				}
				logger.Debug("connection closed", "addr", addr, "active", s.connCount.Load())
			}()
			handler.Serve(ctx)
		}()
	}
}

func (s *Server) initiateShutdown() {
	s.shutdownOne.Do(func() {
		logger.Debug("server shutdown initiated")
		close(s.shutdownCh)
		s.listenerMu.Lock()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.listenerMu.Unlock()
		s.interruptBlockingReads()
	})
}

func (s *Server) interruptBlockingReads() {
	deadline := time.Now().Add(100 * time.Millisecond)
	s.active.Range(func(_, v any) bool {
		if conn, ok := v.(net.Conn); ok {
			_ = conn.SetDeadline(deadline)
		}
		return true
	})
}

func (s *Server) drain() error {
	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("graceful shutdown complete")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		remaining := s.connCount.Load()
		logger.Warn("shutdown timeout exceeded, forcing closure", "active", remaining)
		s.active.Range(func(_, v any) bool {
			if conn, ok := v.(net.Conn); ok {
				_ = conn.Close()
			}
			return true
		})
		return fmt.Errorf("server: shutdown timeout: %d connections force-closed", remaining)
	}
}
