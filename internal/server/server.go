package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/akupila/raindrops/internal/config"
)

// ConnHandler serves one accepted connection until it ends.
type ConnHandler interface {
	Serve(ctx context.Context, conn net.Conn)
}

// Server owns the TCP listener lifecycle and orchestrates graceful shutdown.
type Server struct {
	addr     string
	logger   *slog.Logger
	handler  ConnHandler
	once     sync.Once
	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
}

// New prepares the socket listener. Nothing is bound until Listen or Run.
func New(cfg config.Config, logger *slog.Logger, handler ConnHandler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port)),
		logger:  logger.With(slog.String("agent", "lifecycle")),
		handler: handler,
	}, nil
}

// Listen binds the configured address. Run calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	return nil
}

// Addr reports the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Run accepts connections until ctx is cancelled, handing each to the
// handler on its own goroutine. Handlers see ctx cancelled on shutdown and
// Run waits for them before returning ctx.Err().
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.logger.Info("socket listener starting", slog.String("address", s.Addr()))

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		var retryDelay time.Duration
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if isTemporary(err) {
					retryDelay = nextAcceptDelay(retryDelay)
					s.logger.Warn("accept failed, retrying", slog.Duration("retry_in", retryDelay), slog.Any("error", err))
					select {
					case <-time.After(retryDelay):
						continue
					case <-ctx.Done():
						return
					}
				}
				errCh <- fmt.Errorf("server: accept: %w", err)
				return
			}
			retryDelay = 0
			s.conns.Add(1)
			go func() {
				defer s.conns.Done()
				s.handler.Serve(ctx, conn)
			}()
		}
	}()

	select {
	case <-ctx.Done():
		err := s.shutdown()
		for range errCh {
		}
		s.conns.Wait()
		if err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		_ = s.shutdown()
		return err
	}
}

// shutdown closes the listener once so cascading cancellations do not repeat the work.
func (s *Server) shutdown() error {
	var shutdownErr error
	s.once.Do(func() {
		s.logger.Info("socket listener shutting down")
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			shutdownErr = fmt.Errorf("server: close: %w", err)
		}
	})
	return shutdownErr
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// nextAcceptDelay doubles the previous backoff between minAcceptDelay and maxAcceptDelay.
func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev <= 0 {
		return minAcceptDelay
	}
	return min(prev*2, maxAcceptDelay)
}

// isTemporary reports accept errors the listener survives, such as running
// out of file descriptors or a connection reset before it was accepted.
func isTemporary(err error) bool {
	if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var temp interface{ Temporary() bool }
	return errors.As(err, &temp) && temp.Temporary()
}
