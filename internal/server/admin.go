package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/akupila/raindrops/internal/config"
	"golang.org/x/sync/errgroup"
)

const adminShutdownGrace = 5 * time.Second

// Admin serves metrics and health over HTTP next to the line protocol
// listener. It binds like Server so the chosen port is known before Run.
type Admin struct {
	addr    string
	logger  *slog.Logger
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
}

// NewAdmin builds the admin listener around handler.
func NewAdmin(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Admin, error) {
	if handler == nil {
		return nil, errors.New("server: admin handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{
		addr:    net.JoinHostPort(cfg.Server.Admin.Address, strconv.Itoa(cfg.Server.Admin.Port)),
		logger:  logger.With(slog.String("agent", "admin")),
		handler: handler,
	}, nil
}

// Listen binds the admin address. Run calls it when needed.
func (a *Admin) Listen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("server: admin listen: %w", err)
	}
	a.listener = ln
	return nil
}

// Addr reports the bound address, or the configured one before Listen.
func (a *Admin) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.addr
}

// Run serves until ctx is cancelled. In-flight requests get
// adminShutdownGrace to finish before connections are closed.
func (a *Admin) Run(ctx context.Context) error {
	if err := a.Listen(); err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	a.logger.Info("admin listener starting", slog.String("address", a.Addr()))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.Serve(a.listener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: admin serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		a.logger.Info("admin listener shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("server: admin shutdown: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
