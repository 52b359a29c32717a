// Package supervisor binds the HTTP and SMTP listeners, runs the periodic
// pruner, and coordinates graceful shutdown, per §4.F and §5.
package supervisor

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/foxcpp/inboxd/internal/config"
	"github.com/foxcpp/inboxd/internal/httpapi"
	"github.com/foxcpp/inboxd/internal/mailstore"
	"github.com/foxcpp/inboxd/internal/smtpd"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	pruneInterval    = 60 * time.Second
	shutdownDeadline = 10 * time.Second
)

// Supervisor owns the message store and the servers built on top of it.
type Supervisor struct {
	cfg   config.Config
	store *mailstore.Store
	log   *zap.Logger
	http  *http.Server
	smtp  *smtpd.Server
}

func New(cfg config.Config, store *mailstore.Store, log *zap.Logger, api *httpapi.API) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		store: store,
		log:   log,
		http:  &http.Server{Addr: config.BindAddr(cfg.HTTPAddr), Handler: api.Router()},
		smtp:  smtpd.New(cfg, store, log),
	}
}

// Run blocks until ctx is cancelled (e.g. by an interrupt signal), then
// drains the HTTP server, SMTP listener and pruner, waiting at most
// shutdownDeadline before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	smtpLn, err := net.Listen("tcp", config.BindAddr(s.cfg.SMTPAddr))
	if err != nil {
		_ = httpLn.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("http listening", zap.String("addr", httpLn.Addr().String()))
		err := s.http.Serve(httpLn)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	g.Go(func() error {
		s.log.Info("smtp listening", zap.String("addr", smtpLn.Addr().String()))
		return s.smtp.Serve(gctx, smtpLn)
	})

	g.Go(func() error {
		s.runPruner(gctx)
		return nil
	})

	<-ctx.Done()
	s.log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	shutdownErr := s.http.Shutdown(shutdownCtx)
	s.store.Close()

	waitErr := g.Wait()
	return multierr.Combine(shutdownErr, waitErr)
}

func (s *Supervisor) runPruner(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.store.CleanupExpired()
			if removed > 0 {
				s.log.Debug("pruned expired messages", zap.Int("removed", removed))
			}
		}
	}
}
