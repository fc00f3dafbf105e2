package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jbweber/homelab/keaport/internal/api"
	"github.com/jbweber/homelab/keaport/internal/log"
	"github.com/jbweber/homelab/keaport/internal/session"
	"github.com/spf13/cobra"
)

// sessionPurgeInterval is how often expired import sessions are removed.
const sessionPurgeInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		logger := log.WithComponent("serve")

		a, err := openApp(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		sessions, err := session.Open(cfg.ResolvedSessionPath(), cfg.SessionSecret, cfg.SessionTTL)
		if err != nil {
			return err
		}
		defer sessions.Close()
		if cfg.SessionSecret == "" {
			logger.Warn().Msg("session.secret is not set; import sessions will not survive a restart")
		}

		checkKea(ctx, a)

		deps := api.Deps{
			Topology: a.store,
			Sessions: sessions,
			Executor: a.executor(),
			Backups:  a.backups,
			Server:   cfg.ServerName,
		}
		if rc := a.reconciler(); rc != nil {
			deps.Leases = rc
		}

		srv := &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           api.NewRouter(api.NewAPI(deps)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go purgeSessions(ctx, sessions)

		errCh := make(chan error, 1)
		go func() {
			logger.Info().
				Str("addr", srv.Addr).
				Str("server", cfg.ServerName).
				Bool("kea", a.kea != nil).
				Int("radius_replicas", len(a.replicas)).
				Msg("starting keaport")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().String("port", "", "listen port")
}

// checkKea logs whether the control agent answers. A failure is only a
// warning: the API still serves local topology and backups.
func checkKea(ctx context.Context, a *app) {
	logger := log.WithComponent("serve")
	if a.kea == nil {
		logger.Warn().Msg("kea.url is not set; subnets will not be pushed and lease import is disabled")
		return
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.ExternalTimeout)
	defer cancel()
	version, err := a.kea.Ping(cctx)
	if err != nil {
		logger.Warn().Err(err).Str("url", cfg.Kea.URL).Msg("kea control agent is not reachable")
		return
	}
	subnets, err := a.kea.Subnet6List(cctx)
	if err != nil {
		logger.Warn().Err(err).Msg("kea subnet6-list failed")
		return
	}
	logger.Info().Str("version", version).Int("subnets", len(subnets)).Msg("kea control agent reachable")
}

func purgeSessions(ctx context.Context, sessions *session.Store) {
	logger := log.WithComponent("sessions")
	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.Purge()
			if err != nil {
				logger.Warn().Err(err).Msg("session purge failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int("removed", n).Msg("purged expired sessions")
			}
		}
	}
}
