package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jbweber/homelab/keaport/internal/log"
	"github.com/jbweber/homelab/keaport/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Deps are the collaborators behind the HTTP API. Leases may be nil when no
// Kea endpoint is configured.
type Deps struct {
	Topology TopologySource
	Sessions SessionStore
	Executor PlanExecutor
	Leases   LeaseImporter
	Backups  BackupService
	Server   string
}

// API holds handler dependencies
type API struct {
	deps Deps
}

func NewAPI(deps Deps) *API {
	return &API{deps: deps}
}

// RegisterRoutes registers all API endpoints to the given chi router.
func (a *API) RegisterRoutes(r chi.Router) {
	// Config import endpoints group
	imports := NewImports(a.deps.Topology, a.deps.Sessions, a.deps.Executor)
	r.Route("/api/v0/import", func(r chi.Router) {
		r.Post("/preview", imports.PreviewHandler)
		r.Post("/execute", imports.ExecuteHandler)
		r.Get("/sessions/{id}", imports.SessionHandler)
	})

	// Lease endpoints group
	leases := NewLeases(a.deps.Leases)
	r.Post("/api/v0/leases/import", leases.ImportHandler)

	// Backup endpoints group
	backups := NewBackups(a.deps.Backups, a.deps.Server)
	r.Route("/api/v0/backups", func(r chi.Router) {
		r.Get("/", backups.ListBackupsHandler)
		r.Post("/", backups.CreateBackupHandler)
		r.Post("/{id}/restore", backups.RestoreBackupHandler)
	})

	// Topology endpoints group
	topo := NewTopology(a.deps.Topology)
	r.Get("/api/v0/subnets", topo.ListSubnetsHandler)
	r.Get("/api/v0/bvis/available", topo.AvailableBvisHandler)
	r.Get("/api/v0/export", topo.ExportHandler)
}

// NewRouter returns a router with request logging, recovery, metrics and
// all API routes installed.
func NewRouter(a *API) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(log.WithComponent("api")))
	r.Use(requestIDField)
	r.Use(hlog.AccessHandler(logAccess))
	r.Use(middleware.Recoverer)
	r.Use(countRequests)

	r.Get("/healthz", healthHandler)
	r.Handle("/metrics", metrics.Handler())
	a.RegisterRoutes(r)
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Logger.Error().Err(err).Msg("failed to write health response")
	}
}

// requestIDField adds chi's request id to the request logger.
func requestIDField(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("req_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

func logAccess(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request")
}

// countRequests records one sample per request, labelled with the matched
// route pattern so ids in paths do not explode the label set.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}
