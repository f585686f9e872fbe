package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	filestorehandler "github.com/benediktbwimmer/apphub-metastore/domains/filestore/be/handler"
	namespaceshandler "github.com/benediktbwimmer/apphub-metastore/domains/namespaces/be/handler"
	recordshandler "github.com/benediktbwimmer/apphub-metastore/domains/records/be/handler"
	schemashandler "github.com/benediktbwimmer/apphub-metastore/domains/schemas/be/handler"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/auth"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/httperr"
	platformlogging "github.com/benediktbwimmer/apphub-metastore/platform/go/logging"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/metrics"
	platformmiddleware "github.com/benediktbwimmer/apphub-metastore/platform/go/middleware"
)

type routerDeps struct {
	cfg        config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	pool       *pgxpool.Pool
	tokenStore *auth.Store
	records    *recordshandler.Handler
	schemas    *schemashandler.Handler
	namespaces *namespaceshandler.Handler
	filestore  *filestorehandler.Handler
}

func newRouter(deps routerDeps) chi.Router {
	root := chi.NewRouter()

	root.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		platformmiddleware.DefaultCORS(),
	)
	root.Use(platformlogging.RequestLogger(deps.logger))
	root.Use(deps.metrics.Middleware)

	// The stream stays outside the request timeout so long-lived
	// connections are not cut off mid-flight.
	root.Get("/stream/records", deps.records.Stream)

	root.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(deps.cfg.RequestTimeout))

		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		r.Get("/readyz", readyHandler(deps.pool))
		r.Method(http.MethodGet, "/metrics", deps.metrics.Handler())

		registerDocsRoutes(r, deps.logger)

		r.Group(func(api chi.Router) {
			api.Use(auth.Middleware(deps.tokenStore, deps.cfg.AuthDisabled))

			api.Group(func(g chi.Router) {
				g.Use(auth.RequireScope(auth.ScopeRead))
				g.Get("/records/{namespace}/{key}", deps.records.Fetch)
				g.Get("/records/{namespace}/{key}/audit", deps.records.ListAudits)
				g.Get("/records/{namespace}/{key}/audit/{id}/diff", deps.records.AuditDiff)
				g.Post("/records/search", deps.records.Search)
				g.Get("/records/search/presets", deps.records.Presets)
				g.Get("/namespaces", deps.namespaces.List)
				g.Get("/schemas/{hash}", deps.schemas.Get)
				g.Get("/filestore/health", deps.filestore.Health)
			})

			api.Group(func(g chi.Router) {
				g.Use(auth.RequireScope(auth.ScopeWrite))
				g.Post("/records", deps.records.Create)
				g.Put("/records/{namespace}/{key}", deps.records.Upsert)
				g.Patch("/records/{namespace}/{key}", deps.records.Patch)
				g.Post("/records/{namespace}/{key}/restore", deps.records.Restore)
				g.Post("/records/bulk", deps.records.Bulk)
			})

			api.Group(func(g chi.Router) {
				g.Use(auth.RequireScope(auth.ScopeDelete))
				g.Delete("/records/{namespace}/{key}", deps.records.Delete)
			})

			api.Group(func(g chi.Router) {
				g.Use(auth.RequireScope(auth.ScopeAdmin))
				g.Delete("/records/{namespace}/{key}/purge", deps.records.Purge)
				g.Post("/admin/schemas", deps.schemas.Register)
				g.Post("/admin/tokens/reload", tokenReloadHandler(deps.tokenStore, deps.logger))
			})
		})
	})

	return root
}

// readyHandler reports readiness off a live pool ping so load balancers stop
// routing when postgres goes away.
func readyHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := pool.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func tokenReloadHandler(store *auth.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := store.Reload()
		if err != nil {
			platformlogging.FromRequest(r, logger).Error("token reload failed", zap.Error(err))
			httperr.Write(w, httperr.Internal("failed to reload tokens"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]int{"tokens": count})
	}
}
