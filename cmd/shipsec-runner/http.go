package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"goa.design/clue/log"

	"github.com/ShipSecAI/studio-sub005/internal/ingest"
	"github.com/ShipSecAI/studio-sub005/internal/mcpgateway"
	"github.com/ShipSecAI/studio-sub005/internal/registry"
	"github.com/ShipSecAI/studio-sub005/internal/webhook"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

// httpDeps collects the handlers and dependencies mounted by the HTTP
// server, gathered here so handleHTTPServer keeps the teacher's flat
// (ctx, deps, wg, errc, dbg) signature instead of a long parameter list.
type httpDeps struct {
	webhook     *webhook.Dispatcher
	gateway     *mcpgateway.Gateway
	audit       *ingest.AuditWriter
	registry    *registry.Static
	internalTok string
}

// handleHTTPServer mounts every route, wraps the handler with middleware
// that adds each request's method and path to its log context, and runs
// the server until ctx is cancelled, following the
// teacher's wg/errc/graceful-shutdown idiom (adapted from
// example/cmd/assistant/http.go to a chi router instead of a goa-generated
// muxer).
func handleHTTPServer(ctx context.Context, cfg config, deps httpDeps, wg *sync.WaitGroup, errc chan error, dbg bool) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Post("/webhooks/github/app", deps.webhook.Handler())

	r.Route("/internal/mcp", func(ir chi.Router) {
		ir.Use(internalTokenMiddleware(deps.internalTok))
		ir.Post("/generate-token", deps.gateway.IssueSessionHandler())
		ir.Mount("/", deps.gateway.Router())
	})

	r.Get("/audit-logs", handleAuditLogs(deps.audit))
	r.Get("/components", handleListComponents(deps.registry))
	r.Get("/healthz", handleHealthz)

	addr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{Addr: addr, Handler: r}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf(ctx, "failed to shut down http server cleanly: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "http server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()
}

// internalTokenMiddleware gates the /internal/mcp/generate-token endpoint
// behind a shared service token, never reachable from run-issued agent
// code. A constant-time comparison avoids leaking the token through timing.
func internalTokenMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/internal/mcp/generate-token" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get("X-Internal-Token")
			if expected == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "missing or invalid internal service token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handleAuditLogs serves GET /audit-logs?kind=&limit=&cursor=. limit
// defaults to defaultAuditLimit and must fall in [1, maxAuditLimit]; a
// limit outside that range is rejected with 400 rather than clamped, per
// "limit=0 or limit=201 is rejected."
func handleAuditLogs(audit *ingest.AuditWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		kind := q.Get("kind")
		cursor := q.Get("cursor")
		limit := defaultAuditLimit
		if raw := q.Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "limit must be an integer")
				return
			}
			limit = parsed
		}
		if limit < 1 || limit > maxAuditLimit {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxAuditLimit))
			return
		}

		records, next, err := audit.List(r.Context(), kind, limit, cursor)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to list audit logs")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"records": records,
			"cursor":  next,
		})
	}
}

// handleListComponents serves GET /components: the catalog loaded into the
// process-wide registry at startup.
func handleListComponents(reg *registry.Static) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"components": reg.List()})
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.With(r.Context(), log.KV{K: "method", V: r.Method}, log.KV{K: "path", V: r.URL.Path})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
