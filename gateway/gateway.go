// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway is the HTTP surface of the execution core: chat,
// documents, write-operation approvals, health, and metrics. Every
// tenant-scoped route passes bearer-token auth, per-principal rate
// limiting, and a request deadline before reaching a handler.
package gateway

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"axonflow/agentcore/audit"
	"axonflow/agentcore/config"
	"axonflow/agentcore/metrics"
	"axonflow/agentcore/pipeline"
	"axonflow/agentcore/plans"
	"axonflow/agentcore/policy"
	"axonflow/agentcore/proxy"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
	"axonflow/agentcore/store"
	"axonflow/agentcore/workers"
	"axonflow/agentcore/writegate"
)

// Gateway wires the HTTP handlers to the core services.
type Gateway struct {
	cfg       config.Config
	pipe      *pipeline.Pipeline
	docs      *store.DocumentRepo
	pool      *workers.Pool
	writes    *writegate.Gateway
	planner   *plans.Service
	pol       *policy.Engine
	limiter   *policy.RateLimiter
	collector *metrics.Collector
	prox      *proxy.Proxy
	ledger    *audit.Ledger
	db        *sql.DB
	log       *logger.Logger
}

// New assembles the gateway. The limiter, collector, and proxy may be nil
// in tests; the affected routes degrade gracefully.
func New(
	cfg config.Config,
	pipe *pipeline.Pipeline,
	docs *store.DocumentRepo,
	pool *workers.Pool,
	writes *writegate.Gateway,
	planner *plans.Service,
	pol *policy.Engine,
	limiter *policy.RateLimiter,
	collector *metrics.Collector,
	prox *proxy.Proxy,
	ledger *audit.Ledger,
	db *sql.DB,
) *Gateway {
	return &Gateway{
		cfg:       cfg,
		pipe:      pipe,
		docs:      docs,
		pool:      pool,
		writes:    writes,
		planner:   planner,
		pol:       pol,
		limiter:   limiter,
		collector: collector,
		prox:      prox,
		ledger:    ledger,
		db:        db,
		log:       logger.New("gateway"),
	}
}

// Handler builds the full routing tree with middleware applied.
func (g *Gateway) Handler() http.Handler {
	r := mux.NewRouter()

	// Unauthenticated surface.
	r.HandleFunc("/health/live", g.handleLive).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", g.handleReady).Methods(http.MethodGet)
	if g.collector != nil {
		r.Handle("/metrics", g.collector.Handler()).Methods(http.MethodGet)
	}

	// Tenant-scoped surface.
	api := r.NewRoute().Subrouter()
	api.HandleFunc("/chat", g.handleChat).Methods(http.MethodPost)
	api.HandleFunc("/documents/upload", g.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/documents", g.handleListDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", g.handleDeleteDocument).Methods(http.MethodDelete)
	api.HandleFunc("/plans", g.handleProposePlan).Methods(http.MethodPost)
	api.HandleFunc("/plans", g.handleListPlans).Methods(http.MethodGet)
	api.HandleFunc("/plans/{id}", g.handleGetPlan).Methods(http.MethodGet)
	api.HandleFunc("/plans/{id}/status", g.handlePlanStatus).Methods(http.MethodGet)
	api.HandleFunc("/plans/{id}/approve", g.handleApprovePlan).Methods(http.MethodPost)
	api.HandleFunc("/plans/{id}/reject", g.handleRejectPlan).Methods(http.MethodPost)
	api.HandleFunc("/operations", g.handlePendingOperations).Methods(http.MethodGet)
	api.HandleFunc("/operations/{id}", g.handleOperationStatus).Methods(http.MethodGet)
	api.HandleFunc("/operations/{id}/approve", g.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/operations/{id}/reject", g.handleReject).Methods(http.MethodPost)
	api.HandleFunc("/connectors/health", g.handleConnectorHealth).Methods(http.MethodGet)
	api.Use(
		func(next http.Handler) http.Handler { return authMiddleware(g.cfg.Auth, next) },
		g.rateLimitMiddleware,
		g.deadlineMiddleware,
		g.metricsMiddleware,
	)

	c := cors.New(cors.Options{
		AllowedOrigins:   g.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// Serve runs the listener until the context ends, then drains in-flight
// requests within the shutdown grace.
func (g *Gateway) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         g.cfg.Server.ListenAddr,
		Handler:      g.Handler(),
		ReadTimeout:  g.cfg.Server.ReadTimeout,
		WriteTimeout: g.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.log.Info("", "", "gateway listening", map[string]interface{}{
		"addr": g.cfg.Server.ListenAddr,
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := g.cfg.Server.ShutdownGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := PrincipalFrom(r.Context())
		if g.limiter != nil && principal != nil {
			if !g.limiter.Allow(r.Context(), principal.TenantID, principal.ID) {
				var body errorBody
				body.Error.Kind = string(fault.KindConcurrency)
				body.Error.Code = "rate_limited"
				body.Error.Message = "request rate exceeded"
				body.Error.Retryable = true
				writeJSON(w, http.StatusTooManyRequests, body)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) deadlineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline := g.cfg.Server.RequestDeadline
		if deadline <= 0 {
			deadline = 60 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), deadline)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.collector == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		tenant := ""
		if p := PrincipalFrom(r.Context()); p != nil {
			tenant = p.TenantID
		}
		status := "success"
		if rec.status >= 400 {
			status = strconv.Itoa(rec.status)
		}
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		g.collector.ObserveRequest(tenant, endpoint, status, time.Since(start))
	})
}

// statusRecorder captures the response code for metrics while passing
// Flush through so streaming still works.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (g *Gateway) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady reports 200 while critical dependencies answer, 503
// otherwise. Degraded-but-serving (for example, a cold connector) still
// reports ready.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if g.db != nil {
		if err := g.db.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"reason": "database unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
