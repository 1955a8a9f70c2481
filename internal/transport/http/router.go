// Package httptransport exposes the inventory service over JSON/HTTP. It
// decodes requests, delegates to core.Service and maps domain error codes to
// status codes; no business rule lives here.
package httptransport

import (
	"aidstock/internal/core"
	"aidstock/pkg/domain"
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Service is the subset of core.Service the handlers call.
type Service interface {
	CreateDeposit(ctx context.Context, deposit domain.Deposit) (domain.Deposit, domain.Result, error)
	UpdateDeposit(ctx context.Context, id string, patch core.DepositPatch) (domain.Deposit, domain.Result, error)
	GetDeposit(ctx context.Context, id string) (domain.Deposit, error)
	ListDepositAids(ctx context.Context, depositID string) ([]domain.Aid, error)
	GetDepositUtilization(ctx context.Context, depositID string) (core.DepositUtilization, error)
	ListDepositUtilization(ctx context.Context) ([]core.DepositUtilization, error)
	GetDepositHistory(ctx context.Context, depositID string, limit int) ([]domain.StatsSnapshot, error)

	CreateAid(ctx context.Context, aid domain.Aid) (domain.Aid, domain.Result, error)
	UpdateAid(ctx context.Context, id string, patch core.AidPatch) (domain.Aid, domain.Result, error)
	GetAid(ctx context.Context, id string) (domain.Aid, error)
	DeleteAid(ctx context.Context, id string) (domain.Result, error)

	CreateDistribution(ctx context.Context, in core.CreateDistributionInput) (domain.Distribution, domain.Result, error)
	CreateDistributionForUser(ctx context.Context, userID string, in core.CreateDistributionInput) (domain.Distribution, domain.Result, error)
	UpdateDistribution(ctx context.Context, id string, patch core.DistributionPatch) (domain.Distribution, domain.Result, error)
	ReverseDistribution(ctx context.Context, id string) (domain.Result, error)
	GetDistribution(ctx context.Context, id string) (domain.Distribution, error)
	ListVisitDistributions(ctx context.Context, visitID string) ([]domain.Distribution, error)

	UpsertVisit(ctx context.Context, visit domain.Visit) (domain.Visit, domain.Result, error)
	GetVisit(ctx context.Context, id string) (domain.Visit, error)
	EnsureVisitStats(ctx context.Context, visitID string) ([]domain.VisitAidStat, domain.Result, error)
	RecomputeVisitStats(ctx context.Context, visitID string) ([]domain.VisitAidStat, domain.Result, error)
}

var _ Service = (*core.Service)(nil)

// Handler serves the inventory API.
type Handler struct {
	svc     Service
	logger  core.Logger
	metrics http.Handler
	timeout time.Duration
}

// Option customizes a Handler.
type Option func(*Handler)

// WithLogger sets the request logger.
func WithLogger(logger core.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(metrics http.Handler) Option {
	return func(h *Handler) { h.metrics = metrics }
}

// WithRequestTimeout bounds each request; zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// NewHandler returns a Handler over svc.
func NewHandler(svc Service, opts ...Option) *Handler {
	h := &Handler{svc: svc, logger: nopLogger{}, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	if h.timeout > 0 {
		r.Use(middleware.Timeout(h.timeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/deposits", func(r chi.Router) {
		r.Get("/", h.listDeposits)
		r.Post("/", h.createDeposit)
		r.Route("/{depositID}", func(r chi.Router) {
			r.Get("/", h.getDeposit)
			r.Patch("/", h.updateDeposit)
			r.Get("/aids", h.listDepositAids)
			r.Get("/utilization", h.getUtilization)
			r.Get("/history", h.getHistory)
		})
	})
	r.Route("/aids", func(r chi.Router) {
		r.Post("/", h.createAid)
		r.Get("/{aidID}", h.getAid)
		r.Patch("/{aidID}", h.updateAid)
		r.Delete("/{aidID}", h.deleteAid)
	})
	r.Route("/distributions", func(r chi.Router) {
		r.Post("/", h.createDistribution)
		r.Get("/{distributionID}", h.getDistribution)
		r.Patch("/{distributionID}", h.updateDistribution)
		r.Delete("/{distributionID}", h.reverseDistribution)
	})
	r.Post("/users/{userID}/distributions", h.createDistributionForUser)
	r.Route("/visits/{visitID}", func(r chi.Router) {
		r.Put("/", h.upsertVisit)
		r.Get("/", h.getVisit)
		r.Get("/distributions", h.listVisitDistributions)
		r.Get("/stats", h.getVisitStats)
		r.Post("/stats/recompute", h.recomputeVisitStats)
	})
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(started),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
