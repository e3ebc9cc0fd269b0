// Package api exposes reconciliation, health, and aggregates over HTTP for
// dashboards.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ordertruth/internal/config"
	"github.com/sells-group/ordertruth/internal/fx"
	"github.com/sells-group/ordertruth/internal/reconcile"
	"github.com/sells-group/ordertruth/internal/truth"
)

const maxBodyBytes = 1 << 20

// Service is the reconciliation surface the API serves.
type Service interface {
	EnsureReconciled(ctx context.Context, req reconcile.Request) reconcile.RunResult
	ReconcileRange(ctx context.Context, req reconcile.Request) reconcile.RunResult
	TruthHealth(ctx context.Context, account, scope string) (*reconcile.Health, error)
	Aggregates(ctx context.Context, account string, from, to time.Time) (*reconcile.Report, error)
}

// EvidenceStore records order evidence for later linking.
type EvidenceStore interface {
	AddEvidence(ctx context.Context, ev *truth.Evidence) (int64, error)
}

// RateRefresher is the exchange-rate cache behind the admin refresh route.
type RateRefresher interface {
	Invalidate()
	Current(ctx context.Context) (*fx.Table, error)
}

// RouterOption configures optional routes.
type RouterOption func(*server)

// WithRates enables POST /v1/rates/refresh.
func WithRates(r RateRefresher) RouterOption {
	return func(s *server) {
		s.rates = r
	}
}

type server struct {
	svc      Service
	evidence EvidenceStore
	rates    RateRefresher
	now      func() time.Time
	log      *zap.Logger
}

// NewRouter builds the HTTP handler. gatherer backs /metrics and may be nil
// to use the default registry; evidence may be nil to disable evidence intake.
func NewRouter(cfg config.ServerConfig, svc Service, evidence EvidenceStore, gatherer prometheus.Gatherer, opts ...RouterOption) http.Handler {
	s := &server{
		svc:      svc,
		evidence: evidence,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "api")),
	}
	for _, opt := range opts {
		opt(s)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleLiveness)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1/accounts/{account}", func(r chi.Router) {
		r.Post("/reconcile", s.handleReconcile)
		r.Get("/health", s.handleHealth)
		r.Get("/aggregates", s.handleAggregates)
		if evidence != nil {
			r.Post("/evidence", s.handleEvidence)
		}
	})
	if s.rates != nil {
		r.Post("/v1/rates/refresh", s.handleRatesRefresh)
	}
	return r
}

func (s *server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type reconcileBody struct {
	Scope string `json:"scope"`
	From  string `json:"from"`
	To    string `json:"to"`
	Force bool   `json:"force"`
}

func (s *server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	// An empty body, chunked or not, means defaults.
	var body reconcileBody
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := reconcile.Request{Account: chi.URLParam(r, "account"), Scope: body.Scope}
	if body.From != "" || body.To != "" {
		from, to, err := ParseWindow(body.From, body.To, s.now())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.From, req.To = from, to
	}

	// A started sweep runs to completion even if the client goes away.
	ctx := context.WithoutCancel(r.Context())
	var res reconcile.RunResult
	if body.Force {
		res = s.svc.ReconcileRange(ctx, req)
	} else {
		res = s.svc.EnsureReconciled(ctx, req)
	}

	status := http.StatusOK
	switch {
	case res.ConfigError:
		status = http.StatusBadRequest
	case !res.OK:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.svc.TruthHealth(r.Context(), chi.URLParam(r, "account"), r.URL.Query().Get("scope"))
	if err != nil {
		s.log.Error("truth health failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "health unavailable")
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *server) handleAggregates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := ParseWindow(q.Get("from"), q.Get("to"), s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.svc.Aggregates(r.Context(), chi.URLParam(r, "account"), from, to)
	if err != nil {
		var cfgErr *reconcile.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("aggregates failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "aggregates unavailable")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type evidenceBody struct {
	Kind          string          `json:"kind"`
	OrderRef      string          `json:"order_ref"`
	CheckoutToken string          `json:"checkout_token"`
	Payload       json.RawMessage `json:"payload"`
}

func (s *server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	var body evidenceBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if body.OrderRef == "" && body.CheckoutToken == "" {
		writeError(w, http.StatusBadRequest, "order_ref or checkout_token is required")
		return
	}

	ev := &truth.Evidence{
		Account:   chi.URLParam(r, "account"),
		Kind:      body.Kind,
		Payload:   body.Payload,
		CreatedAt: s.now().UTC(),
	}
	if body.OrderRef != "" {
		ev.OrderRef = &body.OrderRef
	}
	if body.CheckoutToken != "" {
		ev.CheckoutToken = &body.CheckoutToken
	}

	id, err := s.evidence.AddEvidence(r.Context(), ev)
	if err != nil {
		s.log.Error("add evidence failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "evidence not stored")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

type rateStatus struct {
	Base      string    `json:"base"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
	Rates     int       `json:"rates"`
	Error     string    `json:"error,omitempty"`
}

func (s *server) handleRatesRefresh(w http.ResponseWriter, r *http.Request) {
	s.rates.Invalidate()
	t, err := s.rates.Current(r.Context())

	st := rateStatus{}
	if t != nil {
		st.Base, st.Source, st.FetchedAt, st.Rates = t.Base, t.Source, t.FetchedAt, len(t.Rates)
	}
	if err != nil {
		s.log.Warn("rate refresh failed", zap.Error(err))
		st.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, st)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ParseWindow reads RFC 3339 timestamps or YYYY-MM-DD dates. A bare date as
// the end bound covers that whole day. Both empty means today (UTC).
func ParseWindow(fromS, toS string, now time.Time) (time.Time, time.Time, error) {
	if fromS == "" && toS == "" {
		from, to := reconcile.DayWindow(now.UTC())
		return from, to, nil
	}
	if fromS == "" || toS == "" {
		return time.Time{}, time.Time{}, eris.New("from and to must be given together")
	}
	from, _, err := parseBound(fromS)
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrap(err, "invalid from")
	}
	to, isDate, err := parseBound(toS)
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrap(err, "invalid to")
	}
	if isDate {
		to = to.AddDate(0, 0, 1)
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, eris.New("from must be before to")
	}
	return from, to, nil
}

func parseBound(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), false, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
