// Package port exposes the broker over HTTP/JSON. Handlers translate
// requests into app.Broker calls and render app.Result values; the webhook
// endpoint hands updates to the worker pool and acknowledges immediately.
package port

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aelexs/numberbroker/internal/broker/app"
	"github.com/aelexs/numberbroker/internal/catalog"
	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/errmap"
	"github.com/aelexs/numberbroker/internal/observability"
	"github.com/aelexs/numberbroker/internal/provider"
	"github.com/aelexs/numberbroker/internal/worker"
)

// UserHeader carries the caller's user ID. Authenticating it is the front
// end's job.
const UserHeader = "X-User-ID"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_http_requests_total",
		Help: "Total HTTP requests processed, labeled by route and status code",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method", "route"})
)

// brokerService is a narrow, consumer-defined interface for the broker
// operations the handlers require. The *app.Broker satisfies this.
type brokerService interface {
	Buy(ctx context.Context, user domain.UserID, req app.BuyRequest) (app.Result, error)
	Poll(ctx context.Context, user domain.UserID, token string) (app.Result, error)
	Cancel(ctx context.Context, user domain.UserID, token string) (app.Result, error)
	Recharge(ctx context.Context, user domain.UserID, utr string) (app.Result, error)
	Offers(ctx context.Context, service string) ([]provider.Offer, error)
	Search(ctx context.Context, term string) ([]catalog.Match, bool)
	Account(ctx context.Context, user domain.UserID) (app.Result, error)
	VendorBalances(ctx context.Context) []app.VendorBalance
}

// submitter runs webhook work in the background. The *worker.Pool
// satisfies this.
type submitter interface {
	Submit(ctx context.Context, name string, task worker.Task) error
}

var (
	_ brokerService = (*app.Broker)(nil)
	_ submitter     = (*worker.Pool)(nil)
)

// HandlerConfig holds the dependencies for Handler.
type HandlerConfig struct {
	Broker  brokerService
	Pool    submitter
	Deduper app.Deduper
	Logger  *slog.Logger

	// Replies carries webhook outcomes back to the front end. Nil turns
	// webhook purchases away, since their token would have nowhere to go.
	Replies app.ReplySink
}

// Handler serves the broker JSON API.
type Handler struct {
	svc     brokerService
	pool    submitter
	deduper app.Deduper
	replies app.ReplySink
	logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: cfg.Broker, pool: cfg.Pool, deduper: cfg.Deduper, replies: cfg.Replies, logger: logger}
}

// Routes returns the API router wrapped with tracing and request metrics.
// /metrics serves the Prometheus registry.
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/services/{service}/offers", h.offers).Methods(http.MethodGet)
	v1.HandleFunc("/search", h.search).Methods(http.MethodGet)
	v1.HandleFunc("/orders", h.buy).Methods(http.MethodPost)
	v1.HandleFunc("/orders/poll", h.poll).Methods(http.MethodPost)
	v1.HandleFunc("/orders/cancel", h.cancel).Methods(http.MethodPost)
	v1.HandleFunc("/recharges", h.recharge).Methods(http.MethodPost)
	v1.HandleFunc("/account", h.account).Methods(http.MethodGet)
	v1.HandleFunc("/admin/vendor-balances", h.vendorBalances).Methods(http.MethodGet)
	v1.HandleFunc("/webhook", h.webhook).Methods(http.MethodPost)

	return otelhttp.NewHandler(r, "broker.http")
}

// instrument records request count and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		m := httpsnoop.CaptureMetrics(next, w, r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(m.Code)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(m.Duration.Seconds())
	})
}

// ---------------------------------------------------------------------------
// Request and response bodies
// ---------------------------------------------------------------------------

type buyRequest struct {
	Service     string          `json:"service"`
	Vendor      string          `json:"vendor"`
	Variant     string          `json:"variant"`
	QuotedPrice decimal.Decimal `json:"quoted_price"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type rechargeRequest struct {
	UTR string `json:"utr"`
}

type rebuyResponse struct {
	Service string `json:"service"`
	Vendor  string `json:"vendor"`
	Variant string `json:"variant"`
}

// resultResponse renders an app.Result. Money fields are set only for the
// kinds that carry them.
type resultResponse struct {
	Kind        string           `json:"kind"`
	Token       string           `json:"token,omitempty"`
	Phone       string           `json:"phone,omitempty"`
	PhonePrefix string           `json:"phone_prefix,omitempty"`
	PhoneNumber string           `json:"phone_number,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Attempt     *int             `json:"attempt,omitempty"`
	OfferCancel bool             `json:"offer_cancel,omitempty"`
	Code        string           `json:"code,omitempty"`
	Refund      *decimal.Decimal `json:"refund,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Balance     *decimal.Decimal `json:"balance,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Rebuy       *rebuyResponse   `json:"rebuy,omitempty"`
	History     []string         `json:"history,omitempty"`
	Favourites  []string         `json:"favourites,omitempty"`
}

func toResultResponse(res app.Result) resultResponse {
	out := resultResponse{
		Kind:        res.Kind.String(),
		Token:       res.Token,
		OfferCancel: res.OfferCancel,
		Code:        res.Code,
		Reason:      res.Reason,
		History:     res.History,
		Favourites:  res.Favourites,
	}
	if res.Phone != "" {
		out.Phone = res.Phone
		out.PhonePrefix, out.PhoneNumber = res.DisplayPhone()
	}
	if res.Rebuy != nil {
		out.Rebuy = &rebuyResponse{Service: res.Rebuy.Service, Vendor: res.Rebuy.Vendor, Variant: res.Rebuy.Variant}
	}

	switch res.Kind {
	case app.InsufficientFunds, app.Purchased:
		out.Price, out.Balance = money(res.Price), money(res.Balance)
	case app.PollUpdate:
		attempt := res.Attempt
		out.Attempt = &attempt
	case app.Cancelled:
		out.Refund, out.Balance = money(res.Refund), money(res.Balance)
	case app.Recharged:
		out.Amount, out.Balance = money(res.Amount), money(res.Balance)
	case app.Info:
		out.Balance = money(res.Balance)
	}
	return out
}

func money(v decimal.Decimal) *decimal.Decimal { return &v }

// statusFor picks the HTTP status for a result kind. Every kind is a normal
// outcome; only throttling and new orders get distinct codes.
func statusFor(kind app.ResultKind) int {
	switch kind {
	case app.Purchased:
		return http.StatusCreated
	case app.RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

type offerResponse struct {
	Vendor  string          `json:"vendor"`
	Variant string          `json:"variant"`
	Count   int             `json:"count"`
	Price   decimal.Decimal `json:"price"`
}

type matchResponse struct {
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
}

type vendorBalanceResponse struct {
	Vendor  string           `json:"vendor"`
	Balance *decimal.Decimal `json:"balance"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (h *Handler) offers(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	offers, err := h.svc.Offers(r.Context(), service)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	out := make([]offerResponse, 0, len(offers))
	for _, o := range offers {
		out = append(out, offerResponse{Vendor: o.Vendor, Variant: o.Variant, Count: o.Count, Price: o.Price})
	}
	respondJSON(w, http.StatusOK, map[string]any{"service": service, "offers": out})
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("q")
	if term == "" {
		h.respondError(w, r, fmt.Errorf("search term: %w", domain.ErrInvalidInput))
		return
	}

	matches, ok := h.svc.Search(r.Context(), term)
	out := make([]matchResponse, 0, len(matches))
	if ok {
		for _, m := range matches {
			out = append(out, matchResponse{Name: m.Name, Similarity: m.Similarity})
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"term": term, "matches": out})
}

func (h *Handler) buy(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	var req buyRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.Buy(r.Context(), user, app.BuyRequest{
		Service:     req.Service,
		Vendor:      req.Vendor,
		Variant:     req.Variant,
		QuotedPrice: req.QuotedPrice,
	})
	h.respondResult(w, r, res, err)
}

func (h *Handler) poll(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	var req tokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.Poll(r.Context(), user, req.Token)
	h.respondResult(w, r, res, err)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	var req tokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.Cancel(r.Context(), user, req.Token)
	h.respondResult(w, r, res, err)
}

func (h *Handler) recharge(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	var req rechargeRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.Recharge(r.Context(), user, req.UTR)
	h.respondResult(w, r, res, err)
}

func (h *Handler) account(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	res, err := h.svc.Account(r.Context(), user)
	h.respondResult(w, r, res, err)
}

func (h *Handler) vendorBalances(w http.ResponseWriter, r *http.Request) {
	rows := h.svc.VendorBalances(r.Context())

	out := make([]vendorBalanceResponse, 0, len(rows))
	for _, row := range rows {
		v := vendorBalanceResponse{Vendor: row.Vendor}
		if row.Known {
			v.Balance = money(row.Balance)
		}
		out = append(out, v)
	}
	respondJSON(w, http.StatusOK, map[string]any{"vendors": out})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// user reads the caller from UserHeader, answering 400 when it is absent.
func (h *Handler) user(w http.ResponseWriter, r *http.Request) (domain.UserID, bool) {
	user, err := domain.NewUserID(r.Header.Get(UserHeader))
	if err != nil {
		h.respondError(w, r, err)
		return domain.UserID{}, false
	}
	return user, true
}

// decode reads a JSON body into dst, answering 400 on malformed input.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.respondError(w, r, errors.Join(domain.ErrInvalidInput, err))
		return false
	}
	return true
}

// respondResult renders res, or maps err. Errors the broker classifies as a
// result kind are rendered as that kind.
func (h *Handler) respondResult(w http.ResponseWriter, r *http.Request, res app.Result, err error) {
	if err != nil {
		mapped, ok := app.ErrorResult(err)
		if !ok {
			h.respondError(w, r, err)
			return
		}
		res = mapped
	}
	respondJSON(w, statusFor(res.Kind), toResultResponse(res))
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	httpErr := errmap.ToHTTPError(err)
	if httpErr.StatusCode >= http.StatusInternalServerError {
		observability.WithTraceID(r.Context(), h.logger).ErrorContext(r.Context(), "request failed",
			slog.String("route", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	respondJSON(w, httpErr.StatusCode, httpErr)
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
