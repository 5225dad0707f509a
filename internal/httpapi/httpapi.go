package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/sirupsen/logrus"
	"github.com/unrolled/secure"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/metrics"
	"pagina-vendedor/backend/internal/service"
	"pagina-vendedor/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type Options struct {
	AllowedOrigin          string
	RateLimitPerMinute     int
	LoginAttemptsPerMinute int
	RequestTimeout         time.Duration
	Logger                 *logrus.Logger
	Metrics                *metrics.Metrics
}

type API struct {
	service *service.Service
	auth    *AuthManager
	log     *logrus.Entry
	metrics *metrics.Metrics
	opts    Options
	handler http.Handler
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.RateLimitPerMinute < 1 {
		opts.RateLimitPerMinute = 120
	}
	if opts.LoginAttemptsPerMinute < 1 {
		opts.LoginAttemptsPerMinute = 5
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	a := &API{
		service: svc,
		auth:    auth,
		log:     logger.WithField("component", "http"),
		metrics: opts.Metrics,
		opts:    opts,
	}
	a.handler = a.routes()
	return a
}

// Handler returns the router. Rate limit windows live in it, so every call
// shares them.
func (a *API) Handler() http.Handler {
	return a.handler
}

func (a *API) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLog)
	r.Use(middleware.Recoverer)
	r.Use(a.metrics.Middleware)
	r.Use(secureHeaders().Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{a.opts.AllowedOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(middleware.Timeout(a.opts.RequestTimeout))
	r.Use(limitBody)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.Limit(a.opts.RateLimitPerMinute, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(tooManyRequests("rate limit exceeded")),
		))

		r.With(httprate.Limit(a.opts.LoginAttemptsPerMinute, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(tooManyRequests("too many login attempts")),
		)).Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth)

			r.Get("/accounts", a.handleListAccounts)
			r.Get("/accounts/{id}", a.handleGetAccount)
			r.Get("/accounts/{id}/history", a.handleAccountHistory)
			r.Get("/products", a.handleListProducts)
			r.Get("/products/{id}", a.handleGetProduct)
			r.Get("/products/{id}/movements", a.handleListMovements)
			r.Get("/transactions/{id}", a.handleGetTransaction)
			r.Get("/sales/{id}", a.handleGetSale)
			r.Get("/reservations/{id}", a.handleGetReservation)
			r.Get("/settings/{key}", a.handleGetSetting)
			r.Get("/price-proposals", a.handleListPriceProposals)

			r.Post("/transactions", a.handlePostTransaction)
			r.Post("/transfers", a.handleTransfer)
			r.Post("/sales", a.handleCreateSale)
			r.Post("/purchases", a.handleRecordPurchase)
			r.Post("/reservations", a.handleReserve)
			r.Delete("/reservations/{id}", a.handleRelease)
			r.Post("/commissions", a.handleRecordCommission)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(domain.RoleAdmin))

				r.Post("/accounts", a.handleCreateAccount)
				r.Post("/products", a.handleCreateProduct)
				r.Post("/transactions/{id}/reverse", a.handleReverseTransaction)
				r.Post("/sales/{id}/reverse", a.handleReverseSale)
				r.Post("/sales/{id}/returns", a.handleReturnSaleItems)
				r.Post("/inventory/adjustments", a.handleAdjustStock)
				r.Post("/inventory/reset-negative", a.handleResetNegativeStock)
				r.Post("/price-proposals/{id}/approve", a.handleApproveProposal)
				r.Post("/price-proposals/{id}/reject", a.handleRejectProposal)
				r.Post("/settings/{key}", a.handleUpdateSetting)
				r.Get("/admin/invariants", a.handleInvariants)
				r.Post("/admin/reservations/sweep", a.handleSweepReservations)
				r.Get("/audit-logs", a.handleAuditLogs)
				r.Get("/users/sellers", a.handleListSellers)
				r.Post("/users/sellers", a.handleCreateSeller)
			})
		})
	})

	return r
}

func secureHeaders() *secure.Secure {
	return secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})
}

// limitBody caps request bodies; an oversized JSON body fails to decode and
// is answered with 400.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      status,
			"duration_ms": time.Since(startedAt).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Info("request")
	})
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err)
			return
		}

		next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
	})
}

func requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := service.ActorFromContext(r.Context())
			if !ok || !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", errors.New("forbidden role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func tooManyRequests(msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", errors.New(msg))
	}
}

// fail maps a service error onto a status through its classification.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind, code := store.Classify(err)
	status := http.StatusInternalServerError
	switch kind {
	case store.KindValidation:
		status = http.StatusBadRequest
	case store.KindConflict:
		status = http.StatusConflict
	case store.KindNotFound:
		status = http.StatusNotFound
	}
	if status >= 500 {
		a.log.WithError(err).WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"code":       code,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("request failed")
	}
	writeError(w, status, code, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// decodeOptionalJSON accepts an empty body, chunked or not, for requests whose
// fields are all optional.
func decodeOptionalJSON(r *http.Request, dest any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := decodeJSON(r, dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	// 5xx bodies never carry internal detail.
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
