package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"kasirinaja/pos/internal/cart"
	"kasirinaja/pos/internal/credit"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/register"
	"kasirinaja/pos/internal/service"
	"kasirinaja/pos/internal/settlement"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/txmode"
)

const maxBodyBytes = 1 << 20

type Options struct {
	AllowedOrigin      string
	LoginRatePerMinute int
	PINRatePerMinute   int
	Logger             *zap.Logger
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *clientLimiter
	pinLimiter    *clientLimiter
	logger        *zap.Logger
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if opts.LoginRatePerMinute < 1 {
		opts.LoginRatePerMinute = 5
	}
	if opts.PINRatePerMinute < 1 {
		opts.PINRatePerMinute = 8
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: opts.AllowedOrigin,
		loginLimiter:  newClientLimiter(opts.LoginRatePerMinute),
		pinLimiter:    newClientLimiter(opts.PINRatePerMinute),
		logger:        logger.Named("http"),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(limitBody)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		a.writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		a.writeMethodNotAllowed(w)
	})

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(RoleCashier, RoleAdmin))

			r.Get("/products", a.handleProducts)
			r.Get("/payment-types", a.handlePaymentTypes)
			r.Get("/orders/{orderID}", a.handleOrder)

			r.Route("/terminals/{terminalID}/session", func(r chi.Router) {
				r.Get("/", a.handleSnapshot)
				r.Delete("/", a.handleClear)

				r.Post("/lines", a.handleAddLine)
				r.Post("/lines/duplicate-last", a.handleDuplicateLast)
				r.Patch("/lines/{index}", a.handleUpdateLine)
				r.Delete("/lines/{index}", a.handleRemoveLine)

				r.Put("/discount", a.handleSetDiscount)
				r.Delete("/discount", a.handleClearDiscount)
				r.Put("/tax", a.handleSetTax)
				r.Delete("/tax", a.handleClearTax)
				r.Put("/adjustment", a.handleSetAdjustment)
				r.Post("/adjustment/suggested", a.handleApplySuggestedAdjustment)
				r.Delete("/adjustment", a.handleClearAdjustment)

				r.Put("/customer", a.handleAttachCustomer)
				r.Delete("/customer", a.handleDetachCustomer)
				r.Put("/notes", a.handleSetNotes)

				r.Post("/tenders", a.handleAddTender)
				r.Delete("/tenders/{index}", a.handleRemoveTender)

				r.Post("/return-from/{orderID}", a.handleStartReturn)
				r.Post("/reorder-from/{orderID}", a.handleStartReorder)
				r.Post("/submit", a.handleSubmit)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(RoleAdmin))

			r.Get("/audit-logs", a.handleAuditLogs)
			r.Get("/users/cashiers", a.handleListCashiers)
			r.Post("/users/cashiers", a.handleCreateCashier)
		})
	})

	return cors.New(cors.Options{
		AllowedOrigins: []string{a.allowedOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Manager-PIN"},
		MaxAge:         600,
	}).Handler(r)
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				a.writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
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

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(startedAt)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handlePaymentTypes(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ListPaymentTypes(r.Context())
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	resp, err := a.service.ListAuditLogs(r.Context(), strings.TrimSpace(r.URL.Query().Get("store_id")), limit)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListCashiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers(r.Context())})
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	cashier, err := a.auth.CreateCashier(r.Context(), req)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
}

// statusFor maps engine and persistence errors to HTTP status codes.
func statusFor(err error) int {
	var (
		priceRange *cart.PriceOutOfRangeError
		failed     *settlement.SubmissionFailedError
	)
	switch {
	case errors.As(err, &failed):
		return http.StatusBadGateway
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, cart.ErrLineNotFound),
		errors.Is(err, settlement.ErrTenderNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrSubmitInProgress),
		errors.Is(err, register.ErrSessionBusy),
		errors.Is(err, errUsernameTaken),
		errors.Is(err, cart.ErrVariantRequired):
		return http.StatusConflict
	case errors.As(err, &priceRange),
		errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, cart.ErrZeroQuantity),
		errors.Is(err, cart.ErrWrongOrientation),
		errors.Is(err, cart.ErrFixedPrice),
		errors.Is(err, cart.ErrEmptyCart),
		errors.Is(err, credit.ErrCustomerRequired),
		errors.Is(err, credit.ErrCreditNotAllowed),
		errors.Is(err, credit.ErrCreditLimitExceeded),
		errors.Is(err, settlement.ErrZeroAmount),
		errors.Is(err, settlement.ErrExactAmountRequired),
		errors.Is(err, settlement.ErrNotSettled),
		errors.Is(err, settlement.ErrEmptyTransaction),
		errors.Is(err, txmode.ErrEmptyOrder),
		errors.Is(err, txmode.ErrNotReturnable),
		errors.Is(err, register.ErrInactiveProduct),
		errors.Is(err, store.ErrInvalidTransaction):
		return http.StatusUnprocessableEntity
	case errors.Is(err, settlement.ErrInvalidStatus),
		errors.Is(err, register.ErrInvalidDiscount),
		errors.Is(err, register.ErrInvalidTax):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with its mapped status. Rejected submissions
// and invalid requests carry their field errors; a variant prompt carries
// the selectable options.
func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	var (
		rejected *settlement.ValidationRejectedError
		invalid  *store.ValidationError
		choice   *cart.VariantChoiceError
	)
	switch {
	case errors.As(err, &rejected):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  err.Error(),
			"fields": rejected.Fields,
		})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  err.Error(),
			"fields": invalid.Fields,
		})
	case errors.As(err, &choice):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   err.Error(),
			"options": choice.Options,
		})
	default:
		a.writeError(w, statusFor(err), err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
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

func (a *API) writeMethodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError hides the message of 5xx responses; 4xx messages are meant for
// the cashier.
func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("internal error", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
