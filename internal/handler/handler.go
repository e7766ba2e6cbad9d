package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"cashback-api/internal/models"
	"cashback-api/internal/service"
)

// failedMessage is the only failure detail callers ever see.
const failedMessage = "failed"

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
	logger      *slog.Logger
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	Logger      *slog.Logger
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 100 << 20, // 100MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
		logger:      opts.Logger,
	}
}

// Register mounts the API routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/ruleset", func(r chi.Router) {
		r.Post("/", h.CreateRuleSet)
		r.Get("/", h.ListRuleSets)
	})

	r.Route("/transaction", func(r chi.Router) {
		r.Post("/", h.CreateTransaction)
		r.Get("/", h.ListTransactions)
	})

	r.Get("/cashback", h.ListCashback)
}

// CreateRuleSet handles POST /ruleset
func (h *Handler) CreateRuleSet(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRuleSetRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondFailure(w, r, err)
		return
	}

	rs, err := h.service.CreateRuleSet(r.Context(), req)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, models.RuleSetResponse{
		Success: true,
		RuleSet: models.NewRuleSetView(rs, req.Cashback),
	})
}

// ListRuleSets handles GET /ruleset
func (h *Handler) ListRuleSets(w http.ResponseWriter, r *http.Request) {
	ruleSets, err := h.service.ListRuleSets(r.Context())
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, models.RuleSetListResponse{
		Success:  true,
		RuleSets: ruleSets,
	})
}

// CreateTransaction handles POST /transaction. The cashback pipeline runs
// before the response is written.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var txn models.Transaction
	if err := h.decode(w, r, &txn); err != nil {
		h.respondFailure(w, r, err)
		return
	}

	saved, _, err := h.service.RecordTransaction(r.Context(), txn)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, models.TransactionResponse{
		Success:     true,
		Transaction: saved,
	})
}

// ListTransactions handles GET /transaction
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	transactions, err := h.service.ListTransactions(r.Context())
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, models.TransactionListResponse{
		Success:      true,
		Transactions: transactions,
	})
}

// ListCashback handles GET /cashback
func (h *Handler) ListCashback(w http.ResponseWriter, r *http.Request) {
	cashback, err := h.service.ListCashback(r.Context())
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, models.CashbackListResponse{
		Success:  true,
		Cashback: cashback,
	})
}

// decode reads a size-limited JSON body into dest.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	return nil
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondFailure logs err and sends the generic failure body.
func (h *Handler) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"error", err,
	)
	h.respondJSON(w, http.StatusInternalServerError, models.ErrorResponse{
		Success: false,
		Message: failedMessage,
	})
}
