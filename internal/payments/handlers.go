package payments

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cryptohook/cryptohook/internal/currency"
	"github.com/cryptohook/cryptohook/internal/logging"
	"github.com/cryptohook/cryptohook/internal/pagination"
	"github.com/cryptohook/cryptohook/internal/registry"
	"github.com/cryptohook/cryptohook/internal/validation"
)

// CreateRequest is the body of POST /v1/payments. The amount is given
// either in base units (Amount) or in whole coins (DisplayAmount).
type CreateRequest struct {
	Symbol        string `json:"symbol"`
	Network       string `json:"network"`
	Amount        string `json:"amount"`
	DisplayAmount string `json:"displayAmount"`
}

// Handler provides HTTP endpoints for payment requests.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CreatePayment)
	r.GET("/payments", h.ListPayments)
	r.GET("/payments/:id", validation.IDParamMiddleware(), h.GetPayment)
}

// CreatePayment handles POST /v1/payments
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be JSON with symbol, network and amount",
		})
		return
	}

	if vs := validation.Validate(
		validation.Required("symbol", req.Symbol),
		validation.Required("network", req.Network),
	); len(vs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": vs.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	amt, err := h.service.ParseAmount(req.Symbol, req.Network, req.Amount, req.DisplayAmount)
	if err != nil {
		h.writeError(c, err)
		return
	}

	created, err := h.service.Create(ctx, req.Symbol, req.Network, amt)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	req, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// ListPayments handles GET /v1/payments?status=&symbol=&network=&limit=&cursor=
func (h *Handler) ListPayments(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	filter := ListFilter{After: cursor, Limit: limit}
	for _, raw := range c.QueryArray("status") {
		for _, part := range strings.Split(raw, ",") {
			st := Status(strings.ToLower(strings.TrimSpace(part)))
			if !st.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unknown status " + part})
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	symbol, network := c.Query("symbol"), c.Query("network")
	if (symbol == "") != (network == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "symbol and network must be given together"})
		return
	}
	if symbol != "" {
		filter.Currency = currency.NewKey(symbol, network)
	}

	page, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
	case errors.Is(err, registry.ErrUnknownCurrency):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_currency", "message": err.Error()})
	case errors.Is(err, registry.ErrCurrencyDisabled):
		c.JSON(http.StatusBadRequest, gin.H{"error": "currency_disabled", "message": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payment request not found"})
	default:
		logging.L(c.Request.Context()).Error("payment request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to process payment request"})
	}
}
