package registry

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CurrencyView is the public description of an enabled currency.
type CurrencyView struct {
	Symbol                       string `json:"symbol"`
	Network                      string `json:"network"`
	Name                         string `json:"name"`
	DisplayName                  string `json:"displayName"`
	Decimals                     int32  `json:"decimals"`
	InitialPaymentTimeoutMinutes int64  `json:"initialPaymentTimeoutMinutes"`
}

// Handler serves the currency listing.
type Handler struct {
	registry *Registry
}

// NewHandler creates a currency handler backed by r.
func NewHandler(r *Registry) *Handler {
	return &Handler{registry: r}
}

// RegisterRoutes sets up the currency routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/currencies", h.ListCurrencies)
}

// ListCurrencies handles GET /v1/currencies
func (h *Handler) ListCurrencies(c *gin.Context) {
	enabled := h.registry.Enabled()
	views := make([]CurrencyView, 0, len(enabled))
	for _, b := range enabled {
		views = append(views, CurrencyView{
			Symbol:                       b.Descriptor.Symbol,
			Network:                      b.Descriptor.Network,
			Name:                         b.Descriptor.Name,
			DisplayName:                  b.Config.DisplayName,
			Decimals:                     b.Descriptor.Decimals,
			InitialPaymentTimeoutMinutes: b.Config.InitialPaymentTimeoutMinutes,
		})
	}
	c.JSON(http.StatusOK, gin.H{"currencies": views, "count": len(views)})
}
