package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/usdc"
)

// Handler exposes read-only ledger lookups.
type Handler struct {
	ledger   Ledger
	receipts ReceiptStore
}

// NewHandler creates a new ledger handler.
func NewHandler(l Ledger, receipts ReceiptStore) *Handler {
	return &Handler{ledger: l, receipts: receipts}
}

// RegisterRoutes sets up ledger routes. Both are principal-scoped and carry
// the caller-supplied ownership check.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, ownership gin.HandlerFunc) {
	r.GET("/ledger/balance/:address", ownership, h.GetBalance)
	r.GET("/ledger/receipts/:address", ownership, h.ListReceipts)
}

// GetBalance handles GET /v1/ledger/balance/:address
func (h *Handler) GetBalance(c *gin.Context) {
	address := c.Param("address")

	balance, err := h.ledger.BalanceOf(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "balance_unavailable", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address": address,
		"backend": h.ledger.Backend(),
		"balance": usdc.Format(balance),
	})
}

// ListReceipts handles GET /v1/ledger/receipts/:address
func (h *Handler) ListReceipts(c *gin.Context) {
	address := c.Param("address")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	receipts, err := h.receipts.List(c.Request.Context(), address, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list receipts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"receipts": receipts,
		"count":    len(receipts),
	})
}
