package transaction

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"payvault/internal/api"
	"payvault/internal/auth"
	"payvault/internal/money"
)

type Handler struct {
	coordinator *Coordinator
}

func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// Submit accepts a transaction request from a feature service on behalf of
// the authenticated owner and runs it to a terminal state.
func (h *Handler) Submit(c *gin.Context) {
	ownerID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if verrs := api.ValidateStruct(req); len(verrs) > 0 {
		api.RespondWithValidationErrors(c, verrs)
		return
	}
	req.OwnerID = ownerID

	result, err := h.coordinator.Submit(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process transaction"})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetStatus(c *gin.Context) {
	reference := c.Param("reference")

	result, err := h.coordinator.GetStatus(c.Request.Context(), reference)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transaction"})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) Cancel(c *gin.Context) {
	reference := c.Param("reference")

	result, err := h.coordinator.Cancel(c.Request.Context(), reference)
	if err != nil {
		switch {
		case errors.Is(err, ErrTransactionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		case errors.Is(err, ErrNotCancellable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel transaction"})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

type ReverseRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Reverse is an admin action: it books the exact inverse posting group and
// records who asked for it and why.
func (h *Handler) Reverse(c *gin.Context) {
	actorID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	reference := c.Param("reference")

	var req ReverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	result, err := h.coordinator.Reverse(c.Request.Context(), reference, req.Reason, actorID)
	if err != nil {
		switch {
		case errors.Is(err, ErrTransactionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		case errors.Is(err, ErrNotReversible):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reverse transaction"})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

type OverrideRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// OverrideRisk is the manual-review escape hatch: an admin resumes a
// transaction the gate rejected.
func (h *Handler) OverrideRisk(c *gin.Context) {
	actorID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	reference := c.Param("reference")

	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	result, err := h.coordinator.OverrideRisk(c.Request.Context(), reference, req.Reason, actorID)
	if err != nil {
		switch {
		case errors.Is(err, ErrTransactionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		case errors.Is(err, ErrNotOverridable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to override risk decision"})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetBalance(c *gin.Context) {
	ownerID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	currency := money.Currency(c.DefaultQuery("currency", string(money.NGN)))

	acct, err := h.coordinator.GetBalance(c.Request.Context(), ownerID, currency)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load balance"})
		return
	}

	c.JSON(http.StatusOK, acct)
}

func (h *Handler) GetHistory(c *gin.Context) {
	ownerID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	currency := money.Currency(c.DefaultQuery("currency", string(money.NGN)))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	postings, err := h.coordinator.GetHistory(c.Request.Context(), ownerID, currency, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"postings": postings, "limit": limit, "offset": offset})
}
