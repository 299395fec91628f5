package account

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"payvault/internal/audit"
	"payvault/internal/auth"
	"payvault/internal/logger"
)

// Handler exposes the admin account actions. Every mutation lands in the
// audit trail with the acting admin's identity.
type Handler struct {
	store    Store
	recorder audit.Recorder
}

func NewHandler(store Store, recorder audit.Recorder) *Handler {
	return &Handler{store: store, recorder: recorder}
}

type statusChangeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) Suspend(c *gin.Context) {
	h.changeStatus(c, StatusSuspended, audit.ActionSuspendAccount)
}

func (h *Handler) Activate(c *gin.Context) {
	h.changeStatus(c, StatusActive, audit.ActionActivateAccount)
}

func (h *Handler) Close(c *gin.Context) {
	h.changeStatus(c, StatusClosed, audit.ActionCloseAccount)
}

func (h *Handler) changeStatus(c *gin.Context, status Status, action string) {
	actorID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	accountID := c.Param("accountID")

	var req statusChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	if err := h.store.SetStatus(c.Request.Context(), accountID, status); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update account status"})
		return
	}

	if err := h.recorder.Record(c.Request.Context(), actorID, action, accountID, req.Reason); err != nil {
		logger.Errorf("failed to record audit event for %s: %v", accountID, err)
	}

	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "status": status})
}
