package audit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	recorder Recorder
}

func NewHandler(recorder Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// List serves the compliance review feed, newest events first.
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	events, err := h.recorder.List(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load audit events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "limit": limit, "offset": offset})
}
