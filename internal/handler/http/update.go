// Package http holds the manager's plain-HTTP handlers.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/kliu/painttyServer/internal/updater"
)

// UpdateHandler answers client update-check requests.
type UpdateHandler struct {
	svc *updater.Service
}

// NewUpdateHandler creates the handler.
func NewUpdateHandler(svc *updater.Service) *UpdateHandler {
	if svc == nil {
		panic("updater.Service cannot be nil for UpdateHandler")
	}
	return &UpdateHandler{svc: svc}
}

// UpdateCheckRequest is the version-query body. Both fields are optional;
// defaults are English and Windows.
type UpdateCheckRequest struct {
	Language string `json:"language"`
	Platform string `json:"platform"`
}

// UpdateCheckReply mirrors the historical version response envelope.
type UpdateCheckReply struct {
	Response string       `json:"response"`
	Result   bool         `json:"result"`
	Info     updater.Info `json:"info"`
}

// Check handles POST update-check queries.
func (h *UpdateHandler) Check(c *gin.Context) {
	var req UpdateCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Debug("Update check with unparseable body, using defaults")
	}
	info := h.svc.Check(req.Language, req.Platform)
	c.JSON(http.StatusOK, UpdateCheckReply{
		Response: "version",
		Result:   true,
		Info:     info,
	})
}
