// Package api exposes the control-plane HTTP surface: start/stop/retry the
// dream, read status, update the prompt.
package api

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dreamcast/orchestrator/internal/controller"
	"github.com/dreamcast/orchestrator/internal/promptsync"
	"github.com/dreamcast/orchestrator/pkg/response"
)

// Handler serves the orchestrator control-plane endpoints.
type Handler struct {
	ctrl *controller.Controller
	log  *zap.Logger
}

// NewHandler creates the control-plane handler.
func NewHandler(ctrl *controller.Controller, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{ctrl: ctrl, log: log}
}

// Start begins the stream start sequence. Returns immediately; progress
// arrives via the status feed.
func (h *Handler) Start(c *gin.Context) {
	h.ctrl.Start()
	response.Accepted(c, h.ctrl.Status())
}

// Stop tears the stream down. Idempotent.
func (h *Handler) Stop(c *gin.Context) {
	h.ctrl.Stop()
	response.OK(c, h.ctrl.Status())
}

// Retry recreates the session from scratch.
func (h *Handler) Retry(c *gin.Context) {
	h.ctrl.RetryDream()
	response.Accepted(c, h.ctrl.Status())
}

// Status returns the current status snapshot plus prompt-sync state.
func (h *Handler) Status(c *gin.Context) {
	st := h.ctrl.Status()
	response.OK(c, gin.H{
		"status":          st,
		"prompt":          h.ctrl.CurrentPrompt(),
		"patch_supported": patchSupportedString(h.ctrl.PatchSupported()),
	})
}

// StatusHistory returns recent status transitions, oldest first.
func (h *Handler) StatusHistory(c *gin.Context) {
	response.OK(c, h.ctrl.History())
}

type promptRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// SetPrompt updates the desired generation prompt. If a session is live the
// change is pushed to the backend; otherwise it applies on the next start.
func (h *Handler) SetPrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "prompt is required")
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		response.BadRequest(c, "prompt is required")
		return
	}
	if h.ctrl.PatchSupported() == promptsync.Unsupported {
		response.Conflict(c, "this session does not accept prompt changes; restart the dream")
		return
	}
	h.ctrl.SetPrompt(prompt)
	response.OK(c, gin.H{"prompt": prompt})
}

// ForceSync re-applies the current prompt even if unchanged ("re-roll").
func (h *Handler) ForceSync(c *gin.Context) {
	if h.ctrl.PatchSupported() == promptsync.Unsupported {
		response.Conflict(c, "this session does not accept prompt changes; restart the dream")
		return
	}
	h.ctrl.ForceSync()
	response.Accepted(c, gin.H{"prompt": h.ctrl.CurrentPrompt()})
}

func patchSupportedString(t promptsync.TriState) string {
	switch t {
	case promptsync.Supported:
		return "true"
	case promptsync.Unsupported:
		return "false"
	default:
		return "unknown"
	}
}
