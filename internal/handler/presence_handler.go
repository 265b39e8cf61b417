package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"presence-service/internal/dto"
	"presence-service/internal/response"
	"presence-service/internal/service"
)

// maxListWindow bounds the maxAgeMs query parameter
const maxListWindow = 24 * time.Hour

type PresenceHandler struct {
	presenceService service.PresenceService
	clock           quartz.Clock
	logger          *zap.Logger
}

func NewPresenceHandler(presenceService service.PresenceService, clock quartz.Clock, logger *zap.Logger) *PresenceHandler {
	return &PresenceHandler{
		presenceService: presenceService,
		clock:           clock,
		logger:          logger,
	}
}

// UpsertPresence creates or merges the caller's record in a workspace.
// Omitted fields keep their stored value; "selection": null clears it.
func (h *PresenceHandler) UpsertPresence(c *gin.Context) {
	workspaceID, ok := workspaceParam(c)
	if !ok {
		return
	}
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}

	var req dto.UpsertPresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid request body")
		return
	}

	p, err := h.presenceService.Upsert(c.Request.Context(), identity, workspaceID, req.ToPatch())
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}

	response.SendSuccess(c, http.StatusOK, dto.ToPresenceResponse(*p, h.clock.Now()))
}

// ListPresence returns the records of a workspace seen within maxAgeMs,
// defaulting to the present window. A store failure yields an empty list.
func (h *PresenceHandler) ListPresence(c *gin.Context) {
	workspaceID, ok := workspaceParam(c)
	if !ok {
		return
	}

	var maxAge time.Duration
	if raw := c.Query("maxAgeMs"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "maxAgeMs must be a positive integer")
			return
		}
		if ms > maxListWindow.Milliseconds() {
			response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "maxAgeMs must be at most 86400000")
			return
		}
		maxAge = time.Duration(ms) * time.Millisecond
	}

	records := h.presenceService.ListRecent(c.Request.Context(), workspaceID, maxAge)
	now := h.clock.Now()
	response.SendSuccess(c, http.StatusOK, dto.ListPresenceResponse{
		WorkspaceID: workspaceID,
		Presences:   dto.ToPresenceResponses(records, now),
		Count:       len(records),
		ServerTime:  now,
	})
}

// RemovePresence deletes the caller's record. Removing an absent record
// succeeds.
func (h *PresenceHandler) RemovePresence(c *gin.Context) {
	workspaceID, ok := workspaceParam(c)
	if !ok {
		return
	}
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}

	if err := h.presenceService.Remove(c.Request.Context(), workspaceID, identity.UserID); err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetActiveCollaborators reports whether anyone other than the caller was
// seen in the workspace within the active window.
func (h *PresenceHandler) GetActiveCollaborators(c *gin.Context) {
	workspaceID, ok := workspaceParam(c)
	if !ok {
		return
	}
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}

	active := h.presenceService.HasActiveCollaborators(c.Request.Context(), workspaceID, identity.UserID)
	response.SendSuccess(c, http.StatusOK, dto.ActiveCollaboratorsResponse{
		WorkspaceID:            workspaceID,
		HasActiveCollaborators: active,
	})
}
