package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"presence-service/internal/client"
	"presence-service/internal/dto"
	"presence-service/internal/response"
)

const maxDocumentBytes = 1 << 20

// DocumentHandler serves the shared document of a workspace. Presence does
// not depend on it; it only gives editors something to load.
type DocumentHandler struct {
	store  client.DocumentStore
	logger *zap.Logger
}

func NewDocumentHandler(store client.DocumentStore, logger *zap.Logger) *DocumentHandler {
	return &DocumentHandler{
		store:  store,
		logger: logger,
	}
}

func (h *DocumentHandler) GetContent(c *gin.Context) {
	workspaceID, ok := workspaceParam(c)
	if !ok {
		return
	}

	content, err := h.store.Get(c.Request.Context(), workspaceID)
	if err != nil {
		h.logger.Error("Failed to load document",
			zap.String("workspace_id", workspaceID.String()),
			zap.Error(err))
		response.SendError(c, http.StatusServiceUnavailable, response.ErrCodeUnavailable, "Document store unavailable")
		return
	}

	response.SendSuccess(c, http.StatusOK, dto.DocumentResponse{
		WorkspaceID: workspaceID,
		Content:     content,
	})
}

func (h *DocumentHandler) UpdateContent(c *gin.Context) {
	workspaceID, ok := workspaceParam(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxDocumentBytes+1024)
	var req dto.UpdateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Content) > maxDocumentBytes {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid request body")
		return
	}

	if err := h.store.Put(c.Request.Context(), workspaceID, req.Content); err != nil {
		h.logger.Error("Failed to save document",
			zap.String("workspace_id", workspaceID.String()),
			zap.Error(err))
		response.SendError(c, http.StatusServiceUnavailable, response.ErrCodeUnavailable, "Document store unavailable")
		return
	}

	response.SendSuccess(c, http.StatusOK, dto.DocumentResponse{
		WorkspaceID: workspaceID,
		Content:     req.Content,
	})
}
