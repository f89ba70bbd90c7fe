package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/scriptorium-app/scriptorium/backend/internal/ai"
)

type assistRequestPayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) bindAssistRequest(c *gin.Context) (string, bool) {
	if h.assistant == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ai_unavailable"})
		return "", false
	}
	var request assistRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return "", false
	}
	return request.Content, true
}

func (h *httpHandler) handleGenerateTitle(c *gin.Context) {
	content, ok := h.bindAssistRequest(c)
	if !ok {
		return
	}
	title, err := h.assistant.GenerateTitle(c.Request.Context(), content)
	if err != nil {
		h.respondAssistError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": title})
}

func (h *httpHandler) handleAnalyzeThemes(c *gin.Context) {
	content, ok := h.bindAssistRequest(c)
	if !ok {
		return
	}
	themes, err := h.assistant.AnalyzeThemes(c.Request.Context(), content)
	if err != nil {
		h.respondAssistError(c, err)
		return
	}
	if themes == nil {
		themes = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"themes": themes})
}

func (h *httpHandler) handleGetSuggestions(c *gin.Context) {
	content, ok := h.bindAssistRequest(c)
	if !ok {
		return
	}
	suggestions, err := h.assistant.GetSuggestions(c.Request.Context(), content)
	if err != nil {
		h.respondAssistError(c, err)
		return
	}
	if suggestions == nil {
		suggestions = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}

func (h *httpHandler) handleGenerateSummary(c *gin.Context) {
	content, ok := h.bindAssistRequest(c)
	if !ok {
		return
	}
	summary, err := h.assistant.GenerateSummary(c.Request.Context(), content)
	if err != nil {
		h.respondAssistError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

func (h *httpHandler) respondAssistError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ai.ErrContentTooShort):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "content_too_short"})
	case errors.Is(err, ai.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ai_unavailable"})
	default:
		h.logger.Error("ai request failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "ai_request_failed"})
	}
}
