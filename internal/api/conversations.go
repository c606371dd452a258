package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/chihaya-ai/internal/controller"
	"github.com/wuwenbin0122/chihaya-ai/internal/conversation"
	"github.com/wuwenbin0122/chihaya-ai/internal/session"
)

type postMessageRequest struct {
	Text    string `json:"text"`
	Message string `json:"message"`
}

type viewResponse struct {
	ActiveID string `json:"activeId"`
	*controller.View
}

func (h *Handler) handleListConversations(c *gin.Context) {
	sess, ok := h.requireSession(c)
	if !ok {
		return
	}

	view, err := h.controller.Current(c.Request.Context(), sess)
	if err != nil {
		h.writeControllerError(c, sess, err)
		return
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(c, http.StatusBadRequest, "limit must be a non-negative integer", errors.New("api: invalid limit"))
			return
		}
		if limit < len(view.Conversations) {
			view.Conversations = view.Conversations[:limit]
		}
	}

	c.JSON(http.StatusOK, newViewResponse(view))
}

func (h *Handler) handleCreateConversation(c *gin.Context) {
	sess, ok := h.requireSession(c)
	if !ok {
		return
	}

	view, err := h.controller.CreateNew(c.Request.Context(), sess)
	if err != nil {
		h.writeControllerError(c, sess, err)
		return
	}

	c.JSON(http.StatusCreated, newViewResponse(view))
}

func (h *Handler) handleSwitchConversation(c *gin.Context) {
	sess, ok := h.requireSession(c)
	if !ok {
		return
	}

	view, err := h.controller.SwitchTo(c.Request.Context(), sess, c.Param("id"))
	if err != nil {
		h.writeControllerError(c, sess, err)
		return
	}

	c.JSON(http.StatusOK, newViewResponse(view))
}

func (h *Handler) handleDeleteConversation(c *gin.Context) {
	sess, ok := h.requireSession(c)
	if !ok {
		return
	}

	view, err := h.controller.Delete(c.Request.Context(), sess, c.Param("id"))
	if err != nil {
		h.writeControllerError(c, sess, err)
		return
	}

	c.JSON(http.StatusOK, newViewResponse(view))
}

func (h *Handler) handlePostMessage(c *gin.Context) {
	sess, ok := h.requireSession(c)
	if !ok {
		return
	}

	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}
	text := req.Text
	if text == "" {
		text = req.Message
	}
	if strings.TrimSpace(text) == "" {
		writeError(c, http.StatusBadRequest, "text is required", errors.New("api: empty message"))
		return
	}

	exchange, err := h.controller.PostTo(c.Request.Context(), sess, c.Param("id"), text)
	if err != nil {
		h.writeControllerError(c, sess, err)
		return
	}

	c.JSON(http.StatusOK, exchange)
}

func (h *Handler) requireSession(c *gin.Context) (*session.Session, bool) {
	sess, err := h.resolveSession(c)
	if err != nil {
		writeError(c, http.StatusUnauthorized, "unauthorized", err)
		return nil, false
	}
	return sess, true
}

func (h *Handler) writeControllerError(c *gin.Context, sess *session.Session, err error) {
	switch {
	case errors.Is(err, conversation.ErrLastConversation):
		writeError(c, http.StatusConflict, controller.LastConversationNotice, err)
	case errors.Is(err, conversation.ErrNotFound):
		writeError(c, http.StatusNotFound, "conversation not found", err)
	case errors.Is(err, controller.ErrBusy):
		writeError(c, http.StatusConflict, "reply still pending", err)
	case errors.Is(err, conversation.ErrUserRequired), errors.Is(err, controller.ErrNoSession):
		writeError(c, http.StatusUnauthorized, "unauthorized", err)
	default:
		h.logger.Error("conversation request failed",
			zap.String("user", sess.User),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		writeError(c, http.StatusInternalServerError, "conversation request failed", err)
	}
}

func newViewResponse(view *controller.View) viewResponse {
	resp := viewResponse{View: view}
	if view.Active != nil {
		resp.ActiveID = view.Active.ID
	}
	return resp
}
