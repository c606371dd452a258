package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/chihaya-ai/internal/auth"
	"github.com/wuwenbin0122/chihaya-ai/internal/controller"
	"github.com/wuwenbin0122/chihaya-ai/internal/events"
	"github.com/wuwenbin0122/chihaya-ai/internal/relay"
)

const (
	msgUserExists         = "用户名已存在"
	msgInvalidCredentials = "用户名或密码错误"
	msgRelayFailure       = "AI 服务异常"
)

type Handler struct {
	authService  *auth.Service
	relayService *relay.Service
	controller   *controller.Controller
	bus          *events.Bus
	logger       *zap.Logger
}

func NewHandler(authService *auth.Service, relayService *relay.Service, ctrl *controller.Controller, bus *events.Bus, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		authService:  authService,
		relayService: relayService,
		controller:   ctrl,
		bus:          bus,
		logger:       logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	apiGroup := router.Group("/api")

	authGroup := apiGroup.Group("/auth")
	authGroup.POST("/register", h.handleRegister)
	authGroup.POST("/login", h.handleLogin)

	// Unprefixed paths used by the browser client.
	apiGroup.POST("/register", h.handleRegister)
	apiGroup.POST("/login", h.handleLogin)

	apiGroup.POST("/chat", h.handleChat)
	apiGroup.GET("/chat/history", h.handleChatHistory)

	convGroup := apiGroup.Group("/conversations")
	convGroup.GET("", h.handleListConversations)
	convGroup.POST("", h.handleCreateConversation)
	convGroup.GET("/events", h.handleEvents)
	convGroup.GET("/:id", h.handleSwitchConversation)
	convGroup.DELETE("/:id", h.handleDeleteConversation)
	convGroup.POST("/:id/messages", h.handlePostMessage)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type chatRequest struct {
	Username string              `json:"username"`
	Message  string              `json:"message"`
	Messages []relay.ChatMessage `json:"messages"`
}

func (h *Handler) handleRegister(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	result, err := h.authService.Register(c.Request.Context(), auth.RegisterInput{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUsernameTooShort), errors.Is(err, auth.ErrPasswordTooWeak):
			writeError(c, http.StatusBadRequest, err.Error(), err)
		case errors.Is(err, auth.ErrUserExists):
			writeError(c, http.StatusConflict, msgUserExists, err)
		default:
			h.logger.Error("register failed", zap.String("username", req.Username), zap.Error(err))
			writeError(c, http.StatusInternalServerError, "failed to register user", err)
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"ok":   true,
		"user": result.User,
	})
}

func (h *Handler) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(c, http.StatusBadRequest, "username and password are required", auth.ErrInvalidCredentials)
		return
	}

	result, err := h.authService.Login(c.Request.Context(), auth.LoginInput{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			writeError(c, http.StatusUnauthorized, msgInvalidCredentials, err)
		default:
			h.logger.Error("login failed", zap.String("username", req.Username), zap.Error(err))
			writeError(c, http.StatusInternalServerError, "failed to login", err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"user":      result.User,
		"token":     result.Token,
		"expiresAt": result.ExpiresAt.Format(time.RFC3339),
	})
}

func (h *Handler) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	username := strings.TrimSpace(req.Username)
	if err := h.checkBearer(c, username); err != nil {
		writeError(c, http.StatusUnauthorized, "identity mismatch", err)
		return
	}

	messages := req.Messages
	if len(messages) == 0 && req.Message != "" {
		messages = []relay.ChatMessage{{Role: "user", Content: req.Message}}
	}

	reply, err := h.relayService.Complete(c.Request.Context(), username, messages)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrUsernameRequired), errors.Is(err, relay.ErrNoUserMessage):
			writeError(c, http.StatusBadRequest, err.Error(), err)
		default:
			h.logger.Error("chat relay failed", zap.String("user", username), zap.Error(err))
			writeError(c, http.StatusInternalServerError, msgRelayFailure, err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

func (h *Handler) handleChatHistory(c *gin.Context) {
	sess, ok := h.requireSession(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(c, http.StatusBadRequest, "limit must be a non-negative integer", errors.New("api: invalid limit"))
			return
		}
		limit = parsed
	}

	messages, err := h.relayService.History(c.Request.Context(), sess.User, limit)
	if err != nil {
		h.logger.Error("chat history failed", zap.String("user", sess.User), zap.Error(err))
		writeError(c, http.StatusInternalServerError, "failed to load history", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func writeError(c *gin.Context, status int, message string, err error) {
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}
