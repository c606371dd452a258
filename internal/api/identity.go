package api

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wuwenbin0122/chihaya-ai/internal/session"
)

const usernameHeader = "X-Username"

var (
	errIdentityRequired = errors.New("api: username is required")
	errIdentityMismatch = errors.New("api: token does not match username")
)

// resolveSession builds the caller's session from a bearer token, the
// X-Username header or the username query parameter. When both a token and an
// asserted username are present they must agree.
func (h *Handler) resolveSession(c *gin.Context) (*session.Session, error) {
	asserted := strings.TrimSpace(c.GetHeader(usernameHeader))
	if asserted == "" {
		asserted = strings.TrimSpace(c.Query("username"))
	}

	subject, err := h.tokenSubject(c)
	if err != nil {
		return nil, err
	}

	switch {
	case subject != "" && asserted != "" && !strings.EqualFold(subject, asserted):
		return nil, errIdentityMismatch
	case subject != "":
		return session.ForUser(subject)
	case asserted != "":
		return session.ForUser(asserted)
	default:
		return nil, errIdentityRequired
	}
}

// checkBearer rejects a request whose optional bearer token names someone
// other than username.
func (h *Handler) checkBearer(c *gin.Context, username string) error {
	subject, err := h.tokenSubject(c)
	if err != nil {
		return err
	}
	if subject != "" && username != "" && !strings.EqualFold(subject, username) {
		return errIdentityMismatch
	}
	return nil
}

func (h *Handler) tokenSubject(c *gin.Context) (string, error) {
	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" {
		// Browsers cannot set headers on websocket upgrades.
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		return "", nil
	}
	return h.authService.VerifyToken(token)
}

func bearerToken(header string) string {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
