package http

import (
	"net/http"
	"strings"
	"time"

	"callify/internal/core/domain"
	"callify/internal/core/services"
	"callify/internal/infrastructure/middleware"
	"callify/pkg/errors"
	"callify/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type AuthHandler struct {
	identity services.IdentityService
	tokenTTL time.Duration
}

func NewAuthHandler(identity services.IdentityService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		identity: identity,
		tokenTTL: tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
		api.GET("/me", middleware.AuthMiddleware(h.identity), h.Identity)
	}
}

type TokenRequest struct {
	DisplayName string `json:"display_name" binding:"required,max=64"`
}

// IssueToken mints an identity token for a display name. There is no user
// store: identity is ephemeral and scoped to the token lifetime, which is
// enough to pin a display name across meeting joins.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	userID := domain.UserID(uuid.New().String())
	token, err := h.identity.IssueToken(userID, req.DisplayName)
	if err != nil {
		c.Error(errors.NewInternalError("failed to issue token"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      userID,
		"display_name": req.DisplayName,
		"access_token": token,
		"expires_in":   int(h.tokenTTL / time.Second),
	})
}

// Identity echoes the identity carried by the presented token, so clients
// can check a stored token before dialing the signaling endpoint.
func (h *AuthHandler) Identity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"user_id":      c.MustGet("user_id"),
		"display_name": c.MustGet("display_name"),
	})
}
