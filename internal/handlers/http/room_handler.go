package http

import (
	"net/http"

	"callify/internal/core/domain"
	"callify/internal/core/ports"
	"callify/pkg/errors"
	"callify/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomHandler exposes read-only room inspection over HTTP. Joining and
// leaving happen over the signaling connection only.
type RoomHandler struct {
	registry ports.RoomRegistry
}

func NewRoomHandler(registry ports.RoomRegistry) *RoomHandler {
	return &RoomHandler{registry: registry}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/rooms")
	{
		api.GET("/:code", h.GetRoom)
	}
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	code := c.Param("code")
	if err := validation.ValidateRoomCode(code); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	members := h.registry.Members(c.Request.Context(), domain.RoomCode(code))
	if len(members) == 0 {
		c.Error(errors.WrapError(domain.ErrRoomNotFound, errors.ErrCodeNotFound, "room not found", http.StatusNotFound))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_code":    code,
		"member_count": len(members),
		"members":      members,
	})
}
