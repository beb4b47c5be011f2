package http

import (
	"net/http"

	"framerelay/internal/core/domain"
	"framerelay/internal/core/ports"
	"framerelay/pkg/errors"
	"framerelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomHandler exposes read-only room membership for operators.
type RoomHandler struct {
	directory ports.RoomDirectory
}

func NewRoomHandler(directory ports.RoomDirectory) *RoomHandler {
	return &RoomHandler{directory: directory}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/rooms/:id", h.GetRoom)
	}
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	members, err := h.directory.Members(c.Request.Context(), domain.RoomID(roomID))
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "failed to read room", http.StatusServiceUnavailable))
		return
	}
	if len(members) == 0 {
		c.Error(errors.NewNotFoundError("room").WithContext("room_id", roomID))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id": roomID,
		"members": members,
		"count":   len(members),
	})
}
