package http

import (
	"context"
	"net/http"
	"time"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/ports"
	"flashlive/pkg/cache"

	"github.com/gin-gonic/gin"
)

// RoomHandler serves the polled room listing. Responses are cached for
// cacheTTL; zero disables the cache.
type RoomHandler struct {
	rooms ports.RoomService
	cache *cache.Cache[[]*domain.Room]
}

func NewRoomHandler(rooms ports.RoomService, cacheTTL time.Duration) *RoomHandler {
	return &RoomHandler{
		rooms: rooms,
		cache: cache.New[[]*domain.Room](cacheTTL),
	}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/rooms")
	{
		api.GET("", h.ListRooms)
		api.GET("/:name", h.GetRoom)
	}
}

type RoomResponse struct {
	Name             string `json:"name"`
	ParticipantCount int    `json:"participantCount"`
	CreationTime     int64  `json:"creationTime"`
	Metadata         string `json:"metadata"`
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.cache.GetOrLoad(c.Request.Context(), "rooms", func(ctx context.Context) ([]*domain.Room, error) {
		return h.rooms.ListRooms(ctx)
	})
	if err != nil {
		c.Error(err)
		return
	}

	out := make([]RoomResponse, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomResponse{
			Name:             r.Name,
			ParticipantCount: r.ParticipantCount,
			CreationTime:     r.CreatedAt.Unix(),
			Metadata:         r.Metadata,
		})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, err := h.rooms.GetRoom(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, RoomResponse{
		Name:             room.Name,
		ParticipantCount: room.ParticipantCount,
		CreationTime:     room.CreatedAt.Unix(),
		Metadata:         room.Metadata,
	})
}
