package handler

import (
	"log/slog"
	"net/http"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/api/middleware"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades authenticated connections and subscribes them to the
// event hub
type WSHandler struct {
	hub    *realtime.Hub
	logger *slog.Logger
}

// NewWSHandler creates a new websocket handler
func NewWSHandler(logger *slog.Logger, hub *realtime.Hub) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: logger,
	}
}

// Subscribe upgrades the request to a websocket and streams lifecycle
// events. Staff tokens receive every event; member tokens only their own.
func (h *WSHandler) Subscribe(c *gin.Context) {
	memberID := middleware.GetMemberID(c)
	staff := middleware.GetRole(c) == middleware.RoleLibrarian

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection",
			"member_id", memberID.String(),
			"error", err,
		)
		return
	}

	client := realtime.NewClient(conn, memberID, staff)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump(h.hub)
}
