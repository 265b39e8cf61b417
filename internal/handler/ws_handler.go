package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"presence-service/internal/broker"
	"presence-service/internal/dto"
	"presence-service/internal/metrics"
	"presence-service/internal/response"
	"presence-service/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Stream message types besides the broker event types
const streamSnapshot = "presence.snapshot"

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// WSHandler streams presence snapshots of a workspace. Every change
// published on the broker is followed by a fresh snapshot, so viewers never
// poll.
type WSHandler struct {
	presenceService service.PresenceService
	broker          broker.Broker
	metrics         *metrics.Metrics
	clock           quartz.Clock
	logger          *zap.Logger
}

func NewWSHandler(
	presenceService service.PresenceService,
	b broker.Broker,
	m *metrics.Metrics,
	clock quartz.Clock,
	logger *zap.Logger,
) *WSHandler {
	return &WSHandler{
		presenceService: presenceService,
		broker:          b,
		metrics:         m,
		clock:           clock,
		logger:          logger,
	}
}

// StreamPresence upgrades the connection and streams snapshots until the
// viewer disconnects. The viewer's own record is included.
func (h *WSHandler) StreamPresence(c *gin.Context) {
	workspaceID, ok := workspaceParam(c)
	if !ok {
		return
	}
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := h.broker.Subscribe(ctx, workspaceID)
	if err != nil {
		h.logger.Warn("Failed to subscribe to presence events",
			zap.String("workspace_id", workspaceID.String()),
			zap.Error(err))
		response.SendError(c, http.StatusServiceUnavailable, response.ErrCodeUnavailable, "Presence stream unavailable")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.IncrementWSSubscribers()
	defer h.metrics.DecrementWSSubscribers()

	h.logger.Debug("Presence stream opened",
		zap.String("workspace_id", workspaceID.String()),
		zap.String("user_id", identity.UserID.String()))

	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, workspaceID, events)
}

// readPump discards client frames and keeps the read deadline alive. It
// cancels the stream when the connection drops.
func (h *WSHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Presence stream read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *WSHandler) writePump(ctx context.Context, conn *websocket.Conn, workspaceID uuid.UUID, events <-chan broker.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if err := h.writeSnapshot(ctx, conn, workspaceID, streamSnapshot, nil); err != nil {
		return
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			userID := event.UserID
			if err := h.writeSnapshot(ctx, conn, workspaceID, string(event.Type), &userID); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (h *WSHandler) writeSnapshot(ctx context.Context, conn *websocket.Conn, workspaceID uuid.UUID, msgType string, userID *uuid.UUID) error {
	records := h.presenceService.ListRecent(ctx, workspaceID, 0)
	now := h.clock.Now()
	payload, err := json.Marshal(dto.PresenceStreamMessage{
		Type:        msgType,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Presences:   dto.ToPresenceResponses(records, now),
		At:          now,
	})
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
