package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/scriptorium-app/scriptorium/backend/internal/events"
	"github.com/scriptorium-app/scriptorium/backend/internal/freshness"
	"github.com/scriptorium-app/scriptorium/backend/internal/rooms"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type streamFrame struct {
	Type      string               `json:"type"`
	Event     *streamEventPayload  `json:"event,omitempty"`
	Documents *documentListPayload `json:"documents,omitempty"`
}

type streamEventPayload struct {
	Type       string `json:"type"`
	Email      string `json:"email"`
	UserType   string `json:"user_type,omitempty"`
	RoomID     string `json:"room_id"`
	Remote     bool   `json:"remote"`
	TimestampS int64  `json:"timestamp_s"`
}

type clientFrame struct {
	Type string `json:"type"`
}

// handleEventStream upgrades to a websocket and keeps the client's
// permission-dependent view fresh: raw broadcast events addressed to the
// session are forwarded as they arrive, and a freshness coordinator pushes
// full document-list snapshots on its interval/focus/event triggers. The
// client reports regained tab focus with a {"type":"focus"} frame.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	requester, ok := h.sessionRequester(c)
	if !ok {
		return
	}
	if h.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "events_unavailable"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	session := &streamSession{
		conn:    conn,
		email:   requester.Email,
		handler: h,
	}

	coordinatorEvents, cancelCoordinatorSub := h.bus.Subscribe(ctx, requester.Email.String())
	defer cancelCoordinatorSub()
	forwarded, cancelForwardSub := h.bus.Subscribe(ctx, requester.Email.String())
	defer cancelForwardSub()

	coordinator, err := freshness.NewCoordinator(freshness.Config{
		Email:   requester.Email.String(),
		Refresh: session.pushDocuments,
		Events:  coordinatorEvents,
		Logger:  h.logger,
	})
	if err != nil {
		h.logger.Error("freshness coordinator setup failed", zap.Error(err))
		return
	}
	coordinator.Start(ctx)
	defer coordinator.Stop()

	// Initial snapshot so the client renders without waiting for a trigger.
	if err := session.pushDocuments(ctx); err != nil {
		h.logger.Warn("initial document push failed", zap.Error(err))
	}

	go session.forwardEvents(ctx, forwarded)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}
		if frame.Type == "focus" {
			coordinator.Focus()
		}
	}
}

type streamSession struct {
	conn    *websocket.Conn
	email   rooms.Email
	handler *httpHandler

	writeMu sync.Mutex
}

func (s *streamSession) pushDocuments(ctx context.Context) error {
	list, err := s.handler.roomService.List(ctx, s.email)
	if err != nil {
		return err
	}
	payload := toDocumentListPayload(list)
	return s.write(streamFrame{Type: "refresh", Documents: &payload})
}

func (s *streamSession) forwardEvents(ctx context.Context, stream <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			payload := streamEventPayload{
				Type:       string(event.Type),
				Email:      event.Email,
				UserType:   event.UserType,
				RoomID:     event.RoomID,
				Remote:     event.Remote,
				TimestampS: event.Timestamp.Unix(),
			}
			if err := s.write(streamFrame{Type: "event", Event: &payload}); err != nil {
				return
			}
		}
	}
}

func (s *streamSession) write(frame streamFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(frame)
}
