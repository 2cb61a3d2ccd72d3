package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pairprog/internal/metrics"
	"pairprog/internal/session"
	"pairprog/internal/utils"
)

const (
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = (defaultPongWait * 9) / 10
	pingWriteWait     = 10 * time.Second
)

/*** Relay WebSocket: opaque binary frames fanned out to the rest of the room ***/

func (h *Handlers) RoomWS(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !session.ValidRoomID(roomID) {
		metrics.JoinRejected("invalid_room")
		utils.JSONError(w, http.StatusBadRequest, "invalid_room_id", "Room id must be 1-64 letters, digits, '-' or '_'")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.log.Debug("websocket upgrade failed", zap.String("room", roomID), zap.Error(err))
		return
	}

	conn := session.NewConn(ws, h.writeTimeout)
	reg := h.relay.Registry()
	if err := reg.Join(roomID, conn); err != nil {
		h.rejectJoin(roomID, conn, err)
		return
	}
	metrics.ConnectionJoined()
	h.log.Info("connection joined", zap.String("room", roomID), zap.String("conn", conn.ID))

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			reg.Leave(roomID, conn)
			_ = conn.Close()
			metrics.ConnectionLeft()
			h.log.Info("connection left", zap.String("room", roomID), zap.String("conn", conn.ID))
		})
	}
	defer cleanup()

	if h.maxFrameBytes > 0 {
		ws.SetReadLimit(h.maxFrameBytes)
	}
	_ = ws.SetReadDeadline(time.Now().Add(h.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	go h.keepAlive(ws, conn)

	for {
		msgType, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.log.Debug("read loop ended", zap.String("room", roomID), zap.String("conn", conn.ID), zap.Error(err))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			metrics.FrameDropped()
			continue
		}
		// Synchronous so this sender's next frame cannot overtake this one.
		h.relay.Broadcast(roomID, conn, payload)
	}
}

func (h *Handlers) rejectJoin(roomID string, conn *session.Conn, err error) {
	code, reason, label := websocket.ClosePolicyViolation, "join rejected", "invalid"
	if errors.Is(err, session.ErrRoomFull) {
		code, reason, label = websocket.CloseTryAgainLater, "room is full", "room_full"
	}
	metrics.JoinRejected(label)
	h.log.Warn("join rejected", zap.String("room", roomID), zap.String("conn", conn.ID), zap.Error(err))
	_ = conn.CloseWithReason(code, reason)
}

// keepAlive pings the peer until the connection closes.
func (h *Handlers) keepAlive(ws *websocket.Conn, conn *session.Conn) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait)); err != nil {
				return
			}
		}
	}
}
