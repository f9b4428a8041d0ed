package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPingPeriod  = 30 * time.Second
	wsReadTimeout = 60 * time.Second
	wsReadLimit   = 1 << 16
	wsSendBuffer  = 128
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type ackFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
}

var errSocketClosed = errors.New("socket closed")

// socketConn serializes writes to one websocket through a buffered queue.
type socketConn struct {
	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newSocketConn(ws *websocket.Conn) *socketConn {
	return &socketConn{
		ws:     ws,
		send:   make(chan []byte, wsSendBuffer),
		closed: make(chan struct{}),
	}
}

// enqueue drops the client when its buffer is full.
func (s *socketConn) enqueue(payload []byte) error {
	select {
	case <-s.closed:
		return errSocketClosed
	case s.send <- payload:
		return nil
	default:
		s.close(websocket.CloseGoingAway, "send buffer full")
		return errSocketClosed
	}
}

func (s *socketConn) close(code int, reason string) {
	s.once.Do(func() {
		close(s.closed)
		_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		_ = s.ws.Close()
	})
}

func (s *socketConn) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case payload := <-s.send:
			if err := s.write(websocket.TextMessage, payload); err != nil {
				s.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (s *socketConn) write(messageType int, payload []byte) error {
	if err := s.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return s.ws.WriteMessage(messageType, payload)
}

// Socket pushes one conversation's change events over a websocket. Client
// frames are read only to notice disconnects and keep the deadline alive.
func (h *ConversationHandler) Socket(c echo.Context) error {
	id, err := h.conversationID(c)
	if err != nil {
		return err
	}
	if h.events == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "message events not configured")
	}
	if _, err := h.requireConversation(c.Request().Context(), id); err != nil {
		return err
	}

	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the response.
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return nil
	}
	conn := newSocketConn(ws)
	go conn.writeLoop()
	defer conn.close(websocket.CloseNormalClosure, "session closed")

	_, stream, cancel := h.events.Subscribe(id, 128)
	defer cancel()

	if payload, err := json.Marshal(ackFrame{Type: "connected", ConversationID: id}); err == nil {
		_ = conn.enqueue(payload)
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		ws.SetReadLimit(wsReadLimit)
		_ = ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
					!errors.Is(err, websocket.ErrCloseSent) {
					h.logger.Debug("websocket read ended", slog.String("conversation_id", id), slog.Any("error", err))
				}
				return
			}
		}
	}()

	for {
		select {
		case <-readDone:
			return nil
		case <-conn.closed:
			return nil
		case event, ok := <-stream:
			if !ok {
				conn.close(websocket.CloseTryAgainLater, "resync")
				return nil
			}
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn("encode websocket event failed", slog.Any("error", err))
				continue
			}
			if err := conn.enqueue(payload); err != nil {
				return nil
			}
		}
	}
}
