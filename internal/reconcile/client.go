package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clinicdesk/clinicdesk/internal/conversation"
	"github.com/clinicdesk/clinicdesk/internal/message"
	"github.com/clinicdesk/clinicdesk/internal/message/event"
)

const maxResponseBytes = 4 << 20

// StatusError is a non-2xx answer from the inbox API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inbox api: status %d: %s", e.Code, e.Body)
}

// HTTPClient implements Loader, ReadMarker and Sender against the inbox API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

type listResponse struct {
	Items []message.Message `json:"items"`
}

func (c *HTTPClient) LoadLatest(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	u := c.baseURL + "/conversations/" + url.PathEscape(conversationID) + "/messages?limit=" + strconv.Itoa(limit)
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(resp.Items))
	for _, m := range resp.Items {
		out = append(out, FromPersisted(m))
	}
	return out, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, conversationID string) error {
	u := c.baseURL + "/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPost, u, nil, nil)
}

func (c *HTTPClient) Send(ctx context.Context, req SendRequest) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/messages/send", req, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w", u, err)
	}
	return nil
}

// WSFeed implements Feed over the conversation websocket endpoint.
type WSFeed struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

func NewWSFeed(log *slog.Logger, baseURL string, dialer *websocket.Dialer) *WSFeed {
	if log == nil {
		log = slog.Default()
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WSFeed{
		baseURL: websocketURL(strings.TrimRight(baseURL, "/")),
		dialer:  dialer,
		logger:  log.With(slog.String("component", "ws_feed")),
	}
}

func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func (f *WSFeed) Subscribe(ctx context.Context, conversationID string) (<-chan PushedEvent, func(), error) {
	u := f.baseURL + "/conversations/" + url.PathEscape(conversationID) + "/ws"
	conn, resp, err := f.dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", u, err)
	}

	out := make(chan PushedEvent, 64)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "view closed"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	go func() {
		defer close(out)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					f.logger.Warn("feed read failed", slog.String("conversation_id", conversationID), slog.Any("error", err))
				}
				cancel()
				return
			}
			var ev event.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				f.logger.Warn("decode feed frame failed", slog.Any("error", err))
				continue
			}
			pushed, ok := DecodeEvent(ev)
			if !ok {
				continue
			}
			select {
			case out <- pushed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

// DecodeEvent maps a hub event onto a PushedEvent.
func DecodeEvent(ev event.Event) (PushedEvent, bool) {
	switch ev.Type {
	case event.EventTypeMessageCreated, event.EventTypeMessageUpdated:
		var m message.Message
		if err := json.Unmarshal(ev.Data, &m); err != nil {
			return PushedEvent{}, false
		}
		kind := EventInsert
		if ev.Type == event.EventTypeMessageUpdated {
			kind = EventUpdate
		}
		return PushedEvent{Kind: kind, Message: FromPersisted(m)}, true
	case event.EventTypeConversationUpdated:
		var c conversation.Conversation
		if err := json.Unmarshal(ev.Data, &c); err != nil {
			return PushedEvent{}, false
		}
		return PushedEvent{Kind: EventConversation, Unread: int(c.UnreadCount)}, true
	}
	return PushedEvent{}, false
}
