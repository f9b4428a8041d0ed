package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/clinicdesk/internal/conversation"
	"github.com/clinicdesk/clinicdesk/internal/message"
	"github.com/clinicdesk/clinicdesk/internal/message/event"
)

func TestHTTPClient(t *testing.T) {
	t.Parallel()

	var sent SendRequest
	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "c1", r.PathValue("id"))
		assert.Equal(t, "200", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"m1","conversation_id":"c1","direction":"inbound","body":"Oi","status":"delivered","created_at":"2024-05-01T12:00:00Z"}]}`))
	})
	mux.HandleFunc("POST /conversations/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			http.Error(w, `{"message":"conversation not found"}`, http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /messages/send", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&sent)
		_, _ = w.Write([]byte(`{"phone":"5511999990000","external_id":"zaap-1"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewHTTPClient(srv.URL+"/", srv.Client())
	ctx := context.Background()

	loaded, err := client.LoadLatest(ctx, "c1", InitialLoadLimit)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "m1", loaded[0].ID)
	assert.True(t, loaded[0].Confirmed())
	assert.True(t, t0.Equal(loaded[0].CreatedAt))

	require.NoError(t, client.MarkRead(ctx, "c1"))

	err = client.MarkRead(ctx, "missing")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)

	raw, err := client.Send(ctx, SendRequest{ConversationID: "c1", Message: "Olá"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"phone":"5511999990000","external_id":"zaap-1"}`, string(raw))
	assert.Equal(t, SendRequest{ConversationID: "c1", Message: "Olá"}, sent)
}

func TestWSFeed(t *testing.T) {
	t.Parallel()

	payload, err := json.Marshal(message.Message{
		ID:             "m1",
		ConversationID: "c1",
		Direction:      message.DirectionInbound,
		Body:           "Oi",
		Status:         message.StatusDelivered,
		CreatedAt:      t0,
	})
	require.NoError(t, err)

	upgrader := websocket.Upgrader{}
	closed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/c1/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(event.Event{Type: "typing", ConversationID: "c1"})
		_ = conn.WriteJSON(event.Event{Type: event.EventTypeMessageCreated, ConversationID: "c1", Data: payload})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(closed)
				return
			}
		}
	}))
	defer srv.Close()

	feed := NewWSFeed(nil, srv.URL, nil)
	events, cancel, err := feed.Subscribe(context.Background(), "c1")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, EventInsert, ev.Kind)
		assert.Equal(t, "m1", ev.Message.ID)
		assert.Equal(t, "Oi", ev.Message.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	cancel()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not see the close")
	}
	for range events {
	}
}

func TestWSFeedDialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, _, err := NewWSFeed(nil, srv.URL, nil).Subscribe(context.Background(), "c1")
	assert.Error(t, err)
}

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	convData, err := json.Marshal(conversation.Conversation{ID: "c1", UnreadCount: 4})
	require.NoError(t, err)
	ev, ok := DecodeEvent(event.Event{Type: event.EventTypeConversationUpdated, ConversationID: "c1", Data: convData})
	require.True(t, ok)
	assert.Equal(t, EventConversation, ev.Kind)
	assert.Equal(t, 4, ev.Unread)

	msgData, err := json.Marshal(message.Message{ID: "m1", Status: message.StatusRead})
	require.NoError(t, err)
	ev, ok = DecodeEvent(event.Event{Type: event.EventTypeMessageUpdated, Data: msgData})
	require.True(t, ok)
	assert.Equal(t, EventUpdate, ev.Kind)
	assert.Equal(t, message.StatusRead, ev.Message.Status)

	_, ok = DecodeEvent(event.Event{Type: event.EventTypeMessageCreated, Data: json.RawMessage(`[`)})
	assert.False(t, ok)
	_, ok = DecodeEvent(event.Event{Type: "presence"})
	assert.False(t, ok)
}

func TestWebsocketURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ws://localhost:8080", websocketURL("http://localhost:8080"))
	assert.Equal(t, "wss://inbox.example.com", websocketURL("https://inbox.example.com"))
	assert.Equal(t, "ws://already", websocketURL("ws://already"))
}
