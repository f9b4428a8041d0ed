package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	dbpkg "github.com/clinicdesk/clinicdesk/internal/db"
	"github.com/clinicdesk/clinicdesk/internal/db/sqlc"
	"github.com/clinicdesk/clinicdesk/internal/message"
	"github.com/clinicdesk/clinicdesk/internal/message/event"
)

type fakeReader struct {
	messages      map[pgtype.UUID]sqlc.Message
	conversations map[pgtype.UUID]sqlc.Conversation
}

func (f *fakeReader) GetMessage(_ context.Context, id pgtype.UUID) (sqlc.Message, error) {
	row, ok := f.messages[id]
	if !ok {
		return sqlc.Message{}, pgx.ErrNoRows
	}
	return row, nil
}

func (f *fakeReader) GetConversation(_ context.Context, id pgtype.UUID) (sqlc.Conversation, error) {
	row, ok := f.conversations[id]
	if !ok {
		return sqlc.Conversation{}, pgx.ErrNoRows
	}
	return row, nil
}

type fakeSource struct {
	ch     chan string
	closed chan struct{}
}

func (s *fakeSource) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload, ok := <-s.ch:
		if !ok {
			return nil, errors.New("connection lost")
		}
		return &pgconn.Notification{Channel: "inbox_changes", Payload: payload}, nil
	}
}

func (s *fakeSource) Close(context.Context) error {
	close(s.closed)
	return nil
}

func newUUID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.New(), Valid: true}
}

func notification(t *testing.T, table, op string, id, conversationID pgtype.UUID) string {
	t.Helper()
	raw, err := json.Marshal(Notification{
		Table:          table,
		Op:             op,
		ID:             dbpkg.UUIDToString(id),
		ConversationID: dbpkg.UUIDToString(conversationID),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(raw)
}

func TestDispatchPublishesRereadRows(t *testing.T) {
	t.Parallel()

	convID, msgID := newUUID(), newUUID()
	reader := &fakeReader{
		messages: map[pgtype.UUID]sqlc.Message{
			msgID: {ID: msgID, ConversationID: convID, Body: "Oi", Direction: "inbound", Status: "delivered"},
		},
		conversations: map[pgtype.UUID]sqlc.Conversation{
			convID: {ID: convID, UnreadCount: 1, Status: "open"},
		},
	}
	hub := event.NewHub()
	_, stream, cancel := hub.Subscribe(dbpkg.UUIDToString(convID), 8)
	defer cancel()
	l := NewListener(nil, nil, reader, hub)

	ctx := context.Background()
	if err := l.Dispatch(ctx, notification(t, "messages", "insert", msgID, convID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Dispatch(ctx, notification(t, "messages", "update", msgID, convID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Dispatch(ctx, notification(t, "conversations", "update", convID, convID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []event.EventType{event.EventTypeMessageCreated, event.EventTypeMessageUpdated, event.EventTypeConversationUpdated}
	for i, wantType := range want {
		ev := <-stream
		if ev.Type != wantType {
			t.Fatalf("event %d: expected %s, got %s", i, wantType, ev.Type)
		}
	}
}

func TestDispatchMessagePayload(t *testing.T) {
	t.Parallel()

	convID, msgID := newUUID(), newUUID()
	reader := &fakeReader{messages: map[pgtype.UUID]sqlc.Message{
		msgID: {ID: msgID, ConversationID: convID, Body: "Oi", ExternalMessageID: pgtype.Text{String: "wamid.ABC", Valid: true}},
	}}
	hub := event.NewHub()
	_, stream, cancel := hub.Subscribe(dbpkg.UUIDToString(convID), 1)
	defer cancel()

	if err := NewListener(nil, nil, reader, hub).Dispatch(context.Background(), notification(t, "messages", "insert", msgID, convID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ev := <-stream
	var msg message.Message
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.ID != dbpkg.UUIDToString(msgID) || msg.ExternalMessageID != "wamid.ABC" || msg.Body != "Oi" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestDispatchRejectsBadPayloads(t *testing.T) {
	t.Parallel()

	l := NewListener(nil, nil, &fakeReader{}, event.NewHub())
	ctx := context.Background()
	if err := l.Dispatch(ctx, "{"); err == nil {
		t.Fatal("expected decode error")
	}
	if err := l.Dispatch(ctx, `{"table":"messages","id":"nope"}`); err == nil {
		t.Fatal("expected id error")
	}
	if err := l.Dispatch(ctx, notification(t, "tenants", "insert", newUUID(), newUUID())); err == nil {
		t.Fatal("expected unknown table error")
	}
	if err := l.Dispatch(ctx, notification(t, "messages", "insert", newUUID(), newUUID())); err == nil {
		t.Fatal("expected missing row error")
	}
}

func TestListenerReconnects(t *testing.T) {
	t.Parallel()

	convID, msgID := newUUID(), newUUID()
	reader := &fakeReader{messages: map[pgtype.UUID]sqlc.Message{
		msgID: {ID: msgID, ConversationID: convID},
	}}
	hub := event.NewHub()
	_, stream, cancel := hub.Subscribe(dbpkg.UUIDToString(convID), 4)
	defer cancel()

	var mu sync.Mutex
	var sources []*fakeSource
	dial := func(context.Context) (Source, error) {
		mu.Lock()
		defer mu.Unlock()
		src := &fakeSource{ch: make(chan string, 1), closed: make(chan struct{})}
		sources = append(sources, src)
		return src, nil
	}
	l := NewListener(nil, dial, reader, hub)
	l.reconnectDelay = time.Millisecond
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = l.Stop(context.Background()) }()

	current := func(n int) *fakeSource {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			if len(sources) >= n {
				src := sources[n-1]
				mu.Unlock()
				return src
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
		}
		t.Fatalf("listener did not dial %d times", n)
		return nil
	}

	first := current(1)
	close(first.ch)
	<-first.closed

	second := current(2)
	second.ch <- notification(t, "messages", "insert", msgID, convID)
	select {
	case ev := <-stream:
		if ev.Type != event.EventTypeMessageCreated {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event after reconnect")
	}
	status := l.Status()
	if !status.Running || status.LastError != "connection lost" {
		t.Fatalf("unexpected status while connected: %+v", status)
	}

	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	<-second.closed
	if l.Status().Running {
		t.Fatal("listener still reported running after stop")
	}
}
