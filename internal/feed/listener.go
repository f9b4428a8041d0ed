// Package feed turns Postgres change notifications into hub events so
// every open conversation view learns about committed rows.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/clinicdesk/clinicdesk/internal/conversation"
	dbpkg "github.com/clinicdesk/clinicdesk/internal/db"
	"github.com/clinicdesk/clinicdesk/internal/db/sqlc"
	"github.com/clinicdesk/clinicdesk/internal/message"
	"github.com/clinicdesk/clinicdesk/internal/message/event"
)

const defaultReconnectDelay = 3 * time.Second

// Notification is the trigger payload published on the channel.
type Notification struct {
	Table          string `json:"table"`
	Op             string `json:"op"`
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

// Reader re-reads rows named by notifications.
type Reader interface {
	GetMessage(ctx context.Context, id pgtype.UUID) (sqlc.Message, error)
	GetConversation(ctx context.Context, id pgtype.UUID) (sqlc.Conversation, error)
}

// Source yields notifications from one listening connection.
type Source interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

type Dialer func(ctx context.Context) (Source, error)

// ConnectionStatus describes the listening connection.
type ConnectionStatus struct {
	Running   bool
	LastError string
	UpdatedAt time.Time
}

// PgDialer opens a dedicated connection and LISTENs on channel.
func PgDialer(dsn, channel string) Dialer {
	return func(ctx context.Context) (Source, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("feed: connect: %w", err)
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("feed: listen %s: %w", channel, err)
		}
		return conn, nil
	}
}

type Listener struct {
	dial           Dialer
	reader         Reader
	publisher      event.Publisher
	logger         *slog.Logger
	reconnectDelay time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	statusMu sync.RWMutex
	status   ConnectionStatus
}

func NewListener(log *slog.Logger, dial Dialer, reader Reader, publisher event.Publisher) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		dial:           dial,
		reader:         reader,
		publisher:      publisher,
		logger:         log.With(slog.String("service", "feed")),
		reconnectDelay: defaultReconnectDelay,
	}
}

// Start runs the listen loop until Stop. It reconnects after failures.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return errors.New("feed: listener already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(runCtx, l.done)
	return nil
}

func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports whether the listening connection is up.
func (l *Listener) Status() ConnectionStatus {
	l.statusMu.RLock()
	defer l.statusMu.RUnlock()
	return l.status
}

func (l *Listener) setStatus(running bool, err error) {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	l.status.Running = running
	if err != nil {
		l.status.LastError = err.Error()
	}
	l.status.UpdatedAt = time.Now()
}

func (l *Listener) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer l.setStatus(false, nil)
	for {
		if ctx.Err() != nil {
			return
		}
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		l.setStatus(false, err)
		l.logger.Error("change feed disconnected; reconnecting", slog.Any("error", err))
		timer := time.NewTimer(l.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	src, err := l.dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = src.Close(closeCtx)
	}()
	l.setStatus(true, nil)
	l.logger.Info("change feed listening")
	for {
		n, err := src.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if err := l.Dispatch(ctx, n.Payload); err != nil {
			l.logger.Warn("dispatch notification failed", slog.String("payload", n.Payload), slog.Any("error", err))
		}
	}
}

// Dispatch decodes one payload, re-reads the row and publishes it.
func (l *Listener) Dispatch(ctx context.Context, payload string) error {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	id, err := dbpkg.ParseUUID(n.ID)
	if err != nil {
		return err
	}
	switch n.Table {
	case "messages":
		row, err := l.reader.GetMessage(ctx, id)
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		eventType := event.EventTypeMessageCreated
		if strings.EqualFold(n.Op, "update") {
			eventType = event.EventTypeMessageUpdated
		}
		msg := message.ToMessage(row)
		return l.publish(eventType, msg.ConversationID, msg)
	case "conversations":
		row, err := l.reader.GetConversation(ctx, id)
		if err != nil {
			return fmt.Errorf("read conversation: %w", err)
		}
		conv := conversation.FromRow(row)
		return l.publish(event.EventTypeConversationUpdated, conv.ID, conv)
	}
	return fmt.Errorf("unknown table %q", n.Table)
}

func (l *Listener) publish(eventType event.EventType, conversationID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.publisher.Publish(event.Event{Type: eventType, ConversationID: conversationID, Data: payload})
	return nil
}
