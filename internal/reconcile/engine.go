package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicdesk/clinicdesk/internal/message"
)

var ErrNoView = errors.New("reconcile: no conversation open")

const (
	cacheWriteTimeout  = 2 * time.Second
	defaultResyncDelay = time.Second
)

type Options struct {
	Loader     Loader
	Feed       Feed
	ReadMarker ReadMarker
	Sender     Sender
	Cache      ViewCache
	Logger     *slog.Logger
}

type view struct {
	gen    uint64
	store  *Store
	cancel context.CancelFunc
}

// Engine manages the single open conversation view of a client.
type Engine struct {
	loader Loader
	feed   Feed
	marker ReadMarker
	sender Sender
	cache  ViewCache
	logger *slog.Logger

	now         func() time.Time
	newTempID   func() string
	resyncDelay time.Duration

	mu      sync.Mutex
	gen     uint64
	current *view
	wg      sync.WaitGroup
}

func NewEngine(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		loader:    opts.Loader,
		feed:      opts.Feed,
		marker:    opts.ReadMarker,
		sender:    opts.Sender,
		cache:     opts.Cache,
		logger:    log.With(slog.String("service", "reconcile")),
		now:       time.Now,
		newTempID: func() string { return TempIDPrefix + uuid.NewString() },

		resyncDelay: defaultResyncDelay,
	}
}

// Open switches the view to conversationID. The previous subscription is
// always torn down first. The feed is subscribed before the initial load so
// nothing committed in between is missed; a load that resolves after the
// view changed again is discarded.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	e.teardownLocked()
	e.gen++
	gen := e.gen
	viewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	v := &view{
		gen:    gen,
		store:  NewStore(conversationID, func(list []Message) { e.writeView(conversationID, list) }),
		cancel: cancel,
	}
	e.current = v
	e.mu.Unlock()

	events, unsubscribe, err := e.feed.Subscribe(viewCtx, conversationID)
	if err != nil {
		e.closeView(gen)
		return fmt.Errorf("subscribe: %w", err)
	}
	e.wg.Add(1)
	go e.pump(viewCtx, v, conversationID, events, unsubscribe)

	loaded, err := e.loader.LoadLatest(ctx, conversationID, InitialLoadLimit)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	if !e.isCurrent(gen) {
		e.logger.Debug("stale load discarded", slog.String("conversation_id", conversationID))
		return nil
	}
	if err := v.store.LoadInitial(ctx, loaded); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	e.markReadAsync(viewCtx, conversationID)
	return nil
}

// pump applies pushed events until the view closes. A feed that ends while
// the view is still current may have dropped events, so the view
// re-subscribes and reloads instead of going stale.
func (e *Engine) pump(ctx context.Context, v *view, conversationID string, events <-chan PushedEvent, unsubscribe func()) {
	defer e.wg.Done()
	for {
		interrupted := e.drain(ctx, v, conversationID, events)
		unsubscribe()
		if !interrupted || ctx.Err() != nil || !e.isCurrent(v.gen) {
			return
		}
		e.logger.Warn("feed closed under open view; resynchronizing", slog.String("conversation_id", conversationID))
		var ok bool
		events, unsubscribe, ok = e.resync(ctx, v, conversationID)
		if !ok {
			return
		}
	}
}

// drain reports true when the feed channel closed on its own.
func (e *Engine) drain(ctx context.Context, v *view, conversationID string, events <-chan PushedEvent) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return true
			}
			if ev.Kind == EventConversation {
				e.writeUnread(conversationID, ev.Unread)
				continue
			}
			if err := v.store.ApplyPushedEvent(ctx, ev); err != nil {
				return false
			}
			if ev.Kind == EventInsert && ev.Message.Direction == message.DirectionInbound {
				e.markReadAsync(ctx, conversationID)
			}
		}
	}
}

// resync subscribes again, then reloads the latest page so rows committed
// while disconnected are merged. It retries every resyncDelay until it
// succeeds or the view goes away.
func (e *Engine) resync(ctx context.Context, v *view, conversationID string) (<-chan PushedEvent, func(), bool) {
	for {
		timer := time.NewTimer(e.resyncDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, false
		case <-timer.C:
		}
		if !e.isCurrent(v.gen) {
			return nil, nil, false
		}
		events, unsubscribe, err := e.feed.Subscribe(ctx, conversationID)
		if err != nil {
			e.logger.Warn("resubscribe failed", slog.String("conversation_id", conversationID), slog.Any("error", err))
			continue
		}
		loaded, err := e.loader.LoadLatest(ctx, conversationID, InitialLoadLimit)
		if err != nil {
			unsubscribe()
			e.logger.Warn("reload after resubscribe failed", slog.String("conversation_id", conversationID), slog.Any("error", err))
			continue
		}
		if err := v.store.Resync(ctx, loaded); err != nil {
			unsubscribe()
			return nil, nil, false
		}
		e.logger.Info("feed resynchronized", slog.String("conversation_id", conversationID), slog.Int("loaded", len(loaded)))
		e.markReadAsync(ctx, conversationID)
		return events, unsubscribe, true
	}
}

// Send shows draft immediately and hands it to the sender. On failure the
// entry stays in the list marked failed.
func (e *Engine) Send(ctx context.Context, draft Draft) (Message, error) {
	e.mu.Lock()
	v := e.current
	e.mu.Unlock()
	if v == nil {
		return Message{}, ErrNoView
	}
	optimistic := Message{
		TempID:         e.newTempID(),
		ConversationID: v.store.ConversationID(),
		Direction:      message.DirectionOutbound,
		SenderKind:     message.SenderAgent,
		Body:           draft.Body,
		Status:         message.StatusPending,
		CreatedAt:      e.now(),
	}
	if err := v.store.ApplyOptimisticSend(ctx, optimistic); err != nil {
		return Message{}, err
	}

	_, err := e.sender.Send(ctx, SendRequest{
		ConversationID: optimistic.ConversationID,
		Phone:          draft.Phone,
		Message:        draft.Body,
	})
	if err != nil {
		e.logger.Warn("send failed", slog.String("temp_id", optimistic.TempID), slog.Any("error", err))
		if markErr := v.store.MarkFailed(context.WithoutCancel(ctx), optimistic.TempID); markErr != nil && !errors.Is(markErr, ErrClosed) {
			e.logger.Warn("mark failed", slog.Any("error", markErr))
		}
		optimistic.Status = message.StatusFailed
		return optimistic, err
	}
	return optimistic, nil
}

// Snapshot returns the current view's list, or nil when nothing is open.
func (e *Engine) Snapshot() []Message {
	e.mu.Lock()
	v := e.current
	e.mu.Unlock()
	if v == nil {
		return nil
	}
	return v.store.Snapshot()
}

// ConversationID returns the open conversation, or "".
func (e *Engine) ConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ""
	}
	return e.current.store.ConversationID()
}

// Close tears the view down and waits for background work.
func (e *Engine) Close() {
	e.mu.Lock()
	e.teardownLocked()
	e.gen++
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) teardownLocked() {
	if e.current == nil {
		return
	}
	e.current.cancel()
	e.current.store.Close()
	e.current = nil
}

func (e *Engine) closeView(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && e.current.gen == gen {
		e.teardownLocked()
	}
}

func (e *Engine) isCurrent(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil && e.current.gen == gen
}

func (e *Engine) markReadAsync(ctx context.Context, conversationID string) {
	if e.marker == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.marker.MarkRead(ctx, conversationID); err != nil {
			if ctx.Err() == nil {
				e.logger.Warn("mark read failed", slog.String("conversation_id", conversationID), slog.Any("error", err))
			}
			return
		}
		e.writeUnread(conversationID, 0)
	}()
}

func (e *Engine) writeView(conversationID string, list []Message) {
	if e.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()
	if err := e.cache.PutView(ctx, conversationID, list); err != nil {
		e.logger.Warn("cache view write failed", slog.Any("error", err))
	}
}

func (e *Engine) writeUnread(conversationID string, unread int) {
	if e.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()
	if err := e.cache.PutUnread(ctx, conversationID, unread); err != nil {
		e.logger.Warn("cache unread write failed", slog.Any("error", err))
	}
}
