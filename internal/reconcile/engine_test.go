package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/clinicdesk/internal/message"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeFeed struct {
	log *callLog
	err error

	mu         sync.Mutex
	subs       map[string]chan PushedEvent
	subscribed map[string]int
	cancelled  []string
}

func newFakeFeed(log *callLog) *fakeFeed {
	return &fakeFeed{log: log, subs: map[string]chan PushedEvent{}, subscribed: map[string]int{}}
}

func (f *fakeFeed) Subscribe(_ context.Context, conversationID string) (<-chan PushedEvent, func(), error) {
	f.log.add("subscribe:" + conversationID)
	if f.err != nil {
		return nil, nil, f.err
	}
	ch := make(chan PushedEvent, 16)
	f.mu.Lock()
	f.subs[conversationID] = ch
	f.subscribed[conversationID]++
	f.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			f.cancelled = append(f.cancelled, conversationID)
			f.mu.Unlock()
		})
	}, nil
}

func (f *fakeFeed) push(conversationID string, ev PushedEvent) {
	f.mu.Lock()
	ch := f.subs[conversationID]
	f.mu.Unlock()
	ch <- ev
}

// end closes the live channel, as a dropped connection would.
func (f *fakeFeed) end(conversationID string) {
	f.mu.Lock()
	ch := f.subs[conversationID]
	f.mu.Unlock()
	close(ch)
}

func (f *fakeFeed) subscriptions(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[conversationID]
}

func (f *fakeFeed) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

type fakeLoader struct {
	log     *callLog
	mu      sync.Mutex
	pages   map[string][]Message
	gates   map[string]chan struct{}
	started chan string
}

func (l *fakeLoader) LoadLatest(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	l.log.add("load:" + conversationID)
	if limit != InitialLoadLimit {
		return nil, errors.New("unexpected limit")
	}
	if l.started != nil {
		l.started <- conversationID
	}
	if gate, ok := l.gates[conversationID]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pages[conversationID], nil
}

func (l *fakeLoader) setPage(conversationID string, page []Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pages[conversationID] = page
}

type fakeMarker struct {
	log   *callLog
	calls chan string
}

func (m *fakeMarker) MarkRead(_ context.Context, conversationID string) error {
	m.log.add("read:" + conversationID)
	m.calls <- conversationID
	return nil
}

type fakeSender struct {
	mu   sync.Mutex
	reqs []SendRequest
	err  error
}

func (s *fakeSender) Send(_ context.Context, req SendRequest) (json.RawMessage, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

type fakeCache struct {
	mu     sync.Mutex
	views  map[string][]Message
	unread map[string]int
}

func newFakeCache() *fakeCache {
	return &fakeCache{views: map[string][]Message{}, unread: map[string]int{}}
}

func (c *fakeCache) PutView(_ context.Context, conversationID string, v any) error {
	list, ok := v.([]Message)
	if !ok {
		return errors.New("unexpected view type")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[conversationID] = list
	return nil
}

func (c *fakeCache) PutUnread(_ context.Context, conversationID string, unread int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unread[conversationID] = unread
	return nil
}

func (c *fakeCache) getUnread(conversationID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.unread[conversationID]
	return n, ok
}

func (c *fakeCache) viewLen(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.views[conversationID])
}

type harness struct {
	log    *callLog
	feed   *fakeFeed
	loader *fakeLoader
	marker *fakeMarker
	sender *fakeSender
	cache  *fakeCache
	engine *Engine
}

func newHarness(t *testing.T, withMarker bool) *harness {
	t.Helper()
	log := &callLog{}
	h := &harness{
		log:    log,
		feed:   newFakeFeed(log),
		loader: &fakeLoader{log: log, pages: map[string][]Message{}, gates: map[string]chan struct{}{}},
		marker: &fakeMarker{log: log, calls: make(chan string, 16)},
		sender: &fakeSender{},
		cache:  newFakeCache(),
	}
	opts := Options{Loader: h.loader, Feed: h.feed, Sender: h.sender, Cache: h.cache}
	if withMarker {
		opts.ReadMarker = h.marker
	}
	h.engine = NewEngine(opts)
	h.engine.now = func() time.Time { return t0 }
	h.engine.newTempID = func() string { return "temp-1" }
	t.Cleanup(h.engine.Close)
	return h
}

func waitCall(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call")
		return ""
	}
}

func inConv(conversationID string, m Message) Message {
	m.ConversationID = conversationID
	return m
}

func TestEngineOpenSubscribesBeforeLoad(t *testing.T) {
	h := newHarness(t, true)
	h.loader.pages["c1"] = []Message{inConv("c1", confirmed("m1", "a", 0)), inConv("c1", confirmed("m2", "b", time.Second))}

	require.NoError(t, h.engine.Open(context.Background(), "c1"))
	assert.Equal(t, "c1", waitCall(t, h.marker.calls))

	assert.Equal(t, []string{"subscribe:c1", "load:c1", "read:c1"}, h.log.all())
	assert.Equal(t, []string{"m1", "m2"}, ids(h.engine.Snapshot()))
	assert.Equal(t, "c1", h.engine.ConversationID())
	assert.Eventually(t, func() bool {
		n, ok := h.cache.getUnread("c1")
		return ok && n == 0 && h.cache.viewLen("c1") == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineResyncsAfterFeedCloses(t *testing.T) {
	h := newHarness(t, false)
	h.engine.resyncDelay = time.Millisecond
	h.loader.setPage("c1", []Message{inConv("c1", confirmed("m1", "a", 0))})

	require.NoError(t, h.engine.Open(context.Background(), "c1"))
	require.Equal(t, []string{"m1"}, ids(h.engine.Snapshot()))

	// Rows committed while the feed was down reach the view through the reload.
	read := inConv("c1", confirmed("m1", "a", 0))
	read.Status = message.StatusRead
	h.loader.setPage("c1", []Message{read, inConv("c1", confirmed("m2", "b", time.Second))})
	h.feed.end("c1")

	require.Eventually(t, func() bool {
		return h.feed.subscriptions("c1") == 2 && len(h.engine.Snapshot()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	snapshot := h.engine.Snapshot()
	assert.Equal(t, []string{"m1", "m2"}, ids(snapshot))
	assert.Equal(t, message.StatusRead, snapshot[0].Status)
	assert.Equal(t, []string{"c1"}, h.feed.cancelledIDs())

	h.feed.push("c1", PushedEvent{Kind: EventInsert, Message: inConv("c1", confirmed("m3", "c", 2*time.Second))})
	require.Eventually(t, func() bool { return len(h.engine.Snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(h.engine.Snapshot()))
}

func TestEnginePushedRowDuringLoadIsNotDuplicated(t *testing.T) {
	h := newHarness(t, false)
	h.loader.pages["c1"] = []Message{inConv("c1", confirmed("m1", "a", 0)), inConv("c1", confirmed("m2", "b", time.Second))}
	gate := make(chan struct{})
	h.loader.gates["c1"] = gate
	h.loader.started = make(chan string, 4)

	done := make(chan error, 1)
	go func() { done <- h.engine.Open(context.Background(), "c1") }()
	waitCall(t, h.loader.started)

	h.feed.push("c1", PushedEvent{Kind: EventInsert, Message: inConv("c1", confirmed("m2", "b", time.Second))})
	require.Eventually(t, func() bool { return len(h.engine.Snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"m1", "m2"}, ids(h.engine.Snapshot()))
}

func TestEngineDiscardsStaleLoad(t *testing.T) {
	h := newHarness(t, true)
	h.loader.pages["c1"] = []Message{inConv("c1", confirmed("a1", "old", 0))}
	h.loader.pages["c2"] = []Message{inConv("c2", confirmed("b1", "new", 0))}
	gate := make(chan struct{})
	h.loader.gates["c1"] = gate
	h.loader.started = make(chan string, 4)

	done := make(chan error, 1)
	go func() { done <- h.engine.Open(context.Background(), "c1") }()
	require.Equal(t, "c1", waitCall(t, h.loader.started))

	require.NoError(t, h.engine.Open(context.Background(), "c2"))
	waitCall(t, h.loader.started)
	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, "c2", h.engine.ConversationID())
	assert.Equal(t, []string{"b1"}, ids(h.engine.Snapshot()))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"c1"}, h.feed.cancelledIDs())
	}, 2*time.Second, 10*time.Millisecond)

	h.engine.Close()
	assert.NotContains(t, h.log.all(), "read:c1")
	assert.Contains(t, h.log.all(), "read:c2")
}

func TestEngineSendReplacedByConfirmedRow(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.engine.Open(context.Background(), "c1"))

	sent, err := h.engine.Send(context.Background(), Draft{Body: "Olá", Phone: "5511999990000"})
	require.NoError(t, err)
	assert.Equal(t, "temp-1", sent.TempID)
	assert.Equal(t, message.StatusPending, sent.Status)
	require.Len(t, h.sender.reqs, 1)
	assert.Equal(t, SendRequest{ConversationID: "c1", Phone: "5511999990000", Message: "Olá"}, h.sender.reqs[0])

	snap := h.engine.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "temp-1", snap[0].TempID)

	row := Message{
		ID:             "m9",
		ConversationID: "c1",
		Direction:      message.DirectionOutbound,
		Body:           " olá",
		Status:         message.StatusSent,
		CreatedAt:      t0.Add(1500 * time.Millisecond),
	}
	h.feed.push("c1", PushedEvent{Kind: EventInsert, Message: row})
	require.Eventually(t, func() bool {
		snap := h.engine.Snapshot()
		return len(snap) == 1 && snap[0].ID == "m9"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineSendFailureKeepsFailedEntry(t *testing.T) {
	h := newHarness(t, false)
	h.sender.err = &StatusError{Code: 502, Body: "provider unreachable"}
	require.NoError(t, h.engine.Open(context.Background(), "c1"))

	sent, err := h.engine.Send(context.Background(), Draft{Body: "Olá"})
	require.Error(t, err)
	assert.Equal(t, message.StatusFailed, sent.Status)

	snap := h.engine.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, message.StatusFailed, snap[0].Status)
	assert.Equal(t, "temp-1", snap[0].TempID)
}

func TestEngineSendWithoutView(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.engine.Send(context.Background(), Draft{Body: "Olá"})
	assert.ErrorIs(t, err, ErrNoView)
}

func TestEngineInboundInsertMarksRead(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.engine.Open(context.Background(), "c1"))
	waitCall(t, h.marker.calls)

	h.feed.push("c1", PushedEvent{Kind: EventInsert, Message: inConv("c1", confirmed("m1", "Oi", 0))})
	assert.Equal(t, "c1", waitCall(t, h.marker.calls))
}

func TestEngineUpdateWithoutMatchIsNoop(t *testing.T) {
	h := newHarness(t, false)
	h.loader.pages["c1"] = []Message{inConv("c1", confirmed("m1", "Oi", 0))}
	require.NoError(t, h.engine.Open(context.Background(), "c1"))

	h.feed.push("c1", PushedEvent{Kind: EventUpdate, Message: inConv("c1", confirmed("m404", "x", 0))})
	updated := inConv("c1", confirmed("m1", "Oi", 0))
	updated.Status = message.StatusRead
	h.feed.push("c1", PushedEvent{Kind: EventUpdate, Message: updated})

	require.Eventually(t, func() bool {
		snap := h.engine.Snapshot()
		return len(snap) == 1 && snap[0].Status == message.StatusRead
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineConversationEventWritesUnread(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.engine.Open(context.Background(), "c1"))

	h.feed.push("c1", PushedEvent{Kind: EventConversation, Unread: 3})
	assert.Eventually(t, func() bool {
		n, ok := h.cache.getUnread("c1")
		return ok && n == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineCloseUnsubscribes(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.engine.Open(context.Background(), "c1"))
	h.engine.Close()

	assert.Equal(t, []string{"c1"}, h.feed.cancelledIDs())
	assert.Nil(t, h.engine.Snapshot())
	assert.Empty(t, h.engine.ConversationID())
}

func TestEngineSubscribeFailure(t *testing.T) {
	h := newHarness(t, false)
	h.feed.err = errors.New("dial refused")

	err := h.engine.Open(context.Background(), "c1")
	require.Error(t, err)
	assert.Empty(t, h.engine.ConversationID())
	assert.Equal(t, []string{"subscribe:c1"}, h.log.all())
}
