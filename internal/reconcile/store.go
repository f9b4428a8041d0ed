package reconcile

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("reconcile: store closed")

type op struct {
	apply func([]Message) []Message
	done  chan struct{}
}

// Store owns one conversation's list. Every mutation goes through a single
// queue goroutine, so the three event sources never interleave.
type Store struct {
	conversationID string
	onChange       func([]Message)

	ops       chan op
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu   sync.RWMutex
	list []Message
}

// NewStore starts the queue. onChange, if set, runs on the queue goroutine
// after every mutation that changed the list.
func NewStore(conversationID string, onChange func([]Message)) *Store {
	s := &Store{
		conversationID: conversationID,
		onChange:       onChange,
		ops:            make(chan op),
		quit:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Store) ConversationID() string {
	return s.conversationID
}

func (s *Store) loop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.quit:
			return
		case o := <-s.ops:
			s.mu.RLock()
			before := s.list
			s.mu.RUnlock()

			after := o.apply(before)
			changed := !sameBacking(before, after)
			if changed {
				s.mu.Lock()
				s.list = after
				s.mu.Unlock()
			}
			close(o.done)
			if changed && s.onChange != nil {
				s.onChange(cloneList(after))
			}
		}
	}
}

// sameBacking reports whether a merge returned its input untouched.
func sameBacking(a, b []Message) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return &a[0] == &b[0]
}

func (s *Store) do(ctx context.Context, fn func([]Message) []Message) error {
	o := op{apply: fn, done: make(chan struct{})}
	select {
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.ops <- o:
	}
	select {
	case <-o.done:
		return nil
	case <-s.stopped:
		return ErrClosed
	}
}

// LoadInitial merges a loaded page. Entries that arrived through the feed
// or were sent optimistically before the load resolved are kept.
func (s *Store) LoadInitial(ctx context.Context, loaded []Message) error {
	return s.do(ctx, func(list []Message) []Message {
		for _, m := range loaded {
			list = Merge(list, m)
		}
		return list
	})
}

// Resync folds in a page reloaded after the feed was interrupted. Rows
// already shown take the reloaded version so missed status changes land.
func (s *Store) Resync(ctx context.Context, loaded []Message) error {
	return s.do(ctx, func(list []Message) []Message {
		for _, m := range loaded {
			if updated := ApplyUpdate(list, m); !sameBacking(list, updated) {
				list = updated
				continue
			}
			list = Merge(list, m)
		}
		return list
	})
}

func (s *Store) ApplyPushedEvent(ctx context.Context, ev PushedEvent) error {
	switch ev.Kind {
	case EventInsert:
		return s.do(ctx, func(list []Message) []Message { return Merge(list, ev.Message) })
	case EventUpdate:
		return s.do(ctx, func(list []Message) []Message { return ApplyUpdate(list, ev.Message) })
	}
	return nil
}

func (s *Store) ApplyOptimisticSend(ctx context.Context, m Message) error {
	return s.do(ctx, func(list []Message) []Message { return insertOrdered(list, m) })
}

func (s *Store) MarkFailed(ctx context.Context, tempID string) error {
	return s.do(ctx, func(list []Message) []Message { return markFailed(list, tempID) })
}

// Snapshot returns a copy of the current list.
func (s *Store) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneList(s.list)
}

// Close stops the queue. Pending and later mutations return ErrClosed.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.stopped
}
