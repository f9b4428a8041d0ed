package reconcile

import (
	"strings"
	"time"
	"unicode"

	"github.com/clinicdesk/clinicdesk/internal/message"
)

// FingerprintWindow bounds how far apart a placeholder and its confirmed
// row may be timestamped and still be considered the same message.
const FingerprintWindow = 3 * time.Second

// Merge returns list with incoming folded in. list must be sorted by
// CreatedAt; the result is too. The input slice is never modified.
//
// An incoming message is dropped when an entry already has its durable id
// or its external id. A confirmed incoming message replaces the first
// placeholder (no durable or external id) with the same conversation,
// direction and body fingerprint within FingerprintWindow; it takes the
// position its own timestamp dictates. Anything else is inserted in order,
// after entries with an equal timestamp.
func Merge(list []Message, incoming Message) []Message {
	for _, existing := range list {
		if incoming.ID != "" && existing.ID == incoming.ID {
			return list
		}
	}
	if incoming.ExternalMessageID != "" {
		for _, existing := range list {
			if existing.ExternalMessageID == incoming.ExternalMessageID {
				return list
			}
		}
	}
	if incoming.Confirmed() {
		fp := fingerprint(incoming.Body)
		for i, existing := range list {
			if !existing.placeholder() {
				continue
			}
			if existing.ConversationID != incoming.ConversationID || existing.Direction != incoming.Direction {
				continue
			}
			if fingerprint(existing.Body) != fp || !withinWindow(existing.CreatedAt, incoming.CreatedAt) {
				continue
			}
			out := make([]Message, 0, len(list))
			out = append(out, list[:i]...)
			out = append(out, list[i+1:]...)
			return insertOrdered(out, incoming)
		}
	}
	return insertOrdered(list, incoming)
}

// ApplyUpdate replaces the entry with incoming's durable id. Without a
// match the list is returned unchanged.
func ApplyUpdate(list []Message, incoming Message) []Message {
	if incoming.ID == "" {
		return list
	}
	for i, existing := range list {
		if existing.ID == incoming.ID {
			out := cloneList(list)
			out[i] = incoming
			return out
		}
	}
	return list
}

// markFailed flags the optimistic entry with tempID as failed.
func markFailed(list []Message, tempID string) []Message {
	for i, existing := range list {
		if existing.TempID == tempID && existing.ID == "" {
			out := cloneList(list)
			out[i].Status = message.StatusFailed
			return out
		}
	}
	return list
}

func insertOrdered(list []Message, incoming Message) []Message {
	pos := len(list)
	for i, existing := range list {
		if existing.CreatedAt.After(incoming.CreatedAt) {
			pos = i
			break
		}
	}
	out := make([]Message, 0, len(list)+1)
	out = append(out, list[:pos]...)
	out = append(out, incoming)
	out = append(out, list[pos:]...)
	return out
}

func cloneList(list []Message) []Message {
	out := make([]Message, len(list))
	copy(out, list)
	return out
}

func fingerprint(body string) string {
	var b strings.Builder
	b.Grow(len(body))
	for _, r := range body {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func withinWindow(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= FingerprintWindow
}
