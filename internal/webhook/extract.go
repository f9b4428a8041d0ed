package webhook

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/clinicdesk/clinicdesk/internal/message"
)

// Field rules, tried in order; the first non-empty scalar wins.
var (
	typePaths       = []string{"type", "event", "eventType"}
	senderPaths     = []string{"chatid", "sender", "phone", "from"}
	bodyPaths       = []string{"text", "content", "body"}
	externalIDPaths = []string{"id", "messageid", "messageId", "wa_id"}
	namePaths       = []string{"senderName", "notifyName", "name", "chat.name", "chat.pushName"}
	avatarPaths     = []string{
		"senderPhoto",
		"profilePicture",
		"avatar",
		"chat.imagePreview",
		"chat.image",
		"chat.pic",
		"chat.profilePicture",
		"sender.profilePicture",
		"sender.avatar",
	}
	mediaPaths = []string{
		"image.imageUrl",
		"audio.audioUrl",
		"video.videoUrl",
		"document.documentUrl",
		"sticker.stickerUrl",
		"mediaUrl",
		"media_url",
	}
	captionPaths = []string{"image.caption", "video.caption", "document.caption"}
	echoPaths    = []string{"fromMe", "from_me", "isFromMe", "self"}
	statusPaths  = []string{"status", "ack"}
)

// Event types that carry a delivery status instead of a message.
var statusEventTypes = map[string]struct{}{
	"messagestatuscallback": {},
	"message.status":        {},
	"message_status":        {},
	"messages.update":       {},
	"status":                {},
}

// Fragments of event types that never carry a message.
var nonMessageTypeFragments = []string{
	"presence",
	"chatstate",
	"chat-state",
	"chat_state",
	"typing",
	"connected",
	"delivery",
}

// Event is what ingestion needs from one provider payload.
type Event struct {
	Type         string
	Sender       string
	Body         string
	MediaURL     string
	ExternalID   string
	DisplayNames []string
	Avatars      []string
	FromMe       bool
	Status       string
	StatusIDs    []string
}

type eventKind int

const (
	kindMessage eventKind = iota
	kindStatus
	kindOther
)

func (e Event) kind() eventKind {
	t := strings.ToLower(strings.TrimSpace(e.Type))
	if _, ok := statusEventTypes[t]; ok {
		return kindStatus
	}
	for _, fragment := range nonMessageTypeFragments {
		if strings.Contains(t, fragment) {
			return kindOther
		}
	}
	return kindMessage
}

// Extract applies the field rules to a JSON payload.
func Extract(payload []byte) Event {
	root := gjson.ParseBytes(payload)
	ev := Event{
		Type:       firstScalar(root, typePaths),
		Sender:     firstScalar(root, senderPaths),
		Body:       extractBody(root),
		MediaURL:   firstScalar(root, mediaPaths),
		ExternalID: firstScalar(root, externalIDPaths),
		FromMe:     anyTrue(root, echoPaths),
		Status:     normalizeStatus(firstScalar(root, statusPaths)),
	}
	for _, path := range namePaths {
		if v := scalar(root.Get(path)); v != "" {
			ev.DisplayNames = append(ev.DisplayNames, v)
		}
	}
	for _, path := range avatarPaths {
		if v := scalar(root.Get(path)); v != "" {
			ev.Avatars = append(ev.Avatars, v)
		}
	}
	if ids := root.Get("ids"); ids.IsArray() {
		for _, id := range ids.Array() {
			if v := scalar(id); v != "" {
				ev.StatusIDs = append(ev.StatusIDs, v)
			}
		}
	}
	if len(ev.StatusIDs) == 0 && ev.ExternalID != "" {
		ev.StatusIDs = []string{ev.ExternalID}
	}
	return ev
}

func extractBody(root gjson.Result) string {
	for _, path := range bodyPaths {
		r := root.Get(path)
		if r.IsObject() {
			r = r.Get("message")
		}
		if v := scalar(r); v != "" {
			return v
		}
	}
	return firstScalar(root, captionPaths)
}

func firstScalar(root gjson.Result, paths []string) string {
	for _, path := range paths {
		if v := scalar(root.Get(path)); v != "" {
			return v
		}
	}
	return ""
}

// scalar returns strings and numbers as text; objects, arrays and
// booleans are not field values.
func scalar(r gjson.Result) string {
	switch r.Type {
	case gjson.String, gjson.Number:
		return strings.TrimSpace(r.String())
	}
	return ""
}

func anyTrue(root gjson.Result, paths []string) bool {
	for _, path := range paths {
		r := root.Get(path)
		switch r.Type {
		case gjson.True:
			return true
		case gjson.String:
			if strings.EqualFold(strings.TrimSpace(r.Str), "true") {
				return true
			}
		}
	}
	return false
}

// normalizeStatus maps provider status names onto stored statuses.
func normalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "queued":
		return message.StatusPending
	case "sent", "server_ack":
		return message.StatusSent
	case "received", "delivered", "delivery_ack":
		return message.StatusDelivered
	case "read", "read_by_me", "played":
		return message.StatusRead
	case "failed", "error":
		return message.StatusFailed
	}
	return ""
}
