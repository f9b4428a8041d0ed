package webhook

import (
	"testing"
)

func TestExtractFieldRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		check   func(t *testing.T, ev Event)
	}{
		{
			name:    "minimal",
			payload: `{"chatid":"5511999999999","text":"Oi","id":"wamid.ABC"}`,
			check: func(t *testing.T, ev Event) {
				if ev.Sender != "5511999999999" || ev.Body != "Oi" || ev.ExternalID != "wamid.ABC" {
					t.Fatalf("unexpected event: %+v", ev)
				}
				if ev.kind() != kindMessage {
					t.Fatalf("expected message kind")
				}
			},
		},
		{
			name:    "nested text object and numeric phone",
			payload: `{"type":"ReceivedCallback","phone":5511988887777,"text":{"message":"Bom dia"},"messageId":"3EB0","senderName":"Ana","chat":{"name":"Ana Clara"}}`,
			check: func(t *testing.T, ev Event) {
				if ev.Sender != "5511988887777" || ev.Body != "Bom dia" || ev.ExternalID != "3EB0" {
					t.Fatalf("unexpected event: %+v", ev)
				}
				if len(ev.DisplayNames) != 2 || ev.DisplayNames[0] != "Ana" || ev.DisplayNames[1] != "Ana Clara" {
					t.Fatalf("unexpected names: %v", ev.DisplayNames)
				}
			},
		},
		{
			name:    "first non-empty wins",
			payload: `{"chatid":"","sender":"5511911112222@c.us","content":"","body":"hello","id":"","wa_id":"wa-9"}`,
			check: func(t *testing.T, ev Event) {
				if ev.Sender != "5511911112222@c.us" || ev.Body != "hello" || ev.ExternalID != "wa-9" {
					t.Fatalf("unexpected event: %+v", ev)
				}
			},
		},
		{
			name:    "avatars in order",
			payload: `{"phone":"1","text":"x","chat":{"imagePreview":"https://a/1.jpg"},"sender":{"avatar":"https://a/2.jpg"}}`,
			check: func(t *testing.T, ev Event) {
				if len(ev.Avatars) != 2 || ev.Avatars[0] != "https://a/1.jpg" || ev.Avatars[1] != "https://a/2.jpg" {
					t.Fatalf("unexpected avatars: %v", ev.Avatars)
				}
			},
		},
		{
			name:    "echo flags",
			payload: `{"phone":"5511999999999","text":"x","isFromMe":"true"}`,
			check: func(t *testing.T, ev Event) {
				if !ev.FromMe {
					t.Fatal("expected echo flag")
				}
			},
		},
		{
			name:    "media with caption",
			payload: `{"phone":"5511999999999","image":{"imageUrl":"https://m/1.png","caption":"exame"}}`,
			check: func(t *testing.T, ev Event) {
				if ev.MediaURL != "https://m/1.png" || ev.Body != "exame" {
					t.Fatalf("unexpected event: %+v", ev)
				}
			},
		},
		{
			name:    "status callback",
			payload: `{"type":"MessageStatusCallback","status":"READ","ids":["a","b"]}`,
			check: func(t *testing.T, ev Event) {
				if ev.kind() != kindStatus || ev.Status != "read" || len(ev.StatusIDs) != 2 {
					t.Fatalf("unexpected event: %+v", ev)
				}
			},
		},
		{
			name:    "presence",
			payload: `{"type":"PresenceChatCallback","phone":"5511999999999"}`,
			check: func(t *testing.T, ev Event) {
				if ev.kind() != kindOther {
					t.Fatalf("expected non-message kind for %q", ev.Type)
				}
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.check(t, Extract([]byte(tt.payload)))
		})
	}
}
