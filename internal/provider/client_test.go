package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clinicdesk/clinicdesk/internal/config"
)

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"11999999999", "5511999999999"},
		{"(11) 3333-4444", "551133334444"},
		{"+55 11 99999-9999", "5511999999999"},
		{"999999999", "999999999"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizePhone(tc.in, "55"); got != tc.want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSendText(t *testing.T) {
	t.Parallel()

	var gotToken, gotPath string
	var gotBody sendTextRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("Client-Token")
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"zaapId":"z-1","messageId":"m-1"}`))
	}))
	defer srv.Close()

	c := NewClient(nil, config.ProviderConfig{BaseURL: srv.URL + "/", Token: "secret"})
	res, err := c.SendText(context.Background(), "11 99999-9999", "Olá")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/send-text" || gotToken != "secret" {
		t.Fatalf("unexpected request: path=%s token=%s", gotPath, gotToken)
	}
	if gotBody.Phone != "5511999999999" || gotBody.Message != "Olá" {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
	if res.ExternalID != "m-1" || res.Phone != "5511999999999" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if string(res.Body) != `{"zaapId":"z-1","messageId":"m-1"}` {
		t.Fatalf("unexpected body passthrough: %s", res.Body)
	}
}

func TestSendTextFailurePropagatesStatus(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"phone not on whatsapp"}`))
	}))
	defer srv.Close()

	c := NewClient(nil, config.ProviderConfig{BaseURL: srv.URL, CountryCode: "55"})
	_, err := c.SendText(context.Background(), "5511999999999", "x")
	var failure *SendFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected SendFailure, got %v", err)
	}
	if failure.StatusCode != http.StatusUnprocessableEntity || failure.Message != "phone not on whatsapp" {
		t.Fatalf("unexpected failure: %+v", failure)
	}
	if calls != 1 {
		t.Fatalf("expected no retries, got %d calls", calls)
	}
}

func TestSendTextRejectsEmptyPhone(t *testing.T) {
	t.Parallel()

	c := NewClient(nil, config.ProviderConfig{BaseURL: "http://127.0.0.1:1"})
	if _, err := c.SendText(context.Background(), "abc", "x"); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
}

func TestSendTextUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(nil, config.ProviderConfig{BaseURL: url})
	_, err := c.SendText(context.Background(), "5511999999999", "x")
	var failure *SendFailure
	if !errors.As(err, &failure) || failure.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 SendFailure, got %v", err)
	}
}
