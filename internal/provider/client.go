// Package provider sends outbound WhatsApp messages through the
// messaging provider's REST API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/clinicdesk/clinicdesk/internal/config"
)

const maxResponseBytes = 1 << 20

var ErrInvalidPhone = errors.New("phone number has no digits")

// SendFailure is a provider-side rejection. StatusCode is the provider's
// HTTP status, or 502 when the provider could not be reached.
type SendFailure struct {
	StatusCode int
	Message    string
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("provider send failed (%d): %s", e.StatusCode, e.Message)
}

// SendResult is the provider response. Body is returned to API callers
// as-is; ExternalID is the provider's id for the sent message, if any.
type SendResult struct {
	Phone      string
	ExternalID string
	Body       json.RawMessage
}

type sendTextRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type Client struct {
	baseURL     string
	token       string
	countryCode string
	httpClient  *http.Client
	logger      *slog.Logger
}

func NewClient(log *slog.Logger, cfg config.ProviderConfig) *Client {
	if log == nil {
		log = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = config.DefaultProviderTimeout * time.Second
	}
	countryCode := NormalizeDigits(cfg.CountryCode)
	if countryCode == "" {
		countryCode = config.DefaultCountryCode
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:       strings.TrimSpace(cfg.Token),
		countryCode: countryCode,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      log.With(slog.String("service", "provider")),
	}
}

// NormalizePhone keeps digits and prefixes the country code onto local
// numbers (10 or 11 digits: area code plus subscriber number).
func (c *Client) NormalizePhone(raw string) string {
	return NormalizePhone(raw, c.countryCode)
}

func NormalizePhone(raw, countryCode string) string {
	digits := NormalizeDigits(raw)
	if n := len(digits); n == 10 || n == 11 {
		return countryCode + digits
	}
	return digits
}

func NormalizeDigits(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SendText delivers one text message. It does not retry.
func (c *Client) SendText(ctx context.Context, phone, text string) (SendResult, error) {
	normalized := c.NormalizePhone(phone)
	if normalized == "" {
		return SendResult{}, ErrInvalidPhone
	}
	if c.baseURL == "" {
		return SendResult{}, &SendFailure{StatusCode: http.StatusServiceUnavailable, Message: "provider base_url is not configured"}
	}
	body, err := json.Marshal(sendTextRequest{Phone: normalized, Message: text})
	if err != nil {
		return SendResult{}, err
	}
	url := c.baseURL + "/send-text"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Client-Token", c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("provider request failed", slog.String("url", url), slog.Any("error", err))
		return SendResult{}, &SendFailure{StatusCode: http.StatusBadGateway, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return SendResult{}, &SendFailure{StatusCode: http.StatusBadGateway, Message: fmt.Sprintf("read provider response: %v", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("provider rejected message", slog.Int("status", resp.StatusCode), slog.String("body_prefix", truncate(string(respBody), 300)))
		return SendResult{}, &SendFailure{StatusCode: resp.StatusCode, Message: failureMessage(respBody, resp.Status)}
	}

	result := SendResult{Phone: normalized, Body: json.RawMessage(respBody)}
	if !gjson.ValidBytes(respBody) {
		result.Body = nil
		return result, nil
	}
	root := gjson.ParseBytes(respBody)
	for _, path := range []string{"messageId", "id", "zaapId"} {
		if v := strings.TrimSpace(root.Get(path).String()); v != "" {
			result.ExternalID = v
			break
		}
	}
	return result, nil
}

func failureMessage(body []byte, status string) string {
	if gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		for _, path := range []string{"error", "message", "error.message"} {
			if r := root.Get(path); r.Type == gjson.String && strings.TrimSpace(r.Str) != "" {
				return strings.TrimSpace(r.Str)
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return truncate(text, 300)
	}
	return status
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
