package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	signatureHeader       = "X-Mend-Signature"
	defaultWebhookTimeout = 10 * time.Second
	maxWebhookErrorBody   = 4 * 1024
)

var (
	// ErrChannelUnavailable indicates that a channel cannot deliver on this deployment or client.
	ErrChannelUnavailable = errors.New("notifications: channel unavailable")
	errWebhookStatus      = errors.New("notifications: webhook rejected delivery")
)

// ChannelSender delivers a payload over one channel. Implementations return an
// error instead of panicking when the capability is absent.
type ChannelSender interface {
	Deliver(ctx context.Context, payload Payload) error
}

// ChannelSenderFunc adapts a function to ChannelSender.
type ChannelSenderFunc func(ctx context.Context, payload Payload) error

// Deliver calls f.
func (f ChannelSenderFunc) Deliver(ctx context.Context, payload Payload) error {
	return f(ctx, payload)
}

// UnavailableSender always reports ErrChannelUnavailable.
type UnavailableSender struct{}

// Deliver implements ChannelSender.
func (UnavailableSender) Deliver(context.Context, Payload) error {
	return ErrChannelUnavailable
}

// WebhookSenderConfig configures a webhook-backed channel.
type WebhookSenderConfig struct {
	Channel  Channel
	Endpoint string
	Secret   string
	Client   *http.Client
}

// WebhookSender posts payloads as JSON to a delivery provider's webhook.
type WebhookSender struct {
	channel  Channel
	endpoint string
	secret   []byte
	client   *http.Client
}

type webhookBody struct {
	NotificationID string         `json:"notification_id"`
	UserID         string         `json:"user_id"`
	Channel        Channel        `json:"channel"`
	Type           Type           `json:"type"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	Priority       Priority       `json:"priority"`
	Data           map[string]any `json:"data,omitempty"`
}

// NewWebhookSender constructs a webhook channel. An empty endpoint yields a
// sender that reports ErrChannelUnavailable.
func NewWebhookSender(cfg WebhookSenderConfig) *WebhookSender {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	var secret []byte
	if cfg.Secret != "" {
		secret = []byte(cfg.Secret)
	}
	return &WebhookSender{
		channel:  cfg.Channel,
		endpoint: strings.TrimSpace(cfg.Endpoint),
		secret:   secret,
		client:   client,
	}
}

// Deliver implements ChannelSender.
func (s *WebhookSender) Deliver(ctx context.Context, payload Payload) error {
	if s == nil || s.endpoint == "" {
		return ErrChannelUnavailable
	}
	encoded, err := json.Marshal(webhookBody{
		NotificationID: payload.ID,
		UserID:         payload.UserID,
		Channel:        s.channel,
		Type:           payload.Type,
		Title:          payload.Title,
		Body:           payload.Body,
		Priority:       payload.Priority,
		Data:           payload.Data,
	})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		request.Header.Set(signatureHeader, signBody(s.secret, encoded))
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, maxWebhookErrorBody))
		return fmt.Errorf("%w: status %d: %s", errWebhookStatus, response.StatusCode, strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func signBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Publisher receives realtime messages for connected clients.
type Publisher interface {
	Publish(message RealtimeMessage) int
}

// InAppSender stores the payload in the user's inbox and pushes it to open streams.
type InAppSender struct {
	inbox     InboxStore
	publisher Publisher
	clock     func() time.Time
}

// NewInAppSender constructs the in-app channel. publisher may be nil.
func NewInAppSender(inbox InboxStore, publisher Publisher, clock func() time.Time) *InAppSender {
	if clock == nil {
		clock = time.Now
	}
	return &InAppSender{inbox: inbox, publisher: publisher, clock: clock}
}

// Deliver implements ChannelSender.
func (s *InAppSender) Deliver(ctx context.Context, payload Payload) error {
	if s == nil || s.inbox == nil {
		return ErrChannelUnavailable
	}
	now := s.clock().UTC()
	entry := InboxEntry{
		NotificationID: payload.ID,
		UserID:         payload.UserID,
		Type:           payload.Type,
		Title:          payload.Title,
		Body:           payload.Body,
		Priority:       payload.Priority,
		CreatedAt:      now,
	}
	if err := s.inbox.AppendInbox(ctx, entry); err != nil {
		return err
	}
	if s.publisher != nil {
		s.publisher.Publish(RealtimeMessage{
			UserID:         payload.UserID,
			EventType:      RealtimeEventNotification,
			NotificationID: payload.ID,
			Type:           payload.Type,
			Title:          payload.Title,
			Body:           payload.Body,
			Priority:       payload.Priority,
			Timestamp:      now,
		})
	}
	return nil
}
