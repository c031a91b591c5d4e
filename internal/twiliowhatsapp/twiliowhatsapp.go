// Package twiliowhatsapp wraps the Twilio REST API for the WhatsApp Business transport.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Prefix marks WhatsApp addresses in Twilio's To and From fields.
const Prefix = "whatsapp:"

// TwilioWhatsAppSender sends WhatsApp messages through Twilio (or records them in tests).
type TwilioWhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendMedia(ctx context.Context, to string, mediaURL string, caption string) error
	SendTypingIndicator(ctx context.Context, to string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
	// StatusCallback receives Twilio delivery status webhooks when set.
	StatusCallback string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token. It also keys webhook signature validation.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sender number, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

func WithStatusCallback(url string) Option {
	return func(o *Opts) { o.StatusCallback = url }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client         *twilio.RestClient
	validator      twilioClient.RequestValidator
	fromWhats      string
	statusCallback string
}

// NewClient builds a client from options, falling back to TWILIO_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("twiliowhatsapp.NewClient: config loaded",
		"account_sid_set", cfg.AccountSID != "",
		"auth_token_set", cfg.AuthToken != "",
		"from_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	return &Client{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		}),
		validator:      twilioClient.NewRequestValidator(cfg.AuthToken),
		fromWhats:      Address(cfg.FromWhats),
		statusCallback: cfg.StatusCallback,
	}, nil
}

// Address adds the "whatsapp:" prefix unless already present.
func Address(number string) string {
	if strings.HasPrefix(number, Prefix) {
		return number
	}
	return Prefix + number
}

// StripAddress removes the "whatsapp:" prefix.
func StripAddress(address string) string {
	return strings.TrimPrefix(address, Prefix)
}

func (c *Client) params(to string) *twilioApi.CreateMessageParams {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(to))
	params.SetFrom(c.fromWhats)
	if c.statusCallback != "" {
		params.SetStatusCallback(c.statusCallback)
	}
	return params
}

// SendMessage sends a WhatsApp text message using Twilio API
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := c.params(to)
	params.SetBody(body)
	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Client.SendMessage: Twilio request failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Client.SendMessage: sent", "to", to)
	return nil
}

// SendMedia sends a publicly reachable media URL with an optional caption.
func (c *Client) SendMedia(ctx context.Context, to string, mediaURL string, caption string) error {
	params := c.params(to)
	params.SetMediaUrl([]string{mediaURL})
	if caption != "" {
		params.SetBody(caption)
	}
	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Client.SendMedia: Twilio request failed", "to", to, "error", err)
		return fmt.Errorf("failed to send media to %s: %w", to, err)
	}
	return nil
}

// SendTypingIndicator does nothing since Twilio API does not support typing indicators
func (c *Client) SendTypingIndicator(ctx context.Context, to string) error {
	slog.Debug("Client.SendTypingIndicator: unsupported by Twilio, ignored", "to", to)
	return nil
}

// ValidateWebhook checks the X-Twilio-Signature of an inbound webhook.
func (c *Client) ValidateWebhook(url string, params map[string]string, signature string) bool {
	return c.validator.Validate(url, params, signature)
}

// MockClient records outbound calls for tests.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	TypingEvents []string
	Err          error
}

// SentMessage is one message captured by MockClient. MediaURL is empty for text.
type SentMessage struct {
	To       string
	Body     string
	MediaURL string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	return m.record(SentMessage{To: to, Body: body})
}

func (m *MockClient) SendMedia(ctx context.Context, to string, mediaURL string, caption string) error {
	return m.record(SentMessage{To: to, Body: caption, MediaURL: mediaURL})
}

func (m *MockClient) SendTypingIndicator(ctx context.Context, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TypingEvents = append(m.TypingEvents, to)
	return nil
}

func (m *MockClient) record(msg SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, msg)
	return nil
}

// Sent returns a copy of the captured messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
