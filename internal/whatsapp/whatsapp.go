// Package whatsapp wraps the Whatsmeow client used by the WhatsApp transport.
//
// It logs in (QR or numeric pairing code), sends text and chat presence, and exposes the
// underlying client for event subscriptions.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/ScenarioPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	DefaultSQLitePath = "/var/lib/scenariopipe/whatsmeow.db"
	// JIDSuffix is the server part of a personal chat JID.
	JIDSuffix = "s.whatsapp.net"
)

// WhatsAppSender is the slice of Client the messaging layer depends on. MockClient implements it for tests.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendTyping(ctx context.Context, to string) error
}

// Opts configures NewClient.
type Opts struct {
	DBDSN       string // device store DSN, SQLite file or Postgres URL
	QRPath      string // pairing codes go here instead of stdout
	NumericCode bool   // print raw pairing codes rather than terminal QR art
}

type Option func(*Opts)

func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes pairing codes to path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints pairing codes as text.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client is a connected whatsmeow session.
type Client struct {
	waClient *whatsmeow.Client
}

// DriverForDSN picks the database/sql driver whatsmeow's store should use for dsn.
func DriverForDSN(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// MissingForeignKeys reports whether a SQLite DSN lacks the foreign key pragma whatsmeow expects.
func MissingForeignKeys(dsn string) bool {
	if DriverForDSN(dsn) != "sqlite3" {
		return false
	}
	return !strings.Contains(dsn, "foreign_keys")
}

// NewClient opens the device store, logs in if the device is not paired yet and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = DefaultSQLitePath
	}
	driver := DriverForDSN(cfg.DBDSN)
	if MissingForeignKeys(cfg.DBDSN) {
		slog.Warn("NewClient: SQLite DSN for whatsmeow has no foreign keys pragma; consider adding ?_foreign_keys=on",
			"dsn_example", "file:"+cfg.DBDSN+"?_foreign_keys=on")
	}
	slog.Debug("NewClient: opening device store", "driver", driver, "qr_path_set", cfg.QRPath != "", "numeric_code", cfg.NumericCode)

	container, err := sqlstore.New(ctx, driver, cfg.DBDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("NewClient: WhatsApp client connected")
	return &Client{waClient: waClient}, nil
}

// login runs the pairing flow, printing each code as a terminal QR or as plain text.
func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("NewClient: device not paired; starting login")
	qrChan, _ := waClient.GetQRChannel(ctx)
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("NewClient: login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// SendMessage sends a WhatsApp text message. to is either a phone number in digits or a full JID
// such as a group "120363000000000000@g.us".
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client store not available")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return err
	}

	slog.Debug("Client.SendMessage: sending", "to", to, "body_length", len(body))
	msg := &waE2E.Message{Conversation: &body}
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Client.SendMessage: failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return nil
}

// Presence senders differ between whatsmeow releases in whether they take a context.
type presenceSender interface {
	SendChatPresence(ctx context.Context, jid types.JID, state types.ChatPresence, media types.ChatPresenceMedia) error
}

type legacyPresenceSender interface {
	SendChatPresence(jid types.JID, state types.ChatPresence, media types.ChatPresenceMedia) error
}

// SendTyping shows the "typing..." presence in the recipient's chat.
func (c *Client) SendTyping(ctx context.Context, to string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return err
	}
	var cli any = c.waClient
	switch p := cli.(type) {
	case presenceSender:
		return p.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
	case legacyPresenceSender:
		return p.SendChatPresence(jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
	default:
		slog.Debug("Client.SendTyping: presence unsupported by client", "to", to)
		return nil
	}
}

// ParseRecipient turns a phone number or JID string into a JID.
func ParseRecipient(to string) (types.JID, error) {
	if to == "" {
		return types.JID{}, fmt.Errorf("recipient cannot be empty")
	}
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid recipient %q: %w", to, err)
		}
		return jid, nil
	}
	return types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix), nil
}

// GetClient exposes the whatsmeow client for event handlers and shutdown.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// MockClient records sends instead of talking to WhatsApp.
type MockClient struct {
	mu       sync.Mutex
	Messages []SentMessage
	Typing   []string
	Err      error
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SendTyping(ctx context.Context, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Typing = append(m.Typing, to)
	return nil
}

// Sent returns a copy of the captured messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Messages...)
}
