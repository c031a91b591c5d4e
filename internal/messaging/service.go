// Package messaging adapts chat transports to the scenario engine. A Service sends text, media and
// typing indicators, and surfaces inbound messages as models.InboundEvent values.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and event channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by sends attempted after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	SendText(ctx context.Context, to, text string, markup *models.Markup) error
	SendMedia(ctx context.Context, to, mediaRef, caption string, markup *models.Markup) error
	SendTypingIndicator(ctx context.Context, to string) error

	// Start begins any background processing (e.g., event subscriptions).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the Receipts and Events channels.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Events returns a channel of inbound conversation events.
	Events() <-chan models.InboundEvent
}

// canonicalizePhone strips formatting from a phone number and checks a plausible length.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found in recipient " + recipient)
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: " + canonical + " is too short (minimum 6 digits required)")
	}
	return canonical, nil
}
