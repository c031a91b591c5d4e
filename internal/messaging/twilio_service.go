package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
	"github.com/BTreeMap/ScenarioPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ScenarioPipe/internal/util"
)

// ErrWebhookMissingFields is returned for Twilio webhooks without a sender or any content.
var ErrWebhookMissingFields = errors.New("twilio webhook missing required fields")

// TwilioService implements the Service interface using Twilio API. Inbound messages arrive through
// HandleWebhook, which the HTTP layer calls for each Twilio request.
type TwilioService struct {
	client   twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
	replies  *replyMemory
	receipts chan models.Receipt
	events   chan models.InboundEvent
	mu       sync.RWMutex
	stopped  bool
}

// NewTwilioService creates a new TwilioService around a Twilio client
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{
		client:   client,
		replies:  newReplyMemory(),
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		events:   make(chan models.InboundEvent, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It removes all non-numeric characters and validates the result has at least 6 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizePhone(twiliowhatsapp.StripAddress(recipient))
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService.ValidateAndCanonicalizeRecipient: canonicalized", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio; inbound traffic is pushed through webhooks.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.events)
	return nil
}

// SendText sends a text message via Twilio and emits a receipt
func (s *TwilioService) SendText(ctx context.Context, to, text string, markup *models.Markup) error {
	canonical, err := s.prepare(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, "+"+canonical, RenderText(text, markup)); err != nil {
		return err
	}
	s.replies.remember(canonical, markup)
	s.safeEmitReceipt(models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// SendMedia sends a media URL with the rendered caption.
func (s *TwilioService) SendMedia(ctx context.Context, to, mediaRef, caption string, markup *models.Markup) error {
	canonical, err := s.prepare(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMedia(ctx, "+"+canonical, mediaRef, RenderText(caption, markup)); err != nil {
		return err
	}
	s.replies.remember(canonical, markup)
	s.safeEmitReceipt(models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// SendTypingIndicator updates typing state (no-op in real Twilio)
func (s *TwilioService) SendTypingIndicator(ctx context.Context, to string) error {
	canonical, err := s.prepare(to)
	if err != nil {
		return err
	}
	return s.client.SendTypingIndicator(ctx, "+"+canonical)
}

func (s *TwilioService) prepare(to string) (string, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return "", ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.prepare: invalid recipient", "error", err, "to", to)
		return "", err
	}
	return canonical, nil
}

// Receipts returns the channel for sent message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Events returns the channel of inbound events parsed from webhooks.
func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.events
}

// HandleWebhook converts the form fields of a Twilio inbound webhook into an event. Quick-reply
// presses arrive as ButtonPayload; everything else is text.
func (s *TwilioService) HandleWebhook(params map[string]string) (models.InboundEvent, error) {
	from := params["From"]
	body := strings.TrimSpace(params["Body"])
	payload := params["ButtonPayload"]
	if from == "" || (body == "" && payload == "") {
		slog.Warn("TwilioService.HandleWebhook: missing fields", "from", from)
		return models.InboundEvent{}, ErrWebhookMissingFields
	}
	sessionID, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		return models.InboundEvent{}, err
	}

	id := params["MessageSid"]
	if id == "" {
		id = util.GenerateEventID()
	}
	ev := models.InboundEvent{ID: id, SessionID: sessionID, ReceivedAt: time.Now()}
	if payload != "" {
		ev.Kind = models.EventKindCallback
		ev.Callback = payload
	} else {
		ev.Kind = models.EventKindText
		ev.Text = body
		s.replies.translate(&ev, "+"+sessionID)
	}

	s.safeEmitEvent(ev)
	return ev, nil
}

// HandleStatusCallback maps a Twilio delivery status webhook onto a receipt.
func (s *TwilioService) HandleStatusCallback(params map[string]string) {
	var status models.MessageStatus
	switch params["MessageStatus"] {
	case "delivered":
		status = models.MessageStatusDelivered
	case "read":
		status = models.MessageStatusRead
	case "failed", "undelivered":
		status = models.MessageStatusFailed
	default:
		return
	}
	to, err := s.ValidateAndCanonicalizeRecipient(params["To"])
	if err != nil {
		return
	}
	s.safeEmitReceipt(models.Receipt{To: to, Status: status, Time: time.Now().Unix()})
}

func (s *TwilioService) safeEmitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
	}
}

// safeEmitEvent pushes an event unless the service is stopped or the channel stays full.
func (s *TwilioService) safeEmitEvent(ev models.InboundEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService.safeEmitEvent: service stopped, dropping event", "session", ev.SessionID)
		return
	}
	select {
	case s.events <- ev:
		slog.Debug("TwilioService.safeEmitEvent: emitted", "session", ev.SessionID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService.safeEmitEvent: channel blocked, dropping event", "session", ev.SessionID)
	}
}
