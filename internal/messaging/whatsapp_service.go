package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
	"github.com/BTreeMap/ScenarioPipe/internal/util"
	"github.com/BTreeMap/ScenarioPipe/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client. Session ids are
// the sender's phone number in digits.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // Access to underlying client for event handling
	replies  *replyMemory
	receipts chan models.Receipt
	events   chan models.InboundEvent
	mu       sync.RWMutex
	stopped  bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client:   client,
		replies:  newReplyMemory(),
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		events:   make(chan models.InboundEvent, DefaultChannelBufferSize),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
	}
	return service
}

// ValidateAndCanonicalizeRecipient accepts phone numbers in any formatting and full JIDs (groups,
// channels) verbatim.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if strings.Contains(recipient, "@") {
		if _, err := whatsapp.ParseRecipient(recipient); err != nil {
			return "", err
		}
		return recipient, nil
	}
	return canonicalizePhone(recipient)
}

// Start subscribes to whatsmeow events when a real client is wired.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handling")
		return nil
	}
	handlerID := s.waClient.GetClient().AddEventHandler(s.handleEvent)
	go func() {
		<-ctx.Done()
		s.waClient.GetClient().RemoveEventHandler(handlerID)
		slog.Debug("WhatsAppService.Start: event handler removed")
	}()
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop closes the Receipts and Events channels. Later sends fail with ErrServiceStopped.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.events)
	slog.Info("WhatsAppService.Stop: channels closed")
	return nil
}

// SendText renders markup as plain text and sends it.
func (s *WhatsAppService) SendText(ctx context.Context, to, text string, markup *models.Markup) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.send(ctx, canonical, RenderText(text, markup)); err != nil {
		return err
	}
	s.replies.remember(canonical, markup)
	return nil
}

// SendMedia sends the caption followed by the media link. Inventory photos are hosted URLs, so
// WhatsApp's link preview shows the image.
func (s *WhatsAppService) SendMedia(ctx context.Context, to, mediaRef, caption string, markup *models.Markup) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	body := strings.TrimSpace(caption + "\n" + mediaRef)
	if err := s.send(ctx, canonical, RenderText(body, markup)); err != nil {
		return err
	}
	s.replies.remember(canonical, markup)
	return nil
}

func (s *WhatsAppService) SendTypingIndicator(ctx context.Context, to string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendTyping(ctx, canonical)
}

func (s *WhatsAppService) send(ctx context.Context, to, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		slog.Error("WhatsAppService.send: error", "error", err, "to", to)
		return err
	}
	s.emitReceipt(models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Events returns a channel of inbound conversation events.
func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.events
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Receipt:
		s.handleMessageReceipt(v)
	default:
		slog.Debug("WhatsAppService.handleEvent: ignoring event", "type", getEventType(v))
	}
}

// handleIncomingMessage converts a private chat message into an inbound event.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	ev, ok := s.toInboundEvent(evt.Info.Sender.User, string(evt.Info.ID), evt.Info.Timestamp, evt.Message)
	if !ok {
		slog.Debug("WhatsAppService.handleIncomingMessage: unsupported message", "from", evt.Info.Sender.String())
		return
	}
	s.emitEvent(ev)
}

// toInboundEvent maps a whatsmeow message onto the engine's event shape.
func (s *WhatsAppService) toInboundEvent(user, id string, ts time.Time, msg *waE2E.Message) (models.InboundEvent, bool) {
	if id == "" {
		id = util.GenerateEventID()
	}
	ev := models.InboundEvent{ID: id, SessionID: user, ReceivedAt: ts}
	switch {
	case msg.GetConversation() != "":
		ev.Kind = models.EventKindText
		ev.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		ev.Kind = models.EventKindText
		ev.Text = msg.GetExtendedTextMessage().GetText()
	case msg.GetButtonsResponseMessage().GetSelectedButtonID() != "":
		ev.Kind = models.EventKindCallback
		ev.Callback = msg.GetButtonsResponseMessage().GetSelectedButtonID()
	case msg.GetContactMessage().GetVcard() != "":
		phone := vcardPhone(msg.GetContactMessage().GetVcard())
		if phone == "" {
			return ev, false
		}
		ev.Kind = models.EventKindContact
		ev.ContactPhone = phone
	default:
		return ev, false
	}
	s.replies.translate(&ev, "+"+user)
	return ev, true
}

// vcardPhone returns the first TEL value of a vCard.
func vcardPhone(vcard string) string {
	for _, line := range strings.Split(vcard, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToUpper(line), "TEL") {
			continue
		}
		if i := strings.LastIndex(line, ":"); i >= 0 {
			return strings.TrimSpace(line[i+1:])
		}
	}
	return ""
}

// handleMessageReceipt processes delivery and read receipts
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	s.emitReceipt(models.Receipt{To: evt.MessageSource.Sender.User, Status: status, Time: evt.Timestamp.Unix()})
}

func (s *WhatsAppService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

func (s *WhatsAppService) emitReceipt(r models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService.emitReceipt: channel blocked, dropping receipt", "to", r.To)
	}
}

func (s *WhatsAppService) emitEvent(ev models.InboundEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService.emitEvent: service stopped, dropping event", "session", ev.SessionID)
		return
	}
	select {
	case s.events <- ev:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService.emitEvent: channel blocked, dropping event", "session", ev.SessionID, "timeout", DefaultChannelTimeout)
	}
}

// getEventType returns a string representation of the event type for logging
func getEventType(evt interface{}) string {
	switch evt.(type) {
	case *events.Presence:
		return "Presence"
	case *events.Connected:
		return "Connected"
	case *events.Disconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("%T", evt)
	}
}
