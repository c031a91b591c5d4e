package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
	"github.com/BTreeMap/ScenarioPipe/internal/twiliowhatsapp"
)

func TestTwilioService_ImplementsService(t *testing.T) {
	var _ Service = (*TwilioService)(nil)
}

func TestTwilioService_Send(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	ctx := context.Background()

	require.NoError(t, svc.SendText(ctx, "whatsapp:+1 (415) 523-8886", "Hi", nil))
	require.NoError(t, svc.SendMedia(ctx, "14155238886", "https://img/1.jpg", "Kia Rio", nil))
	require.NoError(t, svc.SendTypingIndicator(ctx, "14155238886"))

	assert.Equal(t, []twiliowhatsapp.SentMessage{
		{To: "+14155238886", Body: "Hi"},
		{To: "+14155238886", Body: "Kia Rio", MediaURL: "https://img/1.jpg"},
	}, mock.Sent())
	assert.Equal(t, []string{"+14155238886"}, mock.TypingEvents)

	r := <-svc.Receipts()
	assert.Equal(t, "14155238886", r.To)
	assert.Equal(t, models.MessageStatusSent, r.Status)
}

func TestTwilioService_HandleWebhook(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	ev, err := svc.HandleWebhook(map[string]string{"From": "whatsapp:+14155238886", "Body": " hello ", "MessageSid": "SM1"})
	require.NoError(t, err)
	assert.Equal(t, models.InboundEvent{ID: "SM1", SessionID: "14155238886", Kind: models.EventKindText, Text: "hello", ReceivedAt: ev.ReceivedAt}, ev)
	assert.Equal(t, ev, <-svc.Events())

	ev, err = svc.HandleWebhook(map[string]string{"From": "whatsapp:+14155238886", "ButtonPayload": "toyota"})
	require.NoError(t, err)
	assert.Equal(t, models.EventKindCallback, ev.Kind)
	assert.Equal(t, "toyota", ev.Callback)
	assert.NotEmpty(t, ev.ID)
	<-svc.Events()

	require.NoError(t, svc.SendText(context.Background(), "14155238886", "Phone?", &models.Markup{RequestContact: &models.Button{Label: "Share"}}))
	<-svc.Receipts()
	ev, err = svc.HandleWebhook(map[string]string{"From": "whatsapp:+14155238886", "Body": "1"})
	require.NoError(t, err)
	assert.Equal(t, models.EventKindContact, ev.Kind)
	assert.Equal(t, "+14155238886", ev.ContactPhone)
	<-svc.Events()

	_, err = svc.HandleWebhook(map[string]string{"From": "whatsapp:+14155238886"})
	assert.ErrorIs(t, err, ErrWebhookMissingFields)
	_, err = svc.HandleWebhook(map[string]string{"Body": "hi"})
	assert.ErrorIs(t, err, ErrWebhookMissingFields)
}

func TestTwilioService_StatusCallback(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	svc.HandleStatusCallback(map[string]string{"MessageStatus": "queued", "To": "whatsapp:+14155238886"})
	svc.HandleStatusCallback(map[string]string{"MessageStatus": "delivered", "To": "whatsapp:+14155238886"})

	r := <-svc.Receipts()
	assert.Equal(t, models.MessageStatusDelivered, r.Status)
	assert.Equal(t, "14155238886", r.To)
}

func TestTwilioService_Stop(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop())
	assert.ErrorIs(t, svc.SendText(context.Background(), "14155238886", "hi", nil), ErrServiceStopped)

	_, err := svc.HandleWebhook(map[string]string{"From": "whatsapp:+14155238886", "Body": "late"})
	assert.NoError(t, err, "late webhooks are acknowledged and dropped")
}
