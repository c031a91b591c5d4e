package twiliowhatsapp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClient(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()
	var _ TwilioWhatsAppSender = mock

	require.NoError(t, mock.SendMessage(ctx, "12345", "Hello Test"))
	require.NoError(t, mock.SendMedia(ctx, "12345", "https://img/1.jpg", "Kia Rio"))
	require.NoError(t, mock.SendTypingIndicator(ctx, "12345"))

	assert.Equal(t, []SentMessage{
		{To: "12345", Body: "Hello Test"},
		{To: "12345", Body: "Kia Rio", MediaURL: "https://img/1.jpg"},
	}, mock.Sent())
	assert.Equal(t, []string{"12345"}, mock.TypingEvents)
}

func TestAddress(t *testing.T) {
	assert.Equal(t, "whatsapp:+14155238886", Address("+14155238886"))
	assert.Equal(t, "whatsapp:+14155238886", Address("whatsapp:+14155238886"))
	assert.Equal(t, "+14155238886", StripAddress("whatsapp:+14155238886"))
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	_, err := NewClient()
	assert.Error(t, err)

	_, err = NewClient(WithAccountSID("AC123"), WithAuthToken("secret"))
	assert.Error(t, err, "sender number is required")

	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret"), WithFromWhats("+14155238886"))
	require.NoError(t, err)
	assert.Equal(t, "whatsapp:+14155238886", c.fromWhats)
	assert.False(t, c.ValidateWebhook("https://example.com/webhooks/twilio", map[string]string{"Body": "hi"}, "bogus"))
}
