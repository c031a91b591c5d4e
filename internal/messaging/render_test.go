package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

func choiceMarkup() *models.Markup {
	return &models.Markup{
		Inline: true,
		Rows: [][]models.Button{
			{{Label: "Toyota", Data: "toyota"}},
			{{Label: "Kia", Data: "kia"}},
			{{Label: "⬅️ Back"}, {Label: "🏠 Menu"}},
		},
	}
}

func TestRenderText(t *testing.T) {
	assert.Equal(t, "Hello", RenderText("Hello", nil))
	assert.Equal(t, "Which brand?\n\n1. Toyota\n2. Kia\n\n⬅️ Back | 🏠 Menu", RenderText("Which brand?", choiceMarkup()))

	contact := &models.Markup{RequestContact: &models.Button{Label: "📱 Share contact"}}
	assert.Equal(t, "Phone?\n\n1. 📱 Share contact", RenderText("Phone?", contact))

	menu := &models.Markup{Rows: [][]models.Button{{{Label: "Buy"}}, {{Label: "Sell"}}}}
	assert.Equal(t, "Buy | Sell", RenderText("", menu))
}

func TestReplyMemoryTranslate(t *testing.T) {
	m := newReplyMemory()
	m.remember("79001234567", choiceMarkup())

	ev := &models.InboundEvent{SessionID: "79001234567", Kind: models.EventKindText, Text: " 2 "}
	m.translate(ev, "+79001234567")
	assert.Equal(t, models.EventKindCallback, ev.Kind)
	assert.Equal(t, "kia", ev.Callback)

	out := &models.InboundEvent{SessionID: "79001234567", Kind: models.EventKindText, Text: "3"}
	m.translate(out, "+79001234567")
	assert.Equal(t, models.EventKindText, out.Kind, "out of range stays text")

	other := &models.InboundEvent{SessionID: "someone", Kind: models.EventKindText, Text: "1"}
	m.translate(other, "")
	assert.Equal(t, models.EventKindText, other.Kind)

	m.remember("79001234567", &models.Markup{RequestContact: &models.Button{Label: "Share"}})
	share := &models.InboundEvent{SessionID: "79001234567", Kind: models.EventKindText, Text: "1"}
	m.translate(share, "+79001234567")
	assert.Equal(t, models.EventKindContact, share.Kind)
	assert.Equal(t, "+79001234567", share.ContactPhone)

	m.remember("79001234567", nil)
	plain := &models.InboundEvent{SessionID: "79001234567", Kind: models.EventKindText, Text: "1"}
	m.translate(plain, "")
	assert.Equal(t, "1", plain.Text, "budget-style numeric answers survive after plain prompts")
}
