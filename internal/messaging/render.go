package messaging

import (
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

// RenderText flattens markup into plain text for channels without native keyboards. Buttons that
// carry callback data and the contact button are numbered so a numeric reply can select them;
// label-only buttons are listed for the user to type.
func RenderText(text string, markup *models.Markup) string {
	if markup.Empty() {
		return text
	}
	var b strings.Builder
	b.WriteString(text)

	numbered, labels := splitButtons(markup)
	if len(numbered) > 0 {
		b.WriteString("\n")
		for i, btn := range numbered {
			b.WriteString("\n")
			b.WriteString(strconv.Itoa(i + 1))
			b.WriteString(". ")
			b.WriteString(btn.Label)
		}
	}
	if len(labels) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(labels, " | "))
	}
	return strings.TrimLeft(b.String(), "\n")
}

// splitButtons returns the selectable buttons in display order and the labels of the rest.
func splitButtons(markup *models.Markup) ([]models.Button, []string) {
	var numbered []models.Button
	var labels []string
	for _, row := range markup.Rows {
		for _, btn := range row {
			if btn.Data != "" {
				numbered = append(numbered, btn)
			} else if btn.Label != "" {
				labels = append(labels, btn.Label)
			}
		}
	}
	if markup.RequestContact != nil {
		numbered = append(numbered, *markup.RequestContact)
	}
	return numbered, labels
}

// replyMemory remembers the selectable options last shown to each recipient so numeric replies
// can be translated back into callbacks.
type replyMemory struct {
	mu   sync.Mutex
	last map[string]renderedOptions
}

type renderedOptions struct {
	buttons []models.Button
	contact int // 1-based position of the contact button, 0 when absent
}

func newReplyMemory() *replyMemory {
	return &replyMemory{last: make(map[string]renderedOptions)}
}

func (m *replyMemory) remember(to string, markup *models.Markup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if markup.Empty() {
		delete(m.last, to)
		return
	}
	numbered, _ := splitButtons(markup)
	if len(numbered) == 0 {
		delete(m.last, to)
		return
	}
	opts := renderedOptions{buttons: numbered}
	if markup.RequestContact != nil {
		opts.contact = len(numbered)
	}
	m.last[to] = opts
}

// translate rewrites a numeric text reply into the event the selected button stands for.
// senderPhone is what a contact-share selection resolves to.
func (m *replyMemory) translate(ev *models.InboundEvent, senderPhone string) {
	if ev.Kind != models.EventKindText {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(ev.Text))
	if err != nil {
		return
	}

	m.mu.Lock()
	opts, ok := m.last[ev.SessionID]
	m.mu.Unlock()
	if !ok || n < 1 || n > len(opts.buttons) {
		return
	}
	if n == opts.contact {
		ev.Kind = models.EventKindContact
		ev.ContactPhone = senderPhone
		ev.Text = ""
		return
	}
	ev.Kind = models.EventKindCallback
	ev.Callback = opts.buttons[n-1].Data
	ev.Text = ""
}
