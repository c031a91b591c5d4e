package models

// Button is one tappable option of a reply keyboard.
type Button struct {
	Label string `json:"label"`
	// Data is the callback token returned when the button is pressed. Empty means the label itself.
	Data string `json:"data,omitempty"`
}

// Markup describes the reply affordances attached to an outbound message. The interpreter assembles
// it from node content and transports render it however their channel allows.
type Markup struct {
	Rows [][]Button `json:"rows,omitempty"`
	// Inline asks for buttons attached to the message rather than a persistent keyboard.
	Inline bool `json:"inline,omitempty"`
	// RequestContact, when set, is rendered as a contact-share button.
	RequestContact *Button `json:"request_contact,omitempty"`
}

// Empty reports whether the markup carries nothing to render.
func (m *Markup) Empty() bool {
	return m == nil || (len(m.Rows) == 0 && m.RequestContact == nil)
}

// Buttons returns all buttons in row order, the contact button last.
func (m *Markup) Buttons() []Button {
	if m == nil {
		return nil
	}
	var out []Button
	for _, row := range m.Rows {
		out = append(out, row...)
	}
	if m.RequestContact != nil {
		out = append(out, *m.RequestContact)
	}
	return out
}
