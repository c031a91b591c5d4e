package models

// MessageStatus is the delivery state a transport reports for an outbound message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Receipt is one delivery notification. Time is a Unix timestamp in seconds.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Final reports whether no further receipts are expected for the message.
func (r Receipt) Final() bool {
	return r.Status == MessageStatusRead || r.Status == MessageStatusFailed
}
