package model

// Delivery is the outcome reported by a MessageSender. DeliveryID is the
// provider's message identifier (a Slack ts, a Telegram message id) and may
// be empty when Delivered is false. Reason carries the provider's refusal
// code for an undelivered message.
type Delivery struct {
	Delivered  bool
	DeliveryID string
	Channel    string
	Reason     string
}

// Channel is a destination the tenant can post into.
type Channel struct {
	ID        string
	Name      string
	IsPrivate bool
	IsMember  bool
}
