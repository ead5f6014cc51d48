package events

import "context"

// Redis pub/sub channels
const (
	ChannelSettlement = "events:settlement"
	ChannelOperations = "events:operations"
)

// Event types
const (
	EventRecordCreated    = "record_created"
	EventOperationUpdated = "operation_updated"
	EventInterestApproved = "interest_approved"
)

// Event is a push notification. Parties lists the normalised addresses it concerns;
// the websocket hub only forwards it to those connections.
type Event struct {
	Type    string         `json:"type"`
	Parties []string       `json:"parties,omitempty"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, channel string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler func(Event)) error
}
