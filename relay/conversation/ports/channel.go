package conversationports

import (
	"context"
	"time"
)

// Channel delivers text to a contact and returns the outbound message id.
// Text must already fit the channel's per-message limit.
type Channel interface {
	Send(ctx context.Context, contactID, text string) (messageID string, err error)
}

// Dispatch is the payload carried by a deferred pipeline invocation.
type Dispatch struct {
	ContactID string `json:"contactId"`
	TurnID    string `json:"messageId"`
}

// Scheduler defers a pipeline invocation until at least delay has elapsed.
// Delivery is at-least-once.
type Scheduler interface {
	Enqueue(ctx context.Context, d Dispatch, delay time.Duration) error
}
