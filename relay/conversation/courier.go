package conversation

import (
	"context"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
	"github.com/google/uuid"
)

// Courier delivers reply chunks and records each one as an assistant turn.
type Courier struct {
	channel ports.Channel
	store   ports.TranscriptStore
	now     func() time.Time
}

func NewCourier(channel ports.Channel, store ports.TranscriptStore) *Courier {
	return &Courier{channel: channel, store: store, now: time.Now}
}

// Deliver sends chunks strictly in order. A chunk is not sent until the
// previous one is both delivered and persisted. It returns how many chunks
// completed both steps before any error.
func (c *Courier) Deliver(ctx context.Context, contactID string, chunks []string) (int, error) {
	for i, chunk := range chunks {
		outboundID, err := c.channel.Send(ctx, contactID, chunk)
		if err != nil {
			return i, fmt.Errorf("deliver chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if outboundID == "" {
			outboundID = uuid.NewString()
		}

		_, err = c.store.Append(ctx, ports.Turn{
			ID:        outboundID,
			ContactID: contactID,
			Text:      chunk,
			Timestamp: c.now(),
			Actor:     ports.ActorAssistant,
		})
		if err != nil {
			return i, fmt.Errorf("persist chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return len(chunks), nil
}
