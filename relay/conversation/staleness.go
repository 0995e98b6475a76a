package conversation

import (
	"context"
	"fmt"

	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
)

// StalenessGuard decides whether a deferred run still answers the newest
// user turn of its contact. It is a last-write-wins debounce, not a lock:
// two runs can both pass if they check before either delivers.
type StalenessGuard struct {
	store ports.TranscriptStore
}

func NewStalenessGuard(store ports.TranscriptStore) *StalenessGuard {
	return &StalenessGuard{store: store}
}

// Check reports fresh=true when triggerTurnID is the contact's latest user
// turn. A contact with no user turn at all is treated as stale.
func (g *StalenessGuard) Check(ctx context.Context, contactID, triggerTurnID string) (bool, error) {
	latest, ok, err := g.store.Latest(ctx, contactID, ports.ActorUser)
	if err != nil {
		return false, fmt.Errorf("staleness check for %s: %w", contactID, err)
	}
	if !ok {
		return false, nil
	}
	return latest.ID == triggerTurnID, nil
}

// Require is Check expressed as an error: it returns ports.ErrStaleTrigger
// when the trigger has been superseded.
func (g *StalenessGuard) Require(ctx context.Context, contactID, triggerTurnID string) error {
	fresh, err := g.Check(ctx, contactID, triggerTurnID)
	if err != nil {
		return err
	}
	if !fresh {
		return fmt.Errorf("turn %s of %s: %w", triggerTurnID, contactID, ports.ErrStaleTrigger)
	}
	return nil
}
