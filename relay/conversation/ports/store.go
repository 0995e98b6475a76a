package conversationports

import (
	"context"
	"fmt"
	"time"
)

// Actor identifies who authored a turn.
type Actor int

const (
	ActorUser Actor = iota + 1
	ActorAssistant
)

func (a Actor) String() string {
	switch a {
	case ActorUser:
		return "user"
	case ActorAssistant:
		return "assistant"
	default:
		return fmt.Sprintf("actor(%d)", int(a))
	}
}

// Role maps the actor onto the prompt role it speaks as.
func (a Actor) Role() (Role, error) {
	switch a {
	case ActorUser:
		return RoleUser, nil
	case ActorAssistant:
		return RoleAssistant, nil
	default:
		return "", fmt.Errorf("no prompt role for %s", a)
	}
}

// ParseActor is the inverse of Actor.String.
func ParseActor(s string) (Actor, error) {
	switch s {
	case "user":
		return ActorUser, nil
	case "assistant":
		return ActorAssistant, nil
	default:
		return 0, fmt.Errorf("unknown actor %q", s)
	}
}

// Turn is one persisted message of a conversation. Turns are append-only.
type Turn struct {
	ID        string    // channel message id
	ContactID string    // owning contact, never empty
	Text      string    // immutable once stored
	Timestamp time.Time // creation instant, best effort
	Seq       int64     // store-assigned, breaks timestamp ties
	Actor     Actor
}

// Contact is the counterparty of a conversation.
type Contact struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// TranscriptStore is the append-only log of turns per contact.
type TranscriptStore interface {
	// Append persists turn and returns it with Seq assigned.
	Append(ctx context.Context, turn Turn) (Turn, error)
	// Latest returns the most recent turn of the given actor; ok is false when none exists.
	Latest(ctx context.Context, contactID string, actor Actor) (turn Turn, ok bool, err error)
	// History returns up to limit turns ordered newest first.
	History(ctx context.Context, contactID string, limit int) ([]Turn, error)
}

// ContactStore creates contacts at most once per id.
type ContactStore interface {
	// EnsureContact inserts contact unless one with the same id exists and
	// returns the stored record. created reports whether this call inserted it.
	EnsureContact(ctx context.Context, contact Contact) (stored Contact, created bool, err error)
	GetContact(ctx context.Context, id string) (contact Contact, ok bool, err error)
}
