package conversation

import (
	"context"

	"github.com/ZanzyTHEbar/convo-relay/relay"
	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
	"github.com/rs/zerolog"
)

const contactNameTTL = 3600 // seconds

// ContactNames resolves display names, memoized through a Cache.
type ContactNames struct {
	contacts    ports.ContactStore
	cache       ports.Cache
	placeholder string
	logger      zerolog.Logger
}

func NewContactNames(contacts ports.ContactStore, cache ports.Cache, placeholder string, logger zerolog.Logger) *ContactNames {
	if placeholder == "" {
		placeholder = relay.DefaultPlaceholderName
	}
	return &ContactNames{contacts: contacts, cache: cache, placeholder: placeholder, logger: logger}
}

// Resolve returns the stored name, or the placeholder when the contact is
// unknown or nameless.
func (n *ContactNames) Resolve(ctx context.Context, contactID string) (string, error) {
	key := "contact:" + contactID
	if cached, ok := n.cache.Get(ctx, key); ok {
		return string(cached), nil
	}

	c, ok, err := n.contacts.GetContact(ctx, contactID)
	if err != nil {
		return "", err
	}
	name := n.placeholder
	if ok && c.Name != "" {
		name = c.Name
	}
	if ok {
		if err := n.cache.Set(ctx, key, []byte(name), contactNameTTL); err != nil {
			n.logger.Debug().Err(err).Str("contact_id", contactID).Msg("failed to cache contact name")
		}
	}
	return name, nil
}

