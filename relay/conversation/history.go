package conversation

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ZanzyTHEbar/convo-relay/relay"
	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
)

// GroupOrder controls how fragments inside a merged group are joined.
type GroupOrder int

const (
	// NewestFirst joins fragments in the order history is read (newest
	// first), so "hi" then "there" becomes "there hi".
	NewestFirst GroupOrder = iota
	// Chronological joins fragments oldest first.
	Chronological
)

// ParseGroupOrder maps a config value onto a GroupOrder.
func ParseGroupOrder(s string) (GroupOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "newest_first", "newest-first":
		return NewestFirst, nil
	case "chronological":
		return Chronological, nil
	default:
		return 0, fmt.Errorf("unknown group order %q", s)
	}
}

func (o GroupOrder) String() string {
	if o == Chronological {
		return "chronological"
	}
	return "newest_first"
}

// Budget specifies the token limits a prompt is packed into.
type Budget struct {
	MaxTokens         int // model context size
	MaxResponseTokens int // reserved for the reply
	SafetyMargin      int
	Padding           int // charged per history message
}

// MaxPromptTokens is the budget left for system prompt plus history.
func (b Budget) MaxPromptTokens() int {
	return b.MaxTokens - b.MaxResponseTokens - b.SafetyMargin
}

// Group is one or more adjacent same-actor turns merged into a message.
type Group struct {
	Actor ports.Actor
	Text  string
}

// GroupTurns merges adjacent same-actor turns. turns must be newest first and
// the result keeps that order. User groups get a "<name>: " prefix once the
// group is closed; an empty name leaves them bare.
func GroupTurns(turns []ports.Turn, name string, order GroupOrder) []Group {
	if len(turns) == 0 {
		return nil
	}

	groups := make([]Group, 0, len(turns))
	var fragments []string
	current := turns[0].Actor

	closeGroup := func() {
		if order == Chronological {
			slices.Reverse(fragments)
		}
		text := strings.Join(fragments, " ")
		if current == ports.ActorUser && name != "" {
			text = name + ": " + text
		}
		groups = append(groups, Group{Actor: current, Text: text})
		fragments = fragments[:0]
	}

	for _, t := range turns {
		if t.Actor != current {
			closeGroup()
			current = t.Actor
		}
		fragments = append(fragments, t.Text)
	}
	closeGroup()

	return groups
}

// Assembly is an assembled prompt plus the accounting behind it.
type Assembly struct {
	Messages     []ports.PromptMessage // system entry first, then chronological history
	PromptTokens int                   // system cost plus kept group costs
	Kept         int
	Dropped      int  // groups older than the boundary
	Truncated    bool // the boundary group was cut to its trailing tokens
}

// HistoryAssembler builds a token-budgeted prompt from a contact's transcript.
type HistoryAssembler struct {
	store     ports.TranscriptStore
	tokenizer ports.Tokenizer
	limit     int
	order     GroupOrder
}

func NewHistoryAssembler(store ports.TranscriptStore, tokenizer ports.Tokenizer, limit int, order GroupOrder) *HistoryAssembler {
	if limit <= 0 {
		limit = relay.DefaultHistoryLimit
	}
	return &HistoryAssembler{store: store, tokenizer: tokenizer, limit: limit, order: order}
}

// Assemble reads the contact's history and packs it behind systemPrompt.
func (a *HistoryAssembler) Assemble(ctx context.Context, contactID, contactName, systemPrompt string, budget Budget) (Assembly, error) {
	turns, err := a.store.History(ctx, contactID, a.limit)
	if err != nil {
		return Assembly{}, fmt.Errorf("load history for %s: %w", contactID, err)
	}
	return a.Pack(GroupTurns(turns, contactName, a.order), systemPrompt, budget)
}

// Pack fits newest-first groups into budget. The newest content is kept in
// full; the first group that overflows keeps only its trailing tokens and
// everything older is dropped.
func (a *HistoryAssembler) Pack(groups []Group, systemPrompt string, budget Budget) (Assembly, error) {
	maxPrompt := budget.MaxPromptTokens()
	consumed := a.tokenizer.Count(systemPrompt)

	var out Assembly
	kept := make([]Group, 0, len(groups))

	for i, g := range groups {
		cost := a.tokenizer.Count(g.Text) + budget.Padding
		if consumed+cost <= maxPrompt {
			kept = append(kept, g)
			consumed += cost
			continue
		}

		remaining := maxPrompt - consumed
		if remaining > 0 {
			g.Text = a.tokenizer.TruncateToTrailingTokens(g.Text, remaining)
			kept = append(kept, g)
			consumed += a.tokenizer.Count(g.Text)
			out.Truncated = true
			out.Dropped = len(groups) - i - 1
		} else {
			out.Dropped = len(groups) - i
		}
		break
	}

	slices.Reverse(kept)

	out.Messages = make([]ports.PromptMessage, 0, len(kept)+1)
	out.Messages = append(out.Messages, ports.PromptMessage{Role: ports.RoleSystem, Content: systemPrompt})
	for _, g := range kept {
		role, err := g.Actor.Role()
		if err != nil {
			return Assembly{}, err
		}
		out.Messages = append(out.Messages, ports.PromptMessage{Role: role, Content: g.Text})
	}
	out.Kept = len(kept)
	out.PromptTokens = consumed

	return out, nil
}
