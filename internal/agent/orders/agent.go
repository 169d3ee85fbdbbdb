// Package orders implements a deterministic multi-turn agent for the
// order-status use case. It decides, per caller turn, whether to let the
// realtime model answer, ask for an order identifier, or kick off a
// background lookup with a spoken filler.
package orders

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"unicode"

	backend "github.com/tiger/voice-agent-bridge/internal/backend/orders"
)

// ActionType is the agent's decision for one turn.
type ActionType string

const (
	// ActionPassThrough leaves the turn to the realtime model.
	ActionPassThrough ActionType = "pass_through"
	// ActionAskIdentifier asks the caller for an order number or name.
	ActionAskIdentifier ActionType = "ask_identifier"
	// ActionLookup starts a background lookup.
	ActionLookup ActionType = "lookup"
)

// LookupRequest identifies the order or customer to look up. Exactly
// one field is set.
type LookupRequest struct {
	OrderID      string
	CustomerName string
}

// Action is the decision plus the text to speak while acting on it.
type Action struct {
	Type   ActionType
	Say    string
	Lookup *LookupRequest
}

// State tracks the multi-turn conversation.
type State struct {
	AwaitingIdentifier bool
	LastOrderID        string
	LastCustomerName   string
}

var orderIntentPattern = regexp.MustCompile(`(?i)\b(` +
	`order|orders|` +
	`bestellung|bestellungen|bestellen|bestellt|` +
	`lieferung|lieferstatus|lieferzeit|zustellung|` +
	`versand|sendung|paket|tracking|` +
	`status` +
	`)\b`)

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:my name is|i am|this is)\s+([\p{L}\-]+\s+[\p{L}\-]+)\b`),
	regexp.MustCompile(`(?i)(?:ich bin|mein name ist)\s+([\p{L}\-]+\s+[\p{L}\-]+)\b`),
}

// extractCustomerName pulls a two-word name out of the turn. A bare
// two-word utterance counts as a name, which matters when the previous
// turn asked for one.
func extractCustomerName(text string) string {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return ""
	}
	for _, pat := range namePatterns {
		if m := pat.FindStringSubmatch(cleaned); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	tokens := strings.Fields(cleaned)
	if len(tokens) == 2 && startsWithLetter(tokens[0]) && startsWithLetter(tokens[1]) {
		return cleaned
	}
	return ""
}

func startsWithLetter(s string) bool {
	for _, r := range s {
		return unicode.IsLetter(r)
	}
	return false
}

// Agent is safe for one session; Decide mutates conversation state.
type Agent struct {
	mu      sync.Mutex
	backend backend.Backend
	state   State
}

// New returns an agent over the given order backend.
func New(b backend.Backend) *Agent {
	return &Agent{backend: b}
}

// State returns a copy of the conversation state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Decide maps a caller transcript to an action. Turns with no order
// intent pass through unless the previous turn asked for an identifier,
// in which case this turn is treated as the candidate answer.
func (a *Agent) Decide(transcript string) Action {
	a.mu.Lock()
	defer a.mu.Unlock()

	text := strings.TrimSpace(transcript)
	if text == "" {
		return Action{Type: ActionPassThrough}
	}

	orderID := backend.ExtractOrderID(text)
	customerName := extractCustomerName(text)
	orderRelated := orderIntentPattern.MatchString(text) || a.state.AwaitingIdentifier
	if !orderRelated {
		return Action{Type: ActionPassThrough}
	}
	a.state.AwaitingIdentifier = false

	if orderID != "" {
		a.state.LastOrderID = orderID
		return Action{
			Type:   ActionLookup,
			Say:    "One moment please, I'm checking the status of your order.",
			Lookup: &LookupRequest{OrderID: orderID},
		}
	}
	if customerName != "" {
		a.state.LastCustomerName = customerName
		return Action{
			Type:   ActionLookup,
			Say:    "Thanks. One moment please, I'm looking up your recent orders.",
			Lookup: &LookupRequest{CustomerName: customerName},
		}
	}

	a.state.AwaitingIdentifier = true
	return Action{
		Type: ActionAskIdentifier,
		Say: "Of course. Could you give me your order number, " +
			"for example ORD followed by the digits, or alternatively your name?",
	}
}

// LookupResult is the backend answer in a shape ready for injection.
type LookupResult struct {
	Found        bool            `json:"found"`
	Order        *backend.Order  `json:"order,omitempty"`
	Orders       []backend.Order `json:"orders,omitempty"`
	CustomerName string          `json:"customer_name,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Lookup executes the decided lookup against the backend.
func (a *Agent) Lookup(ctx context.Context, req LookupRequest) (LookupResult, error) {
	switch {
	case req.OrderID != "":
		status, err := a.backend.GetOrderStatus(ctx, req.OrderID)
		if err != nil {
			return LookupResult{}, err
		}
		return LookupResult{Found: status.Found, Order: status.Order, Error: status.Error}, nil
	case req.CustomerName != "":
		list, err := a.backend.FindOrdersByCustomerName(ctx, req.CustomerName)
		if err != nil {
			return LookupResult{}, err
		}
		return LookupResult{Found: len(list) > 0, Orders: list, CustomerName: req.CustomerName}, nil
	default:
		return LookupResult{Found: false, Error: "No lookup parameters provided."}, nil
	}
}
