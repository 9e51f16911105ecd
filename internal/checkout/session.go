package checkout

import (
	"time"

	"github.com/matt-riley/admin3-rules/internal/core"
)

// State is a position in the checkout flow.
type State string

const (
	StateIdle                State = "idle"
	StateStarted             State = "started"
	StatePreferencesCaptured State = "preferences_captured"
	StateTermsAccepted       State = "terms_accepted"
	StatePaymentAcknowledged State = "payment_acknowledged"
	StateOrdered             State = "ordered"
)

var stateOrder = map[State]int{
	StateIdle:                0,
	StateStarted:             1,
	StatePreferencesCaptured: 2,
	StateTermsAccepted:       3,
	StatePaymentAcknowledged: 4,
	StateOrdered:             5,
}

// stepTarget is the state a checkout entry point advances to.
var stepTarget = map[core.EntryPoint]State{
	core.EntryPointCheckoutStart:      StateStarted,
	core.EntryPointCheckoutPreference: StatePreferencesCaptured,
	core.EntryPointCheckoutTerms:      StateTermsAccepted,
	core.EntryPointCheckoutPayment:    StatePaymentAcknowledged,
}

// Session is the per-browser-session staging buffer for checkout. The order
// tables are authoritative once an order exists.
type Session struct {
	ID              string                        `json:"id"`
	State           State                         `json:"state"`
	Acknowledgments []core.AcknowledgmentRecord   `json:"acknowledgments"`
	Preferences     []core.PreferenceRecord       `json:"preferences"`
	Required        []core.RequiredAcknowledgment `json:"required_acknowledgments"`
	Prompts         []core.PreferencePrompt       `json:"preference_prompts"`
	OrderID         string                        `json:"order_id,omitempty"`
	UpdatedAt       time.Time                     `json:"updated_at"`
}

// NewSession returns an idle session.
func NewSession(id string) *Session {
	return &Session{
		ID:              id,
		State:           StateIdle,
		Acknowledgments: []core.AcknowledgmentRecord{},
		Preferences:     []core.PreferenceRecord{},
		Required:        []core.RequiredAcknowledgment{},
		Prompts:         []core.PreferencePrompt{},
	}
}

// Acknowledged reports whether the session holds a positive acknowledgment
// for id.
func (s *Session) Acknowledged(id core.AckID) bool {
	for _, ack := range s.Acknowledgments {
		if ack.ID() == id {
			return ack.Acknowledged
		}
	}
	return false
}

// Acknowledgment returns the stored acknowledgment for id.
func (s *Session) Acknowledgment(id core.AckID) (core.AcknowledgmentRecord, bool) {
	for _, ack := range s.Acknowledgments {
		if ack.ID() == id {
			return ack, true
		}
	}
	return core.AcknowledgmentRecord{}, false
}

// Preference returns the stored answer for key.
func (s *Session) Preference(key string) (core.PreferenceRecord, bool) {
	for _, pref := range s.Preferences {
		if pref.PreferenceKey == key {
			return pref, true
		}
	}
	return core.PreferenceRecord{}, false
}

func (s *Session) putAcknowledgment(rec core.AcknowledgmentRecord) {
	for i, ack := range s.Acknowledgments {
		if ack.ID() == rec.ID() {
			s.Acknowledgments[i] = rec
			return
		}
	}
	s.Acknowledgments = append(s.Acknowledgments, rec)
}

func (s *Session) putPreference(rec core.PreferenceRecord) {
	for i, pref := range s.Preferences {
		if pref.PreferenceKey == rec.PreferenceKey {
			s.Preferences[i] = rec
			return
		}
	}
	s.Preferences = append(s.Preferences, rec)
}

// replaceStep swaps the acknowledgments and prompts recorded for one entry
// point with the latest engine output.
func (s *Session) replaceStep(ep core.EntryPoint, required []core.RequiredAcknowledgment, prompts []core.PreferencePrompt) {
	kept := make([]core.RequiredAcknowledgment, 0, len(s.Required)+len(required))
	for _, r := range s.Required {
		if r.EntryPoint != ep {
			kept = append(kept, r)
		}
	}
	s.Required = append(kept, required...)

	if ep == core.EntryPointCheckoutPreference {
		s.Prompts = append([]core.PreferencePrompt{}, prompts...)
	}
}

func (s *Session) prompt(key string) (core.PreferencePrompt, bool) {
	for _, p := range s.Prompts {
		if p.PreferenceKey == key {
			return p, true
		}
	}
	return core.PreferencePrompt{}, false
}

func (s *Session) requiredFor(id core.AckID) (core.RequiredAcknowledgment, bool) {
	for _, r := range s.Required {
		if r.ID() == id {
			return r, true
		}
	}
	return core.RequiredAcknowledgment{}, false
}

// mandatory reports whether an acknowledgment must be given before the flow
// can continue.
func mandatory(r core.RequiredAcknowledgment) bool {
	return r.Required || r.Blocking
}

// Missing returns the mandatory acknowledgments in required that the
// session has not positively acknowledged, without duplicates and in input
// order.
func (s *Session) Missing(required []core.RequiredAcknowledgment) []core.AckID {
	seen := make(map[core.AckID]struct{}, len(required))
	missing := make([]core.AckID, 0)
	for _, r := range required {
		if !mandatory(r) {
			continue
		}
		id := r.ID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if !s.Acknowledged(id) {
			missing = append(missing, id)
		}
	}
	return missing
}
