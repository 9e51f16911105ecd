// Package core holds the rules engine domain model: entry points, rules,
// templates, the condition language and the action variant. Nothing in this
// package performs I/O.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrUnknownEntryPoint = errors.New("unknown entry point")

// EntryPoint is a named program point at which the engine is invoked.
type EntryPoint string

const (
	EntryPointHomePageMount      EntryPoint = "home_page_mount"
	EntryPointProductListMount   EntryPoint = "product_list_mount"
	EntryPointProductCardMount   EntryPoint = "product_card_mount"
	EntryPointCheckoutStart      EntryPoint = "checkout_start"
	EntryPointCheckoutPreference EntryPoint = "checkout_preference"
	EntryPointCheckoutTerms      EntryPoint = "checkout_terms"
	EntryPointCheckoutPayment    EntryPoint = "checkout_payment"
	EntryPointUserRegistration   EntryPoint = "user_registration"
	EntryPointUserPreferences    EntryPoint = "user_preferences"
)

var entryPointNames = map[EntryPoint]string{
	EntryPointHomePageMount:      "Home Page Mount",
	EntryPointProductListMount:   "Product List Mount",
	EntryPointProductCardMount:   "Product Card Mount",
	EntryPointCheckoutStart:      "Checkout Start",
	EntryPointCheckoutPreference: "Checkout Preference",
	EntryPointCheckoutTerms:      "Checkout Terms",
	EntryPointCheckoutPayment:    "Checkout Payment",
	EntryPointUserRegistration:   "User Registration",
	EntryPointUserPreferences:    "User Preferences",
}

// EntryPoints returns every known entry point in declaration order.
func EntryPoints() []EntryPoint {
	return []EntryPoint{
		EntryPointHomePageMount,
		EntryPointProductListMount,
		EntryPointProductCardMount,
		EntryPointCheckoutStart,
		EntryPointCheckoutPreference,
		EntryPointCheckoutTerms,
		EntryPointCheckoutPayment,
		EntryPointUserRegistration,
		EntryPointUserPreferences,
	}
}

// CheckoutEntryPoints returns the checkout family in step order.
func CheckoutEntryPoints() []EntryPoint {
	return []EntryPoint{
		EntryPointCheckoutStart,
		EntryPointCheckoutPreference,
		EntryPointCheckoutTerms,
		EntryPointCheckoutPayment,
	}
}

// NormalizeEntryPoint lowercases code and replaces spaces with underscores.
// It is also the cache key normalisation.
func NormalizeEntryPoint(code string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(code)), " ", "_")
}

// ParseEntryPoint normalises code and rejects values outside the fixed set.
func ParseEntryPoint(code string) (EntryPoint, error) {
	ep := EntryPoint(NormalizeEntryPoint(code))
	if _, ok := entryPointNames[ep]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntryPoint, code)
	}
	return ep, nil
}

// Name returns the human readable label for the entry point.
func (e EntryPoint) Name() string {
	return entryPointNames[e]
}

func (e EntryPoint) IsCheckout() bool {
	switch e {
	case EntryPointCheckoutStart, EntryPointCheckoutPreference, EntryPointCheckoutTerms, EntryPointCheckoutPayment:
		return true
	default:
		return false
	}
}

// EntryPointInfo is the listing shape of an entry point.
type EntryPointInfo struct {
	Code     EntryPoint `json:"code"`
	Name     string     `json:"name"`
	IsActive bool       `json:"is_active"`
}

// SchemaRef points at one version of a fields schema.
type SchemaRef struct {
	Code    string `json:"schema_code"`
	Version int    `json:"version"`
}

func (r SchemaRef) String() string {
	return fmt.Sprintf("%s@v%d", r.Code, r.Version)
}

// FieldsSchema is a versioned JSON-Schema describing part of the context.
type FieldsSchema struct {
	Code      string          `json:"schema_code"`
	Version   int             `json:"version"`
	Schema    json.RawMessage `json:"schema"`
	Active    bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
}

// Ref returns the reference that identifies this schema version.
func (s FieldsSchema) Ref() SchemaRef {
	return SchemaRef{Code: s.Code, Version: s.Version}
}

// Rule is a declarative (condition, actions) pair bound to an entry point.
type Rule struct {
	Code           string         `json:"rule_code"`
	Name           string         `json:"name"`
	EntryPoint     EntryPoint     `json:"entry_point"`
	Priority       int            `json:"priority"`
	Active         bool           `json:"active"`
	Version        int            `json:"version"`
	Schema         *SchemaRef     `json:"fields_schema,omitempty"`
	Condition      Condition      `json:"condition"`
	Actions        Actions        `json:"actions"`
	StopProcessing bool           `json:"stop_processing"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsGate reports whether the rule is authored as a pure gate, which is the
// only case where an empty action list is allowed.
func (r Rule) IsGate() bool {
	gate, _ := r.Metadata["gate"].(bool)
	return gate
}

// SortRules orders rules by priority, then creation time, then code. The
// sort is stable so equal keys keep their load order.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Code < b.Code
	})
}

// Fingerprint identifies the rule version that produced an acknowledgment.
func (r Rule) Fingerprint(templateRef string) string {
	return fmt.Sprintf("%s@v%d/%s", r.Code, r.Version, templateRef)
}

// DeclaredAcknowledgments lists the mandatory acknowledgments the rule would
// require at ep if it matched. Template IDs are left unset.
func (r Rule) DeclaredAcknowledgments(ep EntryPoint) []RequiredAcknowledgment {
	var out []RequiredAcknowledgment
	for _, action := range r.Actions {
		a, ok := action.(AcknowledgeAction)
		if !ok || (!a.Required && !a.Blocking) {
			continue
		}
		out = append(out, RequiredAcknowledgment{
			EntryPoint:  ep,
			AckKey:      a.AckKey,
			RuleCode:    r.Code,
			RuleVersion: r.Version,
			Required:    a.Required,
			Blocking:    a.Blocking,
			Fingerprint: r.Fingerprint(a.TemplateRef),
		})
	}
	return out
}

type ContentFormat string

const (
	ContentFormatHTML ContentFormat = "html"
	ContentFormatJSON ContentFormat = "json"
)

type MessageType string

const (
	MessageTypeInfo        MessageType = "info"
	MessageTypeWarning     MessageType = "warning"
	MessageTypeError       MessageType = "error"
	MessageTypeTerms       MessageType = "terms"
	MessageTypePreference  MessageType = "preference"
	MessageTypeAcknowledge MessageType = "acknowledge"
)

// Template is admin-authored message content with variable slots.
type Template struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	Title         string        `json:"title"`
	Content       string        `json:"content"`
	ContentFormat ContentFormat `json:"content_format"`
	MessageType   MessageType   `json:"message_type"`
	Variables     []string      `json:"variables,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Validate checks the enumerated template fields.
func (t Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("template name is required")
	}
	switch t.ContentFormat {
	case ContentFormatHTML:
	case ContentFormatJSON:
		if !json.Valid([]byte(t.Content)) {
			return errors.New("json template content is not valid JSON")
		}
	default:
		return fmt.Errorf("unknown content_format %q", t.ContentFormat)
	}
	switch t.MessageType {
	case MessageTypeInfo, MessageTypeWarning, MessageTypeError, MessageTypeTerms, MessageTypePreference, MessageTypeAcknowledge:
	default:
		return fmt.Errorf("unknown message_type %q", t.MessageType)
	}
	return nil
}

// Message is a rendered, user-visible payload produced by a display or
// acknowledge action.
type Message struct {
	Type        MessageType     `json:"type"`
	Title       string          `json:"title"`
	Message     json.RawMessage `json:"message"`
	DisplayType DisplayType     `json:"display_type"`
	Variant     Variant         `json:"variant"`
	TemplateID  int64           `json:"template_id"`
	RuleCode    string          `json:"rule_code"`
	AckKey      string          `json:"ack_key,omitempty"`
	Required    bool            `json:"required"`
	Blocking    bool            `json:"blocking"`
}

// RequiredAcknowledgment is keyed by (EntryPoint, AckKey).
type RequiredAcknowledgment struct {
	EntryPoint  EntryPoint `json:"entry_point"`
	AckKey      string     `json:"ackKey"`
	RuleCode    string     `json:"rule_code"`
	RuleVersion int        `json:"rule_version"`
	TemplateID  int64      `json:"template_id"`
	Required    bool       `json:"required"`
	Blocking    bool       `json:"blocking"`
	Fingerprint string     `json:"rules_fingerprint"`
}

// AckID is the identity of an acknowledgment across steps.
type AckID struct {
	EntryPoint EntryPoint `json:"entry_point"`
	AckKey     string     `json:"ackKey"`
}

func (r RequiredAcknowledgment) ID() AckID {
	return AckID{EntryPoint: r.EntryPoint, AckKey: r.AckKey}
}

// PreferencePrompt describes an input widget the client should present.
type PreferencePrompt struct {
	PreferenceKey string             `json:"preference_key"`
	InputType     InputType          `json:"input_type"`
	Options       []PreferenceOption `json:"options,omitempty"`
	Default       any                `json:"default,omitempty"`
	DisplayMode   string             `json:"display_mode,omitempty"`
	Title         string             `json:"title"`
	Content       json.RawMessage    `json:"content"`
	TemplateID    int64              `json:"template_id"`
	RuleCode      string             `json:"rule_code"`
	Required      bool               `json:"required"`
}

// AcknowledgmentRecord is a user's answer to an acknowledge action.
type AcknowledgmentRecord struct {
	EntryPoint       EntryPoint `json:"entry_point"`
	AckKey           string     `json:"ack_key"`
	MessageID        string     `json:"message_id"`
	Acknowledged     bool       `json:"acknowledged"`
	AcknowledgedAt   time.Time  `json:"acknowledged_at"`
	IPAddress        string     `json:"ip_address,omitempty"`
	UserAgent        string     `json:"user_agent,omitempty"`
	RulesFingerprint string     `json:"rules_fingerprint,omitempty"`
}

func (a AcknowledgmentRecord) ID() AckID {
	return AckID{EntryPoint: a.EntryPoint, AckKey: a.AckKey}
}

// PreferenceRecord is a user's answer to a preference prompt.
type PreferenceRecord struct {
	PreferenceKey string          `json:"preference_key"`
	Value         json.RawMessage `json:"value"`
	InputType     InputType       `json:"input_type"`
	RuleCode      string          `json:"rule_code,omitempty"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

// CombinedValue is the stored shape of a combined_checkbox_textarea answer.
type CombinedValue struct {
	Checked bool   `json:"checked"`
	Text    string `json:"text"`
}

// Rule outcomes recorded on execution records.
const (
	OutcomeMatched       = "matched"
	OutcomeNotMatched    = "not_matched"
	OutcomeSchemaInvalid = "schema_invalid"
	OutcomeConditionErr  = "condition_error"
	OutcomeStopped       = "stopped"
)

// Action outcomes.
const (
	ActionOK      = "ok"
	ActionSkipped = "skipped"
)

// ActionErrorOutcome formats the outcome string for a failed action.
func ActionErrorOutcome(class string) string {
	return "error:" + class
}

// ActionOutcome is the audit view of one dispatched action.
type ActionOutcome struct {
	Kind    ActionKind `json:"kind"`
	Outcome string     `json:"outcome"`
	Detail  string     `json:"detail,omitempty"`
}

// ExecutionRecord is the append-only audit row for one rule in one execute call.
type ExecutionRecord struct {
	ID              int64           `json:"id,omitempty"`
	ExecutionID     string          `json:"execution_id"`
	EntryPoint      EntryPoint      `json:"entry_point"`
	RuleCode        string          `json:"rule_code"`
	RuleVersion     int             `json:"rule_version"`
	ConditionResult bool            `json:"condition_result"`
	Outcome         string          `json:"outcome"`
	ActionsExecuted []ActionOutcome `json:"actions_executed"`
	DurationMS      float64         `json:"duration_ms"`
	StartedAt       time.Time       `json:"started_at"`
	ContextDigest   string          `json:"context_digest"`
	Error           *string         `json:"error"`
}
