// Package rules provides client interfaces and wire types for the admin3
// rules service.
//
// Use the http sub-package to create a client:
//
//	import ruleshttp "github.com/matt-riley/admin3-rules/clients/go/http"
package rules

import (
	"context"
	"encoding/json"
	"time"
)

// Executor runs the rules of an entry point.
type Executor interface {
	Execute(ctx context.Context, entryPoint string, data any) (Result, error)
}

// Checkout drives the checkout flow for one storefront session.
type Checkout interface {
	Acknowledge(ctx context.Context, ack Acknowledgment) (Session, error)
	SetPreferences(ctx context.Context, prefs map[string]any) (Session, error)
	SubmitOrder(ctx context.Context, order OrderRequest) (SubmitResult, error)
	CheckoutState(ctx context.Context) (Session, error)
}

// RuleManager covers the authoring API.
type RuleManager interface {
	CreateRule(ctx context.Context, rule Rule) (Rule, error)
	GetRule(ctx context.Context, code string) (Rule, error)
	ListRules(ctx context.Context, entryPoint string) ([]Rule, error)
	UpdateRule(ctx context.Context, rule Rule) (Rule, error)
	DeleteRule(ctx context.Context, code string) error
	DryRun(ctx context.Context, entryPoint string, data any) (Result, error)
}

// Rule is an authored rule.
type Rule struct {
	Code           string          `json:"rule_code"`
	Name           string          `json:"name"`
	EntryPoint     string          `json:"entry_point"`
	Priority       int             `json:"priority"`
	Active         bool            `json:"active"`
	Version        int             `json:"version,omitempty"`
	Schema         *SchemaRef      `json:"fields_schema,omitempty"`
	Condition      json.RawMessage `json:"condition"`
	Actions        json.RawMessage `json:"actions"`
	StopProcessing bool            `json:"stop_processing"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at,omitzero"`
	UpdatedAt      time.Time       `json:"updated_at,omitzero"`
}

// SchemaRef names one version of a fields schema.
type SchemaRef struct {
	Code    string `json:"schema_code"`
	Version int    `json:"version"`
}

// Message is a rendered storefront message.
type Message struct {
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Message     json.RawMessage `json:"message"`
	DisplayType string          `json:"display_type"`
	Variant     string          `json:"variant"`
	TemplateID  int64           `json:"template_id"`
	RuleCode    string          `json:"rule_code"`
	AckKey      string          `json:"ack_key,omitempty"`
	Required    bool            `json:"required"`
	Blocking    bool            `json:"blocking"`
}

// RequiredAcknowledgment is an acknowledgment the storefront must collect.
type RequiredAcknowledgment struct {
	EntryPoint string `json:"entry_point"`
	AckKey     string `json:"ackKey"`
	RuleCode   string `json:"rule_code"`
	Required   bool   `json:"required"`
	Blocking   bool   `json:"blocking"`
}

// PreferencePrompt asks the customer for a preference.
type PreferencePrompt struct {
	PreferenceKey string          `json:"preference_key"`
	InputType     string          `json:"input_type"`
	Title         string          `json:"title"`
	Content       json.RawMessage `json:"content"`
	RuleCode      string          `json:"rule_code"`
	Required      bool            `json:"required"`
}

// ExecError is a per-rule error reported by the engine.
type ExecError struct {
	RuleCode string `json:"rule_code"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// Result is the outcome of an execute call.
type Result struct {
	Success                 bool                     `json:"success"`
	EntryPoint              string                   `json:"entry_point"`
	ExecutionID             string                   `json:"execution_id"`
	RulesEvaluated          int                      `json:"rules_evaluated"`
	Messages                []Message                `json:"messages"`
	RequiredAcknowledgments []RequiredAcknowledgment `json:"required_acknowledgments"`
	PreferencePrompts       []PreferencePrompt       `json:"preference_prompts"`
	VAT                     json.RawMessage          `json:"vat,omitempty"`
	Errors                  []ExecError              `json:"errors"`
	Blocked                 bool                     `json:"blocked"`
	Checkout                *Step                    `json:"checkout,omitempty"`
}

// Step is the checkout state after a checkout entry point ran.
type Step struct {
	State    string  `json:"state"`
	Advanced bool    `json:"advanced"`
	Missing  []AckID `json:"missing"`
}

// AckID identifies an acknowledgment.
type AckID struct {
	EntryPoint string `json:"entry_point"`
	AckKey     string `json:"ackKey"`
}

// Acknowledgment is what the storefront posts when a customer accepts (or
// declines) a message.
type Acknowledgment struct {
	EntryPoint   string `json:"entry_point_location"`
	AckKey       string `json:"ackKey"`
	MessageID    string `json:"message_id,omitempty"`
	Acknowledged bool   `json:"acknowledged"`
}

// Session is the checkout session as the server reports it.
type Session struct {
	ID                      string                   `json:"id"`
	State                   string                   `json:"state"`
	Acknowledgments         []json.RawMessage        `json:"acknowledgments"`
	Preferences             []json.RawMessage        `json:"preferences"`
	RequiredAcknowledgments []RequiredAcknowledgment `json:"required_acknowledgments"`
	OrderID                 string                   `json:"order_id,omitempty"`
	UpdatedAt               time.Time                `json:"updated_at"`
}

// OrderRequest submits a cart as an order.
type OrderRequest struct {
	CartID  int64  `json:"cart_id"`
	UserID  *int64 `json:"user_id,omitempty"`
	Context any    `json:"context,omitempty"`
}

// Order is a placed order.
type Order struct {
	ID         string `json:"order_id"`
	CartID     int64  `json:"cart_id"`
	NetTotal   string `json:"net_total"`
	VATTotal   string `json:"vat_total"`
	GrossTotal string `json:"gross_total"`
}

// SubmitResult is the outcome of an order submission. Blocked results carry
// the acknowledgments still missing.
type SubmitResult struct {
	Success bool    `json:"success"`
	Order   *Order  `json:"order,omitempty"`
	Blocked bool    `json:"blocked,omitempty"`
	Missing []AckID `json:"missing_acknowledgments,omitempty"`
}
