package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidAction = errors.New("invalid action")

// ActionKind tags the Action variant.
type ActionKind string

const (
	ActionDisplay        ActionKind = "display"
	ActionAcknowledge    ActionKind = "user_acknowledge"
	ActionPreference     ActionKind = "user_preference"
	ActionUpdate         ActionKind = "update"
	ActionVAT            ActionKind = "vat"
	ActionCustomFunction ActionKind = "custom_function"
)

type DisplayType string

const (
	DisplayBanner DisplayType = "banner"
	DisplayModal  DisplayType = "modal"
	DisplayInline DisplayType = "inline"
	DisplayToast  DisplayType = "toast"
)

type Variant string

const (
	VariantInfo    Variant = "info"
	VariantWarning Variant = "warning"
	VariantError   Variant = "error"
	VariantSuccess Variant = "success"
)

type InputType string

const (
	InputCheckbox                 InputType = "checkbox"
	InputRadio                    InputType = "radio"
	InputTextarea                 InputType = "textarea"
	InputCombinedCheckboxTextarea InputType = "combined_checkbox_textarea"
)

type UpdateOp string

const (
	UpdateAddCartFee    UpdateOp = "add_cart_fee"
	UpdateRemoveCartFee UpdateOp = "remove_cart_fee"
	UpdateAddCartItem   UpdateOp = "add_cart_item"
)

type VATOp string

const (
	VATClassifyItem  VATOp = "classify_item"
	VATComputeItem   VATOp = "compute_item"
	VATComputeTotals VATOp = "compute_totals"
)

// Action is one side effect of a matching rule. The set of implementations
// is closed; dispatch switches on the concrete type.
type Action interface {
	Kind() ActionKind
	validate() error
}

// VariableSource describes how one template variable is resolved from the
// context: a dotted path, a filter+extract over a collection, or a call into
// the function registry.
type VariableSource struct {
	Path    string            `json:"path,omitempty"`
	Source  string            `json:"source,omitempty"`
	Filter  *Condition        `json:"filter,omitempty"`
	Extract string            `json:"extract,omitempty"`
	Fn      string            `json:"fn,omitempty"`
	Args    []json.RawMessage `json:"args,omitempty"`
	Default any               `json:"default,omitempty"`
}

// UnmarshalJSON accepts either a bare path string or the object form.
func (v *VariableSource) UnmarshalJSON(payload []byte) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var path string
		if err := json.Unmarshal(trimmed, &path); err != nil {
			return err
		}
		*v = VariableSource{Path: path}
		return nil
	}
	type plain VariableSource
	var out plain
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return err
	}
	*v = VariableSource(out)
	return nil
}

func (v VariableSource) validate() error {
	set := 0
	for _, s := range []string{v.Path, v.Source, v.Fn} {
		if strings.TrimSpace(s) != "" {
			set++
		}
	}
	if set != 1 {
		return errors.New("context mapping needs exactly one of path, source or fn")
	}
	if v.Source != "" && v.Extract == "" {
		return errors.New("context mapping with source needs extract")
	}
	return nil
}

// ContextMapping maps template variable names to their sources.
type ContextMapping map[string]VariableSource

func (m ContextMapping) validate() error {
	for name, src := range m {
		if err := src.validate(); err != nil {
			return fmt.Errorf("variable %q: %w", name, err)
		}
	}
	return nil
}

type DisplayAction struct {
	TemplateRef    string         `json:"template_ref"`
	DisplayType    DisplayType    `json:"display_type"`
	Variant        Variant        `json:"variant"`
	ContextMapping ContextMapping `json:"context_mapping,omitempty"`
}

func (DisplayAction) Kind() ActionKind { return ActionDisplay }

func (a DisplayAction) validate() error {
	if strings.TrimSpace(a.TemplateRef) == "" {
		return errors.New("display requires template_ref")
	}
	if err := validateDisplayType(a.DisplayType); err != nil {
		return err
	}
	if err := validateVariant(a.Variant); err != nil {
		return err
	}
	return a.ContextMapping.validate()
}

type AcknowledgeAction struct {
	AckKey         string         `json:"ack_key"`
	TemplateRef    string         `json:"template_ref"`
	DisplayType    DisplayType    `json:"display_type"`
	Variant        Variant        `json:"variant"`
	Required       bool           `json:"required"`
	Blocking       bool           `json:"blocking"`
	ContextMapping ContextMapping `json:"context_mapping,omitempty"`
}

func (AcknowledgeAction) Kind() ActionKind { return ActionAcknowledge }

func (a AcknowledgeAction) validate() error {
	if strings.TrimSpace(a.AckKey) == "" {
		return errors.New("user_acknowledge requires ack_key")
	}
	if strings.TrimSpace(a.TemplateRef) == "" {
		return errors.New("user_acknowledge requires template_ref")
	}
	if err := validateDisplayType(a.DisplayType); err != nil {
		return err
	}
	if err := validateVariant(a.Variant); err != nil {
		return err
	}
	return a.ContextMapping.validate()
}

type PreferenceOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type PreferenceAction struct {
	PreferenceKey  string             `json:"preference_key"`
	InputType      InputType          `json:"input_type"`
	Options        []PreferenceOption `json:"options,omitempty"`
	Default        any                `json:"default,omitempty"`
	DisplayMode    string             `json:"display_mode,omitempty"`
	TemplateRef    string             `json:"template_ref"`
	Required       bool               `json:"required"`
	ContextMapping ContextMapping     `json:"context_mapping,omitempty"`
}

func (PreferenceAction) Kind() ActionKind { return ActionPreference }

func (a PreferenceAction) validate() error {
	if strings.TrimSpace(a.PreferenceKey) == "" {
		return errors.New("user_preference requires preference_key")
	}
	switch a.InputType {
	case InputCheckbox, InputTextarea, InputCombinedCheckboxTextarea:
	case InputRadio:
		if len(a.Options) == 0 {
			return errors.New("radio preference requires options")
		}
	default:
		return fmt.Errorf("unknown input_type %q", a.InputType)
	}
	if strings.TrimSpace(a.TemplateRef) == "" {
		return errors.New("user_preference requires template_ref")
	}
	return a.ContextMapping.validate()
}

// UpdateParams carries the operands of an update action. Fee operations use
// FeeName/Amount/Currency; add_cart_item uses the product fields.
type UpdateParams struct {
	FeeName     string          `json:"fee_name,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency,omitempty"`
	Description string          `json:"description,omitempty"`
	ProductID   int64           `json:"product_id,omitempty"`
	ProductCode string          `json:"product_code,omitempty"`
	Quantity    int             `json:"quantity,omitempty"`
	Price       decimal.Decimal `json:"price"`
}

type UpdateAction struct {
	Op     UpdateOp     `json:"op"`
	Params UpdateParams `json:"params"`
}

func (UpdateAction) Kind() ActionKind { return ActionUpdate }

func (a UpdateAction) validate() error {
	switch a.Op {
	case UpdateAddCartFee:
		if strings.TrimSpace(a.Params.FeeName) == "" {
			return errors.New("add_cart_fee requires fee_name")
		}
		if a.Params.Amount.IsNegative() {
			return errors.New("add_cart_fee amount must not be negative")
		}
	case UpdateRemoveCartFee:
		if strings.TrimSpace(a.Params.FeeName) == "" {
			return errors.New("remove_cart_fee requires fee_name")
		}
	case UpdateAddCartItem:
		if a.Params.ProductID <= 0 && strings.TrimSpace(a.Params.ProductCode) == "" {
			return errors.New("add_cart_item requires product_id or product_code")
		}
	default:
		return fmt.Errorf("unknown update op %q", a.Op)
	}
	return nil
}

type VATAction struct {
	Op VATOp `json:"op"`
}

func (VATAction) Kind() ActionKind { return ActionVAT }

func (a VATAction) validate() error {
	switch a.Op {
	case VATClassifyItem, VATComputeItem, VATComputeTotals:
		return nil
	default:
		return fmt.Errorf("unknown vat op %q", a.Op)
	}
}

type FunctionAction struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args,omitempty"`
}

func (FunctionAction) Kind() ActionKind { return ActionCustomFunction }

func (a FunctionAction) validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("custom_function requires name")
	}
	return nil
}

func validateDisplayType(t DisplayType) error {
	switch t {
	case DisplayBanner, DisplayModal, DisplayInline, DisplayToast:
		return nil
	default:
		return fmt.Errorf("unknown display_type %q", t)
	}
}

func validateVariant(v Variant) error {
	switch v {
	case VariantInfo, VariantWarning, VariantError, VariantSuccess:
		return nil
	default:
		return fmt.Errorf("unknown variant %q", v)
	}
}

// Actions is the ordered action list of a rule. It (un)marshals the authored
// {"type": ...} form.
type Actions []Action

// ParseActions decodes and validates an authored action list.
func ParseActions(payload []byte) (Actions, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Actions{}, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}

	actions := make(Actions, 0, len(raws))
	for i, raw := range raws {
		action, err := parseAction(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: actions[%d]: %v", ErrInvalidAction, i, err)
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func parseAction(raw json.RawMessage) (Action, error) {
	var envelope struct {
		Type ActionKind `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}

	var action Action
	switch envelope.Type {
	case ActionDisplay:
		a := DisplayAction{DisplayType: DisplayInline, Variant: VariantInfo}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		action = a
	case ActionAcknowledge:
		a := AcknowledgeAction{DisplayType: DisplayModal, Variant: VariantInfo}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		action = a
	case ActionPreference:
		var a PreferenceAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		action = a
	case ActionUpdate:
		var a UpdateAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		action = a
	case ActionVAT:
		var a VATAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		action = a
	case ActionCustomFunction:
		var a FunctionAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		action = a
	default:
		return nil, fmt.Errorf("unknown action type %q", envelope.Type)
	}

	if err := action.validate(); err != nil {
		return nil, err
	}
	return action, nil
}

func (a Actions) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(a))
	for _, action := range a {
		body, err := json.Marshal(action)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		kind, _ := json.Marshal(action.Kind())
		fields["type"] = kind
		encoded, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded)
	}
	return json.Marshal(out)
}

func (a *Actions) UnmarshalJSON(payload []byte) error {
	parsed, err := ParseActions(payload)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
