// Package actions dispatches the side effects of matching rules. Each action
// kind has one arm; every arm contains its own failures and reports an
// outcome so that one broken action never affects the rest of the run.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/matt-riley/admin3-rules/internal/core"
	"github.com/matt-riley/admin3-rules/internal/templates"
	"github.com/matt-riley/admin3-rules/internal/vat"
)

// Error classes reported as "error:<class>" outcomes.
const (
	ClassTemplate = "template"
	ClassFunction = "function"
	ClassCart     = "cart"
	ClassVAT      = "vat"
	ClassPanic    = "panic"
)

var ErrNoCart = errors.New("context has no cart.id")

// TemplateSource fetches templates by name or numeric id.
type TemplateSource interface {
	Template(ctx context.Context, ref string) (core.Template, error)
}

// CartService owns cart persistence. UpsertFee must be idempotent per
// (cart, fee name).
type CartService interface {
	UpsertFee(ctx context.Context, cartID int64, fee core.CartFee) error
	RemoveFee(ctx context.Context, cartID int64, feeName string) (bool, error)
	AddItem(ctx context.Context, cartID int64, item core.CartItemRequest) error
	SaveVAT(ctx context.Context, cartID int64, result vat.CartResult) error
}

// FunctionRegistry is the closed set of callable functions.
type FunctionRegistry interface {
	Has(name string) bool
	Call(ctx context.Context, name string, args []json.RawMessage, data any, dryRun bool) (any, error)
}

// Update records one cart mutation together with the JSON merge patch it
// applied to the cart section of the context.
type Update struct {
	RuleCode string          `json:"rule_code"`
	Op       string          `json:"op"`
	CartID   int64           `json:"cart_id"`
	FeeName  string          `json:"fee_name,omitempty"`
	Outcome  string          `json:"outcome"`
	Patch    json.RawMessage `json:"patch,omitempty"`
}

// FunctionResult is the value returned by a custom_function action.
type FunctionResult struct {
	RuleCode string `json:"rule_code"`
	Name     string `json:"name"`
	Result   any    `json:"result"`
}

// Output accumulates everything dispatched actions produce in one run.
type Output struct {
	Messages                []core.Message
	RequiredAcknowledgments []core.RequiredAcknowledgment
	PreferencePrompts       []core.PreferencePrompt
	VAT                     *vat.CartResult
	Updates                 []Update
	Functions               []FunctionResult
}

// Request is the per-rule input to Dispatch. Data is the decoded context;
// cart arms keep its cart section in step with the writes they make.
type Request struct {
	EntryPoint core.EntryPoint
	Rule       core.Rule
	Data       any
	DryRun     bool
}

// Dispatcher runs actions against its collaborators.
type Dispatcher struct {
	templates TemplateSource
	renderer  *templates.Processor
	cart      CartService
	vat       *vat.Pipeline
	functions FunctionRegistry
	logger    *slog.Logger
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithCart(cart CartService) Option {
	return func(d *Dispatcher) {
		d.cart = cart
	}
}

func WithVAT(pipeline *vat.Pipeline) Option {
	return func(d *Dispatcher) {
		if pipeline != nil {
			d.vat = pipeline
		}
	}
}

func WithFunctions(functions FunctionRegistry) Option {
	return func(d *Dispatcher) {
		d.functions = functions
	}
}

// New returns a Dispatcher. Without WithCart, update actions are skipped;
// without WithFunctions, custom functions are skipped.
func New(source TemplateSource, renderer *templates.Processor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		templates: source,
		renderer:  renderer,
		vat:       vat.New(nil),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.renderer == nil {
		d.renderer = templates.New(d.functions)
	}
	return d
}

type actionError struct {
	class string
	err   error
}

func (e *actionError) Error() string { return e.class + ": " + e.err.Error() }
func (e *actionError) Unwrap() error { return e.err }

func fail(class string, err error) error {
	return &actionError{class: class, err: err}
}

type skip string

func (s skip) Error() string { return string(s) }

// Dispatch runs one action and appends its products to out. It never
// panics and never returns an error; the outcome carries the result.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, action core.Action, out *Output) (outcome core.ActionOutcome) {
	outcome = core.ActionOutcome{Kind: action.Kind(), Outcome: core.ActionOK}
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "action panicked", "rule_code", req.Rule.Code, "kind", action.Kind(), "panic", r)
			outcome.Outcome = core.ActionErrorOutcome(ClassPanic)
			outcome.Detail = fmt.Sprint(r)
		}
	}()

	var err error
	switch a := action.(type) {
	case core.DisplayAction:
		err = d.display(ctx, req, a, out)
	case core.AcknowledgeAction:
		err = d.acknowledge(ctx, req, a, out)
	case core.PreferenceAction:
		err = d.preference(ctx, req, a, out)
	case core.UpdateAction:
		err = d.update(ctx, req, a, out)
	case core.VATAction:
		err = d.computeVAT(ctx, req, a, out)
	case core.FunctionAction:
		err = d.function(ctx, req, a, out)
	default:
		err = skip(fmt.Sprintf("unsupported action %T", action))
	}

	var skipped skip
	var failed *actionError
	switch {
	case err == nil:
	case errors.As(err, &skipped):
		outcome.Outcome = core.ActionSkipped
		outcome.Detail = string(skipped)
	case errors.As(err, &failed):
		outcome.Outcome = core.ActionErrorOutcome(failed.class)
		outcome.Detail = failed.err.Error()
		d.logger.WarnContext(ctx, "action failed", "rule_code", req.Rule.Code, "kind", action.Kind(), "error", err)
	default:
		outcome.Outcome = core.ActionErrorOutcome("internal")
		outcome.Detail = err.Error()
	}
	return outcome
}

func (d *Dispatcher) render(ctx context.Context, ref string, mapping core.ContextMapping, data any) (core.Template, templates.Rendered, error) {
	if d.templates == nil {
		return core.Template{}, templates.Rendered{}, fail(ClassTemplate, errors.New("no template source"))
	}
	tmpl, err := d.templates.Template(ctx, ref)
	if err != nil {
		return core.Template{}, templates.Rendered{}, fail(ClassTemplate, err)
	}
	vars, err := d.renderer.BuildVariables(ctx, mapping, data)
	if err != nil {
		return core.Template{}, templates.Rendered{}, fail(ClassTemplate, err)
	}
	rendered, err := d.renderer.RenderTrustedTemplate(tmpl, vars, data)
	if err != nil {
		return core.Template{}, templates.Rendered{}, fail(ClassTemplate, err)
	}
	return tmpl, rendered, nil
}

func (d *Dispatcher) display(ctx context.Context, req Request, a core.DisplayAction, out *Output) error {
	tmpl, rendered, err := d.render(ctx, a.TemplateRef, a.ContextMapping, req.Data)
	if err != nil {
		return err
	}
	out.Messages = append(out.Messages, core.Message{
		Type:        tmpl.MessageType,
		Title:       rendered.Title,
		Message:     rendered.Body,
		DisplayType: a.DisplayType,
		Variant:     a.Variant,
		TemplateID:  tmpl.ID,
		RuleCode:    req.Rule.Code,
	})
	return nil
}

func (d *Dispatcher) acknowledge(ctx context.Context, req Request, a core.AcknowledgeAction, out *Output) error {
	tmpl, rendered, err := d.render(ctx, a.TemplateRef, a.ContextMapping, req.Data)
	if err != nil {
		return err
	}
	out.Messages = append(out.Messages, core.Message{
		Type:        tmpl.MessageType,
		Title:       rendered.Title,
		Message:     rendered.Body,
		DisplayType: a.DisplayType,
		Variant:     a.Variant,
		TemplateID:  tmpl.ID,
		RuleCode:    req.Rule.Code,
		AckKey:      a.AckKey,
		Required:    a.Required,
		Blocking:    a.Blocking,
	})
	out.RequiredAcknowledgments = append(out.RequiredAcknowledgments, core.RequiredAcknowledgment{
		EntryPoint:  req.EntryPoint,
		AckKey:      a.AckKey,
		RuleCode:    req.Rule.Code,
		RuleVersion: req.Rule.Version,
		TemplateID:  tmpl.ID,
		Required:    a.Required,
		Blocking:    a.Blocking,
		Fingerprint: req.Rule.Fingerprint(a.TemplateRef),
	})
	return nil
}

func (d *Dispatcher) preference(ctx context.Context, req Request, a core.PreferenceAction, out *Output) error {
	tmpl, rendered, err := d.render(ctx, a.TemplateRef, a.ContextMapping, req.Data)
	if err != nil {
		return err
	}
	out.PreferencePrompts = append(out.PreferencePrompts, core.PreferencePrompt{
		PreferenceKey: a.PreferenceKey,
		InputType:     a.InputType,
		Options:       a.Options,
		Default:       a.Default,
		DisplayMode:   a.DisplayMode,
		Title:         rendered.Title,
		Content:       rendered.Body,
		TemplateID:    tmpl.ID,
		RuleCode:      req.Rule.Code,
		Required:      a.Required,
	})
	return nil
}

func (d *Dispatcher) update(ctx context.Context, req Request, a core.UpdateAction, out *Output) error {
	if req.DryRun {
		return skip("dry run")
	}
	if d.cart == nil {
		return skip("no cart service")
	}
	cartID, ok := core.CartID(req.Data)
	if !ok {
		return fail(ClassCart, ErrNoCart)
	}

	before, err := cartSnapshot(req.Data)
	if err != nil {
		return fail(ClassCart, err)
	}

	update := Update{RuleCode: req.Rule.Code, Op: string(a.Op), CartID: cartID, Outcome: core.ActionOK}
	switch a.Op {
	case core.UpdateAddCartFee:
		fee := core.FeeFromParams(a.Params)
		update.FeeName = fee.Name
		if err := d.cart.UpsertFee(ctx, cartID, fee); err != nil {
			return fail(ClassCart, err)
		}
		upsertContextFee(req.Data, fee)
	case core.UpdateRemoveCartFee:
		update.FeeName = a.Params.FeeName
		removed, err := d.cart.RemoveFee(ctx, cartID, a.Params.FeeName)
		if err != nil {
			return fail(ClassCart, err)
		}
		if !removed {
			update.Outcome = "absent"
		}
		removeContextFee(req.Data, a.Params.FeeName)
	case core.UpdateAddCartItem:
		item := core.ItemFromParams(a.Params)
		if err := d.cart.AddItem(ctx, cartID, item); err != nil {
			return fail(ClassCart, err)
		}
		appendContextItem(req.Data, item)
	default:
		return skip("unknown update op " + string(a.Op))
	}

	after, err := cartSnapshot(req.Data)
	if err != nil {
		return fail(ClassCart, err)
	}
	patch, err := jsonpatch.CreateMergePatch(before, after)
	if err != nil {
		return fail(ClassCart, fmt.Errorf("create cart patch: %w", err))
	}
	update.Patch = patch
	out.Updates = append(out.Updates, update)
	return nil
}

func (d *Dispatcher) computeVAT(ctx context.Context, req Request, a core.VATAction, out *Output) error {
	result, err := d.vat.ComputeForContext(ctx, req.Data)
	if err != nil {
		return fail(ClassVAT, err)
	}
	out.VAT = &result
	if a.Op == core.VATClassifyItem || req.DryRun || d.cart == nil {
		return nil
	}
	cartID, ok := core.CartID(req.Data)
	if !ok {
		return nil
	}
	if err := d.cart.SaveVAT(ctx, cartID, result); err != nil {
		return fail(ClassCart, err)
	}
	return nil
}

func (d *Dispatcher) function(ctx context.Context, req Request, a core.FunctionAction, out *Output) error {
	if d.functions == nil || !d.functions.Has(a.Name) {
		return skip("unknown function " + strconv.Quote(a.Name))
	}
	result, err := d.functions.Call(ctx, a.Name, a.Args, req.Data, req.DryRun)
	if err != nil {
		return fail(ClassFunction, err)
	}
	out.Functions = append(out.Functions, FunctionResult{RuleCode: req.Rule.Code, Name: a.Name, Result: result})
	return nil
}
