// Package functions is the closed registry of named functions that rules
// and templates may call. Arguments are literal JSON or JsonLogic
// expressions evaluated against the execution context.
package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/diegoholiveira/jsonlogic/v3"
	"github.com/shopspring/decimal"

	"github.com/matt-riley/admin3-rules/internal/core"
	"github.com/matt-riley/admin3-rules/internal/vat"
)

var (
	ErrUnknownFunction  = errors.New("unknown function")
	ErrInvalidArguments = errors.New("invalid function arguments")
)

const (
	ApplyTutorialBookingFee = "apply_tutorial_booking_fee"
	LookupRegion            = "lookup_region"
	LookupVATRate           = "lookup_vat_rate"
	CalculateVATAmount      = "calculate_vat_amount"
	AddDecimals             = "add_decimals"
	CalculateVATForContext  = "calculate_vat_for_context"

	TutorialBookingFeeName = "tutorial_booking"
)

// DefaultBookingFee is charged by apply_tutorial_booking_fee unless
// overridden with WithBookingFee.
var DefaultBookingFee = decimal.RequireFromString("5.00")

// FeeWriter is the cart collaborator used by apply_tutorial_booking_fee.
type FeeWriter interface {
	UpsertFee(ctx context.Context, cartID int64, fee core.CartFee) error
}

type function struct {
	arity      int
	sideEffect bool
	call       func(ctx context.Context, r *Registry, args []any, data any, dryRun bool) (any, error)
}

// Registry resolves and invokes the fixed function set.
type Registry struct {
	vat        *vat.Pipeline
	fees       FeeWriter
	bookingFee decimal.Decimal
	logger     *slog.Logger
	funcs      map[string]function
}

type Option func(*Registry)

func WithBookingFee(amount decimal.Decimal) Option {
	return func(r *Registry) {
		r.bookingFee = amount.Round(2)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New builds the registry. fees may be nil, in which case the booking fee
// function reports the fee it would apply without writing it.
func New(pipeline *vat.Pipeline, fees FeeWriter, opts ...Option) *Registry {
	if pipeline == nil {
		pipeline = vat.New(nil)
	}
	r := &Registry{
		vat:        pipeline,
		fees:       fees,
		bookingFee: DefaultBookingFee,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.funcs = map[string]function{
		ApplyTutorialBookingFee: {arity: 1, sideEffect: true, call: applyTutorialBookingFee},
		LookupRegion:            {arity: 1, call: lookupRegion},
		LookupVATRate:           {arity: 2, call: lookupVATRate},
		CalculateVATAmount:      {arity: 2, call: calculateVATAmount},
		AddDecimals:             {arity: 2, call: addDecimals},
		CalculateVATForContext:  {arity: -1, call: calculateVATForContext},
	}
	return r
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.funcs[name]
	return ok
}

// Names lists the registered functions in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasSideEffects reports whether calling name writes to a collaborator.
func (r *Registry) HasSideEffects(name string) bool {
	return r.funcs[name].sideEffect
}

// Call resolves args against data and invokes name. In dry-run mode
// side-effecting functions describe what they would do without writing.
func (r *Registry) Call(ctx context.Context, name string, rawArgs []json.RawMessage, data any, dryRun bool) (any, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}

	args, err := ResolveArgs(rawArgs, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if fn.arity >= 0 && len(args) != fn.arity {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", ErrInvalidArguments, name, fn.arity, len(args))
	}

	result, err := fn.call(ctx, r, args, data, dryRun)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return result, nil
}

// ResolveArgs evaluates each argument. A plain {"var": path} is read from data
// as is, so decimal amounts keep their exact value. Other objects are JsonLogic
// expressions applied to data; everything else is a literal.
func ResolveArgs(rawArgs []json.RawMessage, data any) ([]any, error) {
	args := make([]any, 0, len(rawArgs))
	var dataJSON []byte
	for i, raw := range rawArgs {
		literal, err := core.DecodeJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", ErrInvalidArguments, i, err)
		}
		expr, isExpr := literal.(map[string]any)
		if !isExpr {
			args = append(args, literal)
			continue
		}
		if value, ok := resolveVar(expr, data); ok {
			args = append(args, value)
			continue
		}

		if dataJSON == nil {
			dataJSON, err = json.Marshal(data)
			if err != nil {
				return nil, fmt.Errorf("%w: encode context: %v", ErrInvalidArguments, err)
			}
		}
		var result bytes.Buffer
		if err := jsonlogic.Apply(bytes.NewReader(raw), bytes.NewReader(dataJSON), &result); err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", ErrInvalidArguments, i, err)
		}
		value, err := decodeResult(result.Bytes())
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", ErrInvalidArguments, i, err)
		}
		args = append(args, value)
	}
	return args, nil
}

// resolveVar handles {"var": "path"} and {"var": ["path", default]}. It
// reports false for any other expression.
func resolveVar(expr map[string]any, data any) (any, bool) {
	operand, ok := expr["var"]
	if !ok || len(expr) != 1 {
		return nil, false
	}
	var fallback any
	if list, isList := operand.([]any); isList {
		if len(list) == 0 || len(list) > 2 {
			return nil, false
		}
		operand = list[0]
		if len(list) == 2 {
			fallback = list[1]
		}
	}
	path, ok := operand.(string)
	if !ok {
		return nil, false
	}
	if value, found := core.Lookup(data, path); found {
		return value, true
	}
	return fallback, true
}

func decodeResult(payload []byte) (any, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, nil
	}
	return core.DecodeJSON(payload)
}

func decimalArg(args []any, i int) (decimal.Decimal, error) {
	d, ok := core.AsDecimal(args[i], false)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: argument %d (%v) is not a decimal", ErrInvalidArguments, i, args[i])
	}
	return d, nil
}

func applyTutorialBookingFee(ctx context.Context, r *Registry, args []any, _ any, dryRun bool) (any, error) {
	cartID, ok := core.AsInt(args[0])
	if !ok || cartID <= 0 {
		return nil, fmt.Errorf("%w: cart_id %v", ErrInvalidArguments, args[0])
	}
	fee := core.CartFee{
		Name:        TutorialBookingFeeName,
		Amount:      r.bookingFee,
		Currency:    core.DefaultCurrency,
		Description: "Tutorial booking fee",
	}
	result := map[string]any{
		"cart_id":  cartID,
		"fee_name": fee.Name,
		"amount":   fee.Amount.StringFixed(2),
		"currency": fee.Currency,
		"applied":  false,
	}
	if dryRun || r.fees == nil {
		return result, nil
	}
	if err := r.fees.UpsertFee(ctx, cartID, fee); err != nil {
		return nil, err
	}
	r.logger.DebugContext(ctx, "applied tutorial booking fee", "cart_id", cartID, "amount", fee.Amount.StringFixed(2))
	result["applied"] = true
	return result, nil
}

func lookupRegion(ctx context.Context, r *Registry, args []any, _ any, _ bool) (any, error) {
	region, err := r.vat.MapCountryToRegion(ctx, core.Stringify(args[0]))
	if err != nil {
		return nil, err
	}
	return string(region), nil
}

func lookupVATRate(ctx context.Context, r *Registry, args []any, _ any, _ bool) (any, error) {
	region, ok := vat.ParseRegion(core.Stringify(args[0]))
	if !ok {
		return nil, fmt.Errorf("%w: %v", vat.ErrUnknownRegion, args[0])
	}
	var classification vat.Classification
	switch c := args[1].(type) {
	case map[string]any:
		classification = vat.Classify(c)
	case nil:
	default:
		return nil, fmt.Errorf("%w: classification must be an object", ErrInvalidArguments)
	}
	rate, err := r.vat.LookupRate(ctx, region, classification)
	if err != nil {
		return nil, err
	}
	return rate.String(), nil
}

func calculateVATAmount(_ context.Context, _ *Registry, args []any, _ any, _ bool) (any, error) {
	net, err := decimalArg(args, 0)
	if err != nil {
		return nil, err
	}
	rate, err := decimalArg(args, 1)
	if err != nil {
		return nil, err
	}
	return vat.ComputeItem(net, rate).VAT.StringFixed(2), nil
}

func addDecimals(_ context.Context, _ *Registry, args []any, _ any, _ bool) (any, error) {
	a, err := decimalArg(args, 0)
	if err != nil {
		return nil, err
	}
	b, err := decimalArg(args, 1)
	if err != nil {
		return nil, err
	}
	return vat.Round(a.Add(b)).StringFixed(2), nil
}

func calculateVATForContext(ctx context.Context, r *Registry, args []any, data any, _ bool) (any, error) {
	target := data
	switch len(args) {
	case 0:
	case 1:
		if args[0] != nil {
			target = args[0]
		}
	default:
		return nil, fmt.Errorf("%w: expects at most 1 argument, got %d", ErrInvalidArguments, len(args))
	}
	return r.vat.ComputeForContext(ctx, target)
}
