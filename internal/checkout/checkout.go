// Package checkout drives the checkout state machine. It runs the rules
// engine at each checkout step, stages acknowledgments and preferences in a
// session, and certifies them against a fresh evaluation before an order is
// created.
package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/admin3-rules/internal/core"
	"github.com/matt-riley/admin3-rules/internal/engine"
	"github.com/matt-riley/admin3-rules/internal/metrics"
	"github.com/matt-riley/admin3-rules/internal/repository"
)

var (
	ErrInvalidTransition      = errors.New("invalid checkout transition")
	ErrNotCheckoutStep        = errors.New("entry point is not a checkout step")
	ErrSessionRequired        = errors.New("session id is required")
	ErrInvalidAcknowledgment  = errors.New("invalid acknowledgment")
	ErrInvalidPreference      = errors.New("invalid preference")
	ErrAlreadyOrdered         = errors.New("checkout already ordered")
	ErrValidationUnavailable  = errors.New("checkout validation unavailable")
	ErrCartNotFound           = errors.New("cart not found")
	ErrCartMismatch           = errors.New("context cart does not match cart_id")
	errEngineReturnedNoResult = errors.New("engine returned no result")
)

// Executor runs the rules engine.
type Executor interface {
	Execute(ctx context.Context, entryPoint string, data any, opts ...engine.ExecOption) (*engine.Result, error)
}

// OrderStore creates orders atomically with their copied acknowledgments
// and preferences.
type OrderStore interface {
	CreateOrder(ctx context.Context, sub repository.OrderSubmission) (repository.Order, error)
}

// StepResult is the outcome of one checkout step.
type StepResult struct {
	Result   *engine.Result `json:"-"`
	State    State          `json:"state"`
	Advanced bool           `json:"advanced"`
	Missing  []core.AckID   `json:"missing"`
}

// OrderRequest is an order submission.
type OrderRequest struct {
	CartID  int64
	UserID  *int64
	Context any
}

// SubmitResult is the outcome of an order submission. Exactly one of Order
// and Missing is set.
type SubmitResult struct {
	Order   *repository.Order
	Blocked bool
	Missing []core.AckID
}

// Orchestrator owns the checkout sessions.
type Orchestrator struct {
	engine   Executor
	sessions SessionStore
	orders   OrderStore
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	locks    keyedMutex
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithClock overrides the time source used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func New(exec Executor, sessions SessionStore, orders OrderStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:   exec,
		sessions: sessions,
		orders:   orders,
		logger:   slog.Default(),
		now:      time.Now,
		locks:    keyedMutex{locks: make(map[string]*refMutex)},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Session returns the current session state.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrSessionRequired
	}
	return o.sessions.Load(ctx, sessionID)
}

// RunStep executes a checkout entry point for a session and advances the
// state when the step's gate is satisfied. Re-running the current or an
// earlier step never moves the state backwards; skipping ahead is an
// ErrInvalidTransition and does not run the engine.
func (o *Orchestrator) RunStep(ctx context.Context, sessionID string, entryPoint core.EntryPoint, data any) (*StepResult, error) {
	target, ok := stepTarget[entryPoint]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotCheckoutStep, entryPoint)
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrSessionRequired
	}

	unlock := o.locks.lock(sessionID)
	defer unlock()

	session, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State == StateOrdered && entryPoint == core.EntryPointCheckoutStart {
		session = NewSession(sessionID)
	}

	current := stateOrder[session.State]
	if stateOrder[target] > current+1 {
		return nil, fmt.Errorf("%w: %s cannot run from %s", ErrInvalidTransition, entryPoint, session.State)
	}

	result, err := o.engine.Execute(ctx, string(entryPoint), data)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errEngineReturnedNoResult
	}

	session.replaceStep(entryPoint, result.RequiredAcknowledgments, result.PreferencePrompts)
	missing := o.gate(session, entryPoint, result)

	advanced := false
	if len(missing) == 0 && stateOrder[target] == current+1 && o.preferencesAnswered(session, entryPoint) {
		session.State = target
		advanced = true
	}
	session.UpdatedAt = o.now().UTC()

	if err := o.sessions.Save(ctx, session); err != nil {
		return nil, err
	}
	o.metrics.RecordCheckoutStep(string(entryPoint), advanced)
	o.logger.Debug("checkout step",
		"session_id", sessionID,
		"entry_point", entryPoint,
		"state", session.State,
		"advanced", advanced,
		"missing", len(missing),
	)

	return &StepResult{Result: result, State: session.State, Advanced: advanced, Missing: missing}, nil
}

// gate returns the acknowledgments that hold the step back. The start step
// only waits on blocking items.
func (o *Orchestrator) gate(session *Session, entryPoint core.EntryPoint, result *engine.Result) []core.AckID {
	required := result.RequiredAcknowledgments
	if entryPoint == core.EntryPointCheckoutStart {
		blocking := make([]core.RequiredAcknowledgment, 0, len(required))
		for _, r := range required {
			if r.Blocking {
				blocking = append(blocking, r)
			}
		}
		required = blocking
	}
	return session.Missing(required)
}

func (o *Orchestrator) preferencesAnswered(session *Session, entryPoint core.EntryPoint) bool {
	if entryPoint != core.EntryPointCheckoutPreference {
		return true
	}
	for _, p := range session.Prompts {
		if !p.Required {
			continue
		}
		if _, ok := session.Preference(p.PreferenceKey); !ok {
			return false
		}
	}
	return true
}

// Acknowledge stores a user's answer to an acknowledge action.
func (o *Orchestrator) Acknowledge(ctx context.Context, sessionID string, rec core.AcknowledgmentRecord) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrSessionRequired
	}
	ep, err := core.ParseEntryPoint(string(rec.EntryPoint))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAcknowledgment, err)
	}
	rec.EntryPoint = ep
	rec.AckKey = strings.TrimSpace(rec.AckKey)
	if rec.AckKey == "" {
		return nil, fmt.Errorf("%w: ackKey is required", ErrInvalidAcknowledgment)
	}

	unlock := o.locks.lock(sessionID)
	defer unlock()

	session, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State == StateOrdered {
		return nil, ErrAlreadyOrdered
	}

	if rec.AcknowledgedAt.IsZero() {
		rec.AcknowledgedAt = o.now().UTC()
	}
	if required, ok := session.requiredFor(rec.ID()); ok && rec.RulesFingerprint == "" {
		rec.RulesFingerprint = required.Fingerprint
	}
	session.putAcknowledgment(rec)
	session.UpdatedAt = o.now().UTC()

	if err := o.sessions.Save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// SetPreferences stores preference answers. combined_checkbox_textarea
// answers are normalised to {checked, text}.
func (o *Orchestrator) SetPreferences(ctx context.Context, sessionID string, values map[string]json.RawMessage) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrSessionRequired
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		if strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: preference key is required", ErrInvalidPreference)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	unlock := o.locks.lock(sessionID)
	defer unlock()

	session, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State == StateOrdered {
		return nil, ErrAlreadyOrdered
	}

	now := o.now().UTC()
	for _, key := range keys {
		rec := core.PreferenceRecord{PreferenceKey: key, RecordedAt: now}
		if prompt, ok := session.prompt(key); ok {
			rec.InputType = prompt.InputType
			rec.RuleCode = prompt.RuleCode
		}
		value, err := normalizePreference(rec.InputType, values[key])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPreference, key, err)
		}
		rec.Value = value
		session.putPreference(rec)
	}
	session.UpdatedAt = now

	if err := o.sessions.Save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func normalizePreference(inputType core.InputType, raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("value is not valid JSON")
	}
	if inputType != core.InputCombinedCheckboxTextarea {
		return append(json.RawMessage{}, trimmed...), nil
	}

	var combined core.CombinedValue
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&combined); err != nil {
		return nil, fmt.Errorf("combined_checkbox_textarea expects {checked, text}: %v", err)
	}
	encoded, err := json.Marshal(combined)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

// SubmitOrder re-evaluates every checkout entry point in dry-run mode and
// creates the order only if the union of mandatory acknowledgments is fully
// acknowledged in the session. The union also covers what the session
// recorded at each step and the acknowledgments of rules the dry run had to
// skip, so a context that omits data cannot shrink it. Orders are accepted
// only from payment_acknowledged and only for the cart the context names.
func (o *Orchestrator) SubmitOrder(ctx context.Context, sessionID string, req OrderRequest) (*SubmitResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrSessionRequired
	}

	unlock := o.locks.lock(sessionID)
	defer unlock()

	session, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State == StateOrdered {
		o.metrics.RecordOrder("rejected")
		return nil, ErrAlreadyOrdered
	}
	if session.State != StatePaymentAcknowledged {
		o.metrics.RecordOrder("rejected")
		return nil, fmt.Errorf("%w: cannot order from %s", ErrInvalidTransition, session.State)
	}
	if cartID, ok := core.CartID(req.Context); !ok || cartID != req.CartID {
		o.metrics.RecordOrder("rejected")
		return nil, fmt.Errorf("%w: %d", ErrCartMismatch, req.CartID)
	}

	required, err := o.currentRequirements(ctx, req.Context)
	if err != nil {
		o.metrics.RecordOrder("failed")
		return nil, err
	}
	required = append(required, session.Required...)

	if missing := session.Missing(required); len(missing) > 0 {
		o.metrics.RecordOrder("blocked")
		o.logger.Info("order blocked by missing acknowledgments",
			"session_id", sessionID,
			"cart_id", req.CartID,
			"missing", len(missing),
		)
		return &SubmitResult{Blocked: true, Missing: missing}, nil
	}

	order, err := o.orders.CreateOrder(ctx, repository.OrderSubmission{
		CartID:          req.CartID,
		UserID:          req.UserID,
		SessionID:       sessionID,
		Acknowledgments: session.Acknowledgments,
		Preferences:     session.Preferences,
	})
	if err != nil {
		o.metrics.RecordOrder("failed")
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrCartNotFound, req.CartID)
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	session.State = StateOrdered
	session.OrderID = order.ID
	session.UpdatedAt = o.now().UTC()
	if err := o.sessions.Save(ctx, session); err != nil {
		// The order is committed; a stale session only allows a second
		// submission, which the cart lock rejects.
		o.logger.Warn("failed to mark session ordered", "session_id", sessionID, "order_id", order.ID, "error", err)
	}

	o.metrics.RecordOrder("created")
	o.logger.Info("order created", "session_id", sessionID, "order_id", order.ID, "cart_id", req.CartID)
	return &SubmitResult{Order: &order}, nil
}

// currentRequirements unions the acknowledgments produced by a fresh
// dry-run of every checkout entry point, counting those of skipped rules.
func (o *Orchestrator) currentRequirements(ctx context.Context, data any) ([]core.RequiredAcknowledgment, error) {
	var required []core.RequiredAcknowledgment
	for _, ep := range core.CheckoutEntryPoints() {
		result, err := o.engine.Execute(ctx, string(ep), data, engine.DryRun())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrValidationUnavailable, ep, err)
		}
		if result == nil || !result.Success {
			return nil, fmt.Errorf("%w: %s: rule store unavailable", ErrValidationUnavailable, ep)
		}
		required = append(required, result.RequiredAcknowledgments...)
		required = append(required, result.UnverifiedAcknowledgments()...)
	}
	return required, nil
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex serialises read-modify-write cycles on one session.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
