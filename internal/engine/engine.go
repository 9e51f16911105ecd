// Package engine runs the rules bound to an entry point against a context
// and aggregates what their actions produce.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/admin3-rules/internal/actions"
	"github.com/matt-riley/admin3-rules/internal/audit"
	"github.com/matt-riley/admin3-rules/internal/cache"
	"github.com/matt-riley/admin3-rules/internal/core"
	"github.com/matt-riley/admin3-rules/internal/metrics"
	"github.com/matt-riley/admin3-rules/internal/schema"
	"github.com/matt-riley/admin3-rules/internal/vat"
)

const tracerName = "github.com/matt-riley/admin3-rules/internal/engine"

// Error kinds reported in Result.Errors.
const (
	ErrorKindRuleStore = "rule_store"
	ErrorKindSchema    = "schema_validation"
	ErrorKindCondition = "condition"
	ErrorKindAction    = "action"
)

// RuleStore is the read side of the rule store used at execute time.
type RuleStore interface {
	ActiveRules(ctx context.Context, entryPoint core.EntryPoint) ([]core.Rule, error)
	Schema(ctx context.Context, ref core.SchemaRef) (core.FieldsSchema, error)
}

// Dispatcher runs a single action.
type Dispatcher interface {
	Dispatch(ctx context.Context, req actions.Request, action core.Action, out *actions.Output) core.ActionOutcome
}

// ExecError is one non-fatal failure surfaced to the caller.
type ExecError struct {
	Kind     string   `json:"kind"`
	RuleCode string   `json:"rule_code,omitempty"`
	Message  string   `json:"message"`
	Paths    []string `json:"paths,omitempty"`

	// Unverified holds the mandatory acknowledgments of a rule that was
	// skipped before its condition could decide whether it applies.
	Unverified []core.RequiredAcknowledgment `json:"unverified_acknowledgments,omitempty"`
}

// Result is the aggregated outcome of one Execute call.
type Result struct {
	Success                 bool                          `json:"success"`
	EntryPoint              core.EntryPoint               `json:"entry_point"`
	ExecutionID             string                        `json:"execution_id"`
	RulesEvaluated          int                           `json:"rules_evaluated"`
	Messages                []core.Message                `json:"messages"`
	RequiredAcknowledgments []core.RequiredAcknowledgment `json:"required_acknowledgments"`
	PreferencePrompts       []core.PreferencePrompt       `json:"preference_prompts"`
	VAT                     *vat.CartResult               `json:"vat,omitempty"`
	Updates                 []actions.Update              `json:"updates"`
	Functions               []actions.FunctionResult      `json:"function_results,omitempty"`
	Errors                  []ExecError                   `json:"errors"`
	Blocked                 bool                          `json:"blocked"`
	ExecutionTimeMS         float64                       `json:"execution_time_ms"`

	// Records holds the execution records handed to the audit recorder.
	Records []core.ExecutionRecord `json:"-"`
}

// AllSchemaInvalid reports whether at least one rule ran and every rule that
// ran was skipped for failing schema validation.
func (r *Result) AllSchemaInvalid() bool {
	ran := 0
	for _, rec := range r.Records {
		switch rec.Outcome {
		case core.OutcomeStopped:
			continue
		case core.OutcomeSchemaInvalid:
			ran++
		default:
			return false
		}
	}
	return ran > 0
}

// UnverifiedAcknowledgments collects the acknowledgments of rules skipped
// for schema or condition errors.
func (r *Result) UnverifiedAcknowledgments() []core.RequiredAcknowledgment {
	var out []core.RequiredAcknowledgment
	for _, e := range r.Errors {
		out = append(out, e.Unverified...)
	}
	return out
}

// Engine evaluates rules. It is safe for concurrent use; each Execute call
// works on its own context value.
type Engine struct {
	store      RuleStore
	cache      cache.RuleCache
	validator  *schema.Validator
	dispatcher Dispatcher
	recorder   *audit.Recorder
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	schemaMu sync.RWMutex
	schemas  map[core.SchemaRef]core.FieldsSchema
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithCache(c cache.RuleCache) Option {
	return func(e *Engine) {
		if c != nil {
			e.cache = c
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithRecorder(r *audit.Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

func WithValidator(v *schema.Validator) Option {
	return func(e *Engine) {
		if v != nil {
			e.validator = v
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// New builds an Engine. Without WithCache a process-local cache is used.
func New(store RuleStore, dispatcher Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		validator:  schema.NewValidator(),
		dispatcher: dispatcher,
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
		schemas:    make(map[core.SchemaRef]core.FieldsSchema),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = cache.NewMemoryCache(cache.WithLogger(e.logger), cache.WithMetrics(e.metrics))
	}
	return e
}

// ExecOption adjusts a single Execute call.
type ExecOption func(*execConfig)

type execConfig struct {
	dryRun      bool
	executionID string
}

// DryRun skips side-effecting actions: cart updates, VAT persistence and
// side-effecting custom functions.
func DryRun() ExecOption {
	return func(c *execConfig) { c.dryRun = true }
}

// WithExecutionID overrides the generated execution id.
func WithExecutionID(id string) ExecOption {
	return func(c *execConfig) { c.executionID = id }
}

// Execute runs the active rules of entryPoint in order against data. The
// only error returned is for an unknown entry point; everything else is
// reported in the result. Cart actions keep the cart section of data in
// step with their writes, so callers should pass a value they own.
func (e *Engine) Execute(ctx context.Context, entryPoint string, data any, opts ...ExecOption) (*Result, error) {
	ep, err := core.ParseEntryPoint(entryPoint)
	if err != nil {
		return nil, err
	}

	cfg := execConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.executionID == "" {
		cfg.executionID = uuid.NewString()
	}

	ctx, span := e.tracer.Start(ctx, "engine.Execute", trace.WithAttributes(
		attribute.String("admin3.entry_point", string(ep)),
		attribute.String("admin3.execution_id", cfg.executionID),
		attribute.Bool("admin3.dry_run", cfg.dryRun),
	))
	defer span.End()

	start := e.now()
	result := &Result{
		Success:                 true,
		EntryPoint:              ep,
		ExecutionID:             cfg.executionID,
		Messages:                []core.Message{},
		RequiredAcknowledgments: []core.RequiredAcknowledgment{},
		PreferencePrompts:       []core.PreferencePrompt{},
		Updates:                 []actions.Update{},
		Errors:                  []ExecError{},
	}

	rules, hit, err := e.cache.GetOrLoad(ctx, string(ep), func(ctx context.Context) ([]core.Rule, error) {
		loaded, err := e.store.ActiveRules(ctx, ep)
		if err != nil {
			return nil, err
		}
		core.SortRules(loaded)
		return loaded, nil
	})
	span.SetAttributes(attribute.Bool("admin3.cache_hit", hit))
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load rules", "entry_point", ep, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "rule store unavailable")
		result.Success = false
		result.Errors = append(result.Errors, ExecError{Kind: ErrorKindRuleStore, Message: err.Error()})
		e.finish(ctx, result, start)
		return result, nil
	}

	out := &actions.Output{}
	stopped := false
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		result.RulesEvaluated++
		if stopped {
			result.Records = append(result.Records, e.stoppedRecord(result, rule))
			continue
		}
		record := e.runRule(ctx, cfg, ep, rule, data, out, result)
		result.Records = append(result.Records, record)
		if record.Outcome == core.OutcomeMatched && rule.StopProcessing {
			stopped = true
		}
	}

	result.Messages = append(result.Messages, out.Messages...)
	result.RequiredAcknowledgments = append(result.RequiredAcknowledgments, out.RequiredAcknowledgments...)
	result.PreferencePrompts = append(result.PreferencePrompts, out.PreferencePrompts...)
	result.Updates = append(result.Updates, out.Updates...)
	result.Functions = out.Functions
	result.VAT = out.VAT
	for _, ack := range result.RequiredAcknowledgments {
		if ack.Blocking {
			result.Blocked = true
			break
		}
	}

	span.SetAttributes(
		attribute.Int("admin3.rules_evaluated", result.RulesEvaluated),
		attribute.Bool("admin3.blocked", result.Blocked),
	)
	e.finish(ctx, result, start)
	return result, nil
}

func (e *Engine) finish(ctx context.Context, result *Result, start time.Time) {
	elapsed := e.now().Sub(start)
	result.ExecutionTimeMS = float64(elapsed.Microseconds()) / 1000
	e.metrics.RecordExecution(string(result.EntryPoint), result.Blocked, elapsed.Seconds())
	e.recorder.Record(ctx, result.Records)
}

func (e *Engine) stoppedRecord(result *Result, rule core.Rule) core.ExecutionRecord {
	e.metrics.RecordRuleOutcome(string(result.EntryPoint), core.OutcomeStopped)
	return core.ExecutionRecord{
		ExecutionID:     result.ExecutionID,
		EntryPoint:      result.EntryPoint,
		RuleCode:        rule.Code,
		RuleVersion:     rule.Version,
		Outcome:         core.OutcomeStopped,
		ActionsExecuted: []core.ActionOutcome{},
		StartedAt:       e.now(),
	}
}

// runRule validates, evaluates and dispatches one rule and returns its
// execution record.
func (e *Engine) runRule(ctx context.Context, cfg execConfig, ep core.EntryPoint, rule core.Rule, data any, out *actions.Output, result *Result) core.ExecutionRecord {
	started := e.now()
	record := core.ExecutionRecord{
		ExecutionID:     result.ExecutionID,
		EntryPoint:      ep,
		RuleCode:        rule.Code,
		RuleVersion:     rule.Version,
		ActionsExecuted: []core.ActionOutcome{},
		StartedAt:       started,
	}
	defer func() {
		record.DurationMS = float64(e.now().Sub(started).Microseconds()) / 1000
		e.metrics.RecordRuleOutcome(string(ep), record.Outcome)
	}()

	var digestKeys []string
	if rule.Schema != nil {
		fields, err := e.schema(ctx, *rule.Schema)
		if err == nil {
			digestKeys = schema.TopLevelProperties(fields.Schema)
			err = e.validator.Validate(fields, data)
		}
		if err != nil {
			record.ContextDigest = e.digest(ctx, data, digestKeys)
			record.Outcome = core.OutcomeSchemaInvalid
			record.Error = errorString(err)
			execErr := ExecError{
				Kind:       ErrorKindSchema,
				RuleCode:   rule.Code,
				Message:    err.Error(),
				Unverified: rule.DeclaredAcknowledgments(ep),
			}
			var verr *schema.ValidationError
			if errors.As(err, &verr) {
				execErr.Paths = verr.Paths()
			}
			result.Errors = append(result.Errors, execErr)
			e.logger.DebugContext(ctx, "rule skipped: context failed schema", "rule_code", rule.Code, "schema", rule.Schema.String(), "error", err)
			return record
		}
	}
	record.ContextDigest = e.digest(ctx, data, digestKeys)

	matched, err := rule.Condition.Evaluate(data)
	if err != nil {
		record.Outcome = core.OutcomeConditionErr
		record.Error = errorString(err)
		result.Errors = append(result.Errors, ExecError{
			Kind:       ErrorKindCondition,
			RuleCode:   rule.Code,
			Message:    err.Error(),
			Unverified: rule.DeclaredAcknowledgments(ep),
		})
		e.logger.WarnContext(ctx, "rule skipped: condition error", "rule_code", rule.Code, "error", err)
		return record
	}
	record.ConditionResult = matched
	if !matched {
		record.Outcome = core.OutcomeNotMatched
		return record
	}
	record.Outcome = core.OutcomeMatched

	req := actions.Request{EntryPoint: ep, Rule: rule, Data: data, DryRun: cfg.dryRun}
	var failures []string
	for _, action := range rule.Actions {
		outcome := e.dispatcher.Dispatch(ctx, req, action, out)
		record.ActionsExecuted = append(record.ActionsExecuted, outcome)
		e.metrics.RecordActionOutcome(string(outcome.Kind), outcome.Outcome)
		if strings.HasPrefix(outcome.Outcome, "error:") {
			msg := fmt.Sprintf("%s %s: %s", outcome.Kind, outcome.Outcome, outcome.Detail)
			failures = append(failures, msg)
			result.Errors = append(result.Errors, ExecError{Kind: ErrorKindAction, RuleCode: rule.Code, Message: msg})
		}
	}
	if len(failures) > 0 {
		joined := strings.Join(failures, "; ")
		record.Error = &joined
	}
	return record
}

// schema returns a schema version. Versions are immutable once written, so
// they are memoised for the life of the engine.
func (e *Engine) schema(ctx context.Context, ref core.SchemaRef) (core.FieldsSchema, error) {
	e.schemaMu.RLock()
	fields, ok := e.schemas[ref]
	e.schemaMu.RUnlock()
	if ok {
		return fields, nil
	}

	fields, err := e.store.Schema(ctx, ref)
	if err != nil {
		return core.FieldsSchema{}, fmt.Errorf("load schema %s: %w", ref, err)
	}
	e.schemaMu.Lock()
	e.schemas[ref] = fields
	e.schemaMu.Unlock()
	return fields, nil
}

func (e *Engine) digest(ctx context.Context, data any, keys []string) string {
	sum, err := audit.Digest(data, keys)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to digest context", "error", err)
		return ""
	}
	return sum
}

func errorString(err error) *string {
	msg := err.Error()
	return &msg
}
