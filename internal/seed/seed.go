// Package seed loads YAML rule packs (schemas, templates and rules) and
// applies them idempotently through the authoring service.
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/gowebpki/jcs"
	"gopkg.in/yaml.v3"

	"github.com/matt-riley/admin3-rules/internal/core"
	"github.com/matt-riley/admin3-rules/internal/repository"
	"github.com/matt-riley/admin3-rules/internal/schema"
	"github.com/matt-riley/admin3-rules/internal/service"
)

// DefaultActor is recorded in the audit log for seeded changes.
const DefaultActor = "seed"

var ErrInvalidPack = errors.New("invalid rule pack")

// SchemaDocument is one fields schema in a pack. Versions are assigned by the
// store; a document identical to the latest version is not re-created.
type SchemaDocument struct {
	Code   string          `json:"schema_code"`
	Schema json.RawMessage `json:"schema"`
}

// Pack is a rule pack. Field names follow the admin API JSON shapes.
type Pack struct {
	Schemas   []SchemaDocument  `json:"schemas"`
	Templates []core.Template   `json:"templates"`
	Rules     []repository.Rule `json:"rules"`
}

// Load decodes a YAML pack. YAML is normalised to JSON first so that packs
// share the admin API field names and decoders.
func Load(r io.Reader) (Pack, error) {
	var doc any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Pack{}, nil
		}
		return Pack{}, fmt.Errorf("%w: %v", ErrInvalidPack, err)
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return Pack{}, fmt.Errorf("%w: %v", ErrInvalidPack, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.DisallowUnknownFields()
	var pack Pack
	if err := decoder.Decode(&pack); err != nil {
		return Pack{}, fmt.Errorf("%w: %v", ErrInvalidPack, err)
	}
	return pack, nil
}

// LoadFile reads and decodes the pack at path.
func LoadFile(path string) (Pack, error) {
	f, err := os.Open(path)
	if err != nil {
		return Pack{}, fmt.Errorf("open rule pack: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Validate checks a pack without touching any store: schemas compile,
// templates are well formed, rules parse and reference known entry points,
// templates and schemas. Every problem is reported.
func Validate(pack Pack) error {
	var errs []error

	schemaCodes := make(map[string]struct{}, len(pack.Schemas))
	for i, doc := range pack.Schemas {
		if doc.Code == "" {
			errs = append(errs, fmt.Errorf("schemas[%d]: schema_code is required", i))
			continue
		}
		if _, dup := schemaCodes[doc.Code]; dup {
			errs = append(errs, fmt.Errorf("schemas[%d]: duplicate schema_code %q", i, doc.Code))
		}
		schemaCodes[doc.Code] = struct{}{}
		if _, err := schema.Compile(core.SchemaRef{Code: doc.Code, Version: 1}, doc.Schema); err != nil {
			errs = append(errs, fmt.Errorf("schemas[%d]: %w", i, err))
		}
	}

	templateNames := make(map[string]struct{}, len(pack.Templates))
	for i, t := range pack.Templates {
		if err := t.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("templates[%d]: %w", i, err))
			continue
		}
		if _, dup := templateNames[t.Name]; dup {
			errs = append(errs, fmt.Errorf("templates[%d]: duplicate name %q", i, t.Name))
		}
		templateNames[t.Name] = struct{}{}
	}

	ruleCodes := make(map[string]struct{}, len(pack.Rules))
	for i, row := range pack.Rules {
		if row.Code == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: rule_code is required", i))
			continue
		}
		if _, dup := ruleCodes[row.Code]; dup {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate rule_code %q", i, row.Code))
		}
		ruleCodes[row.Code] = struct{}{}

		if _, err := core.ParseEntryPoint(row.EntryPoint); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", row.Code, err))
		}
		rule, err := service.ToCore(row)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", row.Code, err))
			continue
		}
		if len(rule.Actions) == 0 && !rule.IsGate() {
			errs = append(errs, fmt.Errorf("rule %q: actions must not be empty unless metadata.gate is true", row.Code))
		}
		if row.Schema != nil {
			if _, ok := schemaCodes[row.Schema.Code]; !ok {
				errs = append(errs, fmt.Errorf("rule %q: unknown schema %q", row.Code, row.Schema.Code))
			}
		}
		for _, ref := range TemplateRefs(rule.Actions) {
			if _, ok := templateNames[ref]; !ok {
				errs = append(errs, fmt.Errorf("rule %q: unknown template %q", row.Code, ref))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPack, errors.Join(errs...))
	}
	return nil
}

// TemplateRefs returns the template names an action list renders.
func TemplateRefs(actions core.Actions) []string {
	var refs []string
	for _, action := range actions {
		switch a := action.(type) {
		case core.DisplayAction:
			refs = append(refs, a.TemplateRef)
		case core.AcknowledgeAction:
			refs = append(refs, a.TemplateRef)
		case core.PreferenceAction:
			if a.TemplateRef != "" {
				refs = append(refs, a.TemplateRef)
			}
		}
	}
	return refs
}

// Target is the authoring surface a pack is applied through.
type Target interface {
	CreateSchemaVersion(ctx context.Context, code string, document json.RawMessage, actor string) (core.FieldsSchema, error)
	ListSchemas(ctx context.Context) ([]core.FieldsSchema, error)
	CreateTemplate(ctx context.Context, t core.Template, actor string) (core.Template, error)
	UpdateTemplate(ctx context.Context, t core.Template, actor string) (core.Template, error)
	GetTemplate(ctx context.Context, name string) (core.Template, error)
	CreateRule(ctx context.Context, rule repository.Rule, actor string) (repository.Rule, error)
	UpdateRule(ctx context.Context, rule repository.Rule, actor string) (repository.Rule, error)
	GetRule(ctx context.Context, code string) (repository.Rule, error)
}

// Summary counts what Apply changed.
type Summary struct {
	SchemasCreated   int `json:"schemas_created"`
	TemplatesCreated int `json:"templates_created"`
	TemplatesUpdated int `json:"templates_updated"`
	RulesCreated     int `json:"rules_created"`
	RulesUpdated     int `json:"rules_updated"`
	Unchanged        int `json:"unchanged"`
}

// Applier writes packs to a Target.
type Applier struct {
	target Target
	actor  string
	logger *slog.Logger
}

type Option func(*Applier)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Applier) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithActor overrides the audit actor.
func WithActor(actor string) Option {
	return func(a *Applier) {
		if actor != "" {
			a.actor = actor
		}
	}
}

func NewApplier(target Target, opts ...Option) *Applier {
	a := &Applier{target: target, actor: DefaultActor, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Apply validates pack and then upserts schemas, templates and rules in that
// order. Unchanged entries are left alone so re-applying a pack does not
// bump rule versions.
func (a *Applier) Apply(ctx context.Context, pack Pack) (Summary, error) {
	var summary Summary
	if err := Validate(pack); err != nil {
		return summary, err
	}

	latest, err := a.latestSchemas(ctx)
	if err != nil {
		return summary, err
	}
	for _, doc := range pack.Schemas {
		if current, ok := latest[doc.Code]; ok && sameJSON(current.Schema, doc.Schema) {
			summary.Unchanged++
			continue
		}
		created, err := a.target.CreateSchemaVersion(ctx, doc.Code, doc.Schema, a.actor)
		if err != nil {
			return summary, fmt.Errorf("seed schema %q: %w", doc.Code, err)
		}
		summary.SchemasCreated++
		a.logger.InfoContext(ctx, "seeded schema", "schema", created.Ref().String())
	}

	for _, t := range pack.Templates {
		changed, created, err := a.upsertTemplate(ctx, t)
		if err != nil {
			return summary, fmt.Errorf("seed template %q: %w", t.Name, err)
		}
		switch {
		case created:
			summary.TemplatesCreated++
		case changed:
			summary.TemplatesUpdated++
		default:
			summary.Unchanged++
		}
	}

	for _, rule := range pack.Rules {
		changed, created, err := a.upsertRule(ctx, rule)
		if err != nil {
			return summary, fmt.Errorf("seed rule %q: %w", rule.Code, err)
		}
		switch {
		case created:
			summary.RulesCreated++
		case changed:
			summary.RulesUpdated++
		default:
			summary.Unchanged++
		}
	}

	a.logger.InfoContext(ctx, "rule pack applied",
		"schemas_created", summary.SchemasCreated,
		"templates_created", summary.TemplatesCreated,
		"templates_updated", summary.TemplatesUpdated,
		"rules_created", summary.RulesCreated,
		"rules_updated", summary.RulesUpdated,
		"unchanged", summary.Unchanged,
	)
	return summary, nil
}

func (a *Applier) latestSchemas(ctx context.Context) (map[string]core.FieldsSchema, error) {
	schemas, err := a.target.ListSchemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	latest := make(map[string]core.FieldsSchema, len(schemas))
	for _, s := range schemas {
		if cur, ok := latest[s.Code]; !ok || s.Version > cur.Version {
			latest[s.Code] = s
		}
	}
	return latest, nil
}

func (a *Applier) upsertTemplate(ctx context.Context, t core.Template) (changed, created bool, err error) {
	existing, err := a.target.GetTemplate(ctx, t.Name)
	switch {
	case errors.Is(err, service.ErrTemplateNotFound):
		if _, err := a.target.CreateTemplate(ctx, t, a.actor); err != nil {
			return false, false, err
		}
		return true, true, nil
	case err != nil:
		return false, false, err
	}

	if sameTemplate(existing, t) {
		return false, false, nil
	}
	if _, err := a.target.UpdateTemplate(ctx, t, a.actor); err != nil {
		return false, false, err
	}
	return true, false, nil
}

func (a *Applier) upsertRule(ctx context.Context, rule repository.Rule) (changed, created bool, err error) {
	existing, err := a.target.GetRule(ctx, rule.Code)
	switch {
	case errors.Is(err, service.ErrRuleNotFound):
		if _, err := a.target.CreateRule(ctx, rule, a.actor); err != nil {
			return false, false, err
		}
		return true, true, nil
	case err != nil:
		return false, false, err
	}

	if sameRule(existing, rule) {
		return false, false, nil
	}
	if _, err := a.target.UpdateRule(ctx, rule, a.actor); err != nil {
		return false, false, err
	}
	return true, false, nil
}

func sameTemplate(a, b core.Template) bool {
	return a.Title == b.Title &&
		a.Content == b.Content &&
		a.ContentFormat == b.ContentFormat &&
		a.MessageType == b.MessageType &&
		slices.Equal(a.Variables, b.Variables)
}

// ruleShape is the authored part of a rule; store-managed fields are left out.
type ruleShape struct {
	Name           string          `json:"name"`
	EntryPoint     string          `json:"entry_point"`
	Priority       int             `json:"priority"`
	Active         bool            `json:"active"`
	Schema         *core.SchemaRef `json:"fields_schema"`
	Condition      json.RawMessage `json:"condition"`
	Actions        json.RawMessage `json:"actions"`
	StopProcessing bool            `json:"stop_processing"`
	Metadata       json.RawMessage `json:"metadata"`
}

// shapeOf canonicalises a rule so that defaults filled in by the store do
// not count as changes.
func shapeOf(r repository.Rule) ruleShape {
	shape := ruleShape{
		Name:           r.Name,
		EntryPoint:     core.NormalizeEntryPoint(r.EntryPoint),
		Priority:       r.Priority,
		Active:         r.Active,
		Schema:         r.Schema,
		Condition:      r.Condition,
		Actions:        r.Actions,
		StopProcessing: r.StopProcessing,
		Metadata:       r.Metadata,
	}
	if condition, err := core.ParseCondition(r.Condition); err == nil {
		shape.Condition = condition.Raw()
	}
	if actions, err := core.ParseActions(r.Actions); err == nil {
		if encoded, err := json.Marshal(actions); err == nil {
			shape.Actions = encoded
		}
	}
	trimmed := bytes.TrimSpace(r.Metadata)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("{}")) {
		shape.Metadata = json.RawMessage("null")
	}
	return shape
}

func sameRule(a, b repository.Rule) bool {
	return sameJSONValue(shapeOf(a), shapeOf(b))
}

func sameJSONValue(a, b any) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return sameJSON(left, right)
}

// sameJSON compares two documents in RFC 8785 canonical form.
func sameJSON(a, b []byte) bool {
	left, err := jcs.Transform(a)
	if err != nil {
		return false
	}
	right, err := jcs.Transform(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}
