package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/admin3-rules/internal/cache"
	"github.com/matt-riley/admin3-rules/internal/core"
	"github.com/matt-riley/admin3-rules/internal/repository"
	"github.com/matt-riley/admin3-rules/internal/schema"
)

const (
	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second
)

var (
	ErrRuleNotFound     = errors.New("rule not found")
	ErrRuleExists       = errors.New("rule already exists")
	ErrInvalidRule      = errors.New("invalid rule")
	ErrTemplateNotFound = errors.New("template not found")
	ErrTemplateExists   = errors.New("template already exists")
	ErrInvalidTemplate  = errors.New("invalid template")
	ErrSchemaNotFound   = errors.New("schema not found")
	ErrInvalidSchema    = errors.New("invalid schema")
)

type Repository interface {
	CreateRule(ctx context.Context, rule repository.Rule, actor string) (repository.Rule, error)
	UpdateRule(ctx context.Context, rule repository.Rule, actor string) (repository.Rule, repository.Rule, error)
	DeleteRule(ctx context.Context, code, actor string) (repository.Rule, error)
	GetRule(ctx context.Context, code string) (repository.Rule, error)
	ListRules(ctx context.Context, entryPoint string) ([]repository.Rule, error)
	ListActiveRules(ctx context.Context, entryPoint string) ([]repository.Rule, error)
	ListRuleVersions(ctx context.Context, code string) ([]repository.RuleVersion, error)

	CreateTemplate(ctx context.Context, t core.Template) (core.Template, error)
	UpdateTemplate(ctx context.Context, t core.Template) (core.Template, error)
	DeleteTemplate(ctx context.Context, name string) error
	GetTemplate(ctx context.Context, ref string) (core.Template, error)
	ListTemplates(ctx context.Context) ([]core.Template, error)

	CreateSchemaVersion(ctx context.Context, code string, document json.RawMessage) (core.FieldsSchema, error)
	GetSchema(ctx context.Context, ref core.SchemaRef) (core.FieldsSchema, error)
	ListSchemas(ctx context.Context) ([]core.FieldsSchema, error)

	ListEntryPoints(ctx context.Context) ([]core.EntryPointInfo, error)
	ListExecutions(ctx context.Context, entryPoint string, limit int) ([]core.ExecutionRecord, error)
	PublishRuleEvent(ctx context.Context, event repository.RuleEvent) error
	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
	ListAuditLog(ctx context.Context, limit, offset int) ([]repository.AuditLogEntry, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeRuleInvalidation(ctx context.Context) (<-chan repository.RuleEvent, error)
}

// FunctionNames reports whether a custom function exists.
type FunctionNames interface {
	Has(name string) bool
}

// Service is the rule store: it validates authoring writes, keeps the rule
// cache coherent and serves rules, schemas and templates to the engine.
type Service struct {
	repo      Repository
	logger    *slog.Logger
	cache     cache.RuleCache
	functions FunctionNames
	resync    time.Duration

	mu        sync.RWMutex
	templates map[string]core.Template
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCache sets the rule cache that authoring writes invalidate. It should
// be the same cache the engine reads through.
func WithCache(c cache.RuleCache) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithFunctions enables save-time checks of custom_function names.
func WithFunctions(f FunctionNames) Option {
	return func(s *Service) {
		s.functions = f
	}
}

func WithResyncInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.resync = d
		}
	}
}

func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:      repo,
		logger:    slog.Default(),
		resync:    defaultCacheResyncInterval,
		templates: make(map[string]core.Template),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.cache == nil {
		svc.cache = cache.NewMemoryCache(cache.WithLogger(svc.logger))
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// Cache returns the rule cache the service invalidates.
func (s *Service) Cache() cache.RuleCache {
	return s.cache
}

// LoadCache replaces the template cache with the repository contents.
func (s *Service) LoadCache(ctx context.Context) error {
	templates, err := s.repo.ListTemplates(ctx)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	next := make(map[string]core.Template, len(templates))
	for _, t := range templates {
		next[t.Name] = t
	}

	s.mu.Lock()
	s.templates = next
	s.mu.Unlock()

	return nil
}

// ActiveRules returns the parsed active rules of an entry point in
// execution order. Rows that no longer parse are skipped and logged.
func (s *Service) ActiveRules(ctx context.Context, entryPoint core.EntryPoint) ([]core.Rule, error) {
	rows, err := s.repo.ListActiveRules(ctx, string(entryPoint))
	if err != nil {
		return nil, fmt.Errorf("list active rules for %s: %w", entryPoint, err)
	}

	rules := make([]core.Rule, 0, len(rows))
	for _, row := range rows {
		rule, err := ToCore(row)
		if err != nil {
			s.logger.Warn("skipping unparseable rule", "rule_code", row.Code, "entry_point", entryPoint, "error", err)
			continue
		}
		rules = append(rules, rule)
	}
	core.SortRules(rules)
	return rules, nil
}

// Schema returns one schema version.
func (s *Service) Schema(ctx context.Context, ref core.SchemaRef) (core.FieldsSchema, error) {
	fs, err := s.repo.GetSchema(ctx, ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.FieldsSchema{}, fmt.Errorf("%w: %s", ErrSchemaNotFound, ref)
		}
		return core.FieldsSchema{}, fmt.Errorf("get schema %s: %w", ref, err)
	}
	return fs, nil
}

// Template resolves a template by name, or by id when ref is numeric.
func (s *Service) Template(ctx context.Context, ref string) (core.Template, error) {
	if t, ok := s.getCachedTemplate(ref); ok {
		return t, nil
	}

	t, err := s.repo.GetTemplate(ctx, ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Template{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, ref)
		}
		return core.Template{}, fmt.Errorf("get template %q: %w", ref, err)
	}

	s.setCachedTemplate(t)
	return t, nil
}

func (s *Service) CreateRule(ctx context.Context, rule repository.Rule, actor string) (repository.Rule, error) {
	if err := s.validateRule(ctx, &rule); err != nil {
		return repository.Rule{}, err
	}

	created, err := s.repo.CreateRule(ctx, rule, actor)
	if err != nil {
		return repository.Rule{}, mapRuleWriteError("create rule", err)
	}

	s.invalidate(ctx, created.EntryPoint)
	s.auditBestEffort(ctx, actor, "rule.create", created.Code, created)
	return created, nil
}

// UpdateRule replaces a rule. When the rule moves between entry points both
// cache entries are invalidated.
func (s *Service) UpdateRule(ctx context.Context, rule repository.Rule, actor string) (repository.Rule, error) {
	if err := s.validateRule(ctx, &rule); err != nil {
		return repository.Rule{}, err
	}

	updated, previous, err := s.repo.UpdateRule(ctx, rule, actor)
	if err != nil {
		return repository.Rule{}, mapRuleWriteError("update rule", err)
	}

	s.invalidate(ctx, updated.EntryPoint)
	if previous.EntryPoint != updated.EntryPoint {
		s.invalidate(ctx, previous.EntryPoint)
	}
	s.auditBestEffort(ctx, actor, "rule.update", updated.Code, map[string]any{
		"version":        updated.Version,
		"entry_point":    updated.EntryPoint,
		"previous_entry": previous.EntryPoint,
	})
	return updated, nil
}

func (s *Service) DeleteRule(ctx context.Context, code, actor string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("%w: rule_code is required", ErrInvalidRule)
	}

	deleted, err := s.repo.DeleteRule(ctx, code, actor)
	if err != nil {
		return mapRuleWriteError("delete rule", err)
	}

	s.invalidate(ctx, deleted.EntryPoint)
	s.auditBestEffort(ctx, actor, "rule.delete", deleted.Code, map[string]any{
		"version":     deleted.Version,
		"entry_point": deleted.EntryPoint,
	})
	return nil
}

func (s *Service) GetRule(ctx context.Context, code string) (repository.Rule, error) {
	rule, err := s.repo.GetRule(ctx, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Rule{}, ErrRuleNotFound
		}
		return repository.Rule{}, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// ListRules lists every rule, or the rules of one entry point.
func (s *Service) ListRules(ctx context.Context, entryPoint string) ([]repository.Rule, error) {
	if entryPoint != "" {
		ep, err := core.ParseEntryPoint(entryPoint)
		if err != nil {
			return nil, err
		}
		entryPoint = string(ep)
	}
	rules, err := s.repo.ListRules(ctx, entryPoint)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

func (s *Service) ListRuleVersions(ctx context.Context, code string) ([]repository.RuleVersion, error) {
	versions, err := s.repo.ListRuleVersions(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("list rule versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, ErrRuleNotFound
	}
	return versions, nil
}

func (s *Service) CreateTemplate(ctx context.Context, t core.Template, actor string) (core.Template, error) {
	if err := t.Validate(); err != nil {
		return core.Template{}, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}

	created, err := s.repo.CreateTemplate(ctx, t)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return core.Template{}, ErrTemplateExists
		}
		return core.Template{}, fmt.Errorf("create template: %w", err)
	}

	s.setCachedTemplate(created)
	s.publishTemplateEventBestEffort(ctx, created.Name)
	s.auditBestEffort(ctx, actor, "template.create", created.Name, nil)
	return created, nil
}

func (s *Service) UpdateTemplate(ctx context.Context, t core.Template, actor string) (core.Template, error) {
	if err := t.Validate(); err != nil {
		return core.Template{}, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}

	updated, err := s.repo.UpdateTemplate(ctx, t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedTemplate(t.Name)
			return core.Template{}, ErrTemplateNotFound
		}
		return core.Template{}, fmt.Errorf("update template: %w", err)
	}

	s.setCachedTemplate(updated)
	s.publishTemplateEventBestEffort(ctx, updated.Name)
	s.auditBestEffort(ctx, actor, "template.update", updated.Name, nil)
	return updated, nil
}

func (s *Service) DeleteTemplate(ctx context.Context, name, actor string) error {
	if err := s.repo.DeleteTemplate(ctx, name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedTemplate(name)
			return ErrTemplateNotFound
		}
		return fmt.Errorf("delete template: %w", err)
	}

	s.deleteCachedTemplate(name)
	s.publishTemplateEventBestEffort(ctx, name)
	s.auditBestEffort(ctx, actor, "template.delete", name, nil)
	return nil
}

func (s *Service) GetTemplate(ctx context.Context, name string) (core.Template, error) {
	return s.Template(ctx, name)
}

func (s *Service) ListTemplates(ctx context.Context) ([]core.Template, error) {
	templates, err := s.repo.ListTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return templates, nil
}

// CreateSchemaVersion stores a new version of a fields schema after
// checking that it compiles as draft-07.
func (s *Service) CreateSchemaVersion(ctx context.Context, code string, document json.RawMessage, actor string) (core.FieldsSchema, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return core.FieldsSchema{}, fmt.Errorf("%w: schema_code is required", ErrInvalidSchema)
	}
	if _, err := schema.Compile(core.SchemaRef{Code: code}, document); err != nil {
		return core.FieldsSchema{}, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	created, err := s.repo.CreateSchemaVersion(ctx, code, document)
	if err != nil {
		return core.FieldsSchema{}, fmt.Errorf("create schema version: %w", err)
	}
	s.auditBestEffort(ctx, actor, "schema.create", created.Ref().String(), nil)
	return created, nil
}

func (s *Service) ListSchemas(ctx context.Context) ([]core.FieldsSchema, error) {
	schemas, err := s.repo.ListSchemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	return schemas, nil
}

func (s *Service) ListEntryPoints(ctx context.Context) ([]core.EntryPointInfo, error) {
	eps, err := s.repo.ListEntryPoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entry points: %w", err)
	}
	return eps, nil
}

func (s *Service) ListExecutions(ctx context.Context, entryPoint string, limit int) ([]core.ExecutionRecord, error) {
	if entryPoint != "" {
		ep, err := core.ParseEntryPoint(entryPoint)
		if err != nil {
			return nil, err
		}
		entryPoint = string(ep)
	}
	records, err := s.repo.ListExecutions(ctx, entryPoint, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return records, nil
}

func (s *Service) ListAuditLog(ctx context.Context, limit, offset int) ([]repository.AuditLogEntry, error) {
	entries, err := s.repo.ListAuditLog(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	return entries, nil
}

// validateRule normalises the entry point and rejects rules that could
// never execute cleanly.
func (s *Service) validateRule(ctx context.Context, rule *repository.Rule) error {
	rule.Code = strings.TrimSpace(rule.Code)
	if rule.Code == "" {
		return fmt.Errorf("%w: rule_code is required", ErrInvalidRule)
	}

	ep, err := core.ParseEntryPoint(rule.EntryPoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	rule.EntryPoint = string(ep)

	parsed, err := ToCore(*rule)
	if err != nil {
		return err
	}

	if len(parsed.Actions) == 0 && !parsed.IsGate() {
		return fmt.Errorf("%w: actions must not be empty unless metadata.gate is true", ErrInvalidRule)
	}
	for i, action := range parsed.Actions {
		fn, ok := action.(core.FunctionAction)
		if !ok || s.functions == nil {
			continue
		}
		if !s.functions.Has(fn.Name) {
			return fmt.Errorf("%w: actions[%d]: unknown custom function %q", ErrInvalidRule, i, fn.Name)
		}
	}

	if rule.Schema != nil {
		fs, err := s.Schema(ctx, *rule.Schema)
		if err != nil {
			if errors.Is(err, ErrSchemaNotFound) {
				return fmt.Errorf("%w: %v", ErrInvalidRule, err)
			}
			return err
		}
		if _, err := schema.Compile(fs.Ref(), fs.Schema); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}

	return nil
}

// ToCore parses a stored rule into its executable form.
func ToCore(row repository.Rule) (core.Rule, error) {
	condition := core.Always(true)
	if len(row.Condition) > 0 {
		parsed, err := core.ParseCondition(row.Condition)
		if err != nil {
			return core.Rule{}, fmt.Errorf("%w: condition: %v", ErrInvalidRule, err)
		}
		condition = parsed
	}

	actions := core.Actions{}
	if len(row.Actions) > 0 {
		parsed, err := core.ParseActions(row.Actions)
		if err != nil {
			return core.Rule{}, fmt.Errorf("%w: actions: %v", ErrInvalidRule, err)
		}
		actions = parsed
	}

	var metadata map[string]any
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			return core.Rule{}, fmt.Errorf("%w: metadata: %v", ErrInvalidRule, err)
		}
	}

	return core.Rule{
		Code:           row.Code,
		Name:           row.Name,
		EntryPoint:     core.EntryPoint(row.EntryPoint),
		Priority:       row.Priority,
		Active:         row.Active,
		Version:        row.Version,
		Schema:         row.Schema,
		Condition:      condition,
		Actions:        actions,
		StopProcessing: row.StopProcessing,
		Metadata:       metadata,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func mapRuleWriteError(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrRuleNotFound
	case errors.Is(err, repository.ErrConflict):
		return ErrRuleExists
	case errors.Is(err, repository.ErrReference):
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (s *Service) getCachedTemplate(ref string) (core.Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.templates[ref]; ok {
		return t, true
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		for _, t := range s.templates {
			if t.ID == id {
				return t, true
			}
		}
	}
	return core.Template{}, false
}

func (s *Service) setCachedTemplate(t core.Template) {
	s.mu.Lock()
	s.templates[t.Name] = t
	s.mu.Unlock()
}

func (s *Service) deleteCachedTemplate(name string) {
	s.mu.Lock()
	delete(s.templates, name)
	s.mu.Unlock()
}

func (s *Service) invalidate(ctx context.Context, entryPoint string) {
	if err := s.cache.Invalidate(ctx, cache.Key(entryPoint)); err != nil {
		s.logger.Warn("rule cache invalidation failed", "entry_point", entryPoint, "error", err)
	}
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeRuleInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resync)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.resyncCaches(ctx)
			case event, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.applyEvent(ctx, event)
			}
		}
	}()

	return nil
}

func (s *Service) applyEvent(ctx context.Context, event repository.RuleEvent) {
	switch {
	case event.EntryPoint != "":
		s.invalidate(ctx, event.EntryPoint)
	case event.Template != "":
		s.reloadCache(ctx)
	default:
		s.resyncCaches(ctx)
	}
}

func (s *Service) resyncCaches(ctx context.Context) {
	if err := s.cache.InvalidateAll(ctx); err != nil {
		s.logger.Warn("rule cache resync failed", "error", err)
	}
	s.reloadCache(ctx)
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil {
		s.logger.Warn("template cache reload failed", "error", err)
	}
}

func (s *Service) publishTemplateEventBestEffort(ctx context.Context, name string) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := s.repo.PublishRuleEvent(publishCtx, repository.RuleEvent{
		EventType: repository.EventTemplateChanged,
		Template:  name,
	}); err != nil {
		s.logger.Warn("publish template event failed", "template", name, "error", err)
	}
}

func (s *Service) auditBestEffort(ctx context.Context, actor, action, subject string, details any) {
	var payload json.RawMessage
	if details != nil {
		encoded, err := json.Marshal(details)
		if err == nil {
			payload = encoded
		}
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := s.repo.InsertAuditLog(auditCtx, repository.AuditLogEntry{
		APIKeyID: actor,
		Action:   action,
		Subject:  subject,
		Details:  payload,
	}); err != nil {
		s.logger.Warn("audit log write failed", "action", action, "subject", subject, "error", err)
	}
}
