package server

import (
	"context"
	"encoding/json"

	"github.com/matt-riley/admin3-rules/internal/checkout"
	"github.com/matt-riley/admin3-rules/internal/core"
	"github.com/matt-riley/admin3-rules/internal/engine"
	"github.com/matt-riley/admin3-rules/internal/repository"
	"github.com/matt-riley/admin3-rules/internal/service"
)

// Service is the authoring surface behind the admin API.
type Service interface {
	CreateRule(ctx context.Context, rule repository.Rule, actor string) (repository.Rule, error)
	UpdateRule(ctx context.Context, rule repository.Rule, actor string) (repository.Rule, error)
	DeleteRule(ctx context.Context, code, actor string) error
	GetRule(ctx context.Context, code string) (repository.Rule, error)
	ListRules(ctx context.Context, entryPoint string) ([]repository.Rule, error)
	ListRuleVersions(ctx context.Context, code string) ([]repository.RuleVersion, error)

	CreateTemplate(ctx context.Context, t core.Template, actor string) (core.Template, error)
	UpdateTemplate(ctx context.Context, t core.Template, actor string) (core.Template, error)
	DeleteTemplate(ctx context.Context, name, actor string) error
	GetTemplate(ctx context.Context, name string) (core.Template, error)
	ListTemplates(ctx context.Context) ([]core.Template, error)

	CreateSchemaVersion(ctx context.Context, code string, document json.RawMessage, actor string) (core.FieldsSchema, error)
	ListSchemas(ctx context.Context) ([]core.FieldsSchema, error)

	ListEntryPoints(ctx context.Context) ([]core.EntryPointInfo, error)
	ListExecutions(ctx context.Context, entryPoint string, limit int) ([]core.ExecutionRecord, error)
	ListAuditLog(ctx context.Context, limit, offset int) ([]repository.AuditLogEntry, error)
}

// Engine executes rules for an entry point.
type Engine interface {
	Execute(ctx context.Context, entryPoint string, data any, opts ...engine.ExecOption) (*engine.Result, error)
}

// Checkout is the checkout state machine.
type Checkout interface {
	RunStep(ctx context.Context, sessionID string, entryPoint core.EntryPoint, data any) (*checkout.StepResult, error)
	Acknowledge(ctx context.Context, sessionID string, rec core.AcknowledgmentRecord) (*checkout.Session, error)
	SetPreferences(ctx context.Context, sessionID string, values map[string]json.RawMessage) (*checkout.Session, error)
	SubmitOrder(ctx context.Context, sessionID string, req checkout.OrderRequest) (*checkout.SubmitResult, error)
	Session(ctx context.Context, sessionID string) (*checkout.Session, error)
}

var (
	_ Service  = (*service.Service)(nil)
	_ Engine   = (*engine.Engine)(nil)
	_ Checkout = (*checkout.Orchestrator)(nil)
)
