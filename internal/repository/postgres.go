// Package repository provides PostgreSQL-backed persistence for rules,
// templates, schemas, execution records, carts and orders. It also handles
// LISTEN/NOTIFY-based cache invalidation so every server instance drops its
// cached rule lists when an authoring change commits anywhere.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/matt-riley/admin3-rules/internal/core"
)

const (
	defaultNotifyChannel = "rule_events"
	maxListLimit         = 1000
	uniqueViolation      = "23505"
	foreignKeyViolation  = "23503"
)

// ErrConflict reports a unique key collision such as a duplicate rule_code.
var ErrConflict = errors.New("conflict")

// ErrReference reports a write that points at a row that does not exist,
// such as a rule naming an unknown schema version.
var ErrReference = errors.New("referenced row does not exist")

// Rule event types carried on the notification channel.
const (
	EventRuleCreated     = "rule_created"
	EventRuleUpdated     = "rule_updated"
	EventRuleDeleted     = "rule_deleted"
	EventTemplateChanged = "template_changed"
)

// Change types recorded in rule_versions.
const (
	ChangeCreate = "create"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// Rule is the repository-level representation of a rule row. Condition and
// actions are stored as authored JSON; the service layer parses them.
type Rule struct {
	Code           string          `json:"rule_code"`
	Name           string          `json:"name"`
	EntryPoint     string          `json:"entry_point"`
	Priority       int             `json:"priority"`
	Active         bool            `json:"active"`
	Version        int             `json:"version"`
	Schema         *core.SchemaRef `json:"fields_schema,omitempty"`
	Condition      json.RawMessage `json:"condition"`
	Actions        json.RawMessage `json:"actions"`
	StopProcessing bool            `json:"stop_processing"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RuleVersion is one snapshot in a rule's authoring history.
type RuleVersion struct {
	RuleCode   string          `json:"rule_code"`
	Version    int             `json:"version"`
	ChangeType string          `json:"change_type"`
	Actor      string          `json:"actor,omitempty"`
	Snapshot   json.RawMessage `json:"snapshot"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RuleEvent is the notification payload published on every authoring change.
// An empty EntryPoint with an empty Template means "drop everything".
type RuleEvent struct {
	EventType  string `json:"event_type"`
	EntryPoint string `json:"entry_point,omitempty"`
	RuleCode   string `json:"rule_code,omitempty"`
	Template   string `json:"template,omitempty"`
}

// APIKeyMeta contains non-sensitive metadata for an API key, suitable for
// listing keys without exposing secrets.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditLogEntry records an authoring mutation.
type AuditLogEntry struct {
	ID        int64           `json:"id"`
	APIKeyID  string          `json:"api_key_id,omitempty"`
	Action    string          `json:"action"`
	Subject   string          `json:"subject"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// PostgresRepository implements rule, template, schema, checkout and audit
// persistence backed by a pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "rule_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name for rule event notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const ruleColumns = `rule_code, name, entry_point, priority, active, version, schema_code, schema_version,
	condition, actions, stop_processing, metadata, created_at, updated_at`

func scanRule(row rowScanner) (Rule, error) {
	var (
		rule          Rule
		schemaCode    *string
		schemaVersion *int
	)
	if err := row.Scan(
		&rule.Code,
		&rule.Name,
		&rule.EntryPoint,
		&rule.Priority,
		&rule.Active,
		&rule.Version,
		&schemaCode,
		&schemaVersion,
		&rule.Condition,
		&rule.Actions,
		&rule.StopProcessing,
		&rule.Metadata,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return Rule{}, err
	}
	if schemaCode != nil && schemaVersion != nil {
		rule.Schema = &core.SchemaRef{Code: *schemaCode, Version: *schemaVersion}
	}
	return rule, nil
}

func schemaColumns(ref *core.SchemaRef) (any, any) {
	if ref == nil {
		return nil, nil
	}
	return ref.Code, ref.Version
}

// CreateRule inserts a rule at version 1, records the snapshot and notifies
// listeners, all in one transaction.
func (r *PostgresRepository) CreateRule(ctx context.Context, rule Rule, actor string) (Rule, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Rule{}, fmt.Errorf("begin create rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	schemaCode, schemaVersion := schemaColumns(rule.Schema)
	created, err := scanRule(tx.QueryRow(ctx, `
		INSERT INTO rules (rule_code, name, entry_point, priority, active, version, schema_code, schema_version,
		                   condition, actions, stop_processing, metadata)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8, $9, $10, $11)
		RETURNING `+ruleColumns,
		rule.Code,
		rule.Name,
		rule.EntryPoint,
		rule.Priority,
		rule.Active,
		schemaCode,
		schemaVersion,
		ensureJSON(rule.Condition, `{"always":true}`),
		ensureJSON(rule.Actions, "[]"),
		rule.StopProcessing,
		ensureJSON(rule.Metadata, "{}"),
	))
	if err != nil {
		return Rule{}, fmt.Errorf("create rule: %w", mapWriteError(err))
	}

	if err := insertRuleVersion(ctx, tx, created, ChangeCreate, actor); err != nil {
		return Rule{}, err
	}
	if err := r.notify(ctx, tx, RuleEvent{EventType: EventRuleCreated, EntryPoint: created.EntryPoint, RuleCode: created.Code}); err != nil {
		return Rule{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Rule{}, fmt.Errorf("commit create rule tx: %w", err)
	}
	return created, nil
}

// UpdateRule replaces a rule's authored fields, bumps its version and
// returns both the updated row and the row it replaced. Listeners are
// notified for the new entry point and, when the rule moved, the old one.
// Returns pgx.ErrNoRows (wrapped) if the rule does not exist.
func (r *PostgresRepository) UpdateRule(ctx context.Context, rule Rule, actor string) (Rule, Rule, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Rule{}, Rule{}, fmt.Errorf("begin update rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	previous, err := scanRule(tx.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE rule_code = $1 FOR UPDATE`, rule.Code))
	if err != nil {
		return Rule{}, Rule{}, fmt.Errorf("update rule: %w", err)
	}

	schemaCode, schemaVersion := schemaColumns(rule.Schema)
	updated, err := scanRule(tx.QueryRow(ctx, `
		UPDATE rules
		SET name = $2,
		    entry_point = $3,
		    priority = $4,
		    active = $5,
		    version = version + 1,
		    schema_code = $6,
		    schema_version = $7,
		    condition = $8,
		    actions = $9,
		    stop_processing = $10,
		    metadata = $11,
		    updated_at = NOW()
		WHERE rule_code = $1
		RETURNING `+ruleColumns,
		rule.Code,
		rule.Name,
		rule.EntryPoint,
		rule.Priority,
		rule.Active,
		schemaCode,
		schemaVersion,
		ensureJSON(rule.Condition, `{"always":true}`),
		ensureJSON(rule.Actions, "[]"),
		rule.StopProcessing,
		ensureJSON(rule.Metadata, "{}"),
	))
	if err != nil {
		return Rule{}, Rule{}, fmt.Errorf("update rule: %w", mapWriteError(err))
	}

	if err := insertRuleVersion(ctx, tx, updated, ChangeUpdate, actor); err != nil {
		return Rule{}, Rule{}, err
	}
	for _, ep := range affectedEntryPoints(previous.EntryPoint, updated.EntryPoint) {
		if err := r.notify(ctx, tx, RuleEvent{EventType: EventRuleUpdated, EntryPoint: ep, RuleCode: updated.Code}); err != nil {
			return Rule{}, Rule{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Rule{}, Rule{}, fmt.Errorf("commit update rule tx: %w", err)
	}
	return updated, previous, nil
}

// DeleteRule removes a rule and returns the deleted row. Returns
// pgx.ErrNoRows (wrapped) if the rule does not exist.
func (r *PostgresRepository) DeleteRule(ctx context.Context, code, actor string) (Rule, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Rule{}, fmt.Errorf("begin delete rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	deleted, err := scanRule(tx.QueryRow(ctx, `DELETE FROM rules WHERE rule_code = $1 RETURNING `+ruleColumns, code))
	if err != nil {
		return Rule{}, fmt.Errorf("delete rule: %w", err)
	}
	if err := insertRuleVersion(ctx, tx, deleted, ChangeDelete, actor); err != nil {
		return Rule{}, err
	}
	if err := r.notify(ctx, tx, RuleEvent{EventType: EventRuleDeleted, EntryPoint: deleted.EntryPoint, RuleCode: deleted.Code}); err != nil {
		return Rule{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Rule{}, fmt.Errorf("commit delete rule tx: %w", err)
	}
	return deleted, nil
}

// GetRule retrieves a rule by code. Returns pgx.ErrNoRows (wrapped) if not
// found.
func (r *PostgresRepository) GetRule(ctx context.Context, code string) (Rule, error) {
	rule, err := scanRule(r.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE rule_code = $1`, code))
	if err != nil {
		return Rule{}, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// ListRules returns every rule, or every rule of one entry point when
// entryPoint is non-empty, in execution order.
func (r *PostgresRepository) ListRules(ctx context.Context, entryPoint string) ([]Rule, error) {
	return r.queryRules(ctx, "list rules", `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE ($1 = '' OR entry_point = $1)
		ORDER BY entry_point, priority, created_at, rule_code
	`, entryPoint)
}

// ListActiveRules returns the active rules of an entry point ordered by
// priority, then creation time, then code.
func (r *PostgresRepository) ListActiveRules(ctx context.Context, entryPoint string) ([]Rule, error) {
	return r.queryRules(ctx, "list active rules", `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE entry_point = $1 AND active
		ORDER BY priority, created_at, rule_code
	`, entryPoint)
}

func (r *PostgresRepository) queryRules(ctx context.Context, op, query string, args ...any) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	rules := make([]Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	return rules, nil
}

// ListRuleVersions returns a rule's authoring history, oldest first.
func (r *PostgresRepository) ListRuleVersions(ctx context.Context, code string) ([]RuleVersion, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT rule_code, version, change_type, actor, snapshot, created_at
		FROM rule_versions
		WHERE rule_code = $1
		ORDER BY id
	`, code)
	if err != nil {
		return nil, fmt.Errorf("list rule versions: %w", err)
	}
	defer rows.Close()

	versions := make([]RuleVersion, 0)
	for rows.Next() {
		var v RuleVersion
		if err := rows.Scan(&v.RuleCode, &v.Version, &v.ChangeType, &v.Actor, &v.Snapshot, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rule versions rows: %w", err)
	}
	return versions, nil
}

func insertRuleVersion(ctx context.Context, tx pgx.Tx, rule Rule, changeType, actor string) error {
	snapshot, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule snapshot: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO rule_versions (rule_code, version, change_type, actor, snapshot)
		VALUES ($1, $2, $3, $4, $5)
	`, rule.Code, rule.Version, changeType, actor, snapshot); err != nil {
		return fmt.Errorf("insert rule version: %w", err)
	}
	return nil
}

func affectedEntryPoints(previous, current string) []string {
	if previous == "" || previous == current {
		return []string{current}
	}
	return []string{current, previous}
}

const templateColumns = `id, name, title, content, content_format, message_type, variables, created_at, updated_at`

func scanTemplate(row rowScanner) (core.Template, error) {
	var t core.Template
	var format, messageType string
	if err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Title,
		&t.Content,
		&format,
		&messageType,
		&t.Variables,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return core.Template{}, err
	}
	t.ContentFormat = core.ContentFormat(format)
	t.MessageType = core.MessageType(messageType)
	return t, nil
}

// CreateTemplate inserts a message template.
func (r *PostgresRepository) CreateTemplate(ctx context.Context, t core.Template) (core.Template, error) {
	created, err := scanTemplate(r.pool.QueryRow(ctx, `
		INSERT INTO message_templates (name, title, content, content_format, message_type, variables)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+templateColumns,
		t.Name, t.Title, t.Content, string(t.ContentFormat), string(t.MessageType), nonNilStrings(t.Variables),
	))
	if err != nil {
		return core.Template{}, fmt.Errorf("create template: %w", mapWriteError(err))
	}
	return created, nil
}

// UpdateTemplate replaces a template identified by name. Returns
// pgx.ErrNoRows (wrapped) if it does not exist.
func (r *PostgresRepository) UpdateTemplate(ctx context.Context, t core.Template) (core.Template, error) {
	updated, err := scanTemplate(r.pool.QueryRow(ctx, `
		UPDATE message_templates
		SET title = $2,
		    content = $3,
		    content_format = $4,
		    message_type = $5,
		    variables = $6,
		    updated_at = NOW()
		WHERE name = $1
		RETURNING `+templateColumns,
		t.Name, t.Title, t.Content, string(t.ContentFormat), string(t.MessageType), nonNilStrings(t.Variables),
	))
	if err != nil {
		return core.Template{}, fmt.Errorf("update template: %w", err)
	}
	return updated, nil
}

// DeleteTemplate removes a template by name.
func (r *PostgresRepository) DeleteTemplate(ctx context.Context, name string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM message_templates WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return noRows("delete template", commandTag)
}

// GetTemplate retrieves a template by name or, when ref is numeric, by id.
func (r *PostgresRepository) GetTemplate(ctx context.Context, ref string) (core.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM message_templates WHERE name = $1`
	var arg any = ref
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		query = `SELECT ` + templateColumns + ` FROM message_templates WHERE id = $1`
		arg = id
	}
	t, err := scanTemplate(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		return core.Template{}, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

// ListTemplates returns all templates ordered by name.
func (r *PostgresRepository) ListTemplates(ctx context.Context) ([]core.Template, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+templateColumns+` FROM message_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	templates := make([]core.Template, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list templates rows: %w", err)
	}
	return templates, nil
}

// CreateSchemaVersion stores the next version of a fields schema. Versions
// of one code are serialised with an advisory lock.
func (r *PostgresRepository) CreateSchemaVersion(ctx context.Context, code string, document json.RawMessage) (core.FieldsSchema, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return core.FieldsSchema{}, fmt.Errorf("begin create schema tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, code); err != nil {
		return core.FieldsSchema{}, fmt.Errorf("lock schema code: %w", err)
	}

	var created core.FieldsSchema
	if err := tx.QueryRow(ctx, `
		INSERT INTO fields_schemas (schema_code, version, schema)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2
		FROM fields_schemas
		WHERE schema_code = $1
		RETURNING schema_code, version, schema, is_active, created_at
	`, code, document).Scan(&created.Code, &created.Version, &created.Schema, &created.Active, &created.CreatedAt); err != nil {
		return core.FieldsSchema{}, fmt.Errorf("create schema version: %w", mapWriteError(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return core.FieldsSchema{}, fmt.Errorf("commit create schema tx: %w", err)
	}
	return created, nil
}

// GetSchema retrieves one schema version.
func (r *PostgresRepository) GetSchema(ctx context.Context, ref core.SchemaRef) (core.FieldsSchema, error) {
	var s core.FieldsSchema
	if err := r.pool.QueryRow(ctx, `
		SELECT schema_code, version, schema, is_active, created_at
		FROM fields_schemas
		WHERE schema_code = $1 AND version = $2
	`, ref.Code, ref.Version).Scan(&s.Code, &s.Version, &s.Schema, &s.Active, &s.CreatedAt); err != nil {
		return core.FieldsSchema{}, fmt.Errorf("get schema: %w", err)
	}
	return s, nil
}

// ListSchemas returns every schema version ordered by code and version.
func (r *PostgresRepository) ListSchemas(ctx context.Context) ([]core.FieldsSchema, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT schema_code, version, schema, is_active, created_at
		FROM fields_schemas
		ORDER BY schema_code, version
	`)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	defer rows.Close()

	schemas := make([]core.FieldsSchema, 0)
	for rows.Next() {
		var s core.FieldsSchema
		if err := rows.Scan(&s.Code, &s.Version, &s.Schema, &s.Active, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schema: %w", err)
		}
		schemas = append(schemas, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list schemas rows: %w", err)
	}
	return schemas, nil
}

// ListEntryPoints returns the entry point table in code order.
func (r *PostgresRepository) ListEntryPoints(ctx context.Context) ([]core.EntryPointInfo, error) {
	rows, err := r.pool.Query(ctx, `SELECT code, name, is_active FROM entry_points ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list entry points: %w", err)
	}
	defer rows.Close()

	entryPoints := make([]core.EntryPointInfo, 0)
	for rows.Next() {
		var info core.EntryPointInfo
		var code string
		if err := rows.Scan(&code, &info.Name, &info.IsActive); err != nil {
			return nil, fmt.Errorf("scan entry point: %w", err)
		}
		info.Code = core.EntryPoint(code)
		entryPoints = append(entryPoints, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entry points rows: %w", err)
	}
	return entryPoints, nil
}

// ValidateAPIKey returns the stored hash and key name for a non-revoked key
// ID. Callers should do constant-time comparison outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash, name string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, name
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &name); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, name, nil
}

// CreateAPIKey generates a new API key, storing a bcrypt hash of the secret.
// The raw secret is returned exactly once; it cannot be retrieved later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := hashSecret(secret)
	if err != nil {
		return "", "", err
	}

	if strings.TrimSpace(name) == "" {
		name = "api-key-" + keyID[:8]
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, name, hash)
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys. Secrets are
// never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns pgx.ErrNoRows (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return noRows("revoke api key", commandTag)
}

// InsertAuditLog writes a single authoring audit entry.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (api_key_id, action, subject, details)
		VALUES ($1, $2, $3, $4)
	`, entry.APIKeyID, entry.Action, entry.Subject, entry.Details)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns authoring audit entries, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, api_key_id, action, subject, details, created_at
		FROM audit_log
		ORDER BY id DESC
		LIMIT $1 OFFSET $2
	`, clampLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditLogEntry, 0)
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.APIKeyID, &e.Action, &e.Subject, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit log rows: %w", err)
	}
	return entries, nil
}

// PublishRuleEvent sends a notification outside of a write transaction.
// Template changes use it; rule writes notify inside their own transaction.
func (r *PostgresRepository) PublishRuleEvent(ctx context.Context, event RuleEvent) error {
	payload, err := marshalNotifyPayload(event)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := r.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, payload); err != nil {
		return fmt.Errorf("notify rule event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) notify(ctx context.Context, tx pgx.Tx, event RuleEvent) error {
	payload, err := marshalNotifyPayload(event)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, payload); err != nil {
		return fmt.Errorf("notify rule event: %w", err)
	}
	return nil
}

// SubscribeRuleInvalidation returns a channel that receives every rule event
// notification arriving on the PostgreSQL LISTEN channel. The channel is
// closed if the listener gives up, which only happens on context
// cancellation.
func (r *PostgresRepository) SubscribeRuleInvalidation(ctx context.Context) (<-chan RuleEvent, error) {
	events := make(chan RuleEvent, 16)

	go r.runRuleInvalidationListener(ctx, events)

	return events, nil
}

func (r *PostgresRepository) runRuleInvalidationListener(ctx context.Context, events chan<- RuleEvent) {
	defer close(events)

	for {
		err := r.listenForRuleEvents(ctx, events)
		if err == nil || ctx.Err() != nil {
			return
		}

		// Notifications sent while disconnected are lost; a full drop
		// forces every entry point to reload.
		select {
		case events <- RuleEvent{EventType: EventRuleUpdated}:
		default:
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForRuleEvents(ctx context.Context, events chan<- RuleEvent) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for rule event notification: %w", err)
		}

		event := parseNotifyPayload(notification.Payload)
		select {
		case events <- event:
		case <-ctx.Done():
			return nil
		}
	}
}

func noRows(op string, commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
	}

	return nil
}

// mapWriteError translates constraint violations into repository errors.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case foreignKeyViolation:
			return fmt.Errorf("%w: %s", ErrReference, pgErr.ConstraintName)
		}
	}
	return err
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func hashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(event RuleEvent) (string, error) {
	serialized, err := json.Marshal(event)
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}

// parseNotifyPayload decodes a notification. Undecodable payloads become a
// full drop so a malformed message can never leave a stale entry behind.
func parseNotifyPayload(payload string) RuleEvent {
	var event RuleEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return RuleEvent{EventType: EventRuleUpdated}
	}
	return event
}
