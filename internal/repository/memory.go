package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/matt-riley/admin3-rules/internal/core"
	"github.com/matt-riley/admin3-rules/internal/vat"
)

type memoryCart struct {
	userID  *int64
	items   []core.CartItemRequest
	fees    map[string]core.CartFee
	vat     *vat.CartResult
	ordered bool
}

// MemoryRepository is an in-process implementation of the repository used
// by the CLI dry-run and by tests. It reports missing rows with
// pgx.ErrNoRows so callers map errors the same way for both backends.
type MemoryRepository struct {
	mu          sync.RWMutex
	now         func() time.Time
	rules       map[string]Rule
	versions    map[string][]RuleVersion
	templates   map[string]core.Template
	nextTplID   int64
	schemas     map[core.SchemaRef]core.FieldsSchema
	executions  []core.ExecutionRecord
	auditLog    []AuditLogEntry
	apiKeys     map[string]memoryAPIKey
	carts       map[int64]*memoryCart
	nextCartID  int64
	orders      map[string]Order
	subscribers []chan RuleEvent
}

type memoryAPIKey struct {
	meta    APIKeyMeta
	hash    string
	revoked bool
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:       time.Now,
		rules:     make(map[string]Rule),
		versions:  make(map[string][]RuleVersion),
		templates: make(map[string]core.Template),
		schemas:   make(map[core.SchemaRef]core.FieldsSchema),
		apiKeys:   make(map[string]memoryAPIKey),
		carts:     make(map[int64]*memoryCart),
		orders:    make(map[string]Order),
	}
}

func notFound(op string) error {
	return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
}

func (m *MemoryRepository) CreateRule(_ context.Context, rule Rule, actor string) (Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rules[rule.Code]; exists {
		return Rule{}, fmt.Errorf("create rule: %w: rules_pkey", ErrConflict)
	}
	if err := m.checkSchemaRef(rule.Schema); err != nil {
		return Rule{}, fmt.Errorf("create rule: %w", err)
	}
	now := m.now().UTC()
	rule.Version = 1
	rule.Condition = ensureJSON(rule.Condition, `{"always":true}`)
	rule.Actions = ensureJSON(rule.Actions, "[]")
	rule.Metadata = ensureJSON(rule.Metadata, "{}")
	rule.CreatedAt = now
	rule.UpdatedAt = now
	m.rules[rule.Code] = rule
	m.appendVersion(rule, ChangeCreate, actor)
	m.publish(RuleEvent{EventType: EventRuleCreated, EntryPoint: rule.EntryPoint, RuleCode: rule.Code})
	return rule, nil
}

func (m *MemoryRepository) UpdateRule(_ context.Context, rule Rule, actor string) (Rule, Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous, ok := m.rules[rule.Code]
	if !ok {
		return Rule{}, Rule{}, notFound("update rule")
	}
	if err := m.checkSchemaRef(rule.Schema); err != nil {
		return Rule{}, Rule{}, fmt.Errorf("update rule: %w", err)
	}
	rule.Version = previous.Version + 1
	rule.Condition = ensureJSON(rule.Condition, `{"always":true}`)
	rule.Actions = ensureJSON(rule.Actions, "[]")
	rule.Metadata = ensureJSON(rule.Metadata, "{}")
	rule.CreatedAt = previous.CreatedAt
	rule.UpdatedAt = m.now().UTC()
	m.rules[rule.Code] = rule
	m.appendVersion(rule, ChangeUpdate, actor)
	for _, ep := range affectedEntryPoints(previous.EntryPoint, rule.EntryPoint) {
		m.publish(RuleEvent{EventType: EventRuleUpdated, EntryPoint: ep, RuleCode: rule.Code})
	}
	return rule, previous, nil
}

func (m *MemoryRepository) DeleteRule(_ context.Context, code, actor string) (Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted, ok := m.rules[code]
	if !ok {
		return Rule{}, notFound("delete rule")
	}
	delete(m.rules, code)
	m.appendVersion(deleted, ChangeDelete, actor)
	m.publish(RuleEvent{EventType: EventRuleDeleted, EntryPoint: deleted.EntryPoint, RuleCode: code})
	return deleted, nil
}

func (m *MemoryRepository) checkSchemaRef(ref *core.SchemaRef) error {
	if ref == nil {
		return nil
	}
	if _, ok := m.schemas[*ref]; !ok {
		return fmt.Errorf("%w: schema %s", ErrReference, ref)
	}
	return nil
}

func (m *MemoryRepository) appendVersion(rule Rule, changeType, actor string) {
	snapshot, _ := json.Marshal(rule)
	m.versions[rule.Code] = append(m.versions[rule.Code], RuleVersion{
		RuleCode:   rule.Code,
		Version:    rule.Version,
		ChangeType: changeType,
		Actor:      actor,
		Snapshot:   snapshot,
		CreatedAt:  m.now().UTC(),
	})
}

func (m *MemoryRepository) GetRule(_ context.Context, code string) (Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rule, ok := m.rules[code]
	if !ok {
		return Rule{}, notFound("get rule")
	}
	return rule, nil
}

func (m *MemoryRepository) ListRules(_ context.Context, entryPoint string) ([]Rule, error) {
	return m.filterRules(func(r Rule) bool {
		return entryPoint == "" || r.EntryPoint == entryPoint
	}), nil
}

func (m *MemoryRepository) ListActiveRules(_ context.Context, entryPoint string) ([]Rule, error) {
	return m.filterRules(func(r Rule) bool {
		return r.Active && r.EntryPoint == entryPoint
	}), nil
}

func (m *MemoryRepository) filterRules(keep func(Rule) bool) []Rule {
	m.mu.RLock()
	rules := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		if keep(r) {
			rules = append(rules, r)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.EntryPoint != b.EntryPoint {
			return a.EntryPoint < b.EntryPoint
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Code < b.Code
	})
	return rules
}

func (m *MemoryRepository) ListRuleVersions(_ context.Context, code string) ([]RuleVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]RuleVersion{}, m.versions[code]...), nil
}

func (m *MemoryRepository) CreateTemplate(_ context.Context, t core.Template) (core.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.templates[t.Name]; exists {
		return core.Template{}, fmt.Errorf("create template: %w: message_templates_name_key", ErrConflict)
	}
	m.nextTplID++
	now := m.now().UTC()
	t.ID = m.nextTplID
	t.Variables = nonNilStrings(t.Variables)
	t.CreatedAt = now
	t.UpdatedAt = now
	m.templates[t.Name] = t
	return t, nil
}

func (m *MemoryRepository) UpdateTemplate(_ context.Context, t core.Template) (core.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.templates[t.Name]
	if !ok {
		return core.Template{}, notFound("update template")
	}
	t.ID = existing.ID
	t.Variables = nonNilStrings(t.Variables)
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = m.now().UTC()
	m.templates[t.Name] = t
	return t, nil
}

func (m *MemoryRepository) DeleteTemplate(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.templates[name]; !ok {
		return notFound("delete template")
	}
	delete(m.templates, name)
	return nil
}

func (m *MemoryRepository) GetTemplate(_ context.Context, ref string) (core.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if t, ok := m.templates[ref]; ok {
		return t, nil
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		for _, t := range m.templates {
			if t.ID == id {
				return t, nil
			}
		}
	}
	return core.Template{}, notFound("get template")
}

func (m *MemoryRepository) ListTemplates(_ context.Context) ([]core.Template, error) {
	m.mu.RLock()
	templates := make([]core.Template, 0, len(m.templates))
	for _, t := range m.templates {
		templates = append(templates, t)
	}
	m.mu.RUnlock()

	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })
	return templates, nil
}

func (m *MemoryRepository) CreateSchemaVersion(_ context.Context, code string, document json.RawMessage) (core.FieldsSchema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := 1
	for ref := range m.schemas {
		if ref.Code == code && ref.Version >= next {
			next = ref.Version + 1
		}
	}
	s := core.FieldsSchema{
		Code:      code,
		Version:   next,
		Schema:    append(json.RawMessage{}, document...),
		Active:    true,
		CreatedAt: m.now().UTC(),
	}
	m.schemas[s.Ref()] = s
	return s, nil
}

func (m *MemoryRepository) GetSchema(_ context.Context, ref core.SchemaRef) (core.FieldsSchema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schemas[ref]
	if !ok {
		return core.FieldsSchema{}, notFound("get schema")
	}
	return s, nil
}

func (m *MemoryRepository) ListSchemas(_ context.Context) ([]core.FieldsSchema, error) {
	m.mu.RLock()
	schemas := make([]core.FieldsSchema, 0, len(m.schemas))
	for _, s := range m.schemas {
		schemas = append(schemas, s)
	}
	m.mu.RUnlock()

	sort.Slice(schemas, func(i, j int) bool {
		if schemas[i].Code != schemas[j].Code {
			return schemas[i].Code < schemas[j].Code
		}
		return schemas[i].Version < schemas[j].Version
	})
	return schemas, nil
}

func (m *MemoryRepository) ListEntryPoints(_ context.Context) ([]core.EntryPointInfo, error) {
	eps := core.EntryPoints()
	infos := make([]core.EntryPointInfo, 0, len(eps))
	for _, ep := range eps {
		infos = append(infos, core.EntryPointInfo{Code: ep, Name: ep.Name(), IsActive: true})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Code < infos[j].Code })
	return infos, nil
}

func (m *MemoryRepository) PublishRuleEvent(_ context.Context, event RuleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.publish(event)
	return nil
}

// SubscribeRuleInvalidation delivers every event published after the call.
// The channel is closed when ctx is done.
func (m *MemoryRepository) SubscribeRuleInvalidation(ctx context.Context) (<-chan RuleEvent, error) {
	events := make(chan RuleEvent, 16)

	m.mu.Lock()
	m.subscribers = append(m.subscribers, events)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subscribers {
			if sub == events {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				break
			}
		}
		close(events)
	}()

	return events, nil
}

// publish must be called with m.mu held.
func (m *MemoryRepository) publish(event RuleEvent) {
	for _, sub := range m.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

func (m *MemoryRepository) CreateAPIKey(_ context.Context, name string) (string, string, error) {
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

	m.mu.Lock()
	m.apiKeys[keyID] = memoryAPIKey{
		meta: APIKeyMeta{ID: keyID, Name: name, CreatedAt: m.now().UTC()},
		hash: hash,
	}
	m.mu.Unlock()
	return keyID, secret, nil
}

func (m *MemoryRepository) ValidateAPIKey(_ context.Context, id string) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.apiKeys[id]
	if !ok || key.revoked {
		return "", "", notFound("validate api key")
	}
	return key.hash, key.meta.Name, nil
}

func (m *MemoryRepository) ListAPIKeys(_ context.Context) ([]APIKeyMeta, error) {
	m.mu.RLock()
	keys := make([]APIKeyMeta, 0, len(m.apiKeys))
	for _, k := range m.apiKeys {
		if !k.revoked {
			keys = append(keys, k.meta)
		}
	}
	m.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

func (m *MemoryRepository) RevokeAPIKey(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.apiKeys[keyID]
	if !ok || key.revoked {
		return notFound("revoke api key")
	}
	key.revoked = true
	m.apiKeys[keyID] = key
	return nil
}

func (m *MemoryRepository) InsertAuditLog(_ context.Context, entry AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.ID = int64(len(m.auditLog) + 1)
	entry.CreatedAt = m.now().UTC()
	m.auditLog = append(m.auditLog, entry)
	return nil
}

func (m *MemoryRepository) ListAuditLog(_ context.Context, limit, offset int) ([]AuditLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]AuditLogEntry, 0)
	skipped := 0
	for i := len(m.auditLog) - 1; i >= 0 && len(entries) < clampLimit(limit); i-- {
		if skipped < offset {
			skipped++
			continue
		}
		entries = append(entries, m.auditLog[i])
	}
	return entries, nil
}

func (m *MemoryRepository) InsertExecutionRecords(_ context.Context, records []core.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		rec.ID = int64(len(m.executions) + 1)
		m.executions = append(m.executions, rec)
	}
	return nil
}

func (m *MemoryRepository) ListExecutions(_ context.Context, entryPoint string, limit int) ([]core.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]core.ExecutionRecord, 0)
	for i := len(m.executions) - 1; i >= 0 && len(records) < clampLimit(limit); i-- {
		rec := m.executions[i]
		if entryPoint != "" && string(rec.EntryPoint) != entryPoint {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *MemoryRepository) CreateCart(_ context.Context, userID *int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextCartID++
	m.carts[m.nextCartID] = &memoryCart{userID: userID, fees: make(map[string]core.CartFee)}
	return m.nextCartID, nil
}

// cart must be called with m.mu held.
func (m *MemoryRepository) cart(cartID int64) (*memoryCart, error) {
	c, ok := m.carts[cartID]
	if !ok {
		return nil, notFound(fmt.Sprintf("lock cart %d", cartID))
	}
	if c.ordered {
		return nil, fmt.Errorf("lock cart %d: %w", cartID, ErrCartOrdered)
	}
	return c, nil
}

func (m *MemoryRepository) UpsertFee(_ context.Context, cartID int64, fee core.CartFee) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.cart(cartID)
	if err != nil {
		return err
	}
	c.fees[fee.Name] = fee
	return nil
}

func (m *MemoryRepository) RemoveFee(_ context.Context, cartID int64, feeName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.cart(cartID)
	if err != nil {
		return false, err
	}
	_, existed := c.fees[feeName]
	delete(c.fees, feeName)
	return existed, nil
}

func (m *MemoryRepository) AddItem(_ context.Context, cartID int64, item core.CartItemRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.cart(cartID)
	if err != nil {
		return err
	}
	c.items = append(c.items, item)
	return nil
}

func (m *MemoryRepository) SaveVAT(_ context.Context, cartID int64, result vat.CartResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.cart(cartID)
	if err != nil {
		return err
	}
	c.vat = &result
	return nil
}

func (m *MemoryRepository) ListCartFees(_ context.Context, cartID int64) ([]core.CartFee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.carts[cartID]
	if !ok {
		return nil, notFound("list cart fees")
	}
	fees := make([]core.CartFee, 0, len(c.fees))
	for _, fee := range c.fees {
		fees = append(fees, fee)
	}
	sort.Slice(fees, func(i, j int) bool { return fees[i].Name < fees[j].Name })
	return fees, nil
}

func (m *MemoryRepository) CreateOrder(_ context.Context, sub OrderSubmission) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.cart(sub.CartID)
	if err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}

	order := Order{
		ID:              uuid.NewString(),
		CartID:          sub.CartID,
		UserID:          sub.UserID,
		SessionID:       sub.SessionID,
		NetTotal:        decimal.Zero,
		VATTotal:        decimal.Zero,
		GrossTotal:      decimal.Zero,
		Acknowledgments: append([]core.AcknowledgmentRecord{}, sub.Acknowledgments...),
		Preferences:     append([]core.PreferenceRecord{}, sub.Preferences...),
		CreatedAt:       m.now().UTC(),
	}
	if order.UserID == nil {
		order.UserID = c.userID
	}
	if c.vat != nil {
		order.NetTotal = c.vat.Totals.Net
		order.VATTotal = c.vat.Totals.VAT
		order.GrossTotal = c.vat.Totals.Gross
	}
	c.ordered = true
	m.orders[order.ID] = order
	return order, nil
}

func (m *MemoryRepository) GetOrder(_ context.Context, id string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[id]
	if !ok {
		return Order{}, notFound("get order")
	}
	return order, nil
}
