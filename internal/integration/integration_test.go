//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/matt-riley/admin3-rules/internal/actions"
	"github.com/matt-riley/admin3-rules/internal/audit"
	"github.com/matt-riley/admin3-rules/internal/core"
	"github.com/matt-riley/admin3-rules/internal/engine"
	"github.com/matt-riley/admin3-rules/internal/functions"
	"github.com/matt-riley/admin3-rules/internal/middleware"
	"github.com/matt-riley/admin3-rules/internal/repository"
	"github.com/matt-riley/admin3-rules/internal/seed"
	"github.com/matt-riley/admin3-rules/internal/service"
	"github.com/matt-riley/admin3-rules/internal/templates"
	"github.com/matt-riley/admin3-rules/internal/vat"
	"github.com/matt-riley/admin3-rules/migrations"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "admin3_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/admin3_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf(
		"postgresql://test:test@%s:%s/admin3_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	if err := migrations.Up(testPool); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	return m.Run()
}

func newRepo() *repository.PostgresRepository {
	return repository.NewPostgresRepository(testPool)
}

func randID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// findSeedPack walks up from the working directory until it finds the
// default rule pack.
func findSeedPack() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, "seeds", "default.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("seeds/default.yaml not found")
		}
		dir = parent
	}
}

func displayRule(code, entryPoint, template string) repository.Rule {
	return repository.Rule{
		Code:       code,
		Name:       "integration " + code,
		EntryPoint: entryPoint,
		Priority:   10,
		Active:     true,
		Condition:  json.RawMessage(`{"always": true}`),
		Actions:    json.RawMessage(fmt.Sprintf(`[{"type":"display","template_ref":%q}]`, template)),
	}
}

func createTemplate(t *testing.T, repo *repository.PostgresRepository) core.Template {
	t.Helper()
	tmpl, err := repo.CreateTemplate(context.Background(), core.Template{
		Name:          "banner-" + randID(),
		Title:         "Banner",
		Content:       "<p>Hello</p>",
		ContentFormat: core.ContentFormatHTML,
		MessageType:   core.MessageTypeInfo,
	})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	return tmpl
}

// ---------------------------------------------------------------------------
// Rule CRUD
// ---------------------------------------------------------------------------

func TestRuleCRUD(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()
	tmpl := createTemplate(t, repo)

	code := "rule-" + randID()
	created, err := repo.CreateRule(ctx, displayRule(code, "home_page_mount", tmpl.Name), "alice")
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if created.Version != 1 {
		t.Errorf("Version = %d, want 1", created.Version)
	}
	if created.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}

	if _, err := repo.CreateRule(ctx, displayRule(code, "home_page_mount", tmpl.Name), "alice"); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("duplicate CreateRule error = %v, want ErrConflict", err)
	}

	update := created
	update.EntryPoint = "product_list_mount"
	update.Priority = 5
	updated, previous, err := repo.UpdateRule(ctx, update, "bob")
	if err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}
	if previous.EntryPoint != "home_page_mount" {
		t.Errorf("previous EntryPoint = %q, want home_page_mount", previous.EntryPoint)
	}
	if updated.Version != 2 || updated.Priority != 5 {
		t.Errorf("updated = version %d priority %d, want version 2 priority 5", updated.Version, updated.Priority)
	}

	active, err := repo.ListActiveRules(ctx, "product_list_mount")
	if err != nil {
		t.Fatalf("ListActiveRules: %v", err)
	}
	found := false
	for _, r := range active {
		if r.Code == code {
			found = true
		}
	}
	if !found {
		t.Errorf("rule %s missing from product_list_mount active rules", code)
	}

	versions, err := repo.ListRuleVersions(ctx, code)
	if err != nil {
		t.Fatalf("ListRuleVersions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("len(versions) = %d, want 2", len(versions))
	}

	if _, err := repo.DeleteRule(ctx, code, "carol"); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if _, err := repo.GetRule(ctx, code); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("GetRule after delete error = %v, want pgx.ErrNoRows", err)
	}

	history, err := repo.ListRuleVersions(ctx, code)
	if err != nil {
		t.Fatalf("ListRuleVersions after delete: %v", err)
	}
	var actors []string
	for _, v := range history {
		actors = append(actors, v.ChangeType+":"+v.Actor)
	}
	want := []string{"create:alice", "update:bob", "delete:carol"}
	if fmt.Sprint(actors) != fmt.Sprint(want) {
		t.Errorf("history = %v, want %v", actors, want)
	}
}

func TestRuleUnknownSchemaReference(t *testing.T) {
	repo := newRepo()
	tmpl := createTemplate(t, repo)

	rule := displayRule("rule-"+randID(), "home_page_mount", tmpl.Name)
	rule.Schema = &core.SchemaRef{Code: "missing-" + randID(), Version: 1}
	if _, err := repo.CreateRule(context.Background(), rule, "alice"); !errors.Is(err, repository.ErrReference) {
		t.Fatalf("CreateRule error = %v, want ErrReference", err)
	}
}

func TestSchemaVersions(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()
	code := "schema-" + randID()

	first, err := repo.CreateSchemaVersion(ctx, code, json.RawMessage(`{"type":"object"}`))
	if err != nil {
		t.Fatalf("CreateSchemaVersion: %v", err)
	}
	second, err := repo.CreateSchemaVersion(ctx, code, json.RawMessage(`{"type":"object","required":["cart"]}`))
	if err != nil {
		t.Fatalf("CreateSchemaVersion: %v", err)
	}
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("versions = %d, %d, want 1, 2", first.Version, second.Version)
	}

	got, err := repo.GetSchema(ctx, core.SchemaRef{Code: code, Version: 1})
	if err != nil {
		t.Fatalf("GetSchema: %v", err)
	}
	if string(got.Schema) == string(second.Schema) {
		t.Error("GetSchema version 1 returned the version 2 document")
	}
}

// ---------------------------------------------------------------------------
// LISTEN/NOTIFY invalidation
// ---------------------------------------------------------------------------

func TestRuleInvalidationNotifications(t *testing.T) {
	repo := newRepo()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tmpl := createTemplate(t, repo)

	events, err := repo.SubscribeRuleInvalidation(ctx)
	if err != nil {
		t.Fatalf("SubscribeRuleInvalidation: %v", err)
	}
	// Give the listener time to issue LISTEN.
	time.Sleep(200 * time.Millisecond)

	code := "notify-" + randID()
	if _, err := repo.CreateRule(context.Background(), displayRule(code, "checkout_start", tmpl.Name), "alice"); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatal("event channel closed")
			}
			if event.RuleCode != code {
				continue
			}
			if event.EventType != repository.EventRuleCreated {
				t.Errorf("EventType = %q, want %q", event.EventType, repository.EventRuleCreated)
			}
			if event.EntryPoint != "checkout_start" {
				t.Errorf("EntryPoint = %q, want checkout_start", event.EntryPoint)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for rule notification")
		}
	}
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

func TestAPIKeyLifecycle(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()
	validator := middleware.NewAPIKeyValidator(repo)

	keyID, secret, err := repo.CreateAPIKey(ctx, "deploy-"+randID())
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	principal, err := validator.ValidateToken(ctx, keyID+"."+secret)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if principal == "" {
		t.Error("principal is empty")
	}

	if _, err := validator.ValidateToken(ctx, keyID+".wrong"); err == nil {
		t.Error("ValidateToken with a wrong secret succeeded")
	}

	if _, err := testPool.Exec(ctx, `UPDATE api_keys SET revoked_at = NOW() WHERE id = $1`, keyID); err != nil {
		t.Fatalf("revoke api key: %v", err)
	}
	if _, err := validator.ValidateToken(ctx, keyID+"."+secret); err == nil {
		t.Error("ValidateToken with a revoked key succeeded")
	}
}

// ---------------------------------------------------------------------------
// Cart and orders
// ---------------------------------------------------------------------------

func TestCartFeesAreIdempotent(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	cartID, err := repo.CreateCart(ctx, nil)
	if err != nil {
		t.Fatalf("CreateCart: %v", err)
	}

	fee := core.CartFee{Name: "booking", Amount: decimal.RequireFromString("5.00"), Currency: "GBP"}
	for range 2 {
		if err := repo.UpsertFee(ctx, cartID, fee); err != nil {
			t.Fatalf("UpsertFee: %v", err)
		}
	}
	fees, err := repo.ListCartFees(ctx, cartID)
	if err != nil {
		t.Fatalf("ListCartFees: %v", err)
	}
	if len(fees) != 1 || !fees[0].Amount.Equal(fee.Amount) {
		t.Fatalf("fees = %+v, want one 5.00 fee", fees)
	}

	removed, err := repo.RemoveFee(ctx, cartID, "booking")
	if err != nil || !removed {
		t.Fatalf("RemoveFee = %v, %v, want true, nil", removed, err)
	}
	removed, err = repo.RemoveFee(ctx, cartID, "booking")
	if err != nil || removed {
		t.Fatalf("second RemoveFee = %v, %v, want false, nil", removed, err)
	}

	if err := repo.UpsertFee(ctx, 1<<40, fee); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("UpsertFee unknown cart error = %v, want pgx.ErrNoRows", err)
	}
}

func TestCreateOrderCopiesSessionRecords(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	cartID, err := repo.CreateCart(ctx, nil)
	if err != nil {
		t.Fatalf("CreateCart: %v", err)
	}
	if err := repo.AddItem(ctx, cartID, core.CartItemRequest{ProductCode: "CM1", Quantity: 1, Price: decimal.RequireFromString("100.00")}); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	sub := repository.OrderSubmission{
		CartID:    cartID,
		SessionID: "session-" + randID(),
		Acknowledgments: []core.AcknowledgmentRecord{{
			EntryPoint:     core.EntryPointCheckoutTerms,
			AckKey:         "terms_conditions_v1",
			MessageID:      "msg-1",
			Acknowledged:   true,
			AcknowledgedAt: now,
			IPAddress:      "203.0.113.7",
			UserAgent:      "integration",
		}},
		Preferences: []core.PreferenceRecord{{
			PreferenceKey: "special_needs",
			Value:         json.RawMessage(`{"checked":true,"text":"ramp access"}`),
			InputType:     core.InputType("combined_checkbox_textarea"),
			RecordedAt:    now,
		}},
	}

	order, err := repo.CreateOrder(ctx, sub)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	got, err := repo.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if len(got.Acknowledgments) != 1 || got.Acknowledgments[0].AckKey != "terms_conditions_v1" {
		t.Errorf("Acknowledgments = %+v", got.Acknowledgments)
	}
	if len(got.Preferences) != 1 || got.Preferences[0].PreferenceKey != "special_needs" {
		t.Errorf("Preferences = %+v", got.Preferences)
	}

	if _, err := repo.CreateOrder(ctx, sub); !errors.Is(err, repository.ErrCartOrdered) {
		t.Fatalf("second CreateOrder error = %v, want ErrCartOrdered", err)
	}
	if err := repo.UpsertFee(ctx, cartID, core.CartFee{Name: "late", Amount: decimal.NewFromInt(1), Currency: "GBP"}); !errors.Is(err, repository.ErrCartOrdered) {
		t.Fatalf("UpsertFee after order error = %v, want ErrCartOrdered", err)
	}
}

// ---------------------------------------------------------------------------
// VAT reference data
// ---------------------------------------------------------------------------

func TestVATTables(t *testing.T) {
	tables := newRepo().VATTables()
	ctx := context.Background()

	tests := []struct {
		country string
		region  vat.Region
		rate    string
	}{
		{"GB", vat.Region("UK"), "0.2"},
		{"ireland", vat.Region("IE"), "0.23"},
		{"DE", vat.Region("EU"), "0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.country, func(t *testing.T) {
			region, ok, err := tables.RegionForCountry(ctx, tt.country)
			if err != nil || !ok {
				t.Fatalf("RegionForCountry(%q) = %v, %v, %v", tt.country, region, ok, err)
			}
			if region != tt.region {
				t.Errorf("region = %q, want %q", region, tt.region)
			}
			rate, ok, err := tables.RateForRegion(ctx, region)
			if err != nil || !ok {
				t.Fatalf("RateForRegion(%q) = %v, %v, %v", region, rate, ok, err)
			}
			if !rate.Equal(decimal.RequireFromString(tt.rate)) {
				t.Errorf("rate = %s, want %s", rate, tt.rate)
			}
		})
	}

	if _, ok, err := tables.RegionForCountry(ctx, "ATLANTIS"); err != nil || ok {
		t.Errorf("RegionForCountry(ATLANTIS) = %v, %v, want false, nil", ok, err)
	}
}

// ---------------------------------------------------------------------------
// Execution records
// ---------------------------------------------------------------------------

func TestExecutionRecords(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()
	execID := "exec-" + randID()

	records := []core.ExecutionRecord{
		{ExecutionID: execID, EntryPoint: core.EntryPointUserPreferences, RuleCode: "a", RuleVersion: 1, ConditionResult: true, Outcome: core.OutcomeMatched, StartedAt: time.Now(), ContextDigest: "d1"},
		{ExecutionID: execID, EntryPoint: core.EntryPointUserPreferences, RuleCode: "b", RuleVersion: 3, Outcome: core.OutcomeNotMatched, StartedAt: time.Now(), ContextDigest: "d1"},
	}
	if err := repo.InsertExecutionRecords(ctx, records); err != nil {
		t.Fatalf("InsertExecutionRecords: %v", err)
	}

	got, err := repo.ListExecutions(ctx, string(core.EntryPointUserPreferences), 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	n := 0
	for _, rec := range got {
		if rec.ExecutionID == execID {
			n++
		}
	}
	if n != 2 {
		t.Fatalf("records for %s = %d, want 2", execID, n)
	}
}

// ---------------------------------------------------------------------------
// End to end: default rule pack against PostgreSQL
// ---------------------------------------------------------------------------

func TestDefaultPackCheckoutPayment(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := newRepo()
	logger := quietLogger()

	path, err := findSeedPack()
	if err != nil {
		t.Fatal(err)
	}
	pack, err := seed.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	pipeline := vat.New(repo.VATTables())
	registry := functions.New(pipeline, repo, functions.WithLogger(logger))
	svc, err := service.New(ctx, repo, service.WithLogger(logger), service.WithFunctions(registry))
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	if _, err := seed.NewApplier(svc, seed.WithLogger(logger)).Apply(ctx, pack); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	dispatcher := actions.New(svc, templates.New(registry, templates.WithLogger(logger)),
		actions.WithLogger(logger),
		actions.WithCart(repo),
		actions.WithVAT(pipeline),
		actions.WithFunctions(registry),
	)
	eng := engine.New(svc, dispatcher,
		engine.WithLogger(logger),
		engine.WithCache(svc.Cache()),
		engine.WithRecorder(audit.NewRecorder(repo, audit.WithLogger(logger))),
	)

	cartID, err := repo.CreateCart(ctx, nil)
	if err != nil {
		t.Fatalf("CreateCart: %v", err)
	}
	data, err := core.DecodeJSON(fmt.Appendf(nil, `{
		"cart": {"id": %d, "items": [
			{"product_id": 101, "product_type": "tutorial", "actual_price": "120.00", "quantity": 1},
			{"product_id": 102, "product_type": "material", "actual_price": "50.00", "quantity": 2}
		]},
		"payment": {"method": "card"},
		"user": {"home_country": "GB"}
	}`, cartID))
	if err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}

	result, err := eng.Execute(ctx, "checkout_payment", data)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Blocked {
		t.Error("Blocked = false, want true until the card acknowledgment is given")
	}
	if len(result.RequiredAcknowledgments) != 1 || result.RequiredAcknowledgments[0].AckKey != "tutorial_credit_card_v1" {
		t.Errorf("RequiredAcknowledgments = %+v", result.RequiredAcknowledgments)
	}
	if result.VAT == nil {
		t.Fatal("VAT result is nil")
	}
	if result.VAT.Region != vat.Region("UK") {
		t.Errorf("VAT region = %q, want UK", result.VAT.Region)
	}

	fees, err := repo.ListCartFees(ctx, cartID)
	if err != nil {
		t.Fatalf("ListCartFees: %v", err)
	}
	if len(fees) != 1 || fees[0].Name != functions.TutorialBookingFeeName || !fees[0].Amount.Equal(functions.DefaultBookingFee) {
		t.Fatalf("fees = %+v, want the tutorial booking fee", fees)
	}

	// A second run is idempotent on the fee.
	if _, err := eng.Execute(ctx, "checkout_payment", data); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	fees, err = repo.ListCartFees(ctx, cartID)
	if err != nil {
		t.Fatalf("ListCartFees: %v", err)
	}
	if len(fees) != 1 {
		t.Fatalf("fees after second run = %d, want 1", len(fees))
	}

	order, err := repo.CreateOrder(ctx, repository.OrderSubmission{CartID: cartID, SessionID: "session-" + randID()})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if !order.GrossTotal.Equal(result.VAT.Totals.Gross) {
		t.Errorf("order gross = %s, want saved VAT gross %s", order.GrossTotal, result.VAT.Totals.Gross)
	}

	execs, err := repo.ListExecutions(ctx, "checkout_payment", 50)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) == 0 {
		t.Error("no execution records written")
	}
}
