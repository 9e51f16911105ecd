package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/matt-riley/admin3-rules/internal/core"
	"github.com/matt-riley/admin3-rules/internal/vat"
)

func TestMemoryRuleLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	created, err := repo.CreateRule(ctx, Rule{Code: "terms", EntryPoint: "checkout_terms", Active: true, Priority: 10}, "key-1")
	if err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("created version = %d, want 1", created.Version)
	}

	if _, err := repo.CreateRule(ctx, Rule{Code: "terms", EntryPoint: "checkout_terms"}, "key-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate CreateRule() error = %v, want ErrConflict", err)
	}

	updated, previous, err := repo.UpdateRule(ctx, Rule{Code: "terms", EntryPoint: "checkout_start", Active: true}, "key-2")
	if err != nil {
		t.Fatalf("UpdateRule() error = %v", err)
	}
	if updated.Version != 2 || previous.EntryPoint != "checkout_terms" {
		t.Fatalf("UpdateRule() = v%d prev %q, want v2 prev checkout_terms", updated.Version, previous.EntryPoint)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("UpdateRule() changed created_at")
	}

	if _, err := repo.DeleteRule(ctx, "terms", "key-3"); err != nil {
		t.Fatalf("DeleteRule() error = %v", err)
	}
	if _, err := repo.GetRule(ctx, "terms"); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("GetRule() after delete error = %v, want pgx.ErrNoRows", err)
	}

	versions, err := repo.ListRuleVersions(ctx, "terms")
	if err != nil {
		t.Fatalf("ListRuleVersions() error = %v", err)
	}
	want := []string{ChangeCreate, ChangeUpdate, ChangeDelete}
	if len(versions) != len(want) {
		t.Fatalf("ListRuleVersions() len = %d, want %d", len(versions), len(want))
	}
	for i, v := range versions {
		if v.ChangeType != want[i] {
			t.Fatalf("version[%d].ChangeType = %q, want %q", i, v.ChangeType, want[i])
		}
	}
	if versions[1].Actor != "key-2" {
		t.Fatalf("version actor = %q, want key-2", versions[1].Actor)
	}
}

func TestMemoryListActiveRulesOrdering(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	repo.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, r := range []Rule{
		{Code: "late", EntryPoint: "checkout_terms", Priority: 10, Active: true},
		{Code: "first", EntryPoint: "checkout_terms", Priority: 1, Active: true},
		{Code: "early", EntryPoint: "checkout_terms", Priority: 10, Active: true},
		{Code: "off", EntryPoint: "checkout_terms", Priority: 0, Active: false},
		{Code: "elsewhere", EntryPoint: "checkout_start", Priority: 0, Active: true},
	} {
		if _, err := repo.CreateRule(ctx, r, ""); err != nil {
			t.Fatalf("CreateRule(%s) error = %v", r.Code, err)
		}
	}

	rules, err := repo.ListActiveRules(ctx, "checkout_terms")
	if err != nil {
		t.Fatalf("ListActiveRules() error = %v", err)
	}
	got := make([]string, 0, len(rules))
	for _, r := range rules {
		got = append(got, r.Code)
	}
	want := []string{"first", "late", "early"}
	if len(got) != len(want) {
		t.Fatalf("ListActiveRules() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ListActiveRules() = %v, want %v", got, want)
		}
	}
}

func TestMemoryRuleRequiresSchema(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	ref := &core.SchemaRef{Code: "cart", Version: 1}
	if _, err := repo.CreateRule(ctx, Rule{Code: "r", EntryPoint: "checkout_start", Schema: ref}, ""); !errors.Is(err, ErrReference) {
		t.Fatalf("CreateRule() with missing schema error = %v, want ErrReference", err)
	}

	s, err := repo.CreateSchemaVersion(ctx, "cart", json.RawMessage(`{"type":"object"}`))
	if err != nil {
		t.Fatalf("CreateSchemaVersion() error = %v", err)
	}
	if s.Version != 1 {
		t.Fatalf("schema version = %d, want 1", s.Version)
	}
	if _, err := repo.CreateRule(ctx, Rule{Code: "r", EntryPoint: "checkout_start", Schema: ref}, ""); err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}

	next, err := repo.CreateSchemaVersion(ctx, "cart", json.RawMessage(`{"type":"object"}`))
	if err != nil {
		t.Fatalf("CreateSchemaVersion() error = %v", err)
	}
	if next.Version != 2 {
		t.Fatalf("second schema version = %d, want 2", next.Version)
	}
}

func TestMemoryTemplateLookupByNameOrID(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	created, err := repo.CreateTemplate(ctx, core.Template{Name: "terms", Content: "<p>terms</p>", ContentFormat: core.ContentFormatHTML, MessageType: core.MessageTypeTerms})
	if err != nil {
		t.Fatalf("CreateTemplate() error = %v", err)
	}

	byName, err := repo.GetTemplate(ctx, "terms")
	if err != nil || byName.ID != created.ID {
		t.Fatalf("GetTemplate(name) = %+v, %v", byName, err)
	}
	byID, err := repo.GetTemplate(ctx, "1")
	if err != nil || byID.Name != "terms" {
		t.Fatalf("GetTemplate(id) = %+v, %v", byID, err)
	}
	if _, err := repo.GetTemplate(ctx, "missing"); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("GetTemplate(missing) error = %v, want pgx.ErrNoRows", err)
	}
}

func TestMemorySubscribeReceivesRuleEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	repo := NewMemoryRepository()

	events, err := repo.SubscribeRuleInvalidation(ctx)
	if err != nil {
		t.Fatalf("SubscribeRuleInvalidation() error = %v", err)
	}
	if _, err := repo.CreateRule(context.Background(), Rule{Code: "r", EntryPoint: "home_page_mount"}, ""); err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}

	select {
	case event := <-events:
		if event.EntryPoint != "home_page_mount" || event.EventType != EventRuleCreated {
			t.Fatalf("event = %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rule event")
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestMemoryCartFeesAreIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	cartID, err := repo.CreateCart(ctx, nil)
	if err != nil {
		t.Fatalf("CreateCart() error = %v", err)
	}

	fee := core.CartFee{Name: "tutorial_booking_fee", Amount: decimal.RequireFromString("5.00"), Currency: "GBP"}
	for range 3 {
		if err := repo.UpsertFee(ctx, cartID, fee); err != nil {
			t.Fatalf("UpsertFee() error = %v", err)
		}
	}
	fees, err := repo.ListCartFees(ctx, cartID)
	if err != nil {
		t.Fatalf("ListCartFees() error = %v", err)
	}
	if len(fees) != 1 {
		t.Fatalf("ListCartFees() len = %d, want 1", len(fees))
	}

	removed, err := repo.RemoveFee(ctx, cartID, "tutorial_booking_fee")
	if err != nil || !removed {
		t.Fatalf("RemoveFee() = %v, %v; want true, nil", removed, err)
	}
	removed, err = repo.RemoveFee(ctx, cartID, "tutorial_booking_fee")
	if err != nil || removed {
		t.Fatalf("RemoveFee(absent) = %v, %v; want false, nil", removed, err)
	}
}

func TestMemoryCreateOrderLocksCart(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	cartID, _ := repo.CreateCart(ctx, nil)

	result := vat.CartResult{Region: vat.RegionUK, Totals: vat.Totals{
		Net:   decimal.RequireFromString("100.00"),
		VAT:   decimal.RequireFromString("20.00"),
		Gross: decimal.RequireFromString("120.00"),
	}}
	if err := repo.SaveVAT(ctx, cartID, result); err != nil {
		t.Fatalf("SaveVAT() error = %v", err)
	}

	ack := core.AcknowledgmentRecord{EntryPoint: core.EntryPointCheckoutTerms, AckKey: "terms_v1", Acknowledged: true}
	order, err := repo.CreateOrder(ctx, OrderSubmission{CartID: cartID, SessionID: "s1", Acknowledgments: []core.AcknowledgmentRecord{ack}})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if !order.GrossTotal.Equal(decimal.RequireFromString("120.00")) {
		t.Fatalf("order gross = %s, want 120.00", order.GrossTotal)
	}

	stored, err := repo.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if len(stored.Acknowledgments) != 1 || stored.Acknowledgments[0].AckKey != "terms_v1" {
		t.Fatalf("stored acknowledgments = %+v", stored.Acknowledgments)
	}

	if _, err := repo.CreateOrder(ctx, OrderSubmission{CartID: cartID}); !errors.Is(err, ErrCartOrdered) {
		t.Fatalf("second CreateOrder() error = %v, want ErrCartOrdered", err)
	}
	if err := repo.UpsertFee(ctx, cartID, core.CartFee{Name: "late"}); !errors.Is(err, ErrCartOrdered) {
		t.Fatalf("UpsertFee() on ordered cart error = %v, want ErrCartOrdered", err)
	}
}

func TestMemoryAPIKeys(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	id, secret, err := repo.CreateAPIKey(ctx, "")
	if err != nil {
		t.Fatalf("CreateAPIKey() error = %v", err)
	}
	if secret == "" {
		t.Fatal("CreateAPIKey() returned empty secret")
	}
	hash, name, err := repo.ValidateAPIKey(ctx, id)
	if err != nil || hash == "" || name == "" {
		t.Fatalf("ValidateAPIKey() = %q, %q, %v", hash, name, err)
	}
	if err := repo.RevokeAPIKey(ctx, id); err != nil {
		t.Fatalf("RevokeAPIKey() error = %v", err)
	}
	if _, _, err := repo.ValidateAPIKey(ctx, id); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("ValidateAPIKey() after revoke error = %v", err)
	}
}
