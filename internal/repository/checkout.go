package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/matt-riley/admin3-rules/internal/core"
	"github.com/matt-riley/admin3-rules/internal/vat"
)

// ErrCartOrdered reports a write against a cart that has already been
// turned into an order.
var ErrCartOrdered = errors.New("cart already ordered")

// Order is a placed order together with the acknowledgments and
// preferences copied from the checkout session.
type Order struct {
	ID              string                      `json:"order_id"`
	CartID          int64                       `json:"cart_id"`
	UserID          *int64                      `json:"user_id,omitempty"`
	SessionID       string                      `json:"-"`
	NetTotal        decimal.Decimal             `json:"net_total"`
	VATTotal        decimal.Decimal             `json:"vat_total"`
	GrossTotal      decimal.Decimal             `json:"gross_total"`
	Acknowledgments []core.AcknowledgmentRecord `json:"acknowledgments"`
	Preferences     []core.PreferenceRecord     `json:"preferences"`
	CreatedAt       time.Time                   `json:"created_at"`
}

// OrderSubmission is everything needed to place an order atomically.
type OrderSubmission struct {
	CartID          int64
	UserID          *int64
	SessionID       string
	Acknowledgments []core.AcknowledgmentRecord
	Preferences     []core.PreferenceRecord
}

// CreateCart inserts an empty cart and returns its id.
func (r *PostgresRepository) CreateCart(ctx context.Context, userID *int64) (int64, error) {
	var id int64
	if err := r.pool.QueryRow(ctx, `INSERT INTO carts (user_id) VALUES ($1) RETURNING id`, userID).Scan(&id); err != nil {
		return 0, fmt.Errorf("create cart: %w", err)
	}
	return id, nil
}

// lockCart takes the row lock every cart mutation serialises on. Returns
// pgx.ErrNoRows (wrapped) for an unknown cart and ErrCartOrdered once the
// cart has been ordered.
func lockCart(ctx context.Context, tx pgx.Tx, cartID int64) error {
	var orderedAt *time.Time
	if err := tx.QueryRow(ctx, `SELECT ordered_at FROM carts WHERE id = $1 FOR UPDATE`, cartID).Scan(&orderedAt); err != nil {
		return fmt.Errorf("lock cart %d: %w", cartID, err)
	}
	if orderedAt != nil {
		return fmt.Errorf("lock cart %d: %w", cartID, ErrCartOrdered)
	}
	return nil
}

func (r *PostgresRepository) inCartTx(ctx context.Context, cartID int64, op string, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", op, err)
	}
	defer tx.Rollback(ctx)

	if err := lockCart(ctx, tx, cartID); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE carts SET updated_at = NOW() WHERE id = $1`, cartID); err != nil {
		return fmt.Errorf("touch cart: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s tx: %w", op, err)
	}
	return nil
}

// UpsertFee sets a named fee on a cart. Re-applying the same fee leaves one
// row.
func (r *PostgresRepository) UpsertFee(ctx context.Context, cartID int64, fee core.CartFee) error {
	return r.inCartTx(ctx, cartID, "upsert fee", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO cart_fees (cart_id, fee_name, amount, currency, description)
			VALUES ($1, $2, $3::numeric, $4, $5)
			ON CONFLICT (cart_id, fee_name) DO UPDATE
			SET amount = EXCLUDED.amount,
			    currency = EXCLUDED.currency,
			    description = EXCLUDED.description,
			    updated_at = NOW()
		`, cartID, fee.Name, fee.Amount.StringFixed(2), fee.Currency, fee.Description); err != nil {
			return fmt.Errorf("upsert fee: %w", err)
		}
		return nil
	})
}

// RemoveFee deletes a named fee and reports whether one was present.
func (r *PostgresRepository) RemoveFee(ctx context.Context, cartID int64, feeName string) (bool, error) {
	var removed bool
	err := r.inCartTx(ctx, cartID, "remove fee", func(tx pgx.Tx) error {
		commandTag, err := tx.Exec(ctx, `DELETE FROM cart_fees WHERE cart_id = $1 AND fee_name = $2`, cartID, feeName)
		if err != nil {
			return fmt.Errorf("remove fee: %w", err)
		}
		removed = commandTag.RowsAffected() > 0
		return nil
	})
	return removed, err
}

// AddItem appends a product line to a cart.
func (r *PostgresRepository) AddItem(ctx context.Context, cartID int64, item core.CartItemRequest) error {
	return r.inCartTx(ctx, cartID, "add item", func(tx pgx.Tx) error {
		var productID *int64
		if item.ProductID != 0 {
			productID = &item.ProductID
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO cart_items (cart_id, product_id, product_code, quantity, actual_price)
			VALUES ($1, $2, $3, $4, $5::numeric)
		`, cartID, productID, item.ProductCode, item.Quantity, item.Price.StringFixed(2)); err != nil {
			return fmt.Errorf("add item: %w", err)
		}
		return nil
	})
}

// SaveVAT stores a VAT computation and its totals on the cart.
func (r *PostgresRepository) SaveVAT(ctx context.Context, cartID int64, result vat.CartResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode vat result: %w", err)
	}
	return r.inCartTx(ctx, cartID, "save vat", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE carts
			SET vat_region = $2,
			    vat_result = $3,
			    net_total = $4::numeric,
			    vat_total = $5::numeric,
			    gross_total = $6::numeric
			WHERE id = $1
		`, cartID,
			string(result.Region),
			encoded,
			result.Totals.Net.StringFixed(2),
			result.Totals.VAT.StringFixed(2),
			result.Totals.Gross.StringFixed(2),
		); err != nil {
			return fmt.Errorf("save vat: %w", err)
		}
		return nil
	})
}

// ListCartFees returns a cart's fees ordered by name.
func (r *PostgresRepository) ListCartFees(ctx context.Context, cartID int64) ([]core.CartFee, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT fee_name, amount::text, currency, description
		FROM cart_fees
		WHERE cart_id = $1
		ORDER BY fee_name
	`, cartID)
	if err != nil {
		return nil, fmt.Errorf("list cart fees: %w", err)
	}
	defer rows.Close()

	fees := make([]core.CartFee, 0)
	for rows.Next() {
		var fee core.CartFee
		var amount string
		if err := rows.Scan(&fee.Name, &amount, &fee.Currency, &fee.Description); err != nil {
			return nil, fmt.Errorf("scan cart fee: %w", err)
		}
		if fee.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse fee amount: %w", err)
		}
		fees = append(fees, fee)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cart fees rows: %w", err)
	}
	return fees, nil
}

// CreateOrder places an order for a cart. The order row, its copied
// acknowledgments and preferences, and the cart's ordered_at marker are
// written in one transaction under the cart row lock.
func (r *PostgresRepository) CreateOrder(ctx context.Context, sub OrderSubmission) (Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("begin create order tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockCart(ctx, tx, sub.CartID); err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}

	order := Order{
		ID:              uuid.NewString(),
		CartID:          sub.CartID,
		UserID:          sub.UserID,
		SessionID:       sub.SessionID,
		Acknowledgments: nonNilAcks(sub.Acknowledgments),
		Preferences:     nonNilPrefs(sub.Preferences),
	}

	var net, vatTotal, gross string
	if err := tx.QueryRow(ctx, `
		INSERT INTO orders (id, cart_id, user_id, session_id, net_total, vat_total, gross_total)
		SELECT $1, id, COALESCE($2, user_id), $3, net_total, vat_total, gross_total
		FROM carts
		WHERE id = $4
		RETURNING net_total::text, vat_total::text, gross_total::text, created_at
	`, order.ID, sub.UserID, sub.SessionID, sub.CartID).Scan(&net, &vatTotal, &gross, &order.CreatedAt); err != nil {
		return Order{}, fmt.Errorf("insert order: %w", err)
	}
	if order.NetTotal, err = decimal.NewFromString(net); err != nil {
		return Order{}, fmt.Errorf("parse net total: %w", err)
	}
	if order.VATTotal, err = decimal.NewFromString(vatTotal); err != nil {
		return Order{}, fmt.Errorf("parse vat total: %w", err)
	}
	if order.GrossTotal, err = decimal.NewFromString(gross); err != nil {
		return Order{}, fmt.Errorf("parse gross total: %w", err)
	}

	batch := &pgx.Batch{}
	for _, ack := range order.Acknowledgments {
		batch.Queue(`
			INSERT INTO order_acknowledgments (order_id, entry_point, ack_key, message_id, acknowledged,
			                                   acknowledged_at, ip_address, user_agent, rules_fingerprint)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, order.ID, string(ack.EntryPoint), ack.AckKey, ack.MessageID, ack.Acknowledged,
			ack.AcknowledgedAt, ack.IPAddress, ack.UserAgent, ack.RulesFingerprint)
	}
	for _, pref := range order.Preferences {
		batch.Queue(`
			INSERT INTO order_preferences (order_id, preference_key, value, input_type, rule_code, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, order.ID, pref.PreferenceKey, ensureJSON(pref.Value, "null"), string(pref.InputType), pref.RuleCode, pref.RecordedAt)
	}
	batch.Queue(`UPDATE carts SET ordered_at = NOW(), updated_at = NOW() WHERE id = $1`, sub.CartID)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return Order{}, fmt.Errorf("copy order acknowledgments: %w", mapWriteError(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("commit create order tx: %w", err)
	}
	return order, nil
}

// GetOrder loads an order with its acknowledgments and preferences.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (Order, error) {
	var order Order
	var net, vatTotal, gross string
	if err := r.pool.QueryRow(ctx, `
		SELECT id::text, cart_id, user_id, session_id, net_total::text, vat_total::text, gross_total::text, created_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.CartID, &order.UserID, &order.SessionID, &net, &vatTotal, &gross, &order.CreatedAt); err != nil {
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	order.NetTotal, _ = decimal.NewFromString(net)
	order.VATTotal, _ = decimal.NewFromString(vatTotal)
	order.GrossTotal, _ = decimal.NewFromString(gross)

	ackRows, err := r.pool.Query(ctx, `
		SELECT entry_point, ack_key, message_id, acknowledged, acknowledged_at, ip_address, user_agent, rules_fingerprint
		FROM order_acknowledgments
		WHERE order_id = $1
		ORDER BY entry_point, ack_key
	`, id)
	if err != nil {
		return Order{}, fmt.Errorf("get order acknowledgments: %w", err)
	}
	order.Acknowledgments, err = pgx.CollectRows(ackRows, func(row pgx.CollectableRow) (core.AcknowledgmentRecord, error) {
		var ack core.AcknowledgmentRecord
		var ep string
		err := row.Scan(&ep, &ack.AckKey, &ack.MessageID, &ack.Acknowledged, &ack.AcknowledgedAt,
			&ack.IPAddress, &ack.UserAgent, &ack.RulesFingerprint)
		ack.EntryPoint = core.EntryPoint(ep)
		return ack, err
	})
	if err != nil {
		return Order{}, fmt.Errorf("scan order acknowledgments: %w", err)
	}

	prefRows, err := r.pool.Query(ctx, `
		SELECT preference_key, value, input_type, rule_code, recorded_at
		FROM order_preferences
		WHERE order_id = $1
		ORDER BY preference_key
	`, id)
	if err != nil {
		return Order{}, fmt.Errorf("get order preferences: %w", err)
	}
	order.Preferences, err = pgx.CollectRows(prefRows, func(row pgx.CollectableRow) (core.PreferenceRecord, error) {
		var pref core.PreferenceRecord
		var inputType string
		err := row.Scan(&pref.PreferenceKey, &pref.Value, &inputType, &pref.RuleCode, &pref.RecordedAt)
		pref.InputType = core.InputType(inputType)
		return pref, err
	})
	if err != nil {
		return Order{}, fmt.Errorf("scan order preferences: %w", err)
	}
	return order, nil
}

// InsertExecutionRecords appends one row per evaluated rule.
func (r *PostgresRepository) InsertExecutionRecords(ctx context.Context, records []core.ExecutionRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range records {
		actionsExecuted, err := json.Marshal(nonNilOutcomes(rec.ActionsExecuted))
		if err != nil {
			return fmt.Errorf("encode actions executed: %w", err)
		}
		batch.Queue(`
			INSERT INTO rule_executions (execution_id, entry_point, rule_code, rule_version, condition_result,
			                             outcome, actions_executed, duration_ms, started_at, context_digest, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, rec.ExecutionID, string(rec.EntryPoint), rec.RuleCode, rec.RuleVersion, rec.ConditionResult,
			rec.Outcome, actionsExecuted, rec.DurationMS, rec.StartedAt, rec.ContextDigest, rec.Error)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert execution records: %w", err)
	}
	return nil
}

// ListExecutions returns the newest execution records, optionally for one
// entry point.
func (r *PostgresRepository) ListExecutions(ctx context.Context, entryPoint string, limit int) ([]core.ExecutionRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, execution_id::text, entry_point, rule_code, rule_version, condition_result, outcome,
		       actions_executed, duration_ms, started_at, context_digest, error
		FROM rule_executions
		WHERE ($1 = '' OR entry_point = $1)
		ORDER BY id DESC
		LIMIT $2
	`, entryPoint, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	records := make([]core.ExecutionRecord, 0)
	for rows.Next() {
		var rec core.ExecutionRecord
		var ep string
		var actionsExecuted []byte
		if err := rows.Scan(&rec.ID, &rec.ExecutionID, &ep, &rec.RuleCode, &rec.RuleVersion, &rec.ConditionResult,
			&rec.Outcome, &actionsExecuted, &rec.DurationMS, &rec.StartedAt, &rec.ContextDigest, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan execution record: %w", err)
		}
		rec.EntryPoint = core.EntryPoint(ep)
		if err := json.Unmarshal(actionsExecuted, &rec.ActionsExecuted); err != nil {
			return nil, fmt.Errorf("decode actions executed: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions rows: %w", err)
	}
	return records, nil
}

// PostgresVATTables serves country and rate lookups from the vat_countries
// and vat_rates tables.
type PostgresVATTables struct {
	repo *PostgresRepository
}

// VATTables returns the Postgres-backed VAT lookup tables.
func (r *PostgresRepository) VATTables() PostgresVATTables {
	return PostgresVATTables{repo: r}
}

func (t PostgresVATTables) RegionForCountry(ctx context.Context, country string) (vat.Region, bool, error) {
	var region string
	err := t.repo.pool.QueryRow(ctx, `SELECT region FROM vat_countries WHERE country = upper(trim($1))`, country).Scan(&region)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup vat region: %w", err)
	}
	return vat.Region(region), true, nil
}

func (t PostgresVATTables) RateForRegion(ctx context.Context, region vat.Region) (decimal.Decimal, bool, error) {
	var rate string
	err := t.repo.pool.QueryRow(ctx, `SELECT rate::text FROM vat_rates WHERE region = $1`, string(region)).Scan(&rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("lookup vat rate: %w", err)
	}
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse vat rate: %w", err)
	}
	return d, true, nil
}

func nonNilAcks(acks []core.AcknowledgmentRecord) []core.AcknowledgmentRecord {
	if acks == nil {
		return []core.AcknowledgmentRecord{}
	}
	return acks
}

func nonNilPrefs(prefs []core.PreferenceRecord) []core.PreferenceRecord {
	if prefs == nil {
		return []core.PreferenceRecord{}
	}
	return prefs
}

func nonNilOutcomes(outcomes []core.ActionOutcome) []core.ActionOutcome {
	if outcomes == nil {
		return []core.ActionOutcome{}
	}
	return outcomes
}
