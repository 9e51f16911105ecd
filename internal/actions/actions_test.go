package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/admin3-rules/internal/core"
	"github.com/matt-riley/admin3-rules/internal/functions"
	"github.com/matt-riley/admin3-rules/internal/templates"
	"github.com/matt-riley/admin3-rules/internal/vat"
)

type fakeTemplates map[string]core.Template

func (f fakeTemplates) Template(_ context.Context, ref string) (core.Template, error) {
	tmpl, ok := f[ref]
	if !ok {
		return core.Template{}, fmt.Errorf("template %q: not found", ref)
	}
	return tmpl, nil
}

type fakeCart struct {
	fees    map[int64]map[string]core.CartFee
	items   []core.CartItemRequest
	vat     *vat.CartResult
	err     error
	explode bool
}

func newFakeCart() *fakeCart {
	return &fakeCart{fees: make(map[int64]map[string]core.CartFee)}
}

func (c *fakeCart) UpsertFee(_ context.Context, cartID int64, fee core.CartFee) error {
	if c.explode {
		panic("cart service exploded")
	}
	if c.err != nil {
		return c.err
	}
	if c.fees[cartID] == nil {
		c.fees[cartID] = make(map[string]core.CartFee)
	}
	c.fees[cartID][fee.Name] = fee
	return nil
}

func (c *fakeCart) RemoveFee(_ context.Context, cartID int64, name string) (bool, error) {
	if _, ok := c.fees[cartID][name]; !ok {
		return false, nil
	}
	delete(c.fees[cartID], name)
	return true, nil
}

func (c *fakeCart) AddItem(_ context.Context, _ int64, item core.CartItemRequest) error {
	c.items = append(c.items, item)
	return nil
}

func (c *fakeCart) SaveVAT(_ context.Context, _ int64, result vat.CartResult) error {
	c.vat = &result
	return nil
}

var testTemplates = fakeTemplates{
	"terms": {
		ID: 1, Name: "terms", Title: "Terms & Conditions", MessageType: core.MessageTypeTerms,
		ContentFormat: core.ContentFormatHTML, Content: "<p>Please accept our terms.</p>",
	},
	"aset_warning": {
		ID: 2, Name: "aset_warning", Title: "ASET", MessageType: core.MessageTypeWarning,
		ContentFormat: core.ContentFormatHTML, Content: "<p>ASET for {subjects}</p>",
	},
	"marketing": {
		ID: 3, Name: "marketing", Title: "Marketing", MessageType: core.MessageTypePreference,
		ContentFormat: core.ContentFormatJSON, Content: `{"text":"Hear from us?"}`,
	},
}

func newDispatcher(cart CartService) *Dispatcher {
	registry := functions.New(nil, nil)
	return New(testTemplates, templates.New(registry), WithCart(cart), WithFunctions(registry))
}

func testContext(t *testing.T) any {
	t.Helper()
	data, err := core.DecodeJSON([]byte(`{
		"user": {"home_country": "United Kingdom"},
		"cart": {"id": 9, "items": [
			{"product_id": 72, "subject_code": "CM1", "actual_price": "10.00", "quantity": 1, "variation_type": "eBook"},
			{"product_id": 5, "subject_code": "CB1", "actual_price": "20.00", "quantity": 1}
		]}
	}`))
	require.NoError(t, err)
	return data
}

func parseOne(t *testing.T, payload string) core.Action {
	t.Helper()
	actions, err := core.ParseActions([]byte("[" + payload + "]"))
	require.NoError(t, err)
	return actions[0]
}

func request(t *testing.T, ep core.EntryPoint) Request {
	return Request{
		EntryPoint: ep,
		Rule:       core.Rule{Code: "rule_x", Version: 3, EntryPoint: ep},
		Data:       testContext(t),
	}
}

func TestDisplayRendersFilteredSubjects(t *testing.T) {
	var out Output
	action := parseOne(t, `{"type":"display","template_ref":"aset_warning","variant":"warning",
		"context_mapping":{"subjects":{"source":"cart.items","filter":{"in":[{"var":"product_id"},[72,73]]},"extract":"subject_code"}}}`)

	outcome := newDispatcher(nil).Dispatch(context.Background(), request(t, core.EntryPointCheckoutStart), action, &out)

	assert.Equal(t, core.ActionOK, outcome.Outcome)
	require.Len(t, out.Messages, 1)
	msg := out.Messages[0]
	assert.Equal(t, `"<p>ASET for CM1</p>"`, string(msg.Message))
	assert.Equal(t, core.VariantWarning, msg.Variant)
	assert.Equal(t, core.DisplayInline, msg.DisplayType)
	assert.Equal(t, int64(2), msg.TemplateID)
	assert.Equal(t, "rule_x", msg.RuleCode)
	assert.Empty(t, out.RequiredAcknowledgments)
}

func TestAcknowledgeEmitsRequiredAcknowledgment(t *testing.T) {
	var out Output
	action := parseOne(t, `{"type":"user_acknowledge","ack_key":"terms_conditions_v1","template_ref":"terms","required":true,"blocking":true}`)

	outcome := newDispatcher(nil).Dispatch(context.Background(), request(t, core.EntryPointCheckoutTerms), action, &out)

	assert.Equal(t, core.ActionOK, outcome.Outcome)
	require.Len(t, out.RequiredAcknowledgments, 1)
	ack := out.RequiredAcknowledgments[0]
	assert.Equal(t, core.AckID{EntryPoint: core.EntryPointCheckoutTerms, AckKey: "terms_conditions_v1"}, ack.ID())
	assert.True(t, ack.Blocking)
	assert.Equal(t, "rule_x@v3/terms", ack.Fingerprint)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "terms_conditions_v1", out.Messages[0].AckKey)
	assert.Equal(t, core.MessageTypeTerms, out.Messages[0].Type)
}

func TestPreferenceEmitsPrompt(t *testing.T) {
	var out Output
	action := parseOne(t, `{"type":"user_preference","preference_key":"marketing","input_type":"radio","template_ref":"marketing",
		"options":[{"value":"yes","label":"Yes"},{"value":"no","label":"No"}],"default":"no"}`)

	outcome := newDispatcher(nil).Dispatch(context.Background(), request(t, core.EntryPointCheckoutPreference), action, &out)

	assert.Equal(t, core.ActionOK, outcome.Outcome)
	require.Len(t, out.PreferencePrompts, 1)
	prompt := out.PreferencePrompts[0]
	assert.Equal(t, core.InputRadio, prompt.InputType)
	assert.Len(t, prompt.Options, 2)
	assert.JSONEq(t, `{"text":"Hear from us?"}`, string(prompt.Content))
}

func TestMissingTemplateIsContained(t *testing.T) {
	var out Output
	action := parseOne(t, `{"type":"display","template_ref":"nope"}`)

	outcome := newDispatcher(nil).Dispatch(context.Background(), request(t, core.EntryPointHomePageMount), action, &out)

	assert.Equal(t, "error:template", outcome.Outcome)
	assert.Contains(t, outcome.Detail, "nope")
	assert.Empty(t, out.Messages)
}

func TestAddCartFeeIsIdempotent(t *testing.T) {
	cart := newFakeCart()
	d := newDispatcher(cart)
	req := request(t, core.EntryPointCheckoutStart)
	action := parseOne(t, `{"type":"update","op":"add_cart_fee","params":{"fee_name":"tutorial_booking","amount":"5.00"}}`)

	var out Output
	for range 2 {
		outcome := d.Dispatch(context.Background(), req, action, &out)
		require.Equal(t, core.ActionOK, outcome.Outcome)
	}

	require.Len(t, cart.fees[9], 1)
	fee := cart.fees[9]["tutorial_booking"]
	assert.True(t, fee.Amount.Equal(decimal.RequireFromString("5.00")))
	assert.Equal(t, core.DefaultCurrency, fee.Currency)

	fees, ok := core.Lookup(req.Data, "cart.fees")
	require.True(t, ok)
	assert.Len(t, fees, 1, "context fee list stays single-row")

	require.Len(t, out.Updates, 2)
	assert.JSONEq(t,
		`{"fees":[{"fee_name":"tutorial_booking","amount":"5.00","currency":"GBP","description":""}]}`,
		string(out.Updates[0].Patch))
	assert.JSONEq(t, `{}`, string(out.Updates[1].Patch), "second upsert changes nothing")
}

func TestRemoveCartFeeWhenAbsent(t *testing.T) {
	cart := newFakeCart()
	var out Output
	action := parseOne(t, `{"type":"update","op":"remove_cart_fee","params":{"fee_name":"tutorial_booking"}}`)

	outcome := newDispatcher(cart).Dispatch(context.Background(), request(t, core.EntryPointCheckoutStart), action, &out)

	assert.Equal(t, core.ActionOK, outcome.Outcome)
	require.Len(t, out.Updates, 1)
	assert.Equal(t, "absent", out.Updates[0].Outcome)
}

func TestAddCartItem(t *testing.T) {
	cart := newFakeCart()
	var out Output
	req := request(t, core.EntryPointCheckoutStart)
	action := parseOne(t, `{"type":"update","op":"add_cart_item","params":{"product_id":99,"price":"12.50"}}`)

	outcome := newDispatcher(cart).Dispatch(context.Background(), req, action, &out)

	assert.Equal(t, core.ActionOK, outcome.Outcome)
	require.Len(t, cart.items, 1)
	assert.Equal(t, 1, cart.items[0].Quantity)
	items, _ := core.Lookup(req.Data, "cart.items")
	assert.Len(t, items, 3)
}

func TestUpdateSkipsInDryRun(t *testing.T) {
	cart := newFakeCart()
	req := request(t, core.EntryPointCheckoutStart)
	req.DryRun = true
	var out Output
	action := parseOne(t, `{"type":"update","op":"add_cart_fee","params":{"fee_name":"f","amount":"1"}}`)

	outcome := newDispatcher(cart).Dispatch(context.Background(), req, action, &out)

	assert.Equal(t, core.ActionSkipped, outcome.Outcome)
	assert.Empty(t, cart.fees)
}

func TestUpdateWithoutCartID(t *testing.T) {
	var out Output
	req := request(t, core.EntryPointCheckoutStart)
	req.Data = map[string]any{"cart": map[string]any{}}
	action := parseOne(t, `{"type":"update","op":"add_cart_fee","params":{"fee_name":"f","amount":"1"}}`)

	outcome := newDispatcher(newFakeCart()).Dispatch(context.Background(), req, action, &out)
	assert.Equal(t, "error:cart", outcome.Outcome)
}

func TestCartErrorsAndPanicsAreContained(t *testing.T) {
	action := parseOne(t, `{"type":"update","op":"add_cart_fee","params":{"fee_name":"f","amount":"1"}}`)

	failing := newFakeCart()
	failing.err = errors.New("row locked")
	var out Output
	outcome := newDispatcher(failing).Dispatch(context.Background(), request(t, core.EntryPointCheckoutStart), action, &out)
	assert.Equal(t, "error:cart", outcome.Outcome)
	assert.Contains(t, outcome.Detail, "row locked")

	exploding := newFakeCart()
	exploding.explode = true
	outcome = newDispatcher(exploding).Dispatch(context.Background(), request(t, core.EntryPointCheckoutStart), action, &out)
	assert.Equal(t, "error:panic", outcome.Outcome)
	assert.Empty(t, out.Updates)
}

func TestVATActionComputesAndSaves(t *testing.T) {
	cart := newFakeCart()
	var out Output
	action := parseOne(t, `{"type":"vat","op":"compute_totals"}`)

	outcome := newDispatcher(cart).Dispatch(context.Background(), request(t, core.EntryPointCheckoutStart), action, &out)

	assert.Equal(t, core.ActionOK, outcome.Outcome)
	require.NotNil(t, out.VAT)
	assert.Equal(t, vat.RegionUK, out.VAT.Region)
	assert.Equal(t, "0.00", out.VAT.Items[0].VAT.StringFixed(2), "UK eBook is zero-rated")
	assert.Equal(t, "4.00", out.VAT.Items[1].VAT.StringFixed(2))
	assert.Equal(t, "34.00", out.VAT.Totals.Gross.StringFixed(2))
	require.NotNil(t, cart.vat)
}

func TestVATClassifyDoesNotSave(t *testing.T) {
	cart := newFakeCart()
	var out Output
	outcome := newDispatcher(cart).Dispatch(context.Background(), request(t, core.EntryPointCheckoutStart), parseOne(t, `{"type":"vat","op":"classify_item"}`), &out)

	assert.Equal(t, core.ActionOK, outcome.Outcome)
	require.NotNil(t, out.VAT)
	assert.True(t, out.VAT.Items[0].Classification.IsEbook)
	assert.Nil(t, cart.vat)
}

func TestCustomFunction(t *testing.T) {
	var out Output
	d := newDispatcher(nil)

	outcome := d.Dispatch(context.Background(), request(t, core.EntryPointHomePageMount),
		parseOne(t, `{"type":"custom_function","name":"lookup_region","args":[{"var":"user.home_country"}]}`), &out)
	assert.Equal(t, core.ActionOK, outcome.Outcome)
	require.Len(t, out.Functions, 1)
	assert.Equal(t, "UK", out.Functions[0].Result)

	outcome = d.Dispatch(context.Background(), request(t, core.EntryPointHomePageMount),
		parseOne(t, `{"type":"custom_function","name":"send_email"}`), &out)
	assert.Equal(t, core.ActionSkipped, outcome.Outcome)

	outcome = d.Dispatch(context.Background(), request(t, core.EntryPointHomePageMount),
		parseOne(t, `{"type":"custom_function","name":"add_decimals","args":["x","1"]}`), &out)
	assert.Equal(t, "error:function", outcome.Outcome)
}

func TestUpdatePatchIsValidJSON(t *testing.T) {
	cart := newFakeCart()
	var out Output
	newDispatcher(cart).Dispatch(context.Background(), request(t, core.EntryPointCheckoutStart),
		parseOne(t, `{"type":"update","op":"add_cart_fee","params":{"fee_name":"f","amount":"2.5","currency":"EUR"}}`), &out)

	require.Len(t, out.Updates, 1)
	assert.True(t, json.Valid(out.Updates[0].Patch))
}
