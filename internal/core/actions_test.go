package core

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseActions(t *testing.T) {
	payload := `[
		{"type":"display","template_ref":"aset_warning","variant":"warning",
		 "context_mapping":{
			"subjects":{"source":"cart.items","filter":{"in":[{"var":"product_id"},[72,73]]},"extract":"subject_code"},
			"country":"user.home_country"
		 }},
		{"type":"user_acknowledge","ack_key":"terms_conditions_v1","template_ref":"terms","required":true,"blocking":true},
		{"type":"user_preference","preference_key":"marketing","input_type":"radio","template_ref":"marketing",
		 "options":[{"value":"yes","label":"Yes"},{"value":"no","label":"No"}]},
		{"type":"update","op":"add_cart_fee","params":{"fee_name":"tutorial_booking","amount":"5.00","currency":"GBP"}},
		{"type":"vat","op":"compute_totals"},
		{"type":"custom_function","name":"lookup_region","args":[{"var":"user.home_country"}]}
	]`

	actions, err := ParseActions([]byte(payload))
	if err != nil {
		t.Fatalf("ParseActions() error = %v", err)
	}
	if len(actions) != 6 {
		t.Fatalf("len(actions) = %d, want 6", len(actions))
	}

	display, ok := actions[0].(DisplayAction)
	if !ok {
		t.Fatalf("actions[0] = %T, want DisplayAction", actions[0])
	}
	if display.DisplayType != DisplayInline {
		t.Fatalf("display default display_type = %q, want %q", display.DisplayType, DisplayInline)
	}
	if display.ContextMapping["country"].Path != "user.home_country" {
		t.Fatalf("bare string mapping = %+v, want path", display.ContextMapping["country"])
	}
	if display.ContextMapping["subjects"].Filter == nil {
		t.Fatal("filter was not parsed")
	}

	ack := actions[1].(AcknowledgeAction)
	if !ack.Required || !ack.Blocking || ack.DisplayType != DisplayModal {
		t.Fatalf("acknowledge = %+v", ack)
	}

	update := actions[3].(UpdateAction)
	if update.Params.Amount.StringFixed(2) != "5.00" {
		t.Fatalf("fee amount = %s, want 5.00", update.Params.Amount.StringFixed(2))
	}

	encoded, err := json.Marshal(actions)
	if err != nil {
		t.Fatalf("Marshal(actions) error = %v", err)
	}
	if !strings.Contains(string(encoded), `"type":"custom_function"`) {
		t.Fatalf("marshalled actions missing type tag: %s", encoded)
	}
	again, err := ParseActions(encoded)
	if err != nil {
		t.Fatalf("ParseActions(marshalled) error = %v", err)
	}
	if len(again) != len(actions) {
		t.Fatalf("round trip len = %d, want %d", len(again), len(actions))
	}
	for i := range again {
		if again[i].Kind() != actions[i].Kind() {
			t.Fatalf("round trip kind[%d] = %q, want %q", i, again[i].Kind(), actions[i].Kind())
		}
	}
}

func TestParseActionsRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown type":           `[{"type":"send_email"}]`,
		"display without ref":    `[{"type":"display"}]`,
		"bad variant":            `[{"type":"display","template_ref":"x","variant":"purple"}]`,
		"ack without key":        `[{"type":"user_acknowledge","template_ref":"x"}]`,
		"radio without options":  `[{"type":"user_preference","preference_key":"p","input_type":"radio","template_ref":"x"}]`,
		"unknown input type":     `[{"type":"user_preference","preference_key":"p","input_type":"slider","template_ref":"x"}]`,
		"fee without name":       `[{"type":"update","op":"add_cart_fee","params":{"amount":"5"}}]`,
		"unknown update op":      `[{"type":"update","op":"empty_cart"}]`,
		"unknown vat op":         `[{"type":"vat","op":"refund"}]`,
		"function without name":  `[{"type":"custom_function"}]`,
		"mapping with two kinds": `[{"type":"display","template_ref":"x","context_mapping":{"v":{"path":"a","fn":"b"}}}]`,
		"filter bad operator":    `[{"type":"display","template_ref":"x","context_mapping":{"v":{"source":"a","filter":{"nope":1},"extract":"b"}}}]`,
		"not a list":             `{"type":"vat"}`,
	}

	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseActions([]byte(payload)); err == nil {
				t.Fatal("ParseActions() error = nil, want error")
			} else if !errors.Is(err, ErrInvalidAction) && !errors.Is(err, ErrInvalidCondition) {
				t.Fatalf("ParseActions() error = %v, want ErrInvalidAction", err)
			}
		})
	}
}

func TestParseEntryPoint(t *testing.T) {
	tests := []struct {
		input   string
		want    EntryPoint
		wantErr bool
	}{
		{input: "checkout_terms", want: EntryPointCheckoutTerms},
		{input: "  Checkout Payment ", want: EntryPointCheckoutPayment},
		{input: "HOME PAGE MOUNT", want: EntryPointHomePageMount},
		{input: "checkout_shipping", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseEntryPoint(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownEntryPoint) {
					t.Fatalf("ParseEntryPoint() error = %v, want %v", err, ErrUnknownEntryPoint)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEntryPoint() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("ParseEntryPoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckoutEntryPoints(t *testing.T) {
	for _, ep := range CheckoutEntryPoints() {
		if !ep.IsCheckout() {
			t.Fatalf("%q.IsCheckout() = false", ep)
		}
	}
	if EntryPointHomePageMount.IsCheckout() {
		t.Fatal("home_page_mount.IsCheckout() = true")
	}
	if len(EntryPoints()) != 9 {
		t.Fatalf("len(EntryPoints()) = %d, want 9", len(EntryPoints()))
	}
}

func TestRuleDeclaredAcknowledgments(t *testing.T) {
	actions, err := ParseActions([]byte(`[
		{"type":"display","template_ref":"banner"},
		{"type":"user_acknowledge","ack_key":"card_v1","template_ref":"card","required":true,"blocking":true},
		{"type":"user_acknowledge","ack_key":"soft","template_ref":"soft","blocking":true},
		{"type":"user_acknowledge","ack_key":"optional","template_ref":"optional"}
	]`))
	if err != nil {
		t.Fatalf("ParseActions() error = %v", err)
	}
	rule := Rule{Code: "card_rule", Version: 3, Actions: actions}

	got := rule.DeclaredAcknowledgments(EntryPointCheckoutPayment)
	if len(got) != 2 {
		t.Fatalf("len(DeclaredAcknowledgments()) = %d, want 2", len(got))
	}
	if got[0].ID() != (AckID{EntryPoint: EntryPointCheckoutPayment, AckKey: "card_v1"}) || !got[0].Required || !got[0].Blocking {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[0].Fingerprint != "card_rule@v3/card" || got[0].RuleVersion != 3 {
		t.Errorf("got[0] fingerprint = %q version = %d", got[0].Fingerprint, got[0].RuleVersion)
	}
	if got[1].AckKey != "soft" || got[1].Required || !got[1].Blocking {
		t.Errorf("got[1] = %+v", got[1])
	}
}

func TestTemplateValidate(t *testing.T) {
	valid := Template{Name: "terms", ContentFormat: ContentFormatHTML, MessageType: MessageTypeTerms}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	invalidJSON := Template{Name: "x", ContentFormat: ContentFormatJSON, MessageType: MessageTypeInfo, Content: "{"}
	if err := invalidJSON.Validate(); err == nil {
		t.Fatal("Validate() with invalid json content error = nil")
	}

	badType := Template{Name: "x", ContentFormat: ContentFormatHTML, MessageType: "shout"}
	if err := badType.Validate(); err == nil {
		t.Fatal("Validate() with unknown message_type error = nil")
	}
}
