package seed

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/admin3-rules/internal/repository"
	"github.com/matt-riley/admin3-rules/internal/service"
)

const defaultPackPath = "../../seeds/default.yaml"

func newService(t *testing.T) *service.Service {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc, err := service.New(ctx, repository.NewMemoryRepository())
	require.NoError(t, err)
	return svc
}

func TestDefaultPackIsValid(t *testing.T) {
	pack, err := LoadFile(defaultPackPath)
	require.NoError(t, err)

	require.NoError(t, Validate(pack))
	assert.Len(t, pack.Schemas, 2)
	assert.Len(t, pack.Templates, 5)

	codes := make([]string, 0, len(pack.Rules))
	for _, r := range pack.Rules {
		codes = append(codes, r.Code)
	}
	assert.Contains(t, codes, "terms_conditions_v1")
	assert.Contains(t, codes, "tutorial_credit_card_v1")
	assert.Contains(t, codes, "aset_warning")
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(strings.NewReader("rules:\n  - rule_code: r1\n    colour: red\n"))
	require.ErrorIs(t, err, ErrInvalidPack)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(strings.NewReader("rules: [\n"))
	require.ErrorIs(t, err, ErrInvalidPack)
}

func TestLoadEmptyPack(t *testing.T) {
	pack, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, pack.Rules)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	pack, err := Load(strings.NewReader(`
templates:
  - name: banner
    title: Hello
    content: <p>Hello</p>
    content_format: html
    message_type: info
rules:
  - rule_code: r1
    entry_point: basket_mount
    condition: {always: true}
    actions: []
  - rule_code: r2
    entry_point: home_page_mount
    condition: {always: true}
    actions:
      - {type: display, template_ref: missing_template}
  - rule_code: r2
    entry_point: home_page_mount
    fields_schema: {schema_code: nowhere, version: 1}
    condition: {frobnicate: [1]}
`))
	require.NoError(t, err)

	err = Validate(pack)
	require.ErrorIs(t, err, ErrInvalidPack)
	msg := err.Error()
	assert.Contains(t, msg, "unknown entry point")
	assert.Contains(t, msg, `unknown template "missing_template"`)
	assert.Contains(t, msg, `duplicate rule_code "r2"`)
	assert.Contains(t, msg, "invalid rule")
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	pack, err := LoadFile(defaultPackPath)
	require.NoError(t, err)

	applier := NewApplier(svc)
	first, err := applier.Apply(ctx, pack)
	require.NoError(t, err)
	assert.Equal(t, len(pack.Schemas), first.SchemasCreated)
	assert.Equal(t, len(pack.Templates), first.TemplatesCreated)
	assert.Equal(t, len(pack.Rules), first.RulesCreated)

	second, err := applier.Apply(ctx, pack)
	require.NoError(t, err)
	assert.Equal(t, Summary{Unchanged: len(pack.Schemas) + len(pack.Templates) + len(pack.Rules)}, second)

	rule, err := svc.GetRule(ctx, "terms_conditions_v1")
	require.NoError(t, err)
	assert.Equal(t, 1, rule.Version)
}

func TestApplyUpdatesChangedRule(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	pack, err := LoadFile(defaultPackPath)
	require.NoError(t, err)

	applier := NewApplier(svc, WithActor("release-42"))
	_, err = applier.Apply(ctx, pack)
	require.NoError(t, err)

	for i := range pack.Rules {
		if pack.Rules[i].Code == "uk_import_tax" {
			pack.Rules[i].Priority = 5
		}
	}
	summary, err := applier.Apply(ctx, pack)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.RulesUpdated)

	rule, err := svc.GetRule(ctx, "uk_import_tax")
	require.NoError(t, err)
	assert.Equal(t, 5, rule.Priority)
	assert.Equal(t, 2, rule.Version)

	versions, err := svc.ListRuleVersions(ctx, "uk_import_tax")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestApplyRejectsInvalidPackBeforeWriting(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	pack := Pack{Rules: []repository.Rule{{
		Code:       "broken",
		EntryPoint: "home_page_mount",
		Condition:  json.RawMessage(`{"always":true}`),
		Actions:    json.RawMessage(`[{"type":"display","template_ref":"nope"}]`),
	}}}
	_, err := NewApplier(svc).Apply(ctx, pack)
	require.ErrorIs(t, err, ErrInvalidPack)

	rules, err := svc.ListRules(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestSameRuleIgnoresStoreDefaults(t *testing.T) {
	authored := repository.Rule{
		Code:       "r1",
		EntryPoint: "Home Page Mount",
		Condition:  nil,
		Actions:    json.RawMessage(`[{"type":"display","template_ref":"banner"}]`),
	}
	stored := repository.Rule{
		Code:       "r1",
		EntryPoint: "home_page_mount",
		Version:    3,
		Condition:  json.RawMessage(`{"always": true}`),
		Actions:    json.RawMessage(`[{"type":"display","template_ref":"banner","display_type":"inline","variant":"info"}]`),
		Metadata:   json.RawMessage(`{}`),
	}
	assert.True(t, sameRule(authored, stored))

	stored.Priority = 1
	assert.False(t, sameRule(authored, stored))
}
