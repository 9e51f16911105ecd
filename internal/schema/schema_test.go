package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/admin3-rules/internal/core"
)

const checkoutSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["user", "cart"],
	"properties": {
		"user": {
			"type": "object",
			"required": ["home_country"],
			"properties": {"home_country": {"type": "string"}}
		},
		"cart": {
			"type": "object",
			"properties": {
				"id": {"type": "integer"},
				"items": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["product_id"],
						"properties": {
							"product_id": {"type": "integer"},
							"actual_price": {"type": "string", "pattern": "^[0-9]+\\.[0-9]{2}$"}
						}
					}
				}
			}
		}
	}
}`

func fieldsSchema(version int, document string) core.FieldsSchema {
	return core.FieldsSchema{Code: "checkout_context", Version: version, Schema: json.RawMessage(document), Active: true}
}

func decode(t *testing.T, payload string) any {
	t.Helper()
	data, err := core.DecodeJSON([]byte(payload))
	require.NoError(t, err)
	return data
}

func TestValidateAcceptsConformingContext(t *testing.T) {
	v := NewValidator()
	data := decode(t, `{"user":{"home_country":"GB"},"cart":{"id":7,"items":[{"product_id":72,"actual_price":"10.00"}]}}`)

	require.NoError(t, v.Validate(fieldsSchema(1, checkoutSchema), data))
}

func TestValidateReportsEveryFailingPath(t *testing.T) {
	v := NewValidator()
	data := decode(t, `{"user":{},"cart":{"id":"seven","items":[{"product_id":72,"actual_price":"ten"}]}}`)

	err := v.Validate(fieldsSchema(1, checkoutSchema), data)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "err = %T", err)
	assert.Equal(t, core.SchemaRef{Code: "checkout_context", Version: 1}, verr.Ref)
	assert.Equal(t, []string{"/cart/id", "/cart/items/0/actual_price", "/user"}, verr.Paths())
	assert.Contains(t, verr.Error(), "checkout_context@v1")
}

func TestValidateMemoisesByVersion(t *testing.T) {
	v := NewValidator()
	data := decode(t, `{"user":{"home_country":"GB"},"cart":{}}`)

	require.NoError(t, v.Validate(fieldsSchema(1, checkoutSchema), data))
	require.NoError(t, v.Validate(fieldsSchema(1, checkoutSchema), data))
	assert.Equal(t, 1, v.Len())

	stricter := `{"type":"object","required":["page"]}`
	err := v.Validate(fieldsSchema(2, stricter), data)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 2, v.Len())
}

func TestCompileRejectsInvalidDocuments(t *testing.T) {
	ref := core.SchemaRef{Code: "broken", Version: 1}
	for name, document := range map[string]string{
		"empty":     ``,
		"not json":  `{"type":`,
		"bad type":  `{"type":"banana"}`,
		"bad regex": `{"type":"string","pattern":"("}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Compile(ref, json.RawMessage(document))
			require.ErrorIs(t, err, ErrInvalidSchema)
		})
	}
}

func TestValidateSurfacesCompileErrors(t *testing.T) {
	err := NewValidator().Validate(fieldsSchema(1, `{"type":"banana"}`), map[string]any{})
	require.ErrorIs(t, err, ErrInvalidSchema)
}

func TestTopLevelProperties(t *testing.T) {
	assert.Equal(t, []string{"cart", "user"}, TopLevelProperties(json.RawMessage(checkoutSchema)))
	assert.Empty(t, TopLevelProperties(json.RawMessage(`{"type":"object"}`)))
	assert.Empty(t, TopLevelProperties(json.RawMessage(`nope`)))
}
