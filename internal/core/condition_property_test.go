//go:build property
// +build property

package core

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

func evaluate(t *testing.T, condition string, data any) bool {
	t.Helper()

	c, err := ParseCondition([]byte(condition))
	if err != nil {
		t.Fatalf("ParseCondition(%s) error = %v", condition, err)
	}
	got, err := c.Evaluate(data)
	if err != nil {
		t.Fatalf("Evaluate(%s) error = %v", condition, err)
	}
	return got
}

func TestConditionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("amount addition is exact", prop.ForAll(
		func(a, b int64) bool {
			left, right := decimal.New(a, -2), decimal.New(b, -2)
			condition := fmt.Sprintf(`{"==":[{"+":[%s,%s]},%s]}`, left, right, left.Add(right))
			return evaluate(t, condition, map[string]any{})
		},
		gen.Int64Range(-10_000_000, 10_000_000),
		gen.Int64Range(-10_000_000, 10_000_000),
	))

	properties.Property("double negation preserves the result", prop.ForAll(
		func(total, threshold int64) bool {
			data := map[string]any{"cart": map[string]any{"total": decimal.New(total, -2).String()}}
			inner := fmt.Sprintf(`{">":[{"var":"cart.total"},%s]}`, decimal.New(threshold, -2))
			return evaluate(t, `{"!":[{"!":[`+inner+`]}]}`, data) == evaluate(t, inner, data)
		},
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(0, 1_000_000),
	))

	properties.Property("ordering against a missing path never matches", prop.ForAll(
		func(n int64, op string) bool {
			condition := fmt.Sprintf(`{%q:[{"var":"cart.absent"},%d]}`, op, n)
			return !evaluate(t, condition, map[string]any{"cart": map[string]any{}})
		},
		gen.Int64(),
		gen.OneConstOf("<", "<=", ">", ">="),
	))

	properties.TestingRun(t)
}
