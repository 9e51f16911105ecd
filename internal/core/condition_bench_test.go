package core

import (
	"fmt"
	"strings"
	"testing"
)

func BenchmarkConditionEvaluate_Always(b *testing.B) {
	condition := Always(true)

	b.ResetTimer()
	for b.Loop() {
		_, _ = condition.Evaluate(nil)
	}
}

func BenchmarkConditionEvaluate_SomeOverItems(b *testing.B) {
	items := make([]string, 50)
	for i := range items {
		items[i] = fmt.Sprintf(`{"product_id": %d, "subject_code": "S%d"}`, i+100, i)
	}
	data, err := DecodeJSON([]byte(`{"cart":{"items":[` + strings.Join(items, ",") + `]}}`))
	if err != nil {
		b.Fatalf("decode: %v", err)
	}
	condition := MustParseCondition(`{"some":[{"var":"cart.items"},{"in":[{"var":"product_id"},[72,73]]}]}`)

	b.ResetTimer()
	for b.Loop() {
		_, _ = condition.Evaluate(data)
	}
}

func BenchmarkParseCondition(b *testing.B) {
	payload := []byte(`{"or":[{"==":[{"var":"user.home_country"},"Singapore"]},{"!=":[{"var":"user.work_country"},"United Kingdom"]}]}`)

	b.ResetTimer()
	for b.Loop() {
		_, _ = ParseCondition(payload)
	}
}
