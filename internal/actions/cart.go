package actions

import (
	"encoding/json"
	"fmt"

	"github.com/matt-riley/admin3-rules/internal/core"
)

func cartMap(data any) map[string]any {
	root, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	cart, _ := root["cart"].(map[string]any)
	return cart
}

func cartSnapshot(data any) ([]byte, error) {
	cart := cartMap(data)
	if cart == nil {
		return []byte(`{}`), nil
	}
	encoded, err := json.Marshal(cart)
	if err != nil {
		return nil, fmt.Errorf("encode cart: %w", err)
	}
	return encoded, nil
}

func feeEntry(fee core.CartFee) map[string]any {
	return map[string]any{
		"fee_name":    fee.Name,
		"amount":      fee.Amount.StringFixed(2),
		"currency":    fee.Currency,
		"description": fee.Description,
	}
}

// upsertContextFee keeps cart.fees in the context in step with the cart
// service so later rules in the same run observe the fee.
func upsertContextFee(data any, fee core.CartFee) {
	cart := cartMap(data)
	if cart == nil {
		return
	}
	fees, _ := cart["fees"].([]any)
	for i, existing := range fees {
		entry, ok := existing.(map[string]any)
		if ok && entry["fee_name"] == fee.Name {
			fees[i] = feeEntry(fee)
			cart["fees"] = fees
			return
		}
	}
	cart["fees"] = append(fees, feeEntry(fee))
}

func removeContextFee(data any, name string) {
	cart := cartMap(data)
	if cart == nil {
		return
	}
	fees, _ := cart["fees"].([]any)
	kept := make([]any, 0, len(fees))
	for _, existing := range fees {
		if entry, ok := existing.(map[string]any); ok && entry["fee_name"] == name {
			continue
		}
		kept = append(kept, existing)
	}
	if len(kept) != len(fees) {
		cart["fees"] = kept
	}
}

func appendContextItem(data any, item core.CartItemRequest) {
	cart := cartMap(data)
	if cart == nil {
		return
	}
	items, _ := cart["items"].([]any)
	entry := map[string]any{
		"quantity":     json.Number(fmt.Sprint(item.Quantity)),
		"actual_price": item.Price.StringFixed(2),
	}
	if item.ProductID > 0 {
		entry["product_id"] = json.Number(fmt.Sprint(item.ProductID))
	}
	if item.ProductCode != "" {
		entry["product_code"] = item.ProductCode
	}
	cart["items"] = append(items, entry)
}
