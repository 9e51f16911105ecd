package core

import (
	"github.com/shopspring/decimal"
)

// CartFee is a named surcharge on a cart. A cart holds at most one fee per
// name.
type CartFee struct {
	Name        string          `json:"fee_name"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
}

// CartItemRequest adds a product line to a cart.
type CartItemRequest struct {
	ProductID   int64           `json:"product_id,omitempty"`
	ProductCode string          `json:"product_code,omitempty"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"actual_price"`
}

// DefaultCurrency applies to fees authored without a currency.
const DefaultCurrency = "GBP"

// FeeFromParams builds the fee described by an update action.
func FeeFromParams(p UpdateParams) CartFee {
	currency := p.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	return CartFee{
		Name:        p.FeeName,
		Amount:      p.Amount.Round(2),
		Currency:    currency,
		Description: p.Description,
	}
}

// ItemFromParams builds the item described by an add_cart_item action.
func ItemFromParams(p UpdateParams) CartItemRequest {
	quantity := p.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	return CartItemRequest{
		ProductID:   p.ProductID,
		ProductCode: p.ProductCode,
		Quantity:    quantity,
		Price:       p.Price.Round(2),
	}
}

// CartID reads cart.id from a context as an integer.
func CartID(data any) (int64, bool) {
	raw, ok := Lookup(data, "cart.id")
	if !ok {
		return 0, false
	}
	return AsInt(raw)
}

// AsInt converts an integral JSON value to int64.
func AsInt(value any) (int64, bool) {
	d, ok := AsDecimal(value, false)
	if !ok || !d.Equal(d.Truncate(0)) {
		return 0, false
	}
	return d.IntPart(), true
}
