// Package vat classifies cart lines, maps countries to VAT regions and
// computes per-line and total VAT. All monetary arithmetic uses
// fixed-point decimals rounded half-up to two places.
package vat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/matt-riley/admin3-rules/internal/core"
)

var ErrUnknownRegion = errors.New("unknown vat region")

// Region is a VAT grouping derived from a country.
type Region string

const (
	RegionUK  Region = "UK"
	RegionIE  Region = "IE"
	RegionEU  Region = "EU"
	RegionSA  Region = "SA"
	RegionCH  Region = "CH"
	RegionGG  Region = "GG"
	RegionROW Region = "ROW"
)

// Regions lists every region in table order.
func Regions() []Region {
	return []Region{RegionUK, RegionIE, RegionEU, RegionSA, RegionCH, RegionGG, RegionROW}
}

// ParseRegion accepts a region code in any case.
func ParseRegion(code string) (Region, bool) {
	r := Region(strings.ToUpper(strings.TrimSpace(code)))
	for _, known := range Regions() {
		if r == known {
			return r, true
		}
	}
	return "", false
}

var saRate = decimal.RequireFromString("0.15")

// Classification is derived from item metadata.
type Classification struct {
	IsEbook        bool `json:"is_ebook"`
	IsDigital      bool `json:"is_digital"`
	IsLiveTutorial bool `json:"is_live_tutorial"`
}

// Tables is the persisted country and rate lookup.
type Tables interface {
	RegionForCountry(ctx context.Context, country string) (Region, bool, error)
	RateForRegion(ctx context.Context, region Region) (decimal.Decimal, bool, error)
}

// Round applies the single rounding policy: half-up to two places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Line is one computed VAT line.
type Line struct {
	Net   decimal.Decimal
	Rate  decimal.Decimal
	VAT   decimal.Decimal
	Gross decimal.Decimal
}

type lineJSON struct {
	Net   string `json:"net"`
	Rate  string `json:"rate"`
	VAT   string `json:"vat"`
	Gross string `json:"gross"`
}

func (l Line) MarshalJSON() ([]byte, error) {
	return json.Marshal(lineJSON{
		Net:   l.Net.StringFixed(2),
		Rate:  l.Rate.String(),
		VAT:   l.VAT.StringFixed(2),
		Gross: l.Gross.StringFixed(2),
	})
}

func (l *Line) UnmarshalJSON(payload []byte) error {
	var raw lineJSON
	if err := json.Unmarshal(payload, &raw); err != nil {
		return err
	}
	var err error
	if l.Net, err = decimal.NewFromString(raw.Net); err != nil {
		return fmt.Errorf("net: %w", err)
	}
	if l.Rate, err = decimal.NewFromString(raw.Rate); err != nil {
		return fmt.Errorf("rate: %w", err)
	}
	if l.VAT, err = decimal.NewFromString(raw.VAT); err != nil {
		return fmt.Errorf("vat: %w", err)
	}
	if l.Gross, err = decimal.NewFromString(raw.Gross); err != nil {
		return fmt.Errorf("gross: %w", err)
	}
	return nil
}

// Totals sums computed lines.
type Totals struct {
	Net   decimal.Decimal
	VAT   decimal.Decimal
	Gross decimal.Decimal
}

func (t Totals) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"net":   t.Net.StringFixed(2),
		"vat":   t.VAT.StringFixed(2),
		"gross": t.Gross.StringFixed(2),
	})
}

// ComputeItem rounds net, computes vat = round(net*rate) and gross = net+vat.
func ComputeItem(net, rate decimal.Decimal) Line {
	net = Round(net)
	vat := Round(net.Mul(rate))
	return Line{Net: net, Rate: rate, VAT: vat, Gross: net.Add(vat)}
}

// ComputeTotals sums lines without re-rounding, so totals.Gross always
// equals the sum of line nets plus the sum of line VAT.
func ComputeTotals(lines []Line) Totals {
	totals := Totals{Net: decimal.Zero, VAT: decimal.Zero, Gross: decimal.Zero}
	for _, line := range lines {
		totals.Net = totals.Net.Add(line.Net)
		totals.VAT = totals.VAT.Add(line.VAT)
		totals.Gross = totals.Gross.Add(line.Gross)
	}
	return totals
}

// Classify derives the VAT classification of a cart item from its product
// type, variation and explicit flags.
func Classify(item map[string]any) Classification {
	productType := strings.ToLower(core.Stringify(lookup(item, "product_type")))
	variation := strings.ToLower(strings.Join([]string{
		core.Stringify(lookup(item, "variation_type")),
		core.Stringify(lookup(item, "variation_name")),
		core.Stringify(lookup(item, "metadata.variation_type")),
	}, " "))

	c := Classification{
		IsEbook:        flag(item, "is_ebook") || strings.Contains(variation, "ebook") || productType == "ebook",
		IsDigital:      flag(item, "is_digital"),
		IsLiveTutorial: flag(item, "is_live_tutorial"),
	}
	if c.IsEbook || strings.Contains(variation, "hub") || strings.Contains(variation, "online") ||
		strings.Contains(variation, "digital") || strings.Contains(variation, "recording") {
		c.IsDigital = true
	}
	if productType == "tutorial" && !strings.Contains(variation, "recording") && !strings.Contains(variation, "online classroom") {
		c.IsLiveTutorial = true
	}
	return c
}

func lookup(item map[string]any, path string) any {
	v, _ := core.Lookup(item, path)
	return v
}

func flag(item map[string]any, key string) bool {
	if v, ok := lookup(item, key).(bool); ok {
		return v
	}
	if v, ok := lookup(item, "metadata."+key).(bool); ok {
		return v
	}
	return false
}

// Pipeline resolves regions and rates through Tables.
type Pipeline struct {
	tables Tables
}

// New returns a Pipeline over tables. A nil tables uses DefaultTables.
func New(tables Tables) *Pipeline {
	if tables == nil {
		tables = DefaultTables()
	}
	return &Pipeline{tables: tables}
}

// MapCountryToRegion looks the country up; unknown countries fall back to ROW.
func (p *Pipeline) MapCountryToRegion(ctx context.Context, country string) (Region, error) {
	region, ok, err := p.tables.RegionForCountry(ctx, normalizeCountry(country))
	if err != nil {
		return "", fmt.Errorf("map country %q: %w", country, err)
	}
	if !ok {
		return RegionROW, nil
	}
	return region, nil
}

// LookupRate applies the classification overrides before the table lookup:
// UK eBooks and ROW digital products are zero-rated and SA is 15%.
func (p *Pipeline) LookupRate(ctx context.Context, region Region, c Classification) (decimal.Decimal, error) {
	switch {
	case region == RegionUK && c.IsEbook:
		return decimal.Zero, nil
	case region == RegionROW && c.IsDigital:
		return decimal.Zero, nil
	case region == RegionSA:
		return saRate, nil
	}

	rate, ok, err := p.tables.RateForRegion(ctx, region)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lookup rate for %s: %w", region, err)
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}
	return rate, nil
}

// ItemResult is the VAT outcome of one cart item.
type ItemResult struct {
	Index          int            `json:"index"`
	ProductID      any            `json:"product_id,omitempty"`
	Classification Classification `json:"classification"`
	Line
}

func (r ItemResult) MarshalJSON() ([]byte, error) {
	line, err := json.Marshal(r.Line)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, err
	}
	fields["index"] = r.Index
	fields["classification"] = r.Classification
	if r.ProductID != nil {
		fields["product_id"] = r.ProductID
	}
	return json.Marshal(fields)
}

// CartResult is the VAT outcome of a whole cart.
type CartResult struct {
	Region Region       `json:"region"`
	Items  []ItemResult `json:"items"`
	Totals Totals       `json:"totals"`
}

// ItemNet returns the net amount of an item: net_amount when present,
// otherwise actual_price multiplied by quantity (default 1).
func ItemNet(item map[string]any) (decimal.Decimal, error) {
	if v, ok := core.Lookup(item, "net_amount"); ok {
		if d, ok := core.AsDecimal(v, false); ok {
			return d, nil
		}
		return decimal.Zero, fmt.Errorf("net_amount %v is not a decimal", v)
	}
	if v, ok := core.Lookup(item, "net"); ok {
		if d, ok := core.AsDecimal(v, false); ok {
			return d, nil
		}
		return decimal.Zero, fmt.Errorf("net %v is not a decimal", v)
	}

	price := decimal.Zero
	if v, ok := core.Lookup(item, "actual_price"); ok && v != nil {
		d, ok := core.AsDecimal(v, false)
		if !ok {
			return decimal.Zero, fmt.Errorf("actual_price %v is not a decimal", v)
		}
		price = d
	}
	quantity := decimal.NewFromInt(1)
	if v, ok := core.Lookup(item, "quantity"); ok && v != nil {
		d, ok := core.AsDecimal(v, false)
		if !ok {
			return decimal.Zero, fmt.Errorf("quantity %v is not numeric", v)
		}
		quantity = d
	}
	return price.Mul(quantity), nil
}

// ComputeCart classifies and computes every item for the given region.
func (p *Pipeline) ComputeCart(ctx context.Context, items []map[string]any, region Region) (CartResult, error) {
	result := CartResult{Region: region, Items: make([]ItemResult, 0, len(items))}
	lines := make([]Line, 0, len(items))
	for i, item := range items {
		net, err := ItemNet(item)
		if err != nil {
			return CartResult{}, fmt.Errorf("item %d: %w", i, err)
		}
		c := Classify(item)
		rate, err := p.LookupRate(ctx, region, c)
		if err != nil {
			return CartResult{}, fmt.Errorf("item %d: %w", i, err)
		}
		line := ComputeItem(net, rate)
		lines = append(lines, line)
		result.Items = append(result.Items, ItemResult{
			Index:          i,
			ProductID:      item["product_id"],
			Classification: c,
			Line:           line,
		})
	}
	result.Totals = ComputeTotals(lines)
	return result, nil
}

// RegionForContext returns user.region when it names a known region,
// otherwise maps user.home_country.
func (p *Pipeline) RegionForContext(ctx context.Context, data any) (Region, error) {
	if v, ok := core.Lookup(data, "user.region"); ok {
		if r, ok := ParseRegion(core.Stringify(v)); ok {
			return r, nil
		}
	}
	country, _ := core.Lookup(data, "user.home_country")
	return p.MapCountryToRegion(ctx, core.Stringify(country))
}

// CartItems extracts cart.items as a list of objects.
func CartItems(data any) []map[string]any {
	raw, ok := core.Lookup(data, "cart.items")
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	items := make([]map[string]any, 0, len(list))
	for _, entry := range list {
		if m, ok := entry.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items
}

// ComputeForContext computes VAT for cart.items using the context's region.
func (p *Pipeline) ComputeForContext(ctx context.Context, data any) (CartResult, error) {
	region, err := p.RegionForContext(ctx, data)
	if err != nil {
		return CartResult{}, err
	}
	return p.ComputeCart(ctx, CartItems(data), region)
}
