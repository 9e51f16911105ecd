package vat

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// StaticTables is an in-memory Tables used by tests, the CLI dry-run and as
// the fallback when no database tables are configured.
type StaticTables struct {
	Countries map[string]Region
	Rates     map[Region]decimal.Decimal
}

var _ Tables = StaticTables{}

func (t StaticTables) RegionForCountry(_ context.Context, country string) (Region, bool, error) {
	r, ok := t.Countries[normalizeCountry(country)]
	return r, ok, nil
}

func (t StaticTables) RateForRegion(_ context.Context, region Region) (decimal.Decimal, bool, error) {
	rate, ok := t.Rates[region]
	return rate, ok, nil
}

func normalizeCountry(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}

var euCountries = map[string]string{
	"AT": "AUSTRIA", "BE": "BELGIUM", "BG": "BULGARIA", "HR": "CROATIA", "CY": "CYPRUS",
	"CZ": "CZECHIA", "DK": "DENMARK", "EE": "ESTONIA", "FI": "FINLAND", "FR": "FRANCE",
	"DE": "GERMANY", "GR": "GREECE", "HU": "HUNGARY", "IT": "ITALY", "LV": "LATVIA",
	"LT": "LITHUANIA", "LU": "LUXEMBOURG", "MT": "MALTA", "NL": "NETHERLANDS", "PL": "POLAND",
	"PT": "PORTUGAL", "RO": "ROMANIA", "SK": "SLOVAKIA", "SI": "SLOVENIA", "ES": "SPAIN",
	"SE": "SWEDEN",
}

// DefaultCountryRegions returns the seed country table keyed by upper-case
// ISO code and English name.
func DefaultCountryRegions() map[string]Region {
	countries := map[string]Region{
		"GB": RegionUK, "UK": RegionUK, "UNITED KINGDOM": RegionUK,
		"IM": RegionUK, "ISLE OF MAN": RegionUK,
		"IE": RegionIE, "IRELAND": RegionIE,
		"ZA": RegionSA, "SOUTH AFRICA": RegionSA,
		"CH": RegionCH, "SWITZERLAND": RegionCH,
		"GG": RegionGG, "GUERNSEY": RegionGG,
		"JE": RegionGG, "JERSEY": RegionGG,
	}
	for code, name := range euCountries {
		countries[code] = RegionEU
		countries[name] = RegionEU
	}
	return countries
}

// DefaultRates returns the seed rate table.
func DefaultRates() map[Region]decimal.Decimal {
	return map[Region]decimal.Decimal{
		RegionUK:  decimal.RequireFromString("0.20"),
		RegionIE:  decimal.RequireFromString("0.23"),
		RegionEU:  decimal.RequireFromString("0.20"),
		RegionSA:  decimal.RequireFromString("0.15"),
		RegionCH:  decimal.RequireFromString("0.081"),
		RegionGG:  decimal.Zero,
		RegionROW: decimal.Zero,
	}
}

// DefaultTables bundles the seed tables.
func DefaultTables() StaticTables {
	return StaticTables{Countries: DefaultCountryRegions(), Rates: DefaultRates()}
}
