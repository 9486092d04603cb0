// Package definitions holds the market and destination reference data used to complete order
// fields.
package definitions

import "strings"

// Market describes a venue order can be routed to.
type Market struct {
	Code        string `mapstructure:"code" yaml:"code" json:"code" validate:"required"`
	Currency    string `mapstructure:"currency" yaml:"currency" json:"currency" validate:"required"`
	Destination string `mapstructure:"destination" yaml:"destination" json:"destination"`
}

// MarketDatabase looks up markets by code.
type MarketDatabase struct {
	markets map[string]Market
}

// NewMarketDatabase creates a MarketDatabase from markets.
func NewMarketDatabase(markets []Market) *MarketDatabase {
	db := &MarketDatabase{markets: make(map[string]Market, len(markets))}
	for _, m := range markets {
		db.markets[strings.ToUpper(m.Code)] = m
	}
	return db
}

// FromCode returns the market with code.
func (db *MarketDatabase) FromCode(code string) (Market, bool) {
	m, ok := db.markets[strings.ToUpper(code)]
	return m, ok
}

// Currency returns the default currency of a market, or an empty string.
func (db *MarketDatabase) Currency(code string) string {
	return db.markets[strings.ToUpper(code)].Currency
}

// DestinationDatabase resolves the preferred destination of each market.
type DestinationDatabase struct {
	preferred map[string]string
}

// NewDestinationDatabase creates a DestinationDatabase from the destinations configured on markets.
func NewDestinationDatabase(markets []Market) *DestinationDatabase {
	db := &DestinationDatabase{preferred: make(map[string]string, len(markets))}
	for _, m := range markets {
		if m.Destination != "" {
			db.preferred[strings.ToUpper(m.Code)] = m.Destination
		}
	}
	return db
}

// PreferredDestination returns the destination orders on market are routed to by default.
func (db *DestinationDatabase) PreferredDestination(market string) string {
	return db.preferred[strings.ToUpper(market)]
}
