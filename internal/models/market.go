package models

import "time"

// PerpMarket is the authoritative record for one perpetual contract. Pricing
// fields are patched in place by streaming updates; everything else is set
// once when a snapshot is ingested.
type PerpMarket struct {
	ID               string  `json:"id"`
	Coin             string  `json:"coin"`
	Pair             string  `json:"pair"`
	LastPrice        float64 `json:"last_price"`
	MarkPrice        float64 `json:"mark_price"`
	Change24h        float64 `json:"change_24h"`
	ChangePercent24h float64 `json:"change_percent_24h"`
	Volume24h        float64 `json:"volume_24h"`
	OpenInterest     float64 `json:"open_interest"`
	Funding8h        float64 `json:"funding_8h"`
	MaxLeverage      int     `json:"max_leverage"`
	SzDecimals       int     `json:"sz_decimals"`
	OnlyIsolated     bool    `json:"only_isolated"`
	IconSrc          string  `json:"icon_src"`
	Premium          float64 `json:"premium,omitempty"`
	OraclePrice      float64 `json:"oracle_price,omitempty"`
}

// SpotMarket is the authoritative record for one spot pair. MarketCap is
// derived from circulating supply and last price and is recomputed whenever
// the price moves.
type SpotMarket struct {
	ID                string  `json:"id"`
	Token             string  `json:"token"`
	Pair              string  `json:"pair"`
	PairName          string  `json:"pair_name"` // venue-internal pair id, e.g. "@1"
	LastPrice         float64 `json:"last_price"`
	MarkPrice         float64 `json:"mark_price"`
	Change24h         float64 `json:"change_24h"`
	ChangePercent24h  float64 `json:"change_percent_24h"`
	Volume24h         float64 `json:"volume_24h"`
	MarketCap         float64 `json:"market_cap"`
	CirculatingSupply float64 `json:"circulating_supply"`
	SzDecimals        int     `json:"sz_decimals"`
	WeiDecimals       int     `json:"wei_decimals"`
	TokenID           string  `json:"token_id"`
	IsCanonical       bool    `json:"is_canonical"`
	IconSrc           string  `json:"icon_src"`
	ContractAddress   string  `json:"contract_address,omitempty"`
	InternalToken     string  `json:"internal_token,omitempty"`
	HasDisplayMapping bool    `json:"has_display_mapping,omitempty"`
}

// StreamKey returns the key under which streaming price updates address this
// perp market.
func (m PerpMarket) StreamKey() string { return m.Coin }

// StreamKey returns the key under which streaming price updates address this
// spot market.
func (m SpotMarket) StreamKey() string { return m.PairName }

// LoadingState describes a data service's health. Exactly one of loading or
// idle holds at a time; Err is set only while idle after a failed fetch, and
// LastUpdated only advances on successful fetches.
type LoadingState struct {
	IsLoading   bool
	Err         *APIError
	LastUpdated time.Time
}
