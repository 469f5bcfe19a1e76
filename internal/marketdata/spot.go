package marketdata

import (
	"sort"
	"strings"
	"time"

	"marketfeed/internal/exchange"
	"marketfeed/internal/models"
	"marketfeed/internal/stream"
)

// SpotService serves spot markets, mirroring PerpService over the spot
// snapshot endpoint and the same shared allMids feed.
type SpotService struct {
	*service[models.SpotMarket]
}

// NewSpotService builds a spot market data service on the given REST client
// and shared connection manager.
func NewSpotService(client *exchange.Client, manager *stream.ConnManager, cacheTTL time.Duration) *SpotService {
	return &SpotService{
		service: newService("spot_service", "/info", client.FetchSpotMarkets, mergeSpotMid, manager, cacheTTL),
	}
}

// mergeSpotMid patches one spot row with a streamed mid price. Besides the
// prices it recomputes market cap from circulating supply and the 24h change
// against the previously stored mark price, which drifts from the snapshot
// baseline as updates accumulate.
func mergeSpotMid(m models.SpotMarket, mid string) (models.SpotMarket, bool) {
	price := exchange.ParseFloat(mid)
	if price == 0 || price == m.LastPrice {
		return m, false
	}
	prev := m.MarkPrice
	m.LastPrice = price
	m.MarkPrice = price
	m.Change24h = price - prev
	if prev > 0 {
		m.ChangePercent24h = (price - prev) / prev * 100
	}
	if m.CirculatingSupply > 0 {
		m.MarketCap = m.CirculatingSupply * price
	}
	return m, true
}

// MarketByToken looks up a market by its display token symbol.
func (s *SpotService) MarketByToken(token string) (models.SpotMarket, bool) {
	for _, m := range s.GetMarkets() {
		if m.Token == token {
			return m, true
		}
	}
	return models.SpotMarket{}, false
}

// MarketsByQuote returns markets quoted in the given currency, e.g. "USDC".
func (s *SpotService) MarketsByQuote(quote string) []models.SpotMarket {
	markets := s.GetMarkets()
	out := markets[:0]
	suffix := "/" + strings.ToUpper(quote)
	for _, m := range markets {
		if strings.HasSuffix(strings.ToUpper(m.Pair), suffix) {
			out = append(out, m)
		}
	}
	return out
}

// Search returns markets whose token or pair contains the query,
// case-insensitively. An empty query returns the full list.
func (s *SpotService) Search(query string) []models.SpotMarket {
	markets := s.GetMarkets()
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return markets
	}
	out := markets[:0]
	for _, m := range markets {
		if strings.Contains(strings.ToLower(m.Token), q) || strings.Contains(strings.ToLower(m.Pair), q) {
			out = append(out, m)
		}
	}
	return out
}

// TopByVolume returns the n highest-volume markets.
func (s *SpotService) TopByVolume(n int) []models.SpotMarket {
	markets := s.GetMarkets()
	sort.SliceStable(markets, func(i, j int) bool {
		return markets[i].Volume24h > markets[j].Volume24h
	})
	if n > 0 && n < len(markets) {
		markets = markets[:n]
	}
	return markets
}
