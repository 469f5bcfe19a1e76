package marketdata

import (
	"sort"
	"strings"
	"time"

	"marketfeed/internal/exchange"
	"marketfeed/internal/models"
	"marketfeed/internal/stream"
)

// PerpService serves perpetual futures markets: cached REST snapshots merged
// with live mid prices from the shared WebSocket connection.
type PerpService struct {
	*service[models.PerpMarket]
}

// NewPerpService builds a perpetual market data service on the given REST
// client and shared connection manager.
func NewPerpService(client *exchange.Client, manager *stream.ConnManager, cacheTTL time.Duration) *PerpService {
	return &PerpService{
		service: newService("perp_service", "/info", client.FetchPerpMarkets, mergePerpMid, manager, cacheTTL),
	}
}

// mergePerpMid patches one perp row with a streamed mid price. Zero and
// unchanged prices leave the row untouched.
func mergePerpMid(m models.PerpMarket, mid string) (models.PerpMarket, bool) {
	price := exchange.ParseFloat(mid)
	if price == 0 || price == m.LastPrice {
		return m, false
	}
	m.LastPrice = price
	m.MarkPrice = price
	return m, true
}

// MarketByCoin looks up a market by its venue coin symbol.
func (s *PerpService) MarketByCoin(coin string) (models.PerpMarket, bool) {
	for _, m := range s.GetMarkets() {
		if m.Coin == coin {
			return m, true
		}
	}
	return models.PerpMarket{}, false
}

// Search returns markets whose coin or pair contains the query,
// case-insensitively. An empty query returns the full list.
func (s *PerpService) Search(query string) []models.PerpMarket {
	markets := s.GetMarkets()
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return markets
	}
	out := markets[:0]
	for _, m := range markets {
		if strings.Contains(strings.ToLower(m.Coin), q) || strings.Contains(strings.ToLower(m.Pair), q) {
			out = append(out, m)
		}
	}
	return out
}

// TopByVolume returns the n highest-volume markets. The snapshot list is
// already volume-sorted, but streamed updates never reorder it, so sort
// again before slicing.
func (s *PerpService) TopByVolume(n int) []models.PerpMarket {
	markets := s.GetMarkets()
	sort.SliceStable(markets, func(i, j int) bool {
		return markets[i].Volume24h > markets[j].Volume24h
	})
	if n > 0 && n < len(markets) {
		markets = markets[:n]
	}
	return markets
}
