package exchange

import (
	"sort"
	"strconv"
	"strings"

	"marketfeed/internal/models"
	"marketfeed/internal/symbols"
	"marketfeed/logger"
)

// ParseFloat coerces a wire numeric to float64, treating anything malformed
// or absent as zero. Snapshot normalization never fails on a single bad
// number.
func ParseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// normalizePerpMarkets zips the universe and context arrays by index into one
// record per contract. Contracts with no matching context are dropped.
func normalizePerpMarkets(meta PerpMeta, ctxs []PerpAssetCtx, log *logger.Log) []models.PerpMarket {
	markets := make([]models.PerpMarket, 0, len(meta.Universe))
	for i, asset := range meta.Universe {
		if i >= len(ctxs) {
			log.WithComponent("rest_client").WithFields(logger.Fields{
				"coin": asset.Name,
			}).Warn("perp asset missing context, dropping")
			continue
		}
		ctx := ctxs[i]

		markPrice := ParseFloat(ctx.MarkPx)
		prevDayPrice := ParseFloat(ctx.PrevDayPx)
		change24h := markPrice - prevDayPrice
		changePercent := 0.0
		if prevDayPrice > 0 {
			changePercent = change24h / prevDayPrice * 100
		}

		markets = append(markets, models.PerpMarket{
			ID:               strings.ToLower(asset.Name) + "-usd",
			Coin:             asset.Name,
			Pair:             asset.Name + "-USD",
			LastPrice:        markPrice,
			MarkPrice:        markPrice,
			Change24h:        change24h,
			ChangePercent24h: changePercent,
			Volume24h:        ParseFloat(ctx.DayNtlVlm),
			OpenInterest:     ParseFloat(ctx.OpenInterest),
			Funding8h:        ParseFloat(ctx.Funding),
			MaxLeverage:      asset.MaxLeverage,
			SzDecimals:       asset.SzDecimals,
			OnlyIsolated:     asset.OnlyIsolated,
			IconSrc:          symbols.PerpIconURL(asset.Name),
			Premium:          ParseFloat(ctx.Premium),
			OraclePrice:      ParseFloat(ctx.OraclePx),
		})
	}

	sort.Slice(markets, func(i, j int) bool {
		return markets[i].Volume24h > markets[j].Volume24h
	})
	return markets
}

// normalizeSpotMarkets correlates each pair with its context via the pair
// index and resolves base/quote tokens through the token table. Pairs with
// unresolvable tokens or without both a mid and mark price are dropped.
func normalizeSpotMarkets(meta SpotMeta, ctxs []SpotAssetCtx, log *logger.Log) []models.SpotMarket {
	tokenByIndex := make(map[int]SpotToken, len(meta.Tokens))
	for _, t := range meta.Tokens {
		tokenByIndex[t.Index] = t
	}

	markets := make([]models.SpotMarket, 0, len(meta.Universe))
	for _, pair := range meta.Universe {
		if pair.Index < 0 || pair.Index >= len(ctxs) {
			log.WithComponent("rest_client").WithFields(logger.Fields{
				"pair": pair.Name,
			}).Warn("spot pair missing context, dropping")
			continue
		}
		ctx := ctxs[pair.Index]

		baseToken, okBase := tokenByIndex[pair.Tokens[0]]
		quoteToken, okQuote := tokenByIndex[pair.Tokens[1]]
		if !okBase || !okQuote {
			log.WithComponent("rest_client").WithFields(logger.Fields{
				"pair": pair.Name,
			}).Warn("spot pair references unknown token, dropping")
			continue
		}

		if ctx.MidPx == "" || ctx.MarkPx == "" {
			continue
		}
		lastPrice := ParseFloat(ctx.MidPx)
		markPrice := ParseFloat(ctx.MarkPx)

		displayBase := symbols.DisplayName(baseToken.Name)
		displayQuote := symbols.DisplayName(quoteToken.Name)

		prevDayPrice := ParseFloat(ctx.PrevDayPx)
		change24h := 0.0
		changePercent := 0.0
		if ctx.PrevDayPx != "" {
			change24h = lastPrice - prevDayPrice
			if prevDayPrice > 0 {
				changePercent = change24h / prevDayPrice * 100
			}
		}

		circulatingSupply := ParseFloat(ctx.CirculatingSupply)
		marketCap := 0.0
		if circulatingSupply > 0 {
			marketCap = circulatingSupply * lastPrice
		}

		m := models.SpotMarket{
			ID:                displayBase + "-" + displayQuote,
			Token:             displayBase,
			Pair:              displayBase + "/" + displayQuote,
			PairName:          pair.Name,
			LastPrice:         lastPrice,
			MarkPrice:         markPrice,
			Change24h:         change24h,
			ChangePercent24h:  changePercent,
			Volume24h:         ParseFloat(ctx.DayNtlVlm),
			MarketCap:         marketCap,
			CirculatingSupply: circulatingSupply,
			SzDecimals:        baseToken.SzDecimals,
			WeiDecimals:       baseToken.WeiDecimals,
			TokenID:           baseToken.TokenID,
			IsCanonical:       baseToken.IsCanonical,
			IconSrc:           symbols.SpotIconURL(displayBase, displayQuote),
			ContractAddress:   baseToken.EvmContract,
			HasDisplayMapping: baseToken.Name != displayBase,
		}
		if m.HasDisplayMapping {
			m.InternalToken = baseToken.Name
		}
		markets = append(markets, m)
	}

	sort.Slice(markets, func(i, j int) bool {
		return markets[i].Volume24h > markets[j].Volume24h
	})
	return markets
}
