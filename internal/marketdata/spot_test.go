package marketdata

import (
	"context"
	"math"
	"testing"
	"time"

	"marketfeed/internal/models"
)

func twoSpotMarkets() []models.SpotMarket {
	return []models.SpotMarket{
		{ID: "HYPE-USDC", Token: "HYPE", Pair: "HYPE/USDC", PairName: "HYPE/USDC", LastPrice: 25.4, MarkPrice: 25.5, Volume24h: 900000, CirculatingSupply: 333000000, MarketCap: 333000000 * 25.4},
		{ID: "BTC-USDC", Token: "BTC", Pair: "BTC/USDC", PairName: "@1", LastPrice: 50050, MarkPrice: 50100, Volume24h: 800000, CirculatingSupply: 100, MarketCap: 100 * 50050},
	}
}

func newSpotTestService(t *testing.T) *SpotService {
	return &SpotService{
		service: newService("spot_service", "/info", func(ctx context.Context) ([]models.SpotMarket, error) {
			return twoSpotMarkets(), nil
		}, mergeSpotMid, testManager(t), 30*time.Second),
	}
}

func TestMergeSpotMidRecomputesDerivedFields(t *testing.T) {
	m := models.SpotMarket{
		Token:             "HYPE",
		PairName:          "HYPE/USDC",
		LastPrice:         25.4,
		MarkPrice:         25.5,
		CirculatingSupply: 1000,
	}

	updated, changed := mergeSpotMid(m, "26.0")
	if !changed {
		t.Fatal("expected change for a new price")
	}
	if updated.LastPrice != 26.0 || updated.MarkPrice != 26.0 {
		t.Errorf("prices = %v/%v, want 26/26", updated.LastPrice, updated.MarkPrice)
	}
	// The 24h change is taken against the previously stored mark price.
	if math.Abs(updated.Change24h-0.5) > 1e-9 {
		t.Errorf("change24h = %v, want 0.5", updated.Change24h)
	}
	if math.Abs(updated.ChangePercent24h-0.5/25.5*100) > 1e-9 {
		t.Errorf("changePercent24h = %v", updated.ChangePercent24h)
	}
	if updated.MarketCap != 26.0*1000 {
		t.Errorf("marketCap = %v, want %v", updated.MarketCap, 26.0*1000)
	}
}

func TestMergeSpotMidIgnoresNoops(t *testing.T) {
	m := models.SpotMarket{LastPrice: 25.4, MarkPrice: 25.5}
	if _, changed := mergeSpotMid(m, "25.4"); changed {
		t.Error("unchanged price reported as a change")
	}
	if _, changed := mergeSpotMid(m, "0"); changed {
		t.Error("zero price reported as a change")
	}
	if _, changed := mergeSpotMid(m, "garbage"); changed {
		t.Error("malformed price reported as a change")
	}
}

func TestMergePerpMidPatchesOnlyPrices(t *testing.T) {
	m := models.PerpMarket{Coin: "BTC", LastPrice: 50000, MarkPrice: 50000, Change24h: 1000}

	updated, changed := mergePerpMid(m, "51000")
	if !changed {
		t.Fatal("expected change for a new price")
	}
	if updated.LastPrice != 51000 || updated.MarkPrice != 51000 {
		t.Errorf("prices = %v/%v, want 51000/51000", updated.LastPrice, updated.MarkPrice)
	}
	if updated.Change24h != 1000 {
		t.Errorf("change24h = %v, want 1000 (untouched)", updated.Change24h)
	}

	if _, changed := mergePerpMid(m, "50000"); changed {
		t.Error("unchanged price reported as a change")
	}
}

func TestSpotQueryHelpers(t *testing.T) {
	svc := newSpotTestService(t)
	if _, err := svc.FetchMarkets(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m, ok := svc.MarketByToken("BTC"); !ok || m.PairName != "@1" {
		t.Errorf("MarketByToken(BTC) = %+v, %v", m, ok)
	}
	if _, ok := svc.MarketByToken("DOGE"); ok {
		t.Error("MarketByToken(DOGE) should miss")
	}

	if got := svc.MarketsByQuote("usdc"); len(got) != 2 {
		t.Errorf("MarketsByQuote(usdc) = %d markets, want 2", len(got))
	}
	if got := svc.MarketsByQuote("USDT"); len(got) != 0 {
		t.Errorf("MarketsByQuote(USDT) = %d markets, want 0", len(got))
	}

	if got := svc.Search("hyp"); len(got) != 1 || got[0].Token != "HYPE" {
		t.Errorf("Search(hyp) = %+v", got)
	}
	if got := svc.Search(""); len(got) != 2 {
		t.Errorf("Search(empty) = %d markets, want full list", len(got))
	}

	top := svc.TopByVolume(1)
	if len(top) != 1 || top[0].Token != "HYPE" {
		t.Errorf("TopByVolume(1) = %+v, want HYPE", top)
	}
}

func TestPerpQueryHelpers(t *testing.T) {
	svc := newPerpTestService(t, func(ctx context.Context) ([]models.PerpMarket, error) {
		return twoPerpMarkets(), nil
	})
	if _, err := svc.FetchMarkets(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m, ok := svc.MarketByCoin("BTC"); !ok || m.ID != "btc-usd" {
		t.Errorf("MarketByCoin(BTC) = %+v, %v", m, ok)
	}
	if got := svc.Search("bt"); len(got) != 1 || got[0].Coin != "BTC" {
		t.Errorf("Search(bt) = %+v", got)
	}
	top := svc.TopByVolume(1)
	if len(top) != 1 || top[0].Coin != "ETH" {
		t.Errorf("TopByVolume(1) = %+v, want ETH", top)
	}
}
