package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketfeed/internal/models"
	"marketfeed/internal/stream"
)

// testManager returns a manager over a client that cannot connect. These
// tests drive the merge path directly, so the socket never matters; the
// tight attempt budget keeps background dial noise short.
func testManager(t *testing.T) *stream.ConnManager {
	client := stream.NewClient(stream.ClientConfig{
		URL:                  "ws://127.0.0.1:1",
		KeepaliveInterval:    time.Hour,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    time.Millisecond,
		MaxReconnectAttempts: 1,
	})
	manager := stream.NewConnManager(client, stream.ManagerConfig{
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})
	t.Cleanup(manager.ForceDisconnect)
	return manager
}

func twoPerpMarkets() []models.PerpMarket {
	return []models.PerpMarket{
		{ID: "eth-usd", Coin: "ETH", Pair: "ETH-USD", LastPrice: 3100, MarkPrice: 3100, Volume24h: 2500000},
		{ID: "btc-usd", Coin: "BTC", Pair: "BTC-USD", LastPrice: 50000, MarkPrice: 50000, Change24h: 1000, ChangePercent24h: 2.04, Volume24h: 1500000},
	}
}

func newPerpTestService(t *testing.T, fetch fetchFunc[models.PerpMarket]) *PerpService {
	return &PerpService{
		service: newService("perp_service", "/info", fetch, mergePerpMid, testManager(t), 30*time.Second),
	}
}

func TestFetchMarketsCachesWithinWindow(t *testing.T) {
	var fetches atomic.Int32
	svc := newPerpTestService(t, func(ctx context.Context) ([]models.PerpMarket, error) {
		fetches.Add(1)
		return twoPerpMarkets(), nil
	})

	first, err := svc.FetchMarkets(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.FetchMarkets(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := fetches.Load(); n != 1 {
		t.Fatalf("fetch count = %d, want 1 (cache hit)", n)
	}
	if len(first) != 2 || len(second) != 2 || first[0].Coin != second[0].Coin {
		t.Fatalf("cached result differs: %v vs %v", first, second)
	}
}

func TestFetchMarketsRefetchesAfterExpiry(t *testing.T) {
	var fetches atomic.Int32
	svc := newPerpTestService(t, func(ctx context.Context) ([]models.PerpMarket, error) {
		fetches.Add(1)
		return twoPerpMarkets(), nil
	})

	now := time.Now()
	svc.now = func() time.Time { return now }

	if _, err := svc.FetchMarkets(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now = now.Add(31 * time.Second)
	if _, err := svc.FetchMarkets(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := fetches.Load(); n != 2 {
		t.Fatalf("fetch count = %d, want 2 after expiry", n)
	}
}

func TestRefreshMarketsInvalidatesCache(t *testing.T) {
	var fetches atomic.Int32
	svc := newPerpTestService(t, func(ctx context.Context) ([]models.PerpMarket, error) {
		fetches.Add(1)
		return twoPerpMarkets(), nil
	})

	if _, err := svc.FetchMarkets(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.RefreshMarkets(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := fetches.Load(); n != 2 {
		t.Fatalf("fetch count = %d, want 2 after refresh", n)
	}
}

func TestConcurrentFetchesCoalesce(t *testing.T) {
	var fetches atomic.Int32
	release := make(chan struct{})
	svc := newPerpTestService(t, func(ctx context.Context) ([]models.PerpMarket, error) {
		fetches.Add(1)
		<-release
		return twoPerpMarkets(), nil
	})

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			markets, err := svc.FetchMarkets(context.Background())
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results <- len(markets)
		}()
	}

	// Give every caller time to reach the join point, then let the single
	// underlying fetch finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	if n := fetches.Load(); n != 1 {
		t.Fatalf("fetch count = %d, want 1 (coalesced)", n)
	}
	for n := range results {
		if n != 2 {
			t.Fatalf("joiner got %d markets, want 2", n)
		}
	}
}

func TestLoadingStateTransitions(t *testing.T) {
	svc := newPerpTestService(t, func(ctx context.Context) ([]models.PerpMarket, error) {
		return twoPerpMarkets(), nil
	})

	var mu sync.Mutex
	var states []models.LoadingState
	svc.OnLoadingStateChange(func(s models.LoadingState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if _, err := svc.FetchMarkets(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 3 {
		t.Fatalf("got %d state notifications, want 3 (replay, loading, done)", len(states))
	}
	if states[0].IsLoading || !states[0].LastUpdated.IsZero() {
		t.Errorf("replayed initial state = %+v", states[0])
	}
	if !states[1].IsLoading {
		t.Errorf("loading state = %+v, want IsLoading", states[1])
	}
	if states[2].IsLoading || states[2].Err != nil || states[2].LastUpdated.IsZero() {
		t.Errorf("final state = %+v", states[2])
	}
}

func TestFetchFailurePreservesStaleList(t *testing.T) {
	var fail atomic.Bool
	svc := newPerpTestService(t, func(ctx context.Context) ([]models.PerpMarket, error) {
		if fail.Load() {
			return nil, models.NewAPIError(models.CodeNetwork, "/info", "connection refused")
		}
		return twoPerpMarkets(), nil
	})

	if _, err := svc.FetchMarkets(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fail.Store(true)
	stale, err := svc.RefreshMarkets(context.Background())
	if err == nil {
		t.Fatal("expected error from failing fetch")
	}
	if len(stale) != 2 {
		t.Fatalf("stale list length = %d, want 2 (preserved)", len(stale))
	}

	state := svc.GetLoadingState()
	if state.IsLoading {
		t.Error("still loading after failed fetch")
	}
	if state.Err == nil || state.Err.Code != models.CodeNetwork {
		t.Errorf("loading state error = %+v, want network APIError", state.Err)
	}
}

func TestFetchFailureWrapsPlainErrors(t *testing.T) {
	svc := newPerpTestService(t, func(ctx context.Context) ([]models.PerpMarket, error) {
		return nil, errors.New("boom")
	})

	if _, err := svc.FetchMarkets(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	state := svc.GetLoadingState()
	if state.Err == nil || state.Err.Endpoint != "/info" {
		t.Fatalf("loading state error = %+v, want APIError for /info", state.Err)
	}
}

func midsFrame(t *testing.T, mids map[string]string) json.RawMessage {
	raw, err := json.Marshal(stream.AllMids{Mids: mids})
	if err != nil {
		t.Fatalf("marshal mids frame: %v", err)
	}
	return raw
}

func TestStreamedMidPatchesPrices(t *testing.T) {
	svc := newPerpTestService(t, func(ctx context.Context) ([]models.PerpMarket, error) {
		return twoPerpMarkets(), nil
	})
	if _, err := svc.FetchMarkets(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var mu sync.Mutex
	notifications := 0
	var last []models.PerpMarket
	svc.OnData(func(markets []models.PerpMarket) {
		mu.Lock()
		notifications++
		last = markets
		mu.Unlock()
	})

	mu.Lock()
	notifications = 0 // discard the registration replay
	mu.Unlock()

	svc.handleMids(midsFrame(t, map[string]string{"BTC": "51000"}))

	mu.Lock()
	defer mu.Unlock()
	if notifications != 1 {
		t.Fatalf("notifications = %d, want exactly 1 per frame", notifications)
	}
	btc, ok := findPerp(last, "BTC")
	if !ok {
		t.Fatal("BTC missing from notified list")
	}
	if btc.LastPrice != 51000 || btc.MarkPrice != 51000 {
		t.Errorf("patched prices = %v/%v, want 51000/51000", btc.LastPrice, btc.MarkPrice)
	}
	// The other fields survive the patch untouched.
	if btc.Change24h != 1000 || btc.Volume24h != 1500000 {
		t.Errorf("non-price fields modified: %+v", btc)
	}
}

func TestStreamedFrameWithNoChangesIsSilent(t *testing.T) {
	svc := newPerpTestService(t, func(ctx context.Context) ([]models.PerpMarket, error) {
		return twoPerpMarkets(), nil
	})
	if _, err := svc.FetchMarkets(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var mu sync.Mutex
	notifications := 0
	svc.OnData(func([]models.PerpMarket) {
		mu.Lock()
		notifications++
		mu.Unlock()
	})
	mu.Lock()
	notifications = 0
	mu.Unlock()

	// Same price as the snapshot: no patch, no notification.
	svc.handleMids(midsFrame(t, map[string]string{"BTC": "50000"}))
	// Unknown instruments are dropped without effect.
	svc.handleMids(midsFrame(t, map[string]string{"DOGE": "0.4"}))
	// Unparseable prices read as zero and are ignored.
	svc.handleMids(midsFrame(t, map[string]string{"BTC": "not-a-number"}))

	mu.Lock()
	defer mu.Unlock()
	if notifications != 0 {
		t.Fatalf("notifications = %d, want 0 for no-op frames", notifications)
	}
}

func TestOnDataReplaysCurrentList(t *testing.T) {
	svc := newPerpTestService(t, func(ctx context.Context) ([]models.PerpMarket, error) {
		return twoPerpMarkets(), nil
	})
	if _, err := svc.FetchMarkets(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := make(chan int, 1)
	dispose := svc.OnData(func(markets []models.PerpMarket) {
		select {
		case got <- len(markets):
		default:
		}
	})
	defer dispose()

	select {
	case n := <-got:
		if n != 2 {
			t.Fatalf("replayed list length = %d, want 2", n)
		}
	default:
		t.Fatal("registration did not replay the current list")
	}
}

func TestNotifiedListIsACopy(t *testing.T) {
	svc := newPerpTestService(t, func(ctx context.Context) ([]models.PerpMarket, error) {
		return twoPerpMarkets(), nil
	})
	if _, err := svc.FetchMarkets(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := svc.GetMarkets()
	out[0].LastPrice = -1

	if svc.GetMarkets()[0].LastPrice == -1 {
		t.Fatal("caller mutation leaked into the cached list")
	}
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	svc := newPerpTestService(t, func(ctx context.Context) ([]models.PerpMarket, error) {
		return twoPerpMarkets(), nil
	})
	if _, err := svc.FetchMarkets(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	svc.OnData(func([]models.PerpMarket) { panic("broken subscriber") })

	var mu sync.Mutex
	notified := false
	svc.OnData(func([]models.PerpMarket) {
		mu.Lock()
		notified = true
		mu.Unlock()
	})

	mu.Lock()
	notified = false
	mu.Unlock()

	svc.handleMids(midsFrame(t, map[string]string{"BTC": "52000"}))

	mu.Lock()
	defer mu.Unlock()
	if !notified {
		t.Fatal("healthy subscriber starved by panicking peer")
	}
}

func TestDestroyResetsService(t *testing.T) {
	manager := testManager(t)
	svc := &PerpService{
		service: newService("perp_service", "/info", func(ctx context.Context) ([]models.PerpMarket, error) {
			return twoPerpMarkets(), nil
		}, mergePerpMid, manager, 30*time.Second),
	}

	if _, err := svc.FetchMarkets(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if manager.Refs() != 1 {
		t.Fatalf("refs after first fetch = %d, want 1", manager.Refs())
	}

	var mu sync.Mutex
	notified := false
	svc.OnData(func([]models.PerpMarket) {
		mu.Lock()
		notified = true
		mu.Unlock()
	})

	svc.Destroy()

	if manager.Refs() != 0 {
		t.Fatalf("refs after destroy = %d, want 0", manager.Refs())
	}
	if len(svc.GetMarkets()) != 0 {
		t.Fatal("market list survived destroy")
	}
	if state := svc.GetLoadingState(); state.IsLoading || state.Err != nil || !state.LastUpdated.IsZero() {
		t.Fatalf("loading state after destroy = %+v, want zero value", state)
	}

	mu.Lock()
	notified = false
	mu.Unlock()
	svc.handleMids(midsFrame(t, map[string]string{"BTC": "60000"}))
	mu.Lock()
	defer mu.Unlock()
	if notified {
		t.Fatal("detached subscriber notified after destroy")
	}
}

func TestDisposerIsIdempotent(t *testing.T) {
	svc := newPerpTestService(t, func(ctx context.Context) ([]models.PerpMarket, error) {
		return twoPerpMarkets(), nil
	})
	if _, err := svc.FetchMarkets(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var mu sync.Mutex
	calls := 0
	dispose := svc.OnData(func([]models.PerpMarket) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	dispose()
	dispose()

	mu.Lock()
	calls = 0
	mu.Unlock()

	svc.handleMids(midsFrame(t, map[string]string{"BTC": "53000"}))

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("disposed subscriber invoked %d times", calls)
	}
}

func findPerp(markets []models.PerpMarket, coin string) (models.PerpMarket, bool) {
	for _, m := range markets {
		if m.Coin == coin {
			return m, true
		}
	}
	return models.PerpMarket{}, false
}
