// Package marketdata layers snapshot caching, request coalescing and live
// price streaming on top of the REST client and the shared WebSocket
// connection. The perpetual and spot services are thin typed shells around
// one generic core.
package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketfeed/internal/models"
	"marketfeed/internal/stream"
	"marketfeed/logger"
)

// market is what the generic core needs from a market row: a stable key to
// match against streamed mid prices.
type market interface {
	StreamKey() string
}

// fetchFunc loads a full normalized snapshot from the REST API.
type fetchFunc[T market] func(ctx context.Context) ([]T, error)

// mergeFunc applies one streamed mid price to a row, reporting whether the
// row actually changed.
type mergeFunc[T market] func(row T, mid string) (T, bool)

// service is the shared core behind PerpService and SpotService: cached
// snapshot, coalesced fetches, loading-state machine, allMids merge and
// observer fan-out.
type service[T market] struct {
	fetch    fetchFunc[T]
	merge    mergeFunc[T]
	manager  *stream.ConnManager
	cacheTTL time.Duration
	endpoint string
	now      func() time.Time
	log      *logger.Entry

	mu          sync.Mutex
	markets     []T
	state       models.LoadingState
	fetchedAt   time.Time
	inflight    chan struct{}
	inflightErr error
	dataObs     map[string]func([]T)
	stateObs    map[string]func(models.LoadingState)
	streaming   bool
	midsDispose func()
}

func newService[T market](component, endpoint string, fetch fetchFunc[T], merge mergeFunc[T], manager *stream.ConnManager, cacheTTL time.Duration) *service[T] {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	s := &service[T]{
		fetch:    fetch,
		merge:    merge,
		manager:  manager,
		cacheTTL: cacheTTL,
		endpoint: endpoint,
		now:      time.Now,
		log:      logger.GetLogger().WithComponent(component),
		dataObs:  make(map[string]func([]T)),
		stateObs: make(map[string]func(models.LoadingState)),
	}
	return s
}

// FetchMarkets returns the market list, hitting the REST API only when the
// cache is stale. Concurrent callers during a fetch join the in-flight
// request instead of issuing their own.
func (s *service[T]) FetchMarkets(ctx context.Context) ([]T, error) {
	s.mu.Lock()

	if s.markets != nil && s.now().Sub(s.fetchedAt) < s.cacheTTL {
		out := copyOf(s.markets)
		s.mu.Unlock()
		s.notifyData(out)
		return out, nil
	}

	if s.inflight != nil {
		done := s.inflight
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
		}
		s.mu.Lock()
		out, err := copyOf(s.markets), s.inflightErr
		s.mu.Unlock()
		return out, err
	}

	done := make(chan struct{})
	s.inflight = done
	s.state.IsLoading = true
	s.state.Err = nil
	stateCopy := s.state
	s.mu.Unlock()
	s.notifyState(stateCopy)

	markets, err := s.fetch(ctx)

	s.mu.Lock()
	s.state.IsLoading = false
	if err != nil {
		s.state.Err = models.AsAPIError(err, s.endpoint)
		s.inflightErr = err
		s.log.WithError(err).Error("market snapshot fetch failed")
	} else {
		s.markets = markets
		s.state.Err = nil
		s.state.LastUpdated = s.now()
		s.fetchedAt = s.state.LastUpdated
		s.inflightErr = nil
		s.ensureStreamingLocked()
	}
	s.inflight = nil
	stateCopy = s.state
	out := copyOf(s.markets)
	s.mu.Unlock()
	close(done)

	s.notifyState(stateCopy)
	if err != nil {
		return out, err
	}
	s.notifyData(out)
	return out, nil
}

// RefreshMarkets invalidates the cache and fetches a fresh snapshot.
func (s *service[T]) RefreshMarkets(ctx context.Context) ([]T, error) {
	s.mu.Lock()
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
	return s.FetchMarkets(ctx)
}

// ensureStreamingLocked wires the live price feed after the first successful
// snapshot: subscribe to allMids and take a reference on the shared
// connection. Runs once per service lifecycle.
func (s *service[T]) ensureStreamingLocked() {
	if s.streaming {
		return
	}
	s.streaming = true

	client := s.manager.Client()
	s.midsDispose = client.OnData(stream.ChannelAllMids, s.handleMids)
	client.Subscribe(stream.AllMidsSubscription())
	s.manager.Acquire()
	s.log.Info("live price streaming enabled")
}

// handleMids merges one allMids frame into the cached list. Rows are patched
// only when the streamed price differs from the stored one, keys that match
// no row are dropped, and observers get at most one notification per frame.
func (s *service[T]) handleMids(data json.RawMessage) {
	var payload stream.AllMids
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.WithError(err).Warn("malformed allMids frame")
		return
	}
	if len(payload.Mids) == 0 {
		return
	}

	s.mu.Lock()
	changed := false
	for i := range s.markets {
		mid, ok := payload.Mids[s.markets[i].StreamKey()]
		if !ok {
			continue
		}
		if updated, ok := s.merge(s.markets[i], mid); ok {
			s.markets[i] = updated
			changed = true
		}
	}
	var out []T
	if changed {
		out = copyOf(s.markets)
	}
	s.mu.Unlock()

	if changed {
		s.notifyData(out)
	}
}

// OnData registers a listener for market list updates and immediately
// replays the current list. The returned disposer is idempotent.
func (s *service[T]) OnData(handler func([]T)) func() {
	id := uuid.New().String()
	s.mu.Lock()
	s.dataObs[id] = handler
	current := copyOf(s.markets)
	s.mu.Unlock()

	deliver(s.log, handler, current)
	return func() {
		s.mu.Lock()
		delete(s.dataObs, id)
		s.mu.Unlock()
	}
}

// OnLoadingStateChange registers a listener for loading-state transitions
// and immediately replays the current state. The returned disposer is
// idempotent.
func (s *service[T]) OnLoadingStateChange(handler func(models.LoadingState)) func() {
	id := uuid.New().String()
	s.mu.Lock()
	s.stateObs[id] = handler
	current := s.state
	s.mu.Unlock()

	deliver(s.log, handler, current)
	return func() {
		s.mu.Lock()
		delete(s.stateObs, id)
		s.mu.Unlock()
	}
}

// GetMarkets returns a copy of the current market list without touching the
// network.
func (s *service[T]) GetMarkets() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyOf(s.markets)
}

// GetLoadingState returns the current loading state.
func (s *service[T]) GetLoadingState() models.LoadingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Destroy releases the shared connection reference, detaches the stream
// listener and clears all cached data and subscribers. The service can fetch
// again afterwards, starting a fresh lifecycle.
func (s *service[T]) Destroy() {
	s.mu.Lock()
	dispose := s.midsDispose
	streaming := s.streaming
	s.midsDispose = nil
	s.streaming = false
	s.markets = nil
	s.fetchedAt = time.Time{}
	s.state = models.LoadingState{}
	s.dataObs = make(map[string]func([]T))
	s.stateObs = make(map[string]func(models.LoadingState))
	s.mu.Unlock()

	if dispose != nil {
		dispose()
	}
	if streaming {
		s.manager.Release()
	}
	s.log.Info("service destroyed")
}

func (s *service[T]) notifyData(markets []T) {
	s.mu.Lock()
	handlers := make([]func([]T), 0, len(s.dataObs))
	for _, h := range s.dataObs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		deliver(s.log, h, markets)
	}
}

func (s *service[T]) notifyState(state models.LoadingState) {
	s.mu.Lock()
	handlers := make([]func(models.LoadingState), 0, len(s.stateObs))
	for _, h := range s.stateObs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		deliver(s.log, h, state)
	}
}

// deliver invokes one handler with panic isolation so a broken listener
// cannot take down the notifying goroutine or starve its peers.
func deliver[V any](log *logger.Entry, handler func(V), value V) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{"panic": r}).Error("subscriber panicked")
		}
	}()
	handler(value)
}

func copyOf[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
