// Package propagation pushes full snapshots of lots and spaces to
// registered observers whenever the store reports a change.
package propagation

import (
	"context"
	"sync"

	"parkwise/internal/domain"
	"parkwise/internal/events"
	"parkwise/internal/metrics"
	"parkwise/internal/models"
	"parkwise/internal/worker"

	"github.com/rs/zerolog"
)

const (
	feedLot    = "lot"
	feedLots   = "all_lots"
	feedSpaces = "spaces"

	allKey = "*"
)

// Source is the read side of the store the hub snapshots from.
type Source interface {
	GetLot(ctx context.Context, id string) (*models.ParkingLot, error)
	ListLots(ctx context.Context) ([]*models.ParkingLot, error)
	ListSpacesByLot(ctx context.Context, lotID string) ([]*models.ParkingSpace, error)
}

// Hub is the observer registry. Every observer runs on its own goroutine
// and sees snapshots in fetch order; a slow observer only ever gets the
// latest one.
//
// Lock order: Hub.mu before feed.mu.
type Hub struct {
	source Source
	retry  worker.RetryPolicy
	logger *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	nextID uint64
	lots   map[string]*feed[*models.ParkingLot]
	all    map[string]*feed[[]*models.ParkingLot]
	spaces map[string]*feed[[]*models.ParkingSpace]
}

func NewHub(source Source, retry worker.RetryPolicy, logger *zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		source: source,
		retry:  retry,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		lots:   make(map[string]*feed[*models.ParkingLot]),
		all:    make(map[string]*feed[[]*models.ParkingLot]),
		spaces: make(map[string]*feed[[]*models.ParkingSpace]),
	}
}

// Attach drives the hub from bus and returns the detach func.
func (h *Hub) Attach(bus *events.EventBus) func() {
	return bus.SubscribeAll(h.HandleEvent)
}

// HandleEvent marks the feeds an event touches as dirty. It never blocks.
func (h *Hub) HandleEvent(e *events.Event) error {
	change, err := e.DecodeChange()
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch e.Type {
	case events.EventSpaceChanged, events.EventSpacesCreated, events.EventSpaceDeleted:
		markIn(h.spaces, change.LotID)
	case events.EventLotCreated, events.EventLotChanged:
		markIn(h.lots, change.LotID)
		markIn(h.all, allKey)
	case events.EventLotDeleted:
		markIn(h.lots, change.LotID)
		markIn(h.spaces, change.LotID)
		markIn(h.all, allKey)
	}
	return nil
}

func markIn[T any](feeds map[string]*feed[T], key string) {
	if f, ok := feeds[key]; ok {
		f.markDirty()
	}
}

// SubscribeToLot delivers the lot record on every change of it. A nil
// lot means the lot was deleted.
func (h *Hub) SubscribeToLot(lotID string, observer func(*models.ParkingLot)) (unsubscribe func()) {
	fetch := func(ctx context.Context) (*models.ParkingLot, error) {
		lot, err := h.source.GetLot(ctx, lotID)
		if domain.KindOf(err) == domain.KindNotFound {
			return nil, nil
		}
		return lot, err
	}
	return subscribe(h, h.lots, feedLot, lotID, fetch, (*models.ParkingLot).Clone, observer)
}

// SubscribeToAllLots delivers the full lot list whenever any lot changes.
func (h *Hub) SubscribeToAllLots(observer func([]*models.ParkingLot)) (unsubscribe func()) {
	return subscribe(h, h.all, feedLots, allKey, h.source.ListLots, models.CloneLots, observer)
}

// SubscribeToSpaces delivers every space of the lot ordered by number
// whenever any of them changes.
func (h *Hub) SubscribeToSpaces(lotID string, observer func([]*models.ParkingSpace)) (unsubscribe func()) {
	fetch := func(ctx context.Context) ([]*models.ParkingSpace, error) {
		return h.source.ListSpacesByLot(ctx, lotID)
	}
	return subscribe(h, h.spaces, feedSpaces, lotID, fetch, models.CloneSpaces, observer)
}

func subscribe[T any](h *Hub, feeds map[string]*feed[T], name, key string, fetch func(context.Context) (T, error), clone func(T) T, observer func(T)) func() {
	h.mu.Lock()
	f, ok := feeds[key]
	if !ok {
		f = newFeed(h.ctx, name, key, retrying(h.retry, fetch), clone, h.retry, h.logger)
		feeds[key] = f
		go f.run()
	}
	h.nextID++
	id := h.nextID
	sub := newSubscriber(name, observer)
	needFetch := f.add(id, sub)
	h.mu.Unlock()

	go sub.loop()
	if needFetch {
		f.markDirty()
	}
	metrics.AddObservers(name, 1)

	return func() {
		if !sub.close() {
			return
		}
		metrics.AddObservers(name, -1)

		h.mu.Lock()
		defer h.mu.Unlock()
		if f.remove(id) == 0 && feeds[key] == f {
			delete(feeds, key)
			f.cancel()
		}
	}
}

// retrying wraps fetch so transient store failures are retried with
// backoff until the feed is cancelled.
func retrying[T any](policy worker.RetryPolicy, fetch func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		var snap T
		err := policy.Do(ctx, domain.Retryable, func(ctx context.Context) error {
			var err error
			snap, err = fetch(ctx)
			return err
		})
		return snap, err
	}
}

// Observers returns the number of live observers across all feeds.
func (h *Hub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, f := range h.lots {
		n += f.size()
	}
	for _, f := range h.all {
		n += f.size()
	}
	for _, f := range h.spaces {
		n += f.size()
	}
	return n
}

// Close stops every feed and observer. Observers receive nothing afterwards.
func (h *Hub) Close() {
	h.cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	closeFeeds(h.lots)
	closeFeeds(h.all)
	closeFeeds(h.spaces)
}

func closeFeeds[T any](feeds map[string]*feed[T]) {
	for key, f := range feeds {
		n := f.closeAll()
		metrics.AddObservers(f.name, -float64(n))
		delete(feeds, key)
	}
}
