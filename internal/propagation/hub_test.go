package propagation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"parkwise/internal/database"
	"parkwise/internal/domain"
	"parkwise/internal/events"
	"parkwise/internal/models"
	"parkwise/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu     sync.Mutex
	lots   map[string]*models.ParkingLot
	spaces map[string][]*models.ParkingSpace
	fails  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		lots:   map[string]*models.ParkingLot{"lot-1": {ID: "lot-1", Name: "Main"}},
		spaces: map[string][]*models.ParkingSpace{},
	}
}

func (f *fakeSource) GetLot(_ context.Context, id string) (*models.ParkingLot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return nil, domain.Errorf(domain.ErrTransient, "flaky")
	}
	lot, ok := f.lots[id]
	if !ok {
		return nil, domain.Errorf(domain.ErrNotFound, "lot %s", id)
	}
	return lot.Clone(), nil
}

func (f *fakeSource) ListLots(context.Context) ([]*models.ParkingLot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.ParkingLot, 0, len(f.lots))
	for _, l := range f.lots {
		out = append(out, l.Clone())
	}
	return out, nil
}

func (f *fakeSource) ListSpacesByLot(_ context.Context, lotID string) ([]*models.ParkingSpace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.CloneSpaces(f.spaces[lotID]), nil
}

// bump changes the lot's total and returns the new value.
func (f *fakeSource) bump(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lots[id].TotalSpaces++
	return f.lots[id].TotalSpaces
}

func lotEvent(t *testing.T, typ, lotID string) *events.Event {
	t.Helper()
	e, err := events.NewJSONEvent(typ, events.ChangePayload{LotID: lotID})
	require.NoError(t, err)
	return &e
}

var testRetry = worker.RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func newTestHub(t *testing.T, src Source) *Hub {
	t.Helper()
	logger := zerolog.Nop()
	h := NewHub(src, testRetry, &logger)
	t.Cleanup(h.Close)
	return h
}

// collector records lot deliveries.
type collector struct {
	mu     sync.Mutex
	totals []int
	nils   int
}

func (c *collector) observe(lot *models.ParkingLot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lot == nil {
		c.nils++
		return
	}
	c.totals = append(c.totals, lot.TotalSpaces)
}

func (c *collector) last() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.totals) == 0 {
		return 0, false
	}
	return c.totals[len(c.totals)-1], true
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.totals)
}

func TestSubscribeToLotDeliversInitialAndChanges(t *testing.T) {
	src := newFakeSource()
	h := newTestHub(t, src)

	var c collector
	unsub := h.SubscribeToLot("lot-1", c.observe)
	defer unsub()

	require.Eventually(t, func() bool { v, ok := c.last(); return ok && v == 0 }, time.Second, time.Millisecond)

	src.bump("lot-1")
	require.NoError(t, h.HandleEvent(lotEvent(t, events.EventLotChanged, "lot-1")))
	require.Eventually(t, func() bool { v, _ := c.last(); return v == 1 }, time.Second, time.Millisecond)

	// Space events do not touch the lot feed.
	src.bump("lot-1")
	require.NoError(t, h.HandleEvent(lotEvent(t, events.EventSpaceChanged, "lot-1")))
	time.Sleep(20 * time.Millisecond)
	v, _ := c.last()
	assert.Equal(t, 1, v)
}

func TestLateSubscriberGetsCachedSnapshot(t *testing.T) {
	src := newFakeSource()
	h := newTestHub(t, src)

	var first, second collector
	defer h.SubscribeToLot("lot-1", first.observe)()
	require.Eventually(t, func() bool { return first.count() == 1 }, time.Second, time.Millisecond)

	defer h.SubscribeToLot("lot-1", second.observe)()
	require.Eventually(t, func() bool { return second.count() == 1 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, first.count(), "existing observer is not re-notified")
}

func TestUnsubscribeIsolatesObservers(t *testing.T) {
	src := newFakeSource()
	h := newTestHub(t, src)

	var a, b collector
	unsubA := h.SubscribeToLot("lot-1", a.observe)
	unsubB := h.SubscribeToLot("lot-1", b.observe)
	defer unsubB()
	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, h.Observers())

	unsubA()
	unsubA()
	assert.Equal(t, 1, h.Observers())

	src.bump("lot-1")
	require.NoError(t, h.HandleEvent(lotEvent(t, events.EventLotChanged, "lot-1")))
	require.Eventually(t, func() bool { v, _ := b.last(); return v == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, a.count())
}

func TestLastUnsubscribeRemovesFeed(t *testing.T) {
	h := newTestHub(t, newFakeSource())

	unsub := h.SubscribeToSpaces("lot-1", func([]*models.ParkingSpace) {})
	h.mu.Lock()
	assert.Len(t, h.spaces, 1)
	h.mu.Unlock()

	unsub()
	h.mu.Lock()
	assert.Empty(t, h.spaces)
	h.mu.Unlock()
	assert.Equal(t, 0, h.Observers())
}

func TestSlowObserverIsCoalesced(t *testing.T) {
	src := newFakeSource()
	h := newTestHub(t, src)

	gate := make(chan struct{})
	var mu sync.Mutex
	var seen []int
	defer h.SubscribeToLot("lot-1", func(lot *models.ParkingLot) {
		<-gate
		mu.Lock()
		seen = append(seen, lot.TotalSpaces)
		mu.Unlock()
	})()

	const updates = 50
	for i := 0; i < updates; i++ {
		src.bump("lot-1")
		require.NoError(t, h.HandleEvent(lotEvent(t, events.EventLotChanged, "lot-1")))
		time.Sleep(time.Millisecond)
	}
	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == updates
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, len(seen), updates, "stale snapshots were queued")
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "freshness went backwards")
	}
}

func TestNoDeliveryAfterUnsubscribe(t *testing.T) {
	src := newFakeSource()
	h := newTestHub(t, src)

	var delivered atomic.Int32
	var unsubscribed atomic.Bool
	var late atomic.Int32
	unsub := h.SubscribeToLot("lot-1", func(*models.ParkingLot) {
		if unsubscribed.Load() {
			late.Add(1)
		}
		delivered.Add(1)
	})
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, time.Millisecond)

	unsub()
	unsubscribed.Store(true)
	for i := 0; i < 10; i++ {
		src.bump("lot-1")
		require.NoError(t, h.HandleEvent(lotEvent(t, events.EventLotChanged, "lot-1")))
	}
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), late.Load())
}

func TestDeletedLotDeliversNil(t *testing.T) {
	src := newFakeSource()
	h := newTestHub(t, src)

	var c collector
	defer h.SubscribeToLot("lot-1", c.observe)()
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, time.Millisecond)

	src.mu.Lock()
	delete(src.lots, "lot-1")
	src.mu.Unlock()
	require.NoError(t, h.HandleEvent(lotEvent(t, events.EventLotDeleted, "lot-1")))

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.nils == 1
	}, time.Second, time.Millisecond)
}

func TestTransientFetchIsRetried(t *testing.T) {
	src := newFakeSource()
	src.fails = 3
	h := newTestHub(t, src)

	var c collector
	defer h.SubscribeToLot("lot-1", c.observe)()
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, time.Millisecond)
}

func TestChangeSurvivesExhaustedRetries(t *testing.T) {
	src := newFakeSource()
	h := newTestHub(t, src)

	var c collector
	defer h.SubscribeToLot("lot-1", c.observe)()
	require.Eventually(t, func() bool { v, ok := c.last(); return ok && v == 0 }, time.Second, time.Millisecond)

	// More failures than one fetch's retry budget covers.
	src.mu.Lock()
	src.fails = 4 * (testRetry.MaxRetries + 1)
	src.mu.Unlock()
	want := src.bump("lot-1")
	require.NoError(t, h.HandleEvent(lotEvent(t, events.EventLotChanged, "lot-1")))

	require.Eventually(t, func() bool { v, _ := c.last(); return v == want }, 2*time.Second, 5*time.Millisecond)
	src.mu.Lock()
	assert.Zero(t, src.fails)
	src.mu.Unlock()
}

func TestHubFollowsStore(t *testing.T) {
	logger := zerolog.Nop()
	bus := events.NewEventBus()
	db, err := database.NewDB(":memory:", &logger, database.WithPublisher(bus))
	require.NoError(t, err)
	defer db.Close()

	h := newTestHub(t, db)
	defer h.Attach(bus)()
	ctx := context.Background()

	lot := &models.ParkingLot{Name: "Main"}
	require.NoError(t, db.CreateLot(ctx, lot))

	var mu sync.Mutex
	var lists [][]*models.ParkingSpace
	defer h.SubscribeToSpaces(lot.ID, func(spaces []*models.ParkingSpace) {
		mu.Lock()
		lists = append(lists, spaces)
		mu.Unlock()
	})()

	var allLots atomic.Int32
	defer h.SubscribeToAllLots(func(lots []*models.ParkingLot) {
		allLots.Store(int32(len(lots)))
	})()

	require.NoError(t, db.CreateSpaces(ctx, []*models.ParkingSpace{
		{LotID: lot.ID, Number: 1},
		{LotID: lot.ID, Number: 2},
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lists) > 0 && len(lists[len(lists)-1]) == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, db.CreateLot(ctx, &models.ParkingLot{Name: "Overflow"}))
	require.Eventually(t, func() bool { return allLots.Load() == 2 }, time.Second, time.Millisecond)

	mu.Lock()
	snap := lists[len(lists)-1]
	mu.Unlock()
	snap[0].Number = 99
	got, err := db.ListSpacesByLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got[0].Number, "observers get private copies")
}
