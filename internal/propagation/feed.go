package propagation

import (
	"context"
	"sync"
	"sync/atomic"

	"parkwise/internal/metrics"
	"parkwise/internal/worker"

	"github.com/rs/zerolog"
)

// feed owns one watched collection. A single run goroutine fetches
// snapshots in order, so seq grows with freshness. A failed fetch keeps
// the feed dirty and is tried again after the retry policy's delay.
type feed[T any] struct {
	name  string
	key   string
	fetch func(ctx context.Context) (T, error)
	clone func(T) T
	retry worker.RetryPolicy

	ctx    context.Context
	cancel context.CancelFunc
	dirty  chan struct{}
	logger *zerolog.Logger

	mu      sync.Mutex
	subs    map[uint64]*subscriber[T]
	last    T
	lastSeq uint64
}

func newFeed[T any](parent context.Context, name, key string, fetch func(context.Context) (T, error), clone func(T) T, retry worker.RetryPolicy, logger *zerolog.Logger) *feed[T] {
	ctx, cancel := context.WithCancel(parent)
	return &feed[T]{
		name:   name,
		key:    key,
		fetch:  fetch,
		clone:  clone,
		retry:  retry,
		ctx:    ctx,
		cancel: cancel,
		dirty:  make(chan struct{}, 1),
		logger: logger,
		subs:   make(map[uint64]*subscriber[T]),
	}
}

// markDirty requests a refetch. Several marks before the next fetch
// collapse into one.
func (f *feed[T]) markDirty() {
	select {
	case f.dirty <- struct{}{}:
	default:
	}
}

func (f *feed[T]) run() {
	var seq uint64
	failures := 0
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.dirty:
		}

		snap, err := f.fetch(f.ctx)
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			failures++
			f.logger.Warn().Err(err).Str("feed", f.name).Str("key", f.key).Int("failures", failures).Msg("snapshot fetch failed")
			if f.retry.Wait(f.ctx, failures) != nil {
				return
			}
			f.markDirty()
			continue
		}
		failures = 0
		seq++
		f.broadcast(seq, snap)
	}
}

func (f *feed[T]) broadcast(seq uint64, snap T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = snap
	f.lastSeq = seq
	for _, s := range f.subs {
		s.offer(seq, f.clone(snap))
	}
}

// add registers s and hands it the last snapshot when one exists.
// It reports whether a fetch is needed instead.
func (f *feed[T]) add(id uint64, s *subscriber[T]) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[id] = s
	if f.lastSeq == 0 {
		return true
	}
	s.offer(f.lastSeq, f.clone(f.last))
	return false
}

// remove drops a subscriber and reports how many remain.
func (f *feed[T]) remove(id uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	return len(f.subs)
}

func (f *feed[T]) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// closeAll closes every subscriber and returns how many were still open.
func (f *feed[T]) closeAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, s := range f.subs {
		if s.close() {
			n++
		}
		delete(f.subs, id)
	}
	return n
}

// subscriber holds at most one undelivered snapshot. A newer offer
// replaces an older pending one.
type subscriber[T any] struct {
	feed     string
	observer func(T)

	mu         sync.Mutex
	pending    T
	pendingSeq uint64
	delivered  uint64

	wake   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

func newSubscriber[T any](feed string, observer func(T)) *subscriber[T] {
	return &subscriber[T]{
		feed:     feed,
		observer: observer,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *subscriber[T]) offer(seq uint64, snap T) {
	s.mu.Lock()
	if seq <= s.delivered || seq <= s.pendingSeq {
		s.mu.Unlock()
		return
	}
	if s.pendingSeq > 0 {
		metrics.IncCoalesced(s.feed)
	}
	s.pending = snap
	s.pendingSeq = seq
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) take() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if s.pendingSeq == 0 {
		return zero, false
	}
	snap := s.pending
	s.delivered = s.pendingSeq
	s.pending = zero
	s.pendingSeq = 0
	return snap, true
}

func (s *subscriber[T]) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		snap, ok := s.take()
		if !ok {
			continue
		}
		if s.closed.Load() {
			return
		}
		s.observer(snap)
		metrics.IncDelivered(s.feed)
	}
}

func (s *subscriber[T]) close() bool {
	first := false
	s.once.Do(func() {
		first = true
		s.closed.Store(true)
		close(s.done)
	})
	return first
}
