package repository

import (
	"context"
	"fmt"
	"sync"

	"parkwise/internal/domain"
)

// MemoryLotLocker serializes lot-scoped sections within one process.
type MemoryLotLocker struct {
	mu    sync.Mutex
	locks map[string]*lotLock
}

type lotLock struct {
	sem  chan struct{}
	refs int
}

func NewMemoryLotLocker() *MemoryLotLocker {
	return &MemoryLotLocker{locks: make(map[string]*lotLock)}
}

var _ domain.LotLocker = (*MemoryLotLocker)(nil)

// Lock blocks until the lot is free or ctx is done.
func (l *MemoryLotLocker) Lock(ctx context.Context, lotID string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[lotID]
	if !ok {
		entry = &lotLock{sem: make(chan struct{}, 1)}
		l.locks[lotID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(lotID, entry)
		return nil, fmt.Errorf("lock lot %s: %w: %w", lotID, domain.ErrTransient, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.release(lotID, entry)
		})
	}, nil
}

func (l *MemoryLotLocker) release(lotID string, entry *lotLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, lotID)
	}
}

// held reports how many lots currently have holders or waiters.
func (l *MemoryLotLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
