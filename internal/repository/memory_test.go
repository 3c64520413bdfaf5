package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"parkwise/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLotLocker(t *testing.T) {
	locker := NewMemoryLotLocker()
	ctx := context.Background()

	t.Run("MutualExclusion", func(t *testing.T) {
		var inside, maxInside atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := locker.Lock(ctx, "lot-1")
				if !assert.NoError(t, err) {
					return
				}
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), maxInside.Load())
		assert.Equal(t, 0, locker.held())
	})

	t.Run("DifferentLotsIndependent", func(t *testing.T) {
		unlockA, err := locker.Lock(ctx, "a")
		require.NoError(t, err)
		defer unlockA()

		done := make(chan struct{})
		go func() {
			unlockB, err := locker.Lock(ctx, "b")
			if err == nil {
				unlockB()
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("lock on another lot blocked")
		}
	})

	t.Run("ContextTimeout", func(t *testing.T) {
		unlock, err := locker.Lock(ctx, "busy")
		require.NoError(t, err)

		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(tctx, "busy")
		assert.ErrorIs(t, err, domain.ErrTransient)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		unlock()
		unlock() // idempotent
		assert.Equal(t, 0, locker.held())
	})
}
