package repository

import (
	"context"
	"sync/atomic"
	"time"

	"parkwise/internal/domain"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverLotLocker uses the primary locker until it fails, then the
// fallback, probing the primary again once a minute. The unique number
// index still guards correctness while running on the fallback.
type FailoverLotLocker struct {
	primary   domain.LotLocker
	fallback  domain.LotLocker
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverLotLocker(primary, fallback domain.LotLocker, logger *zerolog.Logger) *FailoverLotLocker {
	return &FailoverLotLocker{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

var _ domain.LotLocker = (*FailoverLotLocker)(nil)

func (r *FailoverLotLocker) Lock(ctx context.Context, lotID string) (func(), error) {
	if r.isDown.Load() && r.now().Sub(time.Unix(0, r.lastCheck.Load())) > recoveryInterval {
		r.lastCheck.Store(r.now().UnixNano())
		unlock, err := r.primary.Lock(ctx, lotID)
		if err == nil {
			r.isDown.Store(false)
			r.logger.Info().Msg("Primary lot locker recovered")
			return unlock, nil
		}
	}

	if !r.isDown.Load() {
		unlock, err := r.primary.Lock(ctx, lotID)
		if err == nil {
			return unlock, nil
		}
		// a caller deadline is not a primary outage
		if ctx.Err() != nil {
			return nil, err
		}
		r.logger.Error().Err(err).Str("lot_id", lotID).Msg("Primary lot locker failed, falling back to memory")
		r.isDown.Store(true)
		r.lastCheck.Store(r.now().UnixNano())
	}

	return r.fallback.Lock(ctx, lotID)
}
