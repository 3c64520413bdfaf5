package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"parkwise/internal/domain"
	"parkwise/internal/metrics"
	"parkwise/internal/models"

	"github.com/rs/zerolog"
)

// Reconciler recomputes a lot's counters from its spaces. Counters are
// never adjusted incrementally, so running it again or concurrently with
// mutations always converges on the current space set.
type Reconciler struct {
	store   domain.Store
	timeout time.Duration
	logger  *zerolog.Logger
}

func NewReconciler(store domain.Store, timeout time.Duration, logger *zerolog.Logger) *Reconciler {
	if timeout <= 0 {
		timeout = models.DefaultStoreTimeout
	}
	return &Reconciler{store: store, timeout: timeout, logger: logger}
}

var _ domain.Reconciler = (*Reconciler)(nil)

// Tally counts spaces per status.
func Tally(spaces []*models.ParkingSpace) (models.LotAggregate, error) {
	agg := models.LotAggregate{Total: len(spaces)}
	for _, s := range spaces {
		switch s.Status {
		case models.StatusVacant:
			agg.Available++
		case models.StatusOccupied:
			agg.Occupied++
		case models.StatusBooked:
			agg.Booked++
		default:
			return models.LotAggregate{}, domain.Errorf(domain.ErrInvalidArgument, "space %s has unknown status %d", s.ID, s.Status)
		}
	}
	return agg, nil
}

// Reconcile makes the stored counters of lotID equal to the tally of its
// spaces. changed reports whether a write was needed.
func (r *Reconciler) Reconcile(ctx context.Context, lotID string) (bool, models.LotAggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	changed, agg, err := r.reconcile(ctx, lotID)
	switch {
	case err != nil:
		metrics.IncReconcile("error")
		r.logger.Warn().Err(err).Str("lot_id", lotID).Str("kind", domain.KindOf(err).String()).Msg("reconcile failed")
	case changed:
		metrics.IncReconcile("changed")
		r.logger.Debug().Str("lot_id", lotID).Interface("aggregate", agg).Msg("lot counters updated")
	default:
		metrics.IncReconcile("unchanged")
	}
	return changed, agg, err
}

// reconcile loops until a pass reads counters equal to the tally of the
// spaces read after them. Writes are conditional on the counters the pass
// read, and every write is followed by another pass, so a tally taken from
// an older space set cannot stick.
func (r *Reconciler) reconcile(ctx context.Context, lotID string) (bool, models.LotAggregate, error) {
	changed := false
	var lastErr error
	for attempt := 0; attempt < models.ReconcileTries; attempt++ {
		lot, err := r.store.GetLot(ctx, lotID)
		if err != nil {
			return false, models.LotAggregate{}, err
		}

		spaces, err := r.store.ListSpacesByLot(ctx, lotID)
		if err != nil {
			return false, models.LotAggregate{}, err
		}

		agg, err := Tally(spaces)
		if err != nil {
			return false, models.LotAggregate{}, err
		}

		stored := lot.Aggregate()
		if agg == stored {
			return changed, agg, nil
		}

		err = r.store.UpdateLotCounts(ctx, lotID, stored, agg)
		switch {
		case err == nil:
			changed = true
		case errors.Is(err, domain.ErrConcurrentModification):
			metrics.IncCASRetry()
			lastErr = err
		default:
			return false, models.LotAggregate{}, err
		}
	}
	if lastErr == nil {
		lastErr = domain.ErrConcurrentModification
	}
	return false, models.LotAggregate{}, fmt.Errorf("reconcile lot %s: %w: %w", lotID, domain.ErrTransient, lastErr)
}

// ReconcileAll reconciles every lot and returns how many changed. A lot
// deleted while the sweep runs is skipped; other failures are joined.
func (r *Reconciler) ReconcileAll(ctx context.Context) (int, error) {
	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	lots, err := r.store.ListLots(lctx)
	cancel()
	if err != nil {
		return 0, err
	}

	changed := 0
	var errs []error
	for _, lot := range lots {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("reconcile all: %w: %w", domain.ErrTransient, ctx.Err()))
			break
		}
		ok, _, err := r.Reconcile(ctx, lot.ID)
		if err != nil {
			if domain.KindOf(err) != domain.KindNotFound {
				errs = append(errs, fmt.Errorf("lot %s: %w", lot.ID, err))
			}
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}
