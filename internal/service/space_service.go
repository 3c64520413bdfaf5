package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"parkwise/internal/billing"
	"parkwise/internal/domain"
	"parkwise/internal/metrics"
	"parkwise/internal/models"

	"github.com/rs/zerolog"
)

// SpaceOptions tunes a SpaceService. Zero values select defaults.
type SpaceOptions struct {
	StoreTimeout    time.Duration
	TransitionTries int
	Now             func() time.Time
}

// SpaceService is the only writer of space records. Every committed write
// is followed by a reconciliation of the space's lot.
type SpaceService struct {
	store      domain.Store
	reconciler domain.Reconciler
	locker     domain.LotLocker
	scheduler  domain.ReconcileScheduler
	rates      billing.Schedule
	timeout    time.Duration
	tries      int
	now        func() time.Time
	logger     *zerolog.Logger
}

func NewSpaceService(
	store domain.Store,
	reconciler domain.Reconciler,
	locker domain.LotLocker,
	scheduler domain.ReconcileScheduler,
	rates billing.Schedule,
	opts SpaceOptions,
	logger *zerolog.Logger,
) *SpaceService {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = models.DefaultStoreTimeout
	}
	if opts.TransitionTries <= 0 {
		opts.TransitionTries = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SpaceService{
		store:      store,
		reconciler: reconciler,
		locker:     locker,
		scheduler:  scheduler,
		rates:      rates,
		timeout:    opts.StoreTimeout,
		tries:      opts.TransitionTries,
		now:        opts.Now,
		logger:     logger,
	}
}

var _ domain.SpaceService = (*SpaceService)(nil)

// SetStatus moves a space to change.Status. The returned error is a
// *domain.ReconcileError when the write committed but the lot's counters
// could not be refreshed; the space is returned in that case too.
func (s *SpaceService) SetStatus(ctx context.Context, actor models.Actor, spaceID string, change models.StatusChange) (*models.ParkingSpace, error) {
	if !change.Status.Valid() {
		return nil, domain.Errorf(domain.ErrInvalidArgument, "invalid status %d", change.Status)
	}

	updated, err := s.transition(ctx, spaceID, func(_ context.Context, cur *models.ParkingSpace) (*models.ParkingSpace, error) {
		if err := authorizeStatus(actor, cur, change); err != nil {
			return nil, err
		}
		c := change
		if !actor.Role.IsStaff() && c.Status == models.StatusBooked {
			c.Occupant = selfOccupant(actor, c.Occupant)
		}
		return applyTransition(cur, c, s.now()), nil
	})
	if err != nil {
		return nil, err
	}
	return updated, s.afterWrite(ctx, updated.LotID)
}

func selfOccupant(actor models.Actor, requested *models.Occupant) *models.Occupant {
	occ := &models.Occupant{UserID: actor.UserID, UserEmail: actor.Email}
	if requested != nil {
		occ.VehicleInfo = requested.VehicleInfo
	}
	return occ
}

// applyTransition returns next, a copy of cur moved to change.Status.
func applyTransition(cur *models.ParkingSpace, change models.StatusChange, now time.Time) *models.ParkingSpace {
	next := cur.Clone()
	next.Status = change.Status

	if change.Status == models.StatusVacant {
		next.Occupant = nil
		next.StartTime = nil
		next.BookingExpiryTime = nil
		return next
	}

	switch {
	case change.Occupant != nil:
		occ := *change.Occupant
		next.Occupant = &occ
	case cur.Status == models.StatusVacant || cur.Occupant == nil:
		next.Occupant = &models.Occupant{}
	}

	switch {
	case change.StartTime != nil:
		t := change.StartTime.UTC()
		next.StartTime = &t
	case cur.Status == models.StatusVacant || cur.StartTime == nil:
		t := now.UTC()
		next.StartTime = &t
	}

	switch {
	case change.BookingExpiryTime != nil:
		t := change.BookingExpiryTime.UTC()
		next.BookingExpiryTime = &t
	case change.Status == models.StatusOccupied:
		next.BookingExpiryTime = nil
	}
	return next
}

// mutation computes the next record from a fresh read. Returning a nil
// space means no write is needed.
type mutation func(ctx context.Context, cur *models.ParkingSpace) (*models.ParkingSpace, error)

// transition applies mutate with optimistic concurrency: read, compute,
// write if the version is unchanged, otherwise start over.
func (s *SpaceService) transition(ctx context.Context, spaceID string, mutate mutation) (*models.ParkingSpace, error) {
	for attempt := 1; ; attempt++ {
		cur, next, err := s.tryTransition(ctx, spaceID, mutate)
		if err == nil {
			if next == nil {
				return cur, nil
			}
			metrics.IncTransition(cur.Status.String(), next.Status.String())
			return next, nil
		}
		if !errors.Is(err, domain.ErrConcurrentModification) {
			return nil, err
		}
		metrics.IncCASRetry()
		if attempt >= s.tries || ctx.Err() != nil {
			return nil, fmt.Errorf("space %s: %w: %w", spaceID, domain.ErrTransient, err)
		}
	}
}

func (s *SpaceService) tryTransition(ctx context.Context, spaceID string, mutate mutation) (cur, next *models.ParkingSpace, err error) {
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cur, err = s.store.GetSpace(sctx, spaceID)
	if err != nil {
		return nil, nil, err
	}
	next, err = mutate(sctx, cur.Clone())
	if err != nil || next == nil {
		return cur, nil, err
	}
	if err := s.store.UpdateSpaceWithVersion(sctx, next, cur.Version); err != nil {
		return nil, nil, err
	}
	return cur, next, nil
}

// afterWrite reconciles lotID after a committed mutation. A failure is
// handed to the scheduler and reported as a ReconcileError.
func (s *SpaceService) afterWrite(ctx context.Context, lotID string) error {
	_, _, err := s.reconciler.Reconcile(ctx, lotID)
	if err == nil {
		return nil
	}
	if s.scheduler != nil {
		s.scheduler.Schedule(lotID)
	}
	s.logger.Warn().Err(err).Str("lot_id", lotID).Msg("reconcile after write failed, scheduled retry")
	return &domain.ReconcileError{LotID: lotID, Err: err}
}

// CreateSpace adds a vacant space to the lot. A zero number picks the
// next number after the highest one in use.
func (s *SpaceService) CreateSpace(ctx context.Context, actor models.Actor, lotID string, number int) (*models.ParkingSpace, error) {
	if err := requireAdmin(actor, "create space"); err != nil {
		return nil, err
	}
	if number < 0 {
		return nil, domain.Errorf(domain.ErrInvalidArgument, "space number must be positive, got %d", number)
	}

	var space *models.ParkingSpace
	err := s.withLotLock(ctx, lotID, func(lctx context.Context) error {
		if _, err := s.store.GetLot(lctx, lotID); err != nil {
			return err
		}
		n := number
		if n == 0 {
			highest, err := s.store.MaxSpaceNumber(lctx, lotID)
			if err != nil {
				return err
			}
			n = highest + 1
		} else if err := s.checkFree(lctx, lotID, n, n); err != nil {
			return err
		}

		space = &models.ParkingSpace{LotID: lotID, Number: n}
		return s.store.CreateSpaces(lctx, []*models.ParkingSpace{space})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("lot_id", lotID).Str("space_id", space.ID).Int("number", space.Number).Msg("space created")
	return space, s.afterWrite(ctx, lotID)
}

// CreateMultipleSpaces adds count vacant spaces numbered from startNumber.
// The whole range is checked first and the batch commits all or nothing,
// followed by a single reconciliation.
func (s *SpaceService) CreateMultipleSpaces(ctx context.Context, actor models.Actor, lotID string, startNumber, count int) ([]*models.ParkingSpace, error) {
	if err := requireAdmin(actor, "create spaces"); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, domain.Errorf(domain.ErrInvalidArgument, "count must be positive, got %d", count)
	}
	if count > models.MaxBulkSpaces {
		return nil, domain.Errorf(domain.ErrInvalidArgument, "count %d exceeds limit %d", count, models.MaxBulkSpaces)
	}
	if startNumber <= 0 {
		return nil, domain.Errorf(domain.ErrInvalidArgument, "start number must be positive, got %d", startNumber)
	}
	last := startNumber + count - 1
	if last < startNumber {
		return nil, domain.Errorf(domain.ErrInvalidArgument, "number range overflows")
	}

	spaces := make([]*models.ParkingSpace, count)
	for i := range spaces {
		spaces[i] = &models.ParkingSpace{LotID: lotID, Number: startNumber + i}
	}

	err := s.withLotLock(ctx, lotID, func(lctx context.Context) error {
		if _, err := s.store.GetLot(lctx, lotID); err != nil {
			return err
		}
		if err := s.checkFree(lctx, lotID, startNumber, last); err != nil {
			return err
		}
		return s.store.CreateSpaces(lctx, spaces)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("lot_id", lotID).Int("from", startNumber).Int("to", last).Msg("spaces created")
	return spaces, s.afterWrite(ctx, lotID)
}

// RenumberSpace gives a space a new number within its lot.
func (s *SpaceService) RenumberSpace(ctx context.Context, actor models.Actor, spaceID string, number int) (*models.ParkingSpace, error) {
	if err := requireAdmin(actor, "renumber space"); err != nil {
		return nil, err
	}
	if number <= 0 {
		return nil, domain.Errorf(domain.ErrInvalidArgument, "space number must be positive, got %d", number)
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	current, err := s.store.GetSpace(sctx, spaceID)
	cancel()
	if err != nil {
		return nil, err
	}
	if current.Number == number {
		return current, nil
	}

	var updated *models.ParkingSpace
	err = s.withLotLock(ctx, current.LotID, func(lctx context.Context) error {
		var err error
		updated, err = s.transition(lctx, spaceID, func(mctx context.Context, cur *models.ParkingSpace) (*models.ParkingSpace, error) {
			if cur.Number == number {
				return nil, nil
			}
			if err := s.checkFree(mctx, cur.LotID, number, number); err != nil {
				return nil, err
			}
			cur.Number = number
			return cur, nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, s.afterWrite(ctx, updated.LotID)
}

// DeleteSpace removes the space and reconciles its former lot. The lot's
// counters are recomputed, never decremented.
func (s *SpaceService) DeleteSpace(ctx context.Context, actor models.Actor, spaceID string) error {
	if err := requireAdmin(actor, "delete space"); err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	deleted, err := s.store.DeleteSpace(sctx, spaceID)
	cancel()
	if err != nil {
		return err
	}

	s.logger.Info().Str("lot_id", deleted.LotID).Str("space_id", spaceID).Msg("space deleted")
	return s.afterWrite(ctx, deleted.LotID)
}

func (s *SpaceService) GetSpace(ctx context.Context, spaceID string) (*models.ParkingSpace, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.GetSpace(ctx, spaceID)
}

func (s *SpaceService) ListSpaces(ctx context.Context, lotID string) ([]*models.ParkingSpace, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.store.GetLot(ctx, lotID); err != nil {
		return nil, err
	}
	return s.store.ListSpacesByLot(ctx, lotID)
}

func (s *SpaceService) checkFree(ctx context.Context, lotID string, from, to int) error {
	taken, err := s.store.TakenNumbers(ctx, lotID, from, to)
	if err != nil {
		return err
	}
	if len(taken) > 0 {
		return domain.Errorf(domain.ErrConflict, "space numbers %v already used in lot %s", taken, lotID)
	}
	return nil
}

// withLotLock runs fn holding the lot's number lock. Lock wait and fn
// share one store deadline, which bounds how long the lock is held.
func (s *SpaceService) withLotLock(ctx context.Context, lotID string, fn func(ctx context.Context) error) error {
	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unlock, err := s.locker.Lock(lctx, lotID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(lctx)
}

// Estimate prices the current stay on a space without ending it.
func (s *SpaceService) Estimate(ctx context.Context, spaceID string, role models.Role) (*models.Receipt, error) {
	space, err := s.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	if space.Status == models.StatusVacant || space.StartTime == nil {
		return nil, domain.Errorf(domain.ErrInvalidArgument, "space %s has no active stay", spaceID)
	}
	if !role.Valid() {
		role = models.RoleGuest
	}
	return s.receipt(space, role, s.now())
}

// Checkout ends the stay on a space, prices it and frees the space. The
// receipt is returned even when only the follow-up reconcile failed.
func (s *SpaceService) Checkout(ctx context.Context, actor models.Actor, spaceID string, role models.Role) (*models.Receipt, error) {
	var rcpt *models.Receipt
	updated, err := s.transition(ctx, spaceID, func(_ context.Context, cur *models.ParkingSpace) (*models.ParkingSpace, error) {
		if err := authorizeRelease(actor, cur); err != nil {
			return nil, err
		}
		if cur.Status == models.StatusVacant || cur.StartTime == nil {
			return nil, domain.Errorf(domain.ErrInvalidArgument, "space %s has no active stay", spaceID)
		}
		now := s.now()
		r, err := s.receipt(cur, billedRole(actor, role), now)
		if err != nil {
			return nil, err
		}
		rcpt = r
		return applyTransition(cur, models.StatusChange{Status: models.StatusVacant}, now), nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("space_id", spaceID).
		Str("role", rcpt.Role.String()).
		Float64("amount", rcpt.Amount).
		Msg("checkout settled")
	return rcpt, s.afterWrite(ctx, updated.LotID)
}

func (s *SpaceService) receipt(space *models.ParkingSpace, role models.Role, now time.Time) (*models.Receipt, error) {
	b := s.rates.Booking(space, role, *space.StartTime)
	amount, err := billing.Charge(b, now)
	if err != nil {
		return nil, err
	}
	return &models.Receipt{
		SpaceID:     space.ID,
		LotID:       space.LotID,
		SpaceNumber: space.Number,
		Role:        role,
		BillingType: b.BillingType,
		Rate:        b.BillingRate,
		StartTime:   b.StartTime,
		EndTime:     now.UTC(),
		Amount:      amount,
	}, nil
}
