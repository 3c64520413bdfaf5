package service

import (
	"context"
	"strings"
	"time"

	"parkwise/internal/domain"
	"parkwise/internal/models"

	"github.com/rs/zerolog"
)

type LotService struct {
	store      domain.Store
	reconciler domain.Reconciler
	timeout    time.Duration
	logger     *zerolog.Logger
}

func NewLotService(store domain.Store, reconciler domain.Reconciler, timeout time.Duration, logger *zerolog.Logger) *LotService {
	if timeout <= 0 {
		timeout = models.DefaultStoreTimeout
	}
	return &LotService{store: store, reconciler: reconciler, timeout: timeout, logger: logger}
}

var _ domain.LotService = (*LotService)(nil)

func (s *LotService) CreateLot(ctx context.Context, actor models.Actor, name, location string) (*models.ParkingLot, error) {
	if err := requireAdmin(actor, "create lot"); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.Errorf(domain.ErrInvalidArgument, "lot name is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	lot := &models.ParkingLot{Name: name, Location: strings.TrimSpace(location)}
	if err := s.store.CreateLot(ctx, lot); err != nil {
		return nil, err
	}
	s.logger.Info().Str("lot_id", lot.ID).Str("name", lot.Name).Msg("lot created")
	return lot, nil
}

func (s *LotService) UpdateLotInfo(ctx context.Context, actor models.Actor, lotID, name, location string) (*models.ParkingLot, error) {
	if err := requireAdmin(actor, "update lot"); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.Errorf(domain.ErrInvalidArgument, "lot name is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.store.UpdateLotInfo(ctx, lotID, name, strings.TrimSpace(location)); err != nil {
		return nil, err
	}
	return s.store.GetLot(ctx, lotID)
}

// DeleteLot removes the lot together with its spaces.
func (s *LotService) DeleteLot(ctx context.Context, actor models.Actor, lotID string) error {
	if err := requireAdmin(actor, "delete lot"); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.store.DeleteLot(ctx, lotID); err != nil {
		return err
	}
	s.logger.Info().Str("lot_id", lotID).Msg("lot deleted")
	return nil
}

func (s *LotService) GetLot(ctx context.Context, lotID string) (*models.ParkingLot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.GetLot(ctx, lotID)
}

func (s *LotService) ListLots(ctx context.Context) ([]*models.ParkingLot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.ListLots(ctx)
}

// Reconcile is the operator entry point for repairing one lot's counters.
// Staff only.
func (s *LotService) Reconcile(ctx context.Context, actor models.Actor, lotID string) (bool, models.LotAggregate, error) {
	if !actor.Role.IsStaff() {
		return false, models.LotAggregate{}, domain.Errorf(domain.ErrPermissionDenied, "reconcile requires staff, caller is %s", actor.Role)
	}
	return s.reconciler.Reconcile(ctx, lotID)
}

func (s *LotService) ReconcileAll(ctx context.Context, actor models.Actor) (int, error) {
	if !actor.Role.IsStaff() {
		return 0, domain.Errorf(domain.ErrPermissionDenied, "reconcile requires staff, caller is %s", actor.Role)
	}
	return s.reconciler.ReconcileAll(ctx)
}
