package domain

import (
	"context"

	"parkwise/internal/models"
)

type SpaceStore interface {
	GetSpace(ctx context.Context, id string) (*models.ParkingSpace, error)
	ListSpacesByLot(ctx context.Context, lotID string) ([]*models.ParkingSpace, error)
	// CreateSpaces inserts all spaces or none. A number already used in the
	// lot yields ErrConflict.
	CreateSpaces(ctx context.Context, spaces []*models.ParkingSpace) error
	// UpdateSpaceWithVersion replaces the whole record if its stored version
	// still equals fromVersion, otherwise ErrConcurrentModification.
	UpdateSpaceWithVersion(ctx context.Context, space *models.ParkingSpace, fromVersion int64) error
	DeleteSpace(ctx context.Context, id string) (*models.ParkingSpace, error)
	TakenNumbers(ctx context.Context, lotID string, from, to int) ([]int, error)
	MaxSpaceNumber(ctx context.Context, lotID string) (int, error)
}

type LotStore interface {
	GetLot(ctx context.Context, id string) (*models.ParkingLot, error)
	ListLots(ctx context.Context) ([]*models.ParkingLot, error)
	CreateLot(ctx context.Context, lot *models.ParkingLot) error
	UpdateLotInfo(ctx context.Context, id, name, location string) error
	// UpdateLotCounts writes all four counters in one statement if they
	// still equal from, otherwise ErrConcurrentModification.
	UpdateLotCounts(ctx context.Context, id string, from, to models.LotAggregate) error
	DeleteLot(ctx context.Context, id string) error
}

type Store interface {
	SpaceStore
	LotStore
}

// LotLocker serializes number-uniqueness checks within one lot.
type LotLocker interface {
	Lock(ctx context.Context, lotID string) (unlock func(), err error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, lotID string) (bool, models.LotAggregate, error)
	ReconcileAll(ctx context.Context) (int, error)
}

// ReconcileScheduler accepts lots whose reconciliation failed and must be retried.
type ReconcileScheduler interface {
	Schedule(lotID string)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type SpaceService interface {
	SetStatus(ctx context.Context, actor models.Actor, spaceID string, change models.StatusChange) (*models.ParkingSpace, error)
	CreateSpace(ctx context.Context, actor models.Actor, lotID string, number int) (*models.ParkingSpace, error)
	CreateMultipleSpaces(ctx context.Context, actor models.Actor, lotID string, startNumber, count int) ([]*models.ParkingSpace, error)
	RenumberSpace(ctx context.Context, actor models.Actor, spaceID string, number int) (*models.ParkingSpace, error)
	DeleteSpace(ctx context.Context, actor models.Actor, spaceID string) error
	GetSpace(ctx context.Context, spaceID string) (*models.ParkingSpace, error)
	ListSpaces(ctx context.Context, lotID string) ([]*models.ParkingSpace, error)
	Estimate(ctx context.Context, spaceID string, role models.Role) (*models.Receipt, error)
	Checkout(ctx context.Context, actor models.Actor, spaceID string, role models.Role) (*models.Receipt, error)
}

type LotService interface {
	CreateLot(ctx context.Context, actor models.Actor, name, location string) (*models.ParkingLot, error)
	UpdateLotInfo(ctx context.Context, actor models.Actor, lotID, name, location string) (*models.ParkingLot, error)
	DeleteLot(ctx context.Context, actor models.Actor, lotID string) error
	GetLot(ctx context.Context, lotID string) (*models.ParkingLot, error)
	ListLots(ctx context.Context) ([]*models.ParkingLot, error)
	Reconcile(ctx context.Context, actor models.Actor, lotID string) (bool, models.LotAggregate, error)
	ReconcileAll(ctx context.Context, actor models.Actor) (int, error)
}
