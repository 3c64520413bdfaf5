package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"parkwise/internal/domain"
	"parkwise/internal/events"
	"parkwise/internal/models"

	"github.com/google/uuid"
)

const lotColumns = `id, name, location, total_spaces, available_spaces, occupied_spaces, booked_spaces, created_at, updated_at`

func scanLot(row rowScanner) (*models.ParkingLot, error) {
	var l models.ParkingLot
	err := row.Scan(
		&l.ID, &l.Name, &l.Location,
		&l.TotalSpaces, &l.AvailableSpaces, &l.OccupiedSpaces, &l.BookedSpaces,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

// CreateLot stores a new lot with zero counters.
func (db *DB) CreateLot(ctx context.Context, lot *models.ParkingLot) error {
	if strings.TrimSpace(lot.Name) == "" {
		return domain.Errorf(domain.ErrInvalidArgument, "lot name is required")
	}
	if lot.ID == "" {
		lot.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	query := `INSERT INTO lots (` + lotColumns + `) VALUES (?, ?, ?, 0, 0, 0, 0, ?, ?)`
	if _, err := db.ExecContext(ctx, query, lot.ID, lot.Name, lot.Location, now, now); err != nil {
		err = classify("create lot", err)
		if domain.KindOf(err) == domain.KindConflict {
			return domain.Errorf(domain.ErrConflict, "lot %s already exists", lot.ID)
		}
		return err
	}

	lot.SetAggregate(models.LotAggregate{})
	lot.CreatedAt = now
	lot.UpdatedAt = now
	db.publish(events.EventLotCreated, lot.ID, "")
	return nil
}

func (db *DB) GetLot(ctx context.Context, id string) (*models.ParkingLot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots WHERE id = ?`
	lot, err := scanLot(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("lot", id)
	}
	if err != nil {
		return nil, classify("get lot", err)
	}
	return lot, nil
}

func (db *DB) ListLots(ctx context.Context) ([]*models.ParkingLot, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+lotColumns+` FROM lots ORDER BY name, id`)
	if err != nil {
		return nil, classify("list lots", err)
	}
	defer rows.Close()

	lots := make([]*models.ParkingLot, 0)
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, classify("scan lot", err)
		}
		lots = append(lots, l)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list lots", err)
	}
	return lots, nil
}

// UpdateLotInfo changes the descriptive fields only; counters are owned
// by reconciliation.
func (db *DB) UpdateLotInfo(ctx context.Context, id, name, location string) error {
	if strings.TrimSpace(name) == "" {
		return domain.Errorf(domain.ErrInvalidArgument, "lot name is required")
	}
	result, err := db.ExecContext(ctx,
		`UPDATE lots SET name = ?, location = ?, updated_at = ? WHERE id = ?`,
		name, location, time.Now().UTC(), id)
	if err != nil {
		return classify("update lot", err)
	}
	if err := expectRow(result, "lot", id); err != nil {
		return err
	}
	db.publish(events.EventLotChanged, id, "")
	return nil
}

// UpdateLotCounts replaces all four counters in one statement, provided
// they still equal from. A lot whose counters moved meanwhile yields
// ErrConcurrentModification.
func (db *DB) UpdateLotCounts(ctx context.Context, id string, from, to models.LotAggregate) error {
	if to.Total < 0 || to.Available < 0 || to.Occupied < 0 || to.Booked < 0 {
		return domain.Errorf(domain.ErrInvalidArgument, "negative counts %+v", to)
	}
	result, err := db.ExecContext(ctx,
		`UPDATE lots SET total_spaces = ?, available_spaces = ?, occupied_spaces = ?, booked_spaces = ?, updated_at = ?
		WHERE id = ? AND total_spaces = ? AND available_spaces = ? AND occupied_spaces = ? AND booked_spaces = ?`,
		to.Total, to.Available, to.Occupied, to.Booked, time.Now().UTC(),
		id, from.Total, from.Available, from.Occupied, from.Booked)
	if err != nil {
		return classify("update lot counts", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return classify("rows affected", err)
	}
	if rows == 0 {
		if _, err := db.GetLot(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("lot %s counters: %w", id, domain.ErrConcurrentModification)
	}
	db.publish(events.EventLotChanged, id, "")
	return nil
}

// DeleteLot removes the lot together with all of its spaces.
func (db *DB) DeleteLot(ctx context.Context, id string) error {
	err := db.withTx(ctx, "delete lot", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM spaces WHERE lot_id = ?`, id); err != nil {
			return classify("delete lot spaces", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM lots WHERE id = ?`, id)
		if err != nil {
			return classify("delete lot", err)
		}
		return expectRow(result, "lot", id)
	})
	if err != nil {
		return err
	}
	db.publish(events.EventLotDeleted, id, "")
	return nil
}

func expectRow(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return classify("rows affected", err)
	}
	if rows == 0 {
		return notFound(what, id)
	}
	return nil
}
