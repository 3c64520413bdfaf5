package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"parkwise/internal/domain"
	"parkwise/internal/events"
	"parkwise/internal/models"

	"github.com/google/uuid"
)

const spaceColumns = `id, lot_id, number, status, occupant_user_id, occupant_email, vehicle_info,
	start_time, booking_expiry_time, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpace(row rowScanner) (*models.ParkingSpace, error) {
	var (
		s                        models.ParkingSpace
		userID, email, vehicle   sql.NullString
		startTime, bookingExpiry sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.LotID, &s.Number, &s.Status,
		&userID, &email, &vehicle,
		&startTime, &bookingExpiry,
		&s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if s.Status != models.StatusVacant {
		s.Occupant = &models.Occupant{
			UserID:      userID.String,
			UserEmail:   email.String,
			VehicleInfo: vehicle.String,
		}
	}
	if startTime.Valid {
		t := startTime.Time.UTC()
		s.StartTime = &t
	}
	if bookingExpiry.Valid {
		t := bookingExpiry.Time.UTC()
		s.BookingExpiryTime = &t
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

func occupantArgs(o *models.Occupant) (userID, email, vehicle sql.NullString) {
	if o == nil {
		return
	}
	return nullString(o.UserID), nullString(o.UserEmail), nullString(o.VehicleInfo)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (db *DB) GetSpace(ctx context.Context, id string) (*models.ParkingSpace, error) {
	query := `SELECT ` + spaceColumns + ` FROM spaces WHERE id = ?`
	space, err := scanSpace(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("space", id)
	}
	if err != nil {
		return nil, classify("get space", err)
	}
	return space, nil
}

func (db *DB) ListSpacesByLot(ctx context.Context, lotID string) ([]*models.ParkingSpace, error) {
	query := `SELECT ` + spaceColumns + ` FROM spaces WHERE lot_id = ? ORDER BY number`
	rows, err := db.QueryContext(ctx, query, lotID)
	if err != nil {
		return nil, classify("list spaces", err)
	}
	defer rows.Close()

	spaces := make([]*models.ParkingSpace, 0)
	for rows.Next() {
		s, err := scanSpace(rows)
		if err != nil {
			return nil, classify("scan space", err)
		}
		spaces = append(spaces, s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list spaces", err)
	}
	return spaces, nil
}

// CreateSpaces inserts the batch in a single transaction. Every space must
// belong to the same lot. IDs are generated when empty and new spaces
// always start vacant.
func (db *DB) CreateSpaces(ctx context.Context, spaces []*models.ParkingSpace) error {
	if len(spaces) == 0 {
		return domain.Errorf(domain.ErrInvalidArgument, "no spaces to create")
	}
	lotID := spaces[0].LotID
	seen := make(map[int]bool, len(spaces))
	for _, s := range spaces {
		if s.LotID != lotID {
			return domain.Errorf(domain.ErrInvalidArgument, "batch spans lots %s and %s", lotID, s.LotID)
		}
		if s.Number <= 0 {
			return domain.Errorf(domain.ErrInvalidArgument, "space number must be positive, got %d", s.Number)
		}
		if seen[s.Number] {
			return domain.Errorf(domain.ErrConflict, "space number %d repeated in batch", s.Number)
		}
		seen[s.Number] = true
	}

	now := time.Now().UTC()
	err := db.withTx(ctx, "create spaces", func(tx *sql.Tx) error {
		if err := lotExists(ctx, tx, lotID); err != nil {
			return err
		}

		query := `INSERT INTO spaces (
				id, lot_id, number, status, occupant_user_id, occupant_email, vehicle_info,
				start_time, booking_expiry_time, version, created_at, updated_at
			) VALUES (?, ?, ?, ?, NULL, NULL, NULL, NULL, NULL, 1, ?, ?)`
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return classify("prepare insert space", err)
		}
		defer stmt.Close()

		for _, s := range spaces {
			if s.ID == "" {
				s.ID = uuid.NewString()
			}
			if _, err := stmt.ExecContext(ctx, s.ID, s.LotID, s.Number, models.StatusVacant, now, now); err != nil {
				err = classify("insert space", err)
				if domain.KindOf(err) == domain.KindConflict {
					return domain.Errorf(domain.ErrConflict, "space number %d already used in lot %s", s.Number, lotID)
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, s := range spaces {
		s.Status = models.StatusVacant
		s.Occupant = nil
		s.StartTime = nil
		s.BookingExpiryTime = nil
		s.Version = 1
		s.CreatedAt = now
		s.UpdatedAt = now
	}
	db.publish(events.EventSpacesCreated, lotID, "")
	return nil
}

func lotExists(ctx context.Context, tx *sql.Tx, lotID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM lots WHERE id = ?`, lotID).Scan(&one)
	if err == sql.ErrNoRows {
		return notFound("lot", lotID)
	}
	return classify("check lot", err)
}

// UpdateSpaceWithVersion writes number, status, occupant and times of the
// space when the stored version equals fromVersion. On success the space's
// Version and UpdatedAt reflect the new row.
func (db *DB) UpdateSpaceWithVersion(ctx context.Context, space *models.ParkingSpace, fromVersion int64) error {
	if !space.Status.Valid() {
		return domain.Errorf(domain.ErrInvalidArgument, "invalid status %d", space.Status)
	}

	userID, email, vehicle := occupantArgs(space.Occupant)
	now := time.Now().UTC()
	query := `UPDATE spaces SET number = ?, status = ?,
			occupant_user_id = ?, occupant_email = ?, vehicle_info = ?,
			start_time = ?, booking_expiry_time = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`
	result, err := db.ExecContext(ctx, query,
		space.Number, space.Status,
		userID, email, vehicle,
		nullTime(space.StartTime), nullTime(space.BookingExpiryTime),
		now, space.ID, fromVersion,
	)
	if err != nil {
		err = classify("update space", err)
		if domain.KindOf(err) == domain.KindConflict {
			return domain.Errorf(domain.ErrConflict, "space number %d already used in lot %s", space.Number, space.LotID)
		}
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return classify("update space", err)
	}
	if rows == 0 {
		if _, err := db.GetSpace(ctx, space.ID); err != nil {
			return err
		}
		return domain.ErrConcurrentModification
	}

	space.Version = fromVersion + 1
	space.UpdatedAt = now
	db.publish(events.EventSpaceChanged, space.LotID, space.ID)
	return nil
}

// DeleteSpace removes the space and returns the record as it was.
func (db *DB) DeleteSpace(ctx context.Context, id string) (*models.ParkingSpace, error) {
	var deleted *models.ParkingSpace
	err := db.withTx(ctx, "delete space", func(tx *sql.Tx) error {
		query := `SELECT ` + spaceColumns + ` FROM spaces WHERE id = ?`
		s, err := scanSpace(tx.QueryRowContext(ctx, query, id))
		if err == sql.ErrNoRows {
			return notFound("space", id)
		}
		if err != nil {
			return classify("get space", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM spaces WHERE id = ?`, id); err != nil {
			return classify("delete space", err)
		}
		deleted = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	db.publish(events.EventSpaceDeleted, deleted.LotID, deleted.ID)
	return deleted, nil
}

// TakenNumbers returns the numbers in [from, to] already used in the lot.
func (db *DB) TakenNumbers(ctx context.Context, lotID string, from, to int) ([]int, error) {
	if from > to {
		return nil, domain.Errorf(domain.ErrInvalidArgument, "empty range %d..%d", from, to)
	}
	rows, err := db.QueryContext(ctx,
		`SELECT number FROM spaces WHERE lot_id = ? AND number BETWEEN ? AND ? ORDER BY number`,
		lotID, from, to)
	if err != nil {
		return nil, classify("taken numbers", err)
	}
	defer rows.Close()

	var taken []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, classify("scan number", err)
		}
		taken = append(taken, n)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("taken numbers", err)
	}
	return taken, nil
}

func (db *DB) MaxSpaceNumber(ctx context.Context, lotID string) (int, error) {
	var highest int
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(number), 0) FROM spaces WHERE lot_id = ?`, lotID).Scan(&highest)
	if err != nil {
		return 0, classify("max space number", err)
	}
	return highest, nil
}

// CountSpacesByStatus tallies spaces per status with a single query. Used
// by the occupancy report; reconciliation tallies in memory instead.
func (db *DB) CountSpacesByStatus(ctx context.Context, lotID string) (map[models.SpaceStatus]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM spaces WHERE lot_id = ? GROUP BY status`, lotID)
	if err != nil {
		return nil, classify("count spaces", err)
	}
	defer rows.Close()

	counts := make(map[models.SpaceStatus]int, 3)
	for rows.Next() {
		var (
			status models.SpaceStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count spaces: %w: %w", domain.ErrInvalidArgument, err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify("count spaces", err)
	}
	return counts, nil
}
