package database

import (
	"database/sql"
	"errors"
	"fmt"

	"parkwise/internal/domain"

	"github.com/mattn/go-sqlite3"
)

// classify maps a driver error onto the engine's error taxonomy. Errors
// that already carry a kind pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.KindOf(err) != domain.KindUnknown {
		return err
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%s: %w: %w", op, domain.ErrConflict, err)
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%s: %w: %w", op, domain.ErrNotFound, err)
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintCheck:
			return fmt.Errorf("%s: %w: %w", op, domain.ErrInvalidArgument, err)
		}
	}

	// Busy, locked, closed and context errors: the store could not serve
	// the call right now.
	return fmt.Errorf("%s: %w: %w", op, domain.ErrTransient, err)
}

func notFound(what, id string) error {
	return domain.Errorf(domain.ErrNotFound, "%s %s", what, id)
}
