// Package billing computes parking charges from role, duration and rate.
package billing

import (
	"math"
	"time"

	"parkwise/internal/domain"
	"parkwise/internal/models"
)

// GracePeriod is the free parking window for hourly billing. A stay of
// exactly GracePeriod is still free.
const GracePeriod = 30 * time.Minute

// ComputeCharge returns the amount owed for a stay from start to now.
// Students pay the flat rate regardless of duration. Everyone else pays
// rate for every started hour beyond the grace period.
func ComputeCharge(role models.Role, start, now time.Time, rate float64) (float64, error) {
	if !role.Valid() {
		return 0, domain.Errorf(domain.ErrInvalidArgument, "unknown role %d", role)
	}
	if rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0, domain.Errorf(domain.ErrInvalidArgument, "invalid rate %v", rate)
	}
	if now.Before(start) {
		return 0, domain.Errorf(domain.ErrInvalidArgument, "end %s before start %s",
			now.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	if role == models.RoleStudent {
		return rate, nil
	}

	excess := now.Sub(start) - GracePeriod
	if excess <= 0 {
		return 0, nil
	}
	hours := int64((excess + time.Hour - 1) / time.Hour)
	return float64(hours) * rate, nil
}

// BillingType names how a role is billed.
func BillingType(role models.Role) string {
	if role == models.RoleStudent {
		return models.BillingDaily
	}
	return models.BillingHourly
}

// Schedule holds the configured rates.
type Schedule struct {
	StudentDaily float64
	GuestHourly  float64
}

// RateFor returns the rate applied to role. Staff are billed like guests.
func (s Schedule) RateFor(role models.Role) float64 {
	if role == models.RoleStudent {
		return s.StudentDaily
	}
	return s.GuestHourly
}

// Booking describes how a stay of the given role starting at start is billed.
func (s Schedule) Booking(space *models.ParkingSpace, role models.Role, start time.Time) models.Booking {
	return models.Booking{
		SpaceID:     space.ID,
		LotID:       space.LotID,
		UserRole:    role,
		StartTime:   start,
		BillingType: BillingType(role),
		BillingRate: s.RateFor(role),
	}
}

// Charge prices a booking up to now.
func Charge(b models.Booking, now time.Time) (float64, error) {
	return ComputeCharge(b.UserRole, b.StartTime, now, b.BillingRate)
}
