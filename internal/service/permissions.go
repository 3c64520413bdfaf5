package service

import (
	"parkwise/internal/domain"
	"parkwise/internal/models"
)

func requireAdmin(actor models.Actor, op string) error {
	if actor.Role != models.RoleAdmin {
		return domain.Errorf(domain.ErrPermissionDenied, "%s requires admin, caller is %s", op, actor.Role)
	}
	return nil
}

// authorizeStatus decides whether actor may move cur to change.Status.
// Staff may make any transition. Parkers may book a vacant space for
// themselves and release a space they hold.
func authorizeStatus(actor models.Actor, cur *models.ParkingSpace, change models.StatusChange) error {
	if !actor.Role.Valid() {
		return domain.Errorf(domain.ErrPermissionDenied, "unknown caller role")
	}
	if actor.Role.IsStaff() {
		return nil
	}
	if change.StartTime != nil {
		return domain.Errorf(domain.ErrPermissionDenied, "only staff may set a start time")
	}

	switch {
	case change.Status == models.StatusBooked && cur.Status == models.StatusVacant:
		if actor.UserID == "" {
			return domain.Errorf(domain.ErrPermissionDenied, "booking requires a user identity")
		}
		return nil
	case change.Status == models.StatusVacant && holds(actor, cur):
		return nil
	default:
		return domain.Errorf(domain.ErrPermissionDenied, "%s may not move space %s from %s to %s",
			actor.Role, cur.ID, cur.Status, change.Status)
	}
}

// authorizeRelease guards checkout: staff, or the parker holding the space.
func authorizeRelease(actor models.Actor, cur *models.ParkingSpace) error {
	if actor.Role.IsStaff() || holds(actor, cur) {
		return nil
	}
	return domain.Errorf(domain.ErrPermissionDenied, "%s may not check out space %s", actor.Role, cur.ID)
}

func holds(actor models.Actor, cur *models.ParkingSpace) bool {
	return actor.UserID != "" && cur.Occupant != nil && cur.Occupant.UserID == actor.UserID
}

// billedRole picks the role a stay is priced with. Parkers are always
// billed as themselves; staff may bill on behalf of any role.
func billedRole(actor models.Actor, requested models.Role) models.Role {
	if !actor.Role.IsStaff() {
		return actor.Role
	}
	if requested.Valid() {
		return requested
	}
	return models.RoleGuest
}
