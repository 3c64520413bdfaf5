package models

import "time"

// Occupant describes who holds a non-vacant space.
type Occupant struct {
	UserID      string `json:"user_id,omitempty"`
	UserEmail   string `json:"user_email,omitempty"`
	VehicleInfo string `json:"vehicle_info,omitempty"`
}

type ParkingSpace struct {
	ID                string      `json:"id"`
	LotID             string      `json:"lot_id"`
	Number            int         `json:"number"`
	Status            SpaceStatus `json:"status"`
	Occupant          *Occupant   `json:"occupant,omitempty"`
	StartTime         *time.Time  `json:"start_time,omitempty"`
	BookingExpiryTime *time.Time  `json:"booking_expiry_time,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	Version           int64       `json:"version"`
}

// Clone returns a deep copy so snapshots can be handed to several readers.
func (s *ParkingSpace) Clone() *ParkingSpace {
	if s == nil {
		return nil
	}
	out := *s
	if s.Occupant != nil {
		occ := *s.Occupant
		out.Occupant = &occ
	}
	if s.StartTime != nil {
		t := *s.StartTime
		out.StartTime = &t
	}
	if s.BookingExpiryTime != nil {
		t := *s.BookingExpiryTime
		out.BookingExpiryTime = &t
	}
	return &out
}

func CloneSpaces(spaces []*ParkingSpace) []*ParkingSpace {
	if spaces == nil {
		return nil
	}
	out := make([]*ParkingSpace, len(spaces))
	for i, s := range spaces {
		out[i] = s.Clone()
	}
	return out
}

// StatusChange is a requested transition of a single space. StartTime
// overrides the occupancy start; when nil the engine decides.
type StatusChange struct {
	Status            SpaceStatus `json:"status"`
	Occupant          *Occupant   `json:"occupant,omitempty"`
	StartTime         *time.Time  `json:"start_time,omitempty"`
	BookingExpiryTime *time.Time  `json:"booking_expiry_time,omitempty"`
}
