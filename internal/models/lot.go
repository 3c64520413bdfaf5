package models

import "time"

// LotAggregate is the denormalized counter view of a lot.
type LotAggregate struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Occupied  int `json:"occupied"`
	Booked    int `json:"booked"`
}

type ParkingLot struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Location        string    `json:"location"`
	TotalSpaces     int       `json:"total_spaces"`
	AvailableSpaces int       `json:"available_spaces"`
	OccupiedSpaces  int       `json:"occupied_spaces"`
	BookedSpaces    int       `json:"booked_spaces"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (l *ParkingLot) Aggregate() LotAggregate {
	return LotAggregate{
		Total:     l.TotalSpaces,
		Available: l.AvailableSpaces,
		Occupied:  l.OccupiedSpaces,
		Booked:    l.BookedSpaces,
	}
}

func (l *ParkingLot) SetAggregate(agg LotAggregate) {
	l.TotalSpaces = agg.Total
	l.AvailableSpaces = agg.Available
	l.OccupiedSpaces = agg.Occupied
	l.BookedSpaces = agg.Booked
}

func (l *ParkingLot) Clone() *ParkingLot {
	if l == nil {
		return nil
	}
	out := *l
	return &out
}

func CloneLots(lots []*ParkingLot) []*ParkingLot {
	if lots == nil {
		return nil
	}
	out := make([]*ParkingLot, len(lots))
	for i, l := range lots {
		out[i] = l.Clone()
	}
	return out
}
