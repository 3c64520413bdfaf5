package models

import "time"

const (
	BillingDaily  = "daily"
	BillingHourly = "hourly"
)

// Booking carries what checkout needs to price a stay. Bookings are persisted
// elsewhere; here they only travel between the space record and billing.
type Booking struct {
	SpaceID     string    `json:"space_id"`
	LotID       string    `json:"lot_id"`
	UserRole    Role      `json:"user_role"`
	StartTime   time.Time `json:"start_time"`
	BillingType string    `json:"billing_type"`
	BillingRate float64   `json:"billing_rate"`
}

// Receipt is the settled result of a checkout.
type Receipt struct {
	SpaceID     string    `json:"space_id"`
	LotID       string    `json:"lot_id"`
	SpaceNumber int       `json:"space_number"`
	Role        Role      `json:"role"`
	BillingType string    `json:"billing_type"`
	Rate        float64   `json:"rate"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Amount      float64   `json:"amount"`
}
