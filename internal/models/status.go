package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// SpaceStatus is the closed set of states a parking space can be in.
type SpaceStatus uint8

const (
	StatusVacant SpaceStatus = iota + 1
	StatusOccupied
	StatusBooked
)

var spaceStatusNames = map[SpaceStatus]string{
	StatusVacant:   "vacant",
	StatusOccupied: "occupied",
	StatusBooked:   "booked",
}

// AllStatuses lists every valid status in display order.
func AllStatuses() []SpaceStatus {
	return []SpaceStatus{StatusVacant, StatusOccupied, StatusBooked}
}

func (s SpaceStatus) String() string {
	if name, ok := spaceStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SpaceStatus(%d)", uint8(s))
}

func (s SpaceStatus) Valid() bool {
	_, ok := spaceStatusNames[s]
	return ok
}

// ParseSpaceStatus converts the wire/storage form into a SpaceStatus.
func ParseSpaceStatus(raw string) (SpaceStatus, error) {
	needle := strings.ToLower(strings.TrimSpace(raw))
	for status, name := range spaceStatusNames {
		if name == needle {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown space status %q", raw)
}

func (s SpaceStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid space status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *SpaceStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseSpaceStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value stores the status as its lowercase name.
func (s SpaceStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid space status %d", uint8(s))
	}
	return s.String(), nil
}

func (s *SpaceStatus) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into SpaceStatus", src)
	}
}
