// Package export renders lot occupancy reports as xlsx workbooks.
package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"parkwise/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	summarySheet  = "Summary"
	maxSheetName  = 31
	timeLayout    = "2006-01-02 15:04"
	fileTimestamp = "20060102_150405"
)

// Source is the read side of the store a report is built from.
type Source interface {
	ListLots(ctx context.Context) ([]*models.ParkingLot, error)
	GetLot(ctx context.Context, id string) (*models.ParkingLot, error)
	ListSpacesByLot(ctx context.Context, lotID string) ([]*models.ParkingSpace, error)
}

type Exporter struct {
	source Source
	dir    string
	now    func() time.Time
	logger *zerolog.Logger
}

func NewExporter(source Source, dir string, logger *zerolog.Logger) *Exporter {
	return &Exporter{source: source, dir: dir, now: time.Now, logger: logger}
}

// Build renders a summary sheet plus one sheet per lot. With no lotIDs
// every lot is included.
func (e *Exporter) Build(ctx context.Context, lotIDs ...string) (*excelize.File, error) {
	lots, err := e.lots(ctx, lotIDs)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("rename summary sheet: %w", err)
	}

	now := e.now()
	e.writeSummary(f, lots, now)

	used := map[string]bool{summarySheet: true}
	for _, lot := range lots {
		spaces, err := e.source.ListSpacesByLot(ctx, lot.ID)
		if err != nil {
			f.Close()
			return nil, err
		}
		name := sheetName(lot, used)
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, fmt.Errorf("create sheet %q: %w", name, err)
		}
		e.writeSpaces(f, name, spaces, now)
	}
	return f, nil
}

// Write streams the report to w.
func (e *Exporter) Write(ctx context.Context, w io.Writer, lotIDs ...string) error {
	f, err := e.Build(ctx, lotIDs...)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteTo(w)
	return err
}

// Save writes the report into the export directory and returns its path.
func (e *Exporter) Save(ctx context.Context, lotIDs ...string) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	f, err := e.Build(ctx, lotIDs...)
	if err != nil {
		return "", err
	}
	defer f.Close()

	path := filepath.Join(e.dir, fmt.Sprintf("occupancy_%s.xlsx", e.now().Format(fileTimestamp)))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}
	e.logger.Info().Str("file_path", path).Int("lots", len(lotIDs)).Msg("occupancy report created")
	return path, nil
}

func (e *Exporter) lots(ctx context.Context, ids []string) ([]*models.ParkingLot, error) {
	if len(ids) == 0 {
		return e.source.ListLots(ctx)
	}
	out := make([]*models.ParkingLot, 0, len(ids))
	for _, id := range ids {
		lot, err := e.source.GetLot(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, lot)
	}
	return out, nil
}

var summaryHeaders = []string{"Lot", "Location", "Total", "Available", "Occupied", "Booked", "Occupancy"}

func (e *Exporter) writeSummary(f *excelize.File, lots []*models.ParkingLot, now time.Time) {
	_ = f.SetCellValue(summarySheet, "A1", "Occupancy at "+now.UTC().Format(timeLayout)+" UTC")
	title, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}})
	_ = f.SetCellStyle(summarySheet, "A1", "A1", title)

	writeHeader(f, summarySheet, 2, summaryHeaders)

	pct, _ := f.NewStyle(&excelize.Style{NumFmt: 10})
	for i, lot := range lots {
		row := i + 3
		values := []interface{}{
			lot.Name, lot.Location,
			lot.TotalSpaces, lot.AvailableSpaces, lot.OccupiedSpaces, lot.BookedSpaces,
			occupancy(lot),
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		_ = f.SetSheetRow(summarySheet, cell, &values)
		last, _ := excelize.CoordinatesToCellName(len(values), row)
		_ = f.SetCellStyle(summarySheet, last, last, pct)
	}
	_ = f.SetColWidth(summarySheet, "A", "B", 25)
}

func occupancy(lot *models.ParkingLot) float64 {
	if lot.TotalSpaces == 0 {
		return 0
	}
	return float64(lot.OccupiedSpaces+lot.BookedSpaces) / float64(lot.TotalSpaces)
}

var spaceHeaders = []string{"Number", "Status", "User", "Email", "Vehicle", "Since", "Minutes", "Booking expires"}

var statusFill = map[models.SpaceStatus]string{
	models.StatusVacant:   "#E2EFDA",
	models.StatusOccupied: "#F8CBAD",
	models.StatusBooked:   "#FFF2CC",
}

func (e *Exporter) writeSpaces(f *excelize.File, sheet string, spaces []*models.ParkingSpace, now time.Time) {
	writeHeader(f, sheet, 1, spaceHeaders)

	styles := make(map[models.SpaceStatus]int, len(statusFill))
	for status, color := range statusFill {
		id, err := f.NewStyle(&excelize.Style{Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1}})
		if err == nil {
			styles[status] = id
		}
	}

	for i, s := range spaces {
		row := i + 2
		values := []interface{}{s.Number, s.Status.String(), "", "", "", "", "", ""}
		if s.Occupant != nil {
			values[2], values[3], values[4] = s.Occupant.UserID, s.Occupant.UserEmail, s.Occupant.VehicleInfo
		}
		if s.StartTime != nil {
			values[5] = s.StartTime.UTC().Format(timeLayout)
			values[6] = int(now.Sub(*s.StartTime) / time.Minute)
		}
		if s.BookingExpiryTime != nil {
			values[7] = s.BookingExpiryTime.UTC().Format(timeLayout)
		}

		cell, _ := excelize.CoordinatesToCellName(1, row)
		_ = f.SetSheetRow(sheet, cell, &values)
		if id, ok := styles[s.Status]; ok {
			statusCell, _ := excelize.CoordinatesToCellName(2, row)
			_ = f.SetCellStyle(sheet, statusCell, statusCell, id)
		}
	}
	_ = f.SetColWidth(sheet, "C", "E", 20)
	_ = f.SetColWidth(sheet, "F", "H", 18)
}

func writeHeader(f *excelize.File, sheet string, row int, headers []string) {
	style, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	first, _ := excelize.CoordinatesToCellName(1, row)
	last, _ := excelize.CoordinatesToCellName(len(headers), row)
	_ = f.SetSheetRow(sheet, first, &headers)
	_ = f.SetCellStyle(sheet, first, last, style)
}

// sheetName derives a unique, valid worksheet name for lot.
func sheetName(lot *models.ParkingLot, used map[string]bool) string {
	name := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(lot.Name))
	if name == "" {
		name = "Lot"
	}
	name = truncate(name, maxSheetName)

	candidate := name
	for i := 2; used[candidate]; i++ {
		suffix := fmt.Sprintf(" (%d)", i)
		candidate = truncate(name, maxSheetName-len(suffix)) + suffix
	}
	used[candidate] = true
	return candidate
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
