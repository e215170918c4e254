package export

import (
	"fmt"
	"io"
	"time"

	"clinicbook/internal/models"

	"github.com/xuri/excelize/v2"
)

const SheetName = "Bookings"

var columns = []string{
	"Date", "Time", "Duration (min)", "Status", "UID", "Name", "Email",
	"Phone", "Clinic", "Locale", "Confirmed At", "Cancelled At", "Cancel Reason", "Booking ID",
}

var statusColors = map[models.Status]string{
	models.StatusHeld:        "#FFF2CC",
	models.StatusConfirmed:   "#E2EFDA",
	models.StatusCancelled:   "#F8CBAD",
	models.StatusRescheduled: "#DDEBF7",
	models.StatusExpired:     "#EDEDED",
}

// WriteBookingsXLSX renders bookings as a spreadsheet with one row per
// booking, local times in loc, and a title row describing the period.
func WriteBookingsXLSX(w io.Writer, bookings []*models.Booking, loc *time.Location, from, to string) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	_ = f.SetCellValue(SheetName, "A1", fmt.Sprintf("Period: %s - %s (%s)", from, to, loc.String()))
	lastCol, _ := excelize.ColumnNumberToName(len(columns))
	_ = f.MergeCell(SheetName, "A1", lastCol+"1")
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(SheetName, "A1", "A1", titleStyle)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	for i, name := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(SheetName, cell, name)
	}
	_ = f.SetCellStyle(SheetName, "A2", lastCol+"2", headerStyle)

	styles := make(map[models.Status]int, len(statusColors))
	for status, color := range statusColors {
		style, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		})
		if err == nil {
			styles[status] = style
		}
	}

	for i, b := range bookings {
		row := i + 3
		values := bookingRow(b, loc)
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			return fmt.Errorf("error writing row %d: %w", row, err)
		}
		if style, ok := styles[b.Status]; ok {
			statusCell, _ := excelize.CoordinatesToCellName(4, row)
			_ = f.SetCellStyle(SheetName, statusCell, statusCell, style)
		}
	}

	_ = f.SetColWidth(SheetName, "A", "B", 12)
	_ = f.SetColWidth(SheetName, "E", lastCol, 22)
	_ = f.SetPanes(SheetName, &excelize.Panes{Freeze: true, YSplit: 2, TopLeftCell: "A3", ActivePane: "bottomLeft"})

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

func bookingRow(b *models.Booking, loc *time.Location) []interface{} {
	view := models.NewBookingView(b, loc)
	var name, email, phone, clinic string
	if b.Contact != nil {
		name, email, phone, clinic = b.Contact.Name, b.Contact.Email, b.Contact.Phone, b.Contact.Clinic
	}
	return []interface{}{
		view.Date,
		view.Time,
		view.DurationMinutes,
		string(b.Status),
		b.UID,
		name,
		email,
		phone,
		clinic,
		b.Locale,
		formatLocal(b.ConfirmedAt, loc),
		formatLocal(b.CancelledAt, loc),
		b.CancelReason,
		b.ID,
	}
}

func formatLocal(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format("2006-01-02 15:04")
}
