package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	"github.com/langchou/safedrive/internal/models"
)

const tripSheet = "Trips"

// TripExportHeader 行程导出表头
var TripExportHeader = []string{
	"行程ID",
	"设备ID",
	"开始时间",
	"结束时间",
	"起点",
	"终点",
	"里程(km)",
	"时长(分钟)",
	"严重",
	"高",
	"中",
	"低",
	"平均分",
	"安全分",
	"状态",
}

// ExportDriverTrips 导出驾驶员行程为 xlsx
// GET /api/drivers/:driverId/trips/export?start&end
func (h *Handler) ExportDriverTrips(c *gin.Context) {
	start, end, err := h.window(c)
	if err != nil {
		h.respondError(c, err, "trips")
		return
	}
	driverID := c.Param("driverId")

	trips, _, err := h.store.Trips.ListByDriver(c.Request.Context(), driverID, start, end, 0, 0)
	if err != nil {
		h.respondError(c, err, "trips")
		return
	}

	data, err := TripWorkbook(trips, h.location)
	if err != nil {
		h.respondError(c, err, "export")
		return
	}

	filename := fmt.Sprintf("trips-%s-%s.xlsx", driverID, end.In(h.location).Format("20060102"))
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

// TripWorkbook 生成行程报表，时间按 loc 输出
func TripWorkbook(trips []models.Trip, loc *time.Location) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(tripSheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	if err := f.SetSheetRow(tripSheet, "A1", &TripExportHeader); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(TripExportHeader), 1)
	if err := f.SetCellStyle(tripSheet, "A1", last, headerStyle); err != nil {
		return nil, fmt.Errorf("set header style: %w", err)
	}
	if err := f.SetColWidth(tripSheet, "A", "B", 22); err != nil {
		return nil, fmt.Errorf("set column width: %w", err)
	}
	if err := f.SetColWidth(tripSheet, "C", "F", 20); err != nil {
		return nil, fmt.Errorf("set column width: %w", err)
	}

	for i, t := range trips {
		row := []interface{}{
			t.TripID,
			t.DeviceID,
			t.StartTime.In(loc).Format("2006-01-02 15:04:05"),
			formatEnd(t.EndTime, loc),
			deref(t.StartAddress),
			deref(t.EndAddress),
			t.TotalDistanceKm,
			float64(t.TotalDurationSec) / 60,
			t.CriticalCount,
			t.HighCount,
			t.MediumCount,
			t.LowCount,
			t.AvgScore,
			t.SafetyScore,
			string(t.Status),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(tripSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func formatEnd(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format("2006-01-02 15:04:05")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
