package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mgazza/dorm-energy-sync/internal/dorms"
)

// Helper function to format float64 values with precision
func formatFloat(val float64, precision int) string {
	return strconv.FormatFloat(val, 'f', precision, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// Write ranked snapshots to a CSV file
func writeCSV(filename string, data []dorms.Snapshot) error {
	if len(data) == 0 {
		return fmt.Errorf("no snapshots to write")
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{
		"Rank",
		"Dorm",
		"TwinID",
		"Current_Load_KW",
		"Yesterday_KWh",
		"Yesterday_Measured",
		"Score",
		"Real_Data",
		"Untrusted",
		"Reading_At",
		"Updated_At",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range data {
		record := []string{
			strconv.Itoa(row.Rank),
			row.Name,
			row.TwinID,
			formatFloat(row.CurrentLoad, 1),
			formatFloat(row.YesterdayTotal, 1),
			strconv.FormatBool(row.YesterdayMeasured),
			strconv.Itoa(row.Score),
			strconv.FormatBool(row.IsRealData),
			strconv.FormatBool(row.Untrusted),
			formatTime(row.ReadingAt),
			formatTime(row.UpdatedAt),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}
