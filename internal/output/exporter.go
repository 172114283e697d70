// Package output writes archived readings to files for offline analysis.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"scada-gateway/internal/model"
)

// HistoryRow is one archived reading joined with its tag's name and unit.
type HistoryRow struct {
	TagMappingID string    `json:"tag_mapping_id"`
	TagName      string    `json:"tag_name"`
	Unit         string    `json:"unit,omitempty"`
	RawValue     float64   `json:"raw_value"`
	ScaledValue  float64   `json:"scaled_value"`
	QualityCode  int       `json:"quality_code"`
	IsAlarm      bool      `json:"is_alarm"`
	AlarmType    string    `json:"alarm_type,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// JoinHistory attaches tag metadata. Rows whose tag is unknown keep an empty name.
func JoinHistory(history []model.ReadingHistory, tags []model.TagMapping) []HistoryRow {
	byID := make(map[string]model.TagMapping, len(tags))
	for _, t := range tags {
		byID[t.ID] = t
	}
	rows := make([]HistoryRow, 0, len(history))
	for _, h := range history {
		t := byID[h.TagMappingID]
		row := HistoryRow{
			TagMappingID: h.TagMappingID,
			TagName:      t.TagName,
			Unit:         t.Unit,
			RawValue:     h.RawValue,
			ScaledValue:  h.ScaledValue,
			QualityCode:  h.QualityCode,
			IsAlarm:      h.IsAlarm,
			Timestamp:    h.Timestamp.UTC(),
		}
		if h.AlarmType != nil {
			row.AlarmType = *h.AlarmType
		}
		rows = append(rows, row)
	}
	return rows
}

// WriteJSON writes rows to a JSON file with pretty formatting.
func WriteJSON(path string, rows []HistoryRow) error {
	b, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// WriteCSV writes rows to a CSV file.
func WriteCSV(path string, rows []HistoryRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()
	if err := EncodeCSV(f, rows); err != nil {
		return err
	}
	return f.Close()
}

// EncodeCSV writes a header and one record per row.
// Columns: tag_mapping_id,tag_name,unit,raw_value,scaled_value,quality_code,is_alarm,alarm_type,timestamp
func EncodeCSV(out io.Writer, rows []HistoryRow) error {
	w := csv.NewWriter(out)
	headers := []string{"tag_mapping_id", "tag_name", "unit", "raw_value", "scaled_value", "quality_code", "is_alarm", "alarm_type", "timestamp"}
	if err := w.Write(headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		rec := []string{
			r.TagMappingID,
			r.TagName,
			r.Unit,
			formatFloat(r.RawValue),
			formatFloat(r.ScaledValue),
			strconv.Itoa(r.QualityCode),
			boolFlag(r.IsAlarm),
			r.AlarmType,
			r.Timestamp.Format(time.RFC3339Nano),
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
