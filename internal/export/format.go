package export

import (
	"bytes"
	"encoding/csv"
	"time"

	"github.com/torosent/metricbus/internal/metric"
)

// Format is an on-disk serialization.
type Format string

const (
	FormatCSV    Format = "csv"
	FormatNDJSON Format = "ndjson"
)

// CSVFields is the fixed column order after Timestamp and EventType.
// Payload keys not listed here are left out of CSV output.
var CSVFields = []string{
	"player_name",
	"health",
	"max_health",
	"current_health",
	"mana",
	"stamina",
	"level",
	"experience",
	"position_x",
	"position_y",
	"position_z",
	"scene_name",
	"previous_scene",
	"enemy_name",
	"boss_name",
	"event_type",
	"damage",
	"damage_dealt",
	"damage_taken",
	"kills",
	"deaths",
	"combo",
	"dps",
	"accuracy",
}

// CSVHeader returns the header row written at the top of every CSV file.
func CSVHeader() []string {
	return append([]string{"Timestamp", "EventType"}, CSVFields...)
}

// CSVRecord flattens m into a row matching CSVHeader.
func CSVRecord(m metric.Metric) []string {
	row := make([]string, 0, len(CSVFields)+2)
	row = append(row, m.Timestamp.UTC().Format(time.RFC3339Nano), m.EventType)
	for _, key := range CSVFields {
		row = append(row, m.StringField(key))
	}
	return row
}

func encodeCSV(rows ...[]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f Format) ext() string {
	return "." + string(f)
}
