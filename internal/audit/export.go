package audit

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"time"
)

var csvHeader = []string{"id", "occurred_at", "action_type", "entity_type", "entity_id", "permission_code", "performed_by", "reason", "old_value", "new_value", "request_id"}

// WriteCSV encodes entries as CSV with a header row.
func WriteCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, e := range entries {
		record := []string{
			strconv.FormatInt(e.ID, 10),
			e.OccurredAt.UTC().Format(time.RFC3339),
			string(e.ActionType),
			string(e.EntityType),
			e.EntityID,
			e.PermissionCode,
			strconv.FormatInt(e.ActorID, 10),
			e.Reason,
			string(e.OldValue),
			string(e.NewValue),
			e.RequestID,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
