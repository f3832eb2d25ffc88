package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// ExportJSON writes the ring's current contents (after the given
// filter) to w as a JSON array, a literal serialization per spec.md §4.6.
func (r *Ring) ExportJSON(w io.Writer, filter Filter) error {
	entries := r.Read(filter, Page{})
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

var csvHeader = []string{
	"id", "timestamp", "sessionId", "roleId", "tool", "server", "outcome", "reason", "durationNs",
}

// ExportCSV writes the ring's current contents (after the given filter)
// to w as CSV. Args/Metadata are JSON-encoded into a trailing column
// each, since CSV has no native nested-object shape.
func (r *Ring) ExportCSV(w io.Writer, filter Filter) error {
	entries := r.Read(filter, Page{})
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := append(append([]string(nil), csvHeader...), "args", "metadata")
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, e := range entries {
		argsJSON, err := json.Marshal(e.Args)
		if err != nil {
			return fmt.Errorf("marshal args for entry %d: %w", e.ID, err)
		}
		metaJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for entry %d: %w", e.ID, err)
		}
		row := []string{
			strconv.FormatUint(e.ID, 10),
			e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			e.SessionID,
			e.RoleID,
			e.Tool,
			e.Server,
			string(e.Outcome),
			e.Reason,
			strconv.FormatInt(int64(e.Duration), 10),
			string(argsJSON),
			string(metaJSON),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write csv row for entry %d: %w", e.ID, err)
		}
	}
	return writer.Error()
}
