package machine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Report is a record attached to one machine. Only its identity is interpreted;
// all other fields are carried through to the side panel untouched.
type Report struct {
	CreatedAt time.Time
	Fields    map[string]any
	ID        string
	MachineID string
}

// Field is a single display pair of an opaque report field.
type Field struct {
	Name  string
	Value string
}

// UnmarshalJSON keeps identity fields typed and everything else opaque.
func (r *Report) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return ErrNotObject
	}

	*r = Report{
		ID:        stringField(raw, "_id"),
		MachineID: stringField(raw, "machineId"),
		CreatedAt: timeField(raw, "createdAt"),
		Fields:    make(map[string]any),
	}
	if r.ID == "" {
		r.ID = stringField(raw, "id")
	}

	for key, value := range raw {
		switch key {
		case "_id", "id", "machineId", "createdAt":
			continue
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			continue
		}
		r.Fields[key] = v
	}
	return nil
}

// MarshalJSON writes the report back in the shape it was decoded from.
func (r Report) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		out[k] = v
	}
	if r.ID != "" {
		out["_id"] = r.ID
	}
	out["machineId"] = r.MachineID
	if !r.CreatedAt.IsZero() {
		out["createdAt"] = r.CreatedAt.Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// SortedFields returns the opaque fields sorted by name, rendered as text.
func (r Report) SortedFields() []Field {
	fields := make([]Field, 0, len(r.Fields))
	for name, value := range r.Fields {
		fields = append(fields, Field{Name: name, Value: displayValue(value)})
	}
	sort.Slice(fields, func(i, j int) bool {
		return fields[i].Name < fields[j].Name
	})
	return fields
}

// DecodeReports decodes a JSON array of reports, skipping elements that are not objects.
func DecodeReports(data []byte) ([]Report, int, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, 0, fmt.Errorf("failed to decode report list: %w", err)
	}

	reports := make([]Report, 0, len(items))
	skipped := 0
	for _, item := range items {
		var r Report
		if err := json.Unmarshal(item, &r); err != nil {
			skipped++
			continue
		}
		reports = append(reports, r)
	}
	return reports, skipped, nil
}

func displayValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		if value {
			return "Yes"
		}
		return "No"
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		return string(data)
	}
}
