// Package machine defines the machine compliance records shown by the dashboard.
package machine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Known operating system values offered by the OS filter.
const (
	OSWindows = "Windows"
	OSLinux   = "Linux"
	OSMacOS   = "macOS"
)

// ErrNotObject is returned when a record is not a JSON object.
var ErrNotObject = errors.New("record is not a JSON object")

// Machine represents a monitored endpoint with its compliance attributes.
type Machine struct {
	LastSeenAt         time.Time `json:"lastSeenAt"`
	ID                 string    `json:"_id,omitempty"`
	MachineID          string    `json:"machineId"`
	Hostname           string    `json:"hostname"`
	OS                 string    `json:"os"`
	DiskEncrypted      bool      `json:"diskEncrypted"`
	OSUpdated          bool      `json:"osUpdated"`
	AntivirusInstalled bool      `json:"antivirusInstalled"`
	AntivirusRunning   bool      `json:"antivirusRunning"`
	SleepPolicyOK      bool      `json:"sleepPolicyOk"`
}

// Key returns the identity used to compare selections.
// Two machines with identical visible fields still have distinct keys.
func (m Machine) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.MachineID
}

// HasIssues reports whether any of the five compliance checks fails.
func (m Machine) HasIssues() bool {
	return !m.DiskEncrypted ||
		!m.OSUpdated ||
		!m.AntivirusInstalled ||
		!m.AntivirusRunning ||
		!m.SleepPolicyOK
}

// Issues returns a readable name for every failing compliance check, in a fixed order.
func (m Machine) Issues() []string {
	var issues []string
	if !m.DiskEncrypted {
		issues = append(issues, "Disk not encrypted")
	}
	if !m.OSUpdated {
		issues = append(issues, "OS updates pending")
	}
	if !m.AntivirusInstalled {
		issues = append(issues, "Antivirus not installed")
	}
	if !m.AntivirusRunning {
		issues = append(issues, "Antivirus not running")
	}
	if !m.SleepPolicyOK {
		issues = append(issues, "Sleep policy not compliant")
	}
	return issues
}

// UnmarshalJSON decodes a machine without failing on malformed fields.
// Missing or non-boolean compliance flags decode as false, which counts as an issue.
// A missing or unparseable lastSeenAt decodes as the zero time.
func (m *Machine) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return ErrNotObject
	}

	*m = Machine{
		ID:                 stringField(raw, "_id"),
		MachineID:          stringField(raw, "machineId"),
		Hostname:           stringField(raw, "hostname"),
		OS:                 stringField(raw, "os"),
		DiskEncrypted:      boolField(raw, "diskEncrypted"),
		OSUpdated:          boolField(raw, "osUpdated"),
		AntivirusInstalled: boolField(raw, "antivirusInstalled"),
		AntivirusRunning:   boolField(raw, "antivirusRunning"),
		SleepPolicyOK:      boolField(raw, "sleepPolicyOk"),
		LastSeenAt:         timeField(raw, "lastSeenAt"),
	}
	return nil
}

// DecodeList decodes a JSON array of machines.
// Elements that are not objects are skipped and counted rather than failing the whole list.
func DecodeList(data []byte) ([]Machine, int, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, 0, fmt.Errorf("failed to decode machine list: %w", err)
	}

	machines := make([]Machine, 0, len(items))
	skipped := 0
	for _, item := range items {
		var m Machine
		if err := json.Unmarshal(item, &m); err != nil {
			skipped++
			continue
		}
		machines = append(machines, m)
	}
	return machines, skipped, nil
}

func stringField(raw map[string]json.RawMessage, key string) string {
	value, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return ""
	}
	return s
}

func boolField(raw map[string]json.RawMessage, key string) bool {
	value, ok := raw[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(value, &b); err != nil {
		return false
	}
	return b
}

func timeField(raw map[string]json.RawMessage, key string) time.Time {
	value, ok := raw[key]
	if !ok {
		return time.Time{}
	}

	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		return time.Time{}
	}

	// Numeric timestamps are epoch milliseconds.
	var millis int64
	if err := json.Unmarshal(value, &millis); err == nil && millis > 0 {
		return time.UnixMilli(millis).UTC()
	}
	return time.Time{}
}
