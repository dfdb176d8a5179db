// Package viewmodels provides view models for the web UI templates.
package viewmodels

import (
	"fmt"
	"strconv"
	"time"

	"mdmview/internal/dashboard"
	"mdmview/internal/machine"
	"mdmview/internal/table"
)

// Option is one entry of a select control.
type Option struct {
	Value    string
	Label    string
	Selected bool
}

// PageView is the machines page view model.
type PageView struct {
	UpdatedAt    time.Time
	Error        string
	Table        table.Page[machine.Machine]
	OSOptions    []Option
	IssueOptions []Option
	SizeOptions  []Option
	Panel        PanelView
	Filtered     int
	Total        int
	Loading      bool
	Refreshing   bool
	FilterActive bool
}

// PanelView is the report side panel view model.
type PanelView struct {
	MachineName string
	MachineID   string
	Error       string
	Issues      []string
	Reports     []ReportView
	Open        bool
	Loading     bool
}

// ReportView is one report in the side panel.
type ReportView struct {
	CreatedAt time.Time
	ID        string
	Fields    []machine.Field
}

// MachineColumns returns the columns of the machines table, in display order.
func MachineColumns() []table.Column[machine.Machine] {
	return []table.Column[machine.Machine]{
		{ID: "machineId", Header: "Machine ID", Cell: func(m machine.Machine) table.Cell {
			return table.Cell{Text: m.MachineID}
		}},
		{ID: "hostname", Header: "Hostname", Cell: func(m machine.Machine) table.Cell {
			return table.Cell{Text: m.Hostname}
		}},
		{ID: "os", Header: "OS / Version", Cell: func(m machine.Machine) table.Cell {
			return table.Cell{Text: m.OS}
		}},
		// shown as the raw value, without colouring
		{ID: "diskEncrypted", Header: "Disk Encrypted", Cell: func(m machine.Machine) table.Cell {
			return table.Cell{Text: strconv.FormatBool(m.DiskEncrypted)}
		}},
		{ID: "osUpdated", Header: "OS Updated", Cell: func(m machine.Machine) table.Cell {
			return YesNo(m.OSUpdated)
		}},
		{ID: "antivirusInstalled", Header: "Antivirus", Cell: func(m machine.Machine) table.Cell {
			return YesNo(m.AntivirusInstalled)
		}},
		{ID: "sleepPolicyOk", Header: "Sleep Policy", Cell: func(m machine.Machine) table.Cell {
			return YesNo(m.SleepPolicyOK)
		}},
		{ID: "lastSeenAt", Header: "Last Seen", Cell: func(m machine.Machine) table.Cell {
			return table.Cell{Text: FormatTime(m.LastSeenAt)}
		}},
	}
}

// YesNo renders a compliance flag as a coloured Yes or No.
func YesNo(ok bool) table.Cell {
	if ok {
		return table.Cell{Text: "Yes", Tone: table.ToneGood}
	}
	return table.Cell{Text: "No", Tone: table.ToneBad}
}

// BuildPage creates the page view model from a controller snapshot.
func BuildPage(snap dashboard.Snapshot, osOptions []string) PageView {
	selectedKey := ""
	if snap.Selection != nil {
		selectedKey = snap.Selection.Key()
	}

	view := PageView{
		UpdatedAt:    snap.UpdatedAt,
		Table:        table.Render(snap.Machines, MachineColumns(), snap.Pagination, machine.Machine.Key, selectedKey),
		OSOptions:    buildOSOptions(osOptions, snap.Filter.OS),
		IssueOptions: buildIssueOptions(snap.Filter.IssuesValue()),
		SizeOptions:  buildSizeOptions(snap.Pagination.Size),
		Panel:        buildPanel(snap.Panel),
		Filtered:     len(snap.Machines),
		Total:        snap.Total,
		Loading:      snap.Loading,
		Refreshing:   snap.Refreshing,
		FilterActive: snap.Filter.Active(),
	}
	if snap.ListErr != nil {
		view.Error = fmt.Sprintf("Failed to load machines: %v", snap.ListErr)
	}
	return view
}

func buildOSOptions(values []string, selected string) []Option {
	options := []Option{{Value: "", Label: "All OS", Selected: selected == ""}}
	found := selected == ""
	for _, v := range values {
		options = append(options, Option{Value: v, Label: v, Selected: v == selected})
		if v == selected {
			found = true
		}
	}
	// keep a filter that came from somewhere other than the configured list visible
	if !found {
		options = append(options, Option{Value: selected, Label: selected, Selected: true})
	}
	return options
}

func buildIssueOptions(selected string) []Option {
	return []Option{
		{Value: "", Label: "All Status", Selected: selected == ""},
		{Value: "true", Label: "Has Issues", Selected: selected == "true"},
		{Value: "false", Label: "No Issues", Selected: selected == "false"},
	}
}

func buildSizeOptions(selected int) []Option {
	options := make([]Option, 0, len(table.PageSizes))
	for _, size := range table.PageSizes {
		options = append(options, Option{
			Value:    strconv.Itoa(size),
			Label:    fmt.Sprintf("Show %d", size),
			Selected: size == selected,
		})
	}
	return options
}

func buildPanel(p dashboard.Panel) PanelView {
	view := PanelView{
		Open:        p.Open,
		Loading:     p.Loading,
		MachineName: p.MachineName(),
	}
	if p.Machine != nil {
		view.MachineID = p.Machine.MachineID
		view.Issues = p.Machine.Issues()
	}
	if p.Err != nil {
		view.Error = fmt.Sprintf("Failed to load reports: %v", p.Err)
	}
	for _, r := range p.Reports {
		view.Reports = append(view.Reports, ReportView{
			ID:        r.ID,
			CreatedAt: r.CreatedAt,
			Fields:    r.SortedFields(),
		})
	}
	return view
}

// FormatTime formats a timestamp for display; the zero time reads "never".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("2006-01-02 15:04:05")
}

// FormatAgo formats how long ago t was.
func FormatAgo(t time.Time) string {
	return formatAgo(t, time.Now())
}

func formatAgo(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	dur := now.Sub(t).Round(time.Second)
	if dur < time.Minute {
		return fmt.Sprintf("%d seconds ago", int(dur.Seconds()))
	}
	if dur < time.Hour {
		return fmt.Sprintf("%d minutes ago", int(dur.Minutes()))
	}
	if dur < 24*time.Hour {
		return fmt.Sprintf("%d hours ago", int(dur.Hours()))
	}
	return fmt.Sprintf("%d days ago", int(dur.Hours()/24))
}
