package dashboard

import (
	"time"

	"mdmview/internal/machine"
	"mdmview/internal/querycache"
	"mdmview/internal/table"
)

// Snapshot is a point-in-time copy of a controller's state.
type Snapshot struct {
	UpdatedAt  time.Time
	ListErr    error
	Selection  *machine.Machine
	Filter     machine.Filter
	ListStatus querycache.Status
	Machines   []machine.Machine // filtered, in source order
	Panel      Panel
	Pagination table.Pagination
	Total      int // unfiltered count
	Loading    bool
	Refreshing bool
}

// Panel is the state of the report side panel.
type Panel struct {
	Err     error
	Machine *machine.Machine
	Status  querycache.Status
	Reports []machine.Report
	Open    bool
	Loading bool
}

// MachineName is the heading of the panel: the hostname, or the machine ID when unnamed.
func (p Panel) MachineName() string {
	if p.Machine == nil {
		return ""
	}
	if p.Machine.Hostname != "" {
		return p.Machine.Hostname
	}
	return p.Machine.MachineID
}
