// Package dashboard holds the page controller of the machines view: filter, selection and
// pagination state, the machine list and report queries, and change notification.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"mdmview/internal/machine"
	"mdmview/internal/metrics"
	"mdmview/internal/querycache"
	"mdmview/internal/table"
)

// MachinesKey is the query key of the machine list.
const MachinesKey = "machines"

// Query names used for metrics.
const (
	machinesQuery = "machines"
	reportsQuery  = "reports"
)

// ErrUnknownMachine is returned when selecting a key that is not in the loaded list.
var ErrUnknownMachine = errors.New("unknown machine")

// ReportsKey is the query key of one machine's reports.
func ReportsKey(machineID string) string {
	return "reports/" + machineID
}

// MachineSource lists machine records.
type MachineSource interface {
	ListMachines(ctx context.Context) ([]machine.Machine, error)
}

// ReportSource lists the reports of one machine.
type ReportSource interface {
	ListReports(ctx context.Context, machineID string) ([]machine.Report, error)
}

// Deps are the collaborators of a Controller. Caches may be shared between controllers.
type Deps struct {
	Machines     MachineSource
	Reports      ReportSource
	MachineCache *querycache.Cache[[]machine.Machine]
	ReportCache  *querycache.Cache[[]machine.Report]
	Metrics      *metrics.Metrics
	Log          *zap.SugaredLogger
}

// Controller is the state machine behind one view of the machines page.
// It is safe for concurrent use; fetches run on their own goroutines and results that
// arrive after the state they were requested for has changed are dropped.
type Controller struct {
	ctx    context.Context
	cancel context.CancelFunc
	deps   Deps
	log    *zap.SugaredLogger

	mu      sync.Mutex
	changed chan struct{}

	filter   machine.Filter
	page     table.Pagination
	all      []machine.Machine
	filtered []machine.Machine

	listStatus    querycache.Status
	listErr       error
	listUpdatedAt time.Time
	listGen       uint64
	listLoaded    bool
	listBusy      bool

	selection    *machine.Machine
	reports      []machine.Report
	reportStatus querycache.Status
	reportErr    error
	reportCancel context.CancelFunc
	reportGen    uint64
	reportBusy   bool
}

// New creates a controller. Fetches stop when ctx ends or Close is called.
func New(ctx context.Context, deps Deps) *Controller {
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	if deps.MachineCache == nil {
		deps.MachineCache = querycache.New[[]machine.Machine](machinesQuery)
	}
	if deps.ReportCache == nil {
		deps.ReportCache = querycache.New[[]machine.Report](reportsQuery)
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Controller{
		ctx:          ctx,
		cancel:       cancel,
		deps:         deps,
		log:          deps.Log,
		changed:      make(chan struct{}),
		page:         table.NewPagination(),
		listStatus:   querycache.StatusIdle,
		reportStatus: querycache.StatusIdle,
	}
}

// Close stops outstanding fetches. The controller must not be used afterwards.
func (c *Controller) Close() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reportCancel != nil {
		c.reportCancel()
		c.reportCancel = nil
	}
}

// Mount starts the first machine list fetch. Later calls do nothing.
func (c *Controller) Mount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listStatus != querycache.StatusIdle {
		return
	}
	c.startListFetch()
}

// Refresh drops the cached machine list and fetches it again.
// Data already shown stays visible until the new result arrives.
func (c *Controller) Refresh() {
	c.deps.MachineCache.Invalidate(c.ctx, MachinesKey)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.startListFetch()
}

func (c *Controller) startListFetch() {
	c.listGen++
	gen := c.listGen
	c.listBusy = true
	if !c.listLoaded {
		// nothing to show yet, so a retry after a failure shows as loading
		c.listStatus = querycache.StatusLoading
		c.listErr = nil
	}
	c.notify()

	go c.fetchMachines(gen)
}

func (c *Controller) fetchMachines(gen uint64) {
	start := time.Now()
	data, err := c.deps.MachineCache.Fetch(c.ctx, MachinesKey, c.deps.Machines.ListMachines)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return
	}
	if gen != c.listGen {
		c.deps.Metrics.StaleDiscarded(machinesQuery)
		return
	}
	c.listBusy = false

	if err != nil {
		c.listErr = err
		if !c.listLoaded {
			c.listStatus = querycache.StatusError
		}
		c.log.Warnf("Failed to load machines after %v: %v", time.Since(start), err)
		c.notify()
		return
	}

	c.all = data
	c.listErr = nil
	c.listLoaded = true
	c.listStatus = querycache.StatusSuccess
	c.listUpdatedAt = time.Now()
	c.refilter()
	c.log.Debugf("Loaded %d machines in %v", len(data), time.Since(start))
	c.notify()
}

// SetFilter replaces the filter. No fetch happens; the loaded list is filtered again.
func (c *Controller) SetFilter(f machine.Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = f
	c.refilter()
	c.notify()
}

// SetPageSize changes the page size and clamps the page index.
func (c *Controller) SetPageSize(size int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.page.WithSize(size, len(c.filtered))
	if err != nil {
		return err
	}
	c.page = p
	c.notify()
	return nil
}

// NextPage moves forward one page unless already on the last.
func (c *Controller) NextPage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.page = c.page.Next(len(c.filtered))
	c.notify()
}

// PreviousPage moves back one page unless already on the first.
func (c *Controller) PreviousPage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.page = c.page.Previous()
	c.notify()
}

// SelectKey selects the loaded machine whose identity key is key.
func (c *Controller) SelectKey(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.all {
		if m.Key() == key {
			c.selectLocked(m)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownMachine, key)
}

// Select makes m the current selection and loads its reports.
// A report request for a previous selection is cancelled and its result ignored.
func (c *Controller) Select(m machine.Machine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectLocked(m)
}

func (c *Controller) selectLocked(m machine.Machine) {
	if c.selection != nil && c.selection.Key() == m.Key() && c.reportStatus != querycache.StatusError {
		return
	}

	c.stopReportFetch()
	c.reportGen++
	gen := c.reportGen
	selected := m
	c.selection = &selected
	c.reports = nil
	c.reportErr = nil

	key := ReportsKey(m.MachineID)
	if data, ok := c.deps.ReportCache.Fresh(key); ok {
		c.reports = data
		c.reportStatus = querycache.StatusSuccess
		c.notify()
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.reportCancel = cancel
	c.reportStatus = querycache.StatusLoading
	c.reportBusy = true
	c.notify()

	go c.fetchReports(ctx, gen, selected)
}

func (c *Controller) fetchReports(ctx context.Context, gen uint64, selected machine.Machine) {
	start := time.Now()
	data, err := c.deps.ReportCache.Fetch(ctx, ReportsKey(selected.MachineID), func(ctx context.Context) ([]machine.Report, error) {
		return c.deps.Reports.ListReports(ctx, selected.MachineID)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return
	}
	if gen != c.reportGen || c.selection == nil || c.selection.Key() != selected.Key() {
		c.deps.Metrics.StaleDiscarded(reportsQuery)
		c.log.Debugf("Dropped reports for %s: selection changed", selected.MachineID)
		return
	}
	c.reportBusy = false
	c.reportCancel = nil

	if err != nil {
		c.reportStatus = querycache.StatusError
		c.reportErr = err
		c.log.Warnf("Failed to load reports for %s after %v: %v", selected.MachineID, time.Since(start), err)
		c.notify()
		return
	}

	c.reports = data
	c.reportStatus = querycache.StatusSuccess
	c.notify()
}

// ClosePanel clears the selection. Any report request still running for it is abandoned.
func (c *Controller) ClosePanel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopReportFetch()
	c.reportGen++
	c.selection = nil
	c.reports = nil
	c.reportErr = nil
	c.reportStatus = querycache.StatusIdle
	c.notify()
}

func (c *Controller) stopReportFetch() {
	if c.reportCancel != nil {
		c.reportCancel()
		c.reportCancel = nil
	}
	c.reportBusy = false
}

func (c *Controller) refilter() {
	c.filtered = machine.Apply(c.all, c.filter)
	c.page = c.page.Clamp(len(c.filtered))
}

// notify wakes every subscriber. Callers hold c.mu.
func (c *Controller) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Subscribe returns a channel that is closed on the next state change.
func (c *Controller) Subscribe() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Await blocks until no current fetch is outstanding or ctx ends.
func (c *Controller) Await(ctx context.Context) error {
	for {
		c.mu.Lock()
		busy := c.listBusy || c.reportBusy
		changed := c.changed
		c.mu.Unlock()

		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Snapshot returns a copy of the current view state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Filter:     c.filter,
		Machines:   slices.Clone(c.filtered),
		Total:      len(c.all),
		Pagination: c.page,
		ListStatus: c.listStatus,
		ListErr:    c.listErr,
		Loading:    !c.listLoaded && c.listErr == nil,
		Refreshing: c.listLoaded && c.listBusy,
		UpdatedAt:  c.listUpdatedAt,
		Panel: Panel{
			Open:    c.selection != nil,
			Status:  c.reportStatus,
			Loading: c.reportBusy,
			Err:     c.reportErr,
			Reports: slices.Clone(c.reports),
		},
	}
	if c.selection != nil {
		selected := *c.selection
		snap.Selection = &selected
		snap.Panel.Machine = &selected
	}
	return snap
}
