package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdmview/internal/machine"
	"mdmview/internal/querycache"
	"mdmview/internal/table"
)

type fakeSource struct {
	mu          sync.Mutex
	machines    []machine.Machine
	listErr     error
	listGate    chan struct{}
	listCalls   int
	reports     map[string][]machine.Report
	reportErr   error
	reportGates map[string]chan struct{}
	reportCalls map[string]int
	reportDone  chan string
}

func newFakeSource(machines []machine.Machine) *fakeSource {
	f := &fakeSource{
		machines:    machines,
		reports:     make(map[string][]machine.Report),
		reportGates: make(map[string]chan struct{}),
		reportCalls: make(map[string]int),
		reportDone:  make(chan string, 16),
	}
	for _, m := range machines {
		f.reports[m.MachineID] = []machine.Report{{
			ID:        "r-" + m.MachineID,
			MachineID: m.MachineID,
			Fields:    map[string]any{"summary": "report of " + m.MachineID},
		}}
	}
	return f
}

func (f *fakeSource) ListMachines(ctx context.Context) ([]machine.Machine, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.listGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]machine.Machine(nil), f.machines...), nil
}

func (f *fakeSource) ListReports(ctx context.Context, machineID string) ([]machine.Report, error) {
	f.mu.Lock()
	f.reportCalls[machineID]++
	gate := f.reportGates[machineID]
	f.mu.Unlock()
	defer func() { f.reportDone <- machineID }()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reportErr != nil {
		return nil, f.reportErr
	}
	return f.reports[machineID], nil
}

func (f *fakeSource) gateReports(t *testing.T, machineID string) chan struct{} {
	t.Helper()
	gate := make(chan struct{})
	f.mu.Lock()
	f.reportGates[machineID] = gate
	f.mu.Unlock()
	t.Cleanup(func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
	})
	return gate
}

func (f *fakeSource) gateList(t *testing.T) chan struct{} {
	t.Helper()
	gate := make(chan struct{})
	f.mu.Lock()
	f.listGate = gate
	f.mu.Unlock()
	t.Cleanup(func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
	})
	return gate
}

func (f *fakeSource) set(fn func(f *fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeSource) counts() (list int, reports map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reports = make(map[string]int, len(f.reportCalls))
	for k, v := range f.reportCalls {
		reports[k] = v
	}
	return f.listCalls, reports
}

func fleet(n int) []machine.Machine {
	machines := make([]machine.Machine, n)
	oses := []string{machine.OSWindows, machine.OSMacOS, machine.OSWindows, machine.OSLinux}
	for i := range machines {
		machines[i] = machine.Machine{
			ID:                 fmt.Sprintf("obj-%02d", i),
			MachineID:          fmt.Sprintf("m-%02d", i),
			Hostname:           fmt.Sprintf("host-%02d", i),
			OS:                 oses[i%len(oses)],
			DiskEncrypted:      true,
			OSUpdated:          true,
			AntivirusInstalled: true,
			AntivirusRunning:   true,
			SleepPolicyOK:      i%3 != 0,
		}
	}
	return machines
}

func newController(t *testing.T, src *fakeSource) *Controller {
	t.Helper()
	c := New(context.Background(), Deps{Machines: src, Reports: src})
	t.Cleanup(c.Close)
	return c
}

func await(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Await(ctx))
}

func mounted(t *testing.T, src *fakeSource) *Controller {
	t.Helper()
	c := newController(t, src)
	c.Mount()
	await(t, c)
	return c
}

func TestMountShowsLoadingThenData(t *testing.T) {
	src := newFakeSource(fleet(12))
	gate := src.gateList(t)
	c := newController(t, src)

	snap := c.Snapshot()
	assert.Equal(t, querycache.StatusIdle, snap.ListStatus)

	c.Mount()
	snap = c.Snapshot()
	assert.True(t, snap.Loading)
	assert.Equal(t, querycache.StatusLoading, snap.ListStatus)
	assert.Empty(t, snap.Machines)

	close(gate)
	await(t, c)

	snap = c.Snapshot()
	assert.False(t, snap.Loading)
	assert.Equal(t, querycache.StatusSuccess, snap.ListStatus)
	assert.Equal(t, 12, snap.Total)
	assert.Len(t, snap.Machines, 12)
	assert.False(t, snap.UpdatedAt.IsZero())

	// mounting again does not refetch
	c.Mount()
	await(t, c)
	list, _ := src.counts()
	assert.Equal(t, 1, list)
}

func TestNoReportFetchWithoutSelection(t *testing.T) {
	src := newFakeSource(fleet(4))
	c := mounted(t, src)

	snap := c.Snapshot()
	assert.False(t, snap.Panel.Open)
	assert.Nil(t, snap.Selection)
	_, reports := src.counts()
	assert.Empty(t, reports)
}

func TestSelectLoadsReports(t *testing.T) {
	src := newFakeSource(fleet(4))
	c := mounted(t, src)

	require.NoError(t, c.SelectKey("obj-01"))
	await(t, c)

	snap := c.Snapshot()
	require.True(t, snap.Panel.Open)
	assert.Equal(t, "host-01", snap.Panel.MachineName())
	require.Len(t, snap.Panel.Reports, 1)
	assert.Equal(t, "r-m-01", snap.Panel.Reports[0].ID)
	assert.Equal(t, querycache.StatusSuccess, snap.Panel.Status)

	// selecting the same machine again uses what is already shown
	require.NoError(t, c.SelectKey("obj-01"))
	await(t, c)
	_, reports := src.counts()
	assert.Equal(t, 1, reports["m-01"])
}

func TestLaterSelectionWins(t *testing.T) {
	machines := fleet(4)
	src := newFakeSource(machines)
	c := mounted(t, src)

	slow := src.gateReports(t, machines[0].MachineID)
	c.Select(machines[0])
	assert.True(t, c.Snapshot().Panel.Loading)

	c.Select(machines[1])
	await(t, c)

	snap := c.Snapshot()
	require.NotNil(t, snap.Selection)
	assert.Equal(t, machines[1].Key(), snap.Selection.Key())
	require.Len(t, snap.Panel.Reports, 1)
	assert.Equal(t, "r-m-01", snap.Panel.Reports[0].ID)

	// let the first request finish late; the panel must keep showing the second machine
	close(slow)
	waitReportDone(t, src, machines[0].MachineID)
	time.Sleep(10 * time.Millisecond)

	snap = c.Snapshot()
	assert.Equal(t, machines[1].Key(), snap.Selection.Key())
	require.Len(t, snap.Panel.Reports, 1)
	assert.Equal(t, "r-m-01", snap.Panel.Reports[0].ID)
}

func TestClosePanelDropsPendingReports(t *testing.T) {
	machines := fleet(4)
	src := newFakeSource(machines)
	c := mounted(t, src)

	slow := src.gateReports(t, machines[2].MachineID)
	c.Select(machines[2])
	c.ClosePanel()

	snap := c.Snapshot()
	assert.False(t, snap.Panel.Open)
	assert.Nil(t, snap.Selection)
	assert.Empty(t, snap.Panel.Reports)
	assert.Equal(t, querycache.StatusIdle, snap.Panel.Status)

	close(slow)
	waitReportDone(t, src, machines[2].MachineID)
	time.Sleep(10 * time.Millisecond)

	snap = c.Snapshot()
	assert.False(t, snap.Panel.Open)
	assert.Empty(t, snap.Panel.Reports)
}

func TestNewSelectionNeverShowsPreviousReports(t *testing.T) {
	machines := fleet(4)
	src := newFakeSource(machines)
	c := mounted(t, src)

	c.Select(machines[0])
	await(t, c)
	require.Len(t, c.Snapshot().Panel.Reports, 1)

	c.ClosePanel()
	src.gateReports(t, machines[3].MachineID)
	c.Select(machines[3])

	snap := c.Snapshot()
	assert.True(t, snap.Panel.Loading)
	assert.Empty(t, snap.Panel.Reports)
}

func TestReportErrorStaysInPanel(t *testing.T) {
	machines := fleet(4)
	src := newFakeSource(machines)
	c := mounted(t, src)

	src.set(func(f *fakeSource) { f.reportErr = errors.New("reports unavailable") })
	c.Select(machines[1])
	await(t, c)

	snap := c.Snapshot()
	assert.Error(t, snap.Panel.Err)
	assert.Equal(t, querycache.StatusError, snap.Panel.Status)
	assert.NoError(t, snap.ListErr)
	assert.Len(t, snap.Machines, 4)

	// selecting the same machine after a failure retries
	src.set(func(f *fakeSource) { f.reportErr = nil })
	c.Select(machines[1])
	await(t, c)
	snap = c.Snapshot()
	assert.NoError(t, snap.Panel.Err)
	assert.Len(t, snap.Panel.Reports, 1)
}

func TestListFailureAndRefresh(t *testing.T) {
	src := newFakeSource(fleet(6))
	src.set(func(f *fakeSource) { f.listErr = errors.New("backend down") })
	c := mounted(t, src)

	snap := c.Snapshot()
	assert.Error(t, snap.ListErr)
	assert.False(t, snap.Loading)
	assert.Equal(t, querycache.StatusError, snap.ListStatus)
	assert.Empty(t, snap.Machines)

	src.set(func(f *fakeSource) { f.listErr = nil })
	c.Refresh()
	await(t, c)

	snap = c.Snapshot()
	assert.NoError(t, snap.ListErr)
	assert.Len(t, snap.Machines, 6)
	list, _ := src.counts()
	assert.Equal(t, 2, list)
}

func TestRetryAfterFailureShowsLoading(t *testing.T) {
	src := newFakeSource(fleet(4))
	src.set(func(f *fakeSource) { f.listErr = errors.New("backend down") })
	c := mounted(t, src)
	require.Error(t, c.Snapshot().ListErr)

	gate := src.gateList(t)
	src.set(func(f *fakeSource) { f.listErr = nil })
	c.Refresh()

	snap := c.Snapshot()
	assert.True(t, snap.Loading)
	assert.NoError(t, snap.ListErr)
	assert.Equal(t, querycache.StatusLoading, snap.ListStatus)

	close(gate)
	await(t, c)
	snap = c.Snapshot()
	assert.False(t, snap.Loading)
	assert.Len(t, snap.Machines, 4)
}

func TestRefreshKeepsOldDataVisible(t *testing.T) {
	src := newFakeSource(fleet(3))
	c := mounted(t, src)

	gate := src.gateList(t)
	src.set(func(f *fakeSource) { f.machines = fleet(5) })
	c.Refresh()

	snap := c.Snapshot()
	assert.True(t, snap.Refreshing)
	assert.False(t, snap.Loading)
	assert.Len(t, snap.Machines, 3)

	close(gate)
	await(t, c)
	snap = c.Snapshot()
	assert.False(t, snap.Refreshing)
	assert.Len(t, snap.Machines, 5)
}

func TestRefreshFailureKeepsData(t *testing.T) {
	src := newFakeSource(fleet(3))
	c := mounted(t, src)

	src.set(func(f *fakeSource) { f.listErr = errors.New("timeout") })
	c.Refresh()
	await(t, c)

	snap := c.Snapshot()
	assert.Error(t, snap.ListErr)
	assert.Equal(t, querycache.StatusSuccess, snap.ListStatus)
	assert.Len(t, snap.Machines, 3)
}

func TestFilterDoesNotFetch(t *testing.T) {
	src := newFakeSource(fleet(12))
	c := mounted(t, src)

	c.SetFilter(machine.Filter{OS: machine.OSLinux})
	snap := c.Snapshot()
	assert.Len(t, snap.Machines, 3)
	assert.Equal(t, 12, snap.Total)

	issues := true
	c.SetFilter(machine.Filter{HasIssues: &issues})
	assert.Len(t, c.Snapshot().Machines, 4)

	c.SetFilter(machine.Filter{})
	assert.Len(t, c.Snapshot().Machines, 12)

	list, _ := src.counts()
	assert.Equal(t, 1, list)
}

func TestPaginationOverTwelveMachines(t *testing.T) {
	c := mounted(t, newFakeSource(fleet(12)))

	snap := c.Snapshot()
	assert.Equal(t, table.Pagination{Index: 0, Size: 10}, snap.Pagination)
	assert.Equal(t, 2, table.PageCount(len(snap.Machines), snap.Pagination.Size))

	c.NextPage()
	assert.Equal(t, 1, c.Snapshot().Pagination.Index)
	c.NextPage()
	assert.Equal(t, 1, c.Snapshot().Pagination.Index)

	c.PreviousPage()
	c.PreviousPage()
	assert.Equal(t, 0, c.Snapshot().Pagination.Index)
}

func TestFilterClampsPage(t *testing.T) {
	c := mounted(t, newFakeSource(fleet(12)))
	require.NoError(t, c.SetPageSize(5))
	c.NextPage()
	c.NextPage()
	require.Equal(t, 2, c.Snapshot().Pagination.Index)

	c.SetFilter(machine.Filter{OS: machine.OSLinux})
	snap := c.Snapshot()
	assert.Equal(t, 0, snap.Pagination.Index)
	assert.Equal(t, 5, snap.Pagination.Size)
}

func TestSetPageSize(t *testing.T) {
	c := mounted(t, newFakeSource(fleet(12)))
	c.NextPage()

	require.NoError(t, c.SetPageSize(50))
	snap := c.Snapshot()
	assert.Equal(t, 0, snap.Pagination.Index)
	assert.Equal(t, 50, snap.Pagination.Size)

	err := c.SetPageSize(7)
	assert.ErrorIs(t, err, table.ErrInvalidPageSize)
	assert.Equal(t, 50, c.Snapshot().Pagination.Size)
}

func TestSelectUnknownKey(t *testing.T) {
	c := mounted(t, newFakeSource(fleet(2)))
	err := c.SelectKey("nope")
	assert.ErrorIs(t, err, ErrUnknownMachine)
	assert.Nil(t, c.Snapshot().Selection)
}

func TestSubscribeFiresOnChange(t *testing.T) {
	c := mounted(t, newFakeSource(fleet(2)))
	ch := c.Subscribe()

	select {
	case <-ch:
		t.Fatal("channel closed before any change")
	default:
	}

	c.SetFilter(machine.Filter{OS: machine.OSWindows})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
}

func TestAwaitHonoursContext(t *testing.T) {
	src := newFakeSource(fleet(2))
	src.gateList(t)
	c := newController(t, src)
	c.Mount()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Await(ctx), context.DeadlineExceeded)
}

func TestControllersShareCache(t *testing.T) {
	src := newFakeSource(fleet(5))
	machineCache := querycache.New[[]machine.Machine]("machines")
	reportCache := querycache.New[[]machine.Report]("reports")

	deps := Deps{Machines: src, Reports: src, MachineCache: machineCache, ReportCache: reportCache}
	first := New(context.Background(), deps)
	defer first.Close()
	second := New(context.Background(), deps)
	defer second.Close()

	first.Mount()
	await(t, first)
	second.Mount()
	await(t, second)

	require.NoError(t, first.SelectKey("obj-02"))
	await(t, first)
	require.NoError(t, second.SelectKey("obj-02"))
	await(t, second)

	list, reports := src.counts()
	assert.Equal(t, 1, list)
	assert.Equal(t, 1, reports["m-02"])
	assert.Len(t, second.Snapshot().Panel.Reports, 1)
}

func waitReportDone(t *testing.T, src *fakeSource, machineID string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case id := <-src.reportDone:
			if id == machineID {
				return
			}
		case <-timeout:
			t.Fatalf("report fetch for %s never finished", machineID)
		}
	}
}

func TestReportsKey(t *testing.T) {
	assert.Equal(t, "reports/m-1", ReportsKey("m-1"))
	assert.NotEqual(t, MachinesKey, ReportsKey(""))
}
