package gitstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mdmview/internal/machine"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// writeMachine lays out a machine record the way the repository stores it.
func writeMachine(t *testing.T, repo string, m machine.Machine) {
	t.Helper()
	dir := filepath.Join(repo, "machines", sanitizeID(m.MachineID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "info.json"), data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func writeReport(t *testing.T, repo, machineDir, name string, r machine.Report) {
	t.Helper()
	dir := filepath.Join(repo, "machines", machineDir, "reports")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"normal-id", "normal-id"},
		{"../../../etc/passwd", "etc-passwd"},
		{"id/with/slashes", "id-with-slashes"},
		{"id\\with\\backslashes", "id-with-backslashes"},
		{"id:with:colons", "id-with-colons"},
		{"id with spaces", "id-with-spaces"},
		{"id<with>special*chars?", "id-with-special-chars"},
		{"", "unknown"},
		{"..", "unknown"},
		{"./", "unknown"},
		{strings.Repeat("a", 300), strings.Repeat("a", 255)},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeID(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeID(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewLocal(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	localPath := filepath.Join(t.TempDir(), "test-repo")

	store, err := NewLocal(ctx, localPath, nil)
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	if store == nil {
		t.Fatal("Store is nil")
	}

	if _, err := os.Stat(filepath.Join(localPath, ".git")); os.IsNotExist(err) {
		t.Error("Git repository was not initialized")
	}
	if _, err := os.Stat(filepath.Join(localPath, "machines")); os.IsNotExist(err) {
		t.Error("Machines directory was not created")
	}
}

func TestListMachines(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := filepath.Join(t.TempDir(), "test-repo")

	store, err := NewLocal(ctx, repo, nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	m := machine.Machine{
		ID:                 "obj-1",
		MachineID:          "test-machine-123",
		Hostname:           "test-host",
		OS:                 machine.OSLinux,
		DiskEncrypted:      true,
		OSUpdated:          true,
		AntivirusInstalled: true,
		AntivirusRunning:   false,
		SleepPolicyOK:      true,
		LastSeenAt:         time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC),
	}
	writeMachine(t, repo, m)

	machines, err := store.ListMachines(ctx)
	if err != nil {
		t.Fatalf("Failed to list machines: %v", err)
	}
	if len(machines) != 1 {
		t.Fatalf("Expected 1 machine, got %d", len(machines))
	}
	if machines[0] != m {
		t.Errorf("Loaded machine mismatch:\n got %+v\nwant %+v", machines[0], m)
	}
}

func TestListMachinesDefaultsIDToDirectory(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := filepath.Join(t.TempDir(), "test-repo")

	store, err := NewLocal(ctx, repo, nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	dir := filepath.Join(repo, "machines", "laptop-7")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "info.json"), []byte(`{"hostname":"laptop"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	machines, err := store.ListMachines(ctx)
	if err != nil {
		t.Fatalf("Failed to list machines: %v", err)
	}
	if len(machines) != 1 || machines[0].MachineID != "laptop-7" {
		t.Errorf("Expected machine id from directory name, got %+v", machines)
	}
}

func TestListMachinesSkipsBrokenRecords(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := filepath.Join(t.TempDir(), "test-repo")

	store, err := NewLocal(ctx, repo, nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	writeMachine(t, repo, machine.Machine{MachineID: "good"})

	broken := filepath.Join(repo, "machines", "broken")
	if err := os.MkdirAll(broken, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(broken, "info.json"), []byte("[1,2,3]"), 0o600); err != nil {
		t.Fatal(err)
	}
	// directory without info.json
	if err := os.MkdirAll(filepath.Join(repo, "machines", "empty"), 0o750); err != nil {
		t.Fatal(err)
	}

	machines, err := store.ListMachines(ctx)
	if err != nil {
		t.Fatalf("Failed to list machines: %v", err)
	}
	if len(machines) != 1 || machines[0].MachineID != "good" {
		t.Errorf("Expected only the good machine, got %+v", machines)
	}
}

func TestListReports(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := filepath.Join(t.TempDir(), "test-repo")

	store, err := NewLocal(ctx, repo, nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	for i, summary := range []string{"first", "second"} {
		writeReport(t, repo, "m-1", fmt.Sprintf("r-%d.json", i), machine.Report{
			ID:        fmt.Sprintf("r-%d", i),
			CreatedAt: time.Date(2025, 1, i+1, 0, 0, 0, 0, time.UTC),
			Fields:    map[string]any{"summary": summary},
		})
	}
	reportsDir := filepath.Join(repo, "machines", "m-1", "reports")
	if err := os.WriteFile(filepath.Join(reportsDir, "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(reportsDir, "r-9.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	reports, err := store.ListReports(ctx, "m-1")
	if err != nil {
		t.Fatalf("Failed to list reports: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("Expected 2 reports, got %d", len(reports))
	}
	if reports[0].ID != "r-0" || reports[1].ID != "r-1" {
		t.Errorf("Reports out of order: %s, %s", reports[0].ID, reports[1].ID)
	}
	if reports[0].MachineID != "m-1" {
		t.Errorf("Expected machine id to default to the requested one, got %q", reports[0].MachineID)
	}
	if reports[1].Fields["summary"] != "second" {
		t.Errorf("Opaque field lost: %+v", reports[1].Fields)
	}

	none, err := store.ListReports(ctx, "no-such-machine")
	if err != nil {
		t.Fatalf("Listing reports of unknown machine failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Expected no reports, got %d", len(none))
	}
}

func TestPathTraversalPrevention(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := filepath.Join(t.TempDir(), "test-repo")

	store, err := NewLocal(ctx, repo, nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	dir, err := store.machineDir("../../../etc/passwd")
	if err != nil {
		t.Fatalf("machineDir failed: %v", err)
	}
	if want := filepath.Join(repo, "machines", "etc-passwd"); dir != want {
		t.Errorf("machineDir = %q, want %q", dir, want)
	}

	writeReport(t, repo, "etc-passwd", "r.json", machine.Report{ID: "r"})
	reports, err := store.ListReports(ctx, "../../../etc/passwd")
	if err != nil {
		t.Fatalf("Failed to list reports: %v", err)
	}
	if len(reports) != 1 || reports[0].ID != "r" {
		t.Errorf("Expected the report under the sanitized path, got %+v", reports)
	}

	writeReport(t, repo, "unknown", "x.json", machine.Report{ID: "x"})
	reports, err = store.ListReports(ctx, "..")
	if err != nil {
		t.Fatalf("Failed to list reports: %v", err)
	}
	if len(reports) != 1 || reports[0].ID != "x" {
		t.Errorf("Expected \"..\" to resolve inside the repository, got %+v", reports)
	}
}

func TestConcurrentReads(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := filepath.Join(t.TempDir(), "test-repo")

	store, err := NewLocal(ctx, repo, nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	for i := 0; i < 10; i++ {
		writeMachine(t, repo, machine.Machine{
			MachineID: fmt.Sprintf("machine-%d", i),
			Hostname:  fmt.Sprintf("host-%d", i),
		})
	}

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func(id int) {
			defer func() { done <- true }()
			machines, err := store.ListMachines(ctx)
			if err != nil {
				t.Errorf("Failed to list machines: %v", err)
				return
			}
			if len(machines) != 10 {
				t.Errorf("Expected 10 machines, got %d", len(machines))
			}
			if _, err := store.ListReports(ctx, fmt.Sprintf("machine-%d", id)); err != nil {
				t.Errorf("Failed to list reports: %v", err)
			}
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
