// Package gitstore reads machine compliance records kept in a Git repository.
//
// Layout:
//
//	machines/<machine id>/info.json
//	machines/<machine id>/reports/<report id>.json
package gitstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"

	"mdmview/internal/machine"
)

const (
	// Directory permissions.
	repoDirPerm = 0o750
	// String replacement constant.
	replacementChar = "-"
	maxIDLength     = 255
	unknownID       = "unknown"
	// Retry configuration for git operations.
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	// Git command timeout.
	gitTimeout = 30 * time.Second

	machinesDir = "machines"
	reportsDir  = "reports"
	infoFile    = "info.json"
)

// Store provides Git-based storage for machine records and their reports.
type Store struct {
	log      *zap.SugaredLogger
	gitURL   string
	repoPath string
	remote   bool
	mu       sync.Mutex
}

// NewLocal works directly in an existing (or new) local repository. No push or pull.
func NewLocal(ctx context.Context, path string, log *zap.SugaredLogger) (*Store, error) {
	s := &Store{
		repoPath: path,
		gitURL:   path,
		log:      orNop(log),
	}
	if err := s.initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize git store: %w", err)
	}
	s.log.Infof("Git store initialized (local clone: %s)", s.repoPath)
	return s, nil
}

// NewRemote clones gitURL into a temporary directory and pulls before every read.
func NewRemote(ctx context.Context, gitURL string, log *zap.SugaredLogger) (*Store, error) {
	s := &Store{
		repoPath: filepath.Join(os.TempDir(), fmt.Sprintf("mdmview-%d", time.Now().UnixNano())),
		gitURL:   gitURL,
		remote:   true,
		log:      orNop(log),
	}
	if err := s.initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize git store: %w", err)
	}
	s.log.Infof("Git store initialized: %s (repo: %s)", gitURL, s.repoPath)
	return s, nil
}

func orNop(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log == nil {
		return zap.NewNop().Sugar()
	}
	return log
}

func (s *Store) initialize(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remote {
		s.log.Infof("Cloning remote repository: %s", s.gitURL)
		if err := s.runGitCommandInDirWithRetry(ctx, "", "clone", s.gitURL, s.repoPath); err != nil {
			return fmt.Errorf("failed to clone repository: %w", err)
		}
	} else if _, err := os.Stat(filepath.Join(s.repoPath, ".git")); os.IsNotExist(err) {
		s.log.Infof("Initializing new local git repository in %s", s.repoPath)
		if err := os.MkdirAll(s.repoPath, repoDirPerm); err != nil {
			return fmt.Errorf("failed to create repository directory: %w", err)
		}
		if err := s.runGitCommandWithRetry(ctx, "init"); err != nil {
			return fmt.Errorf("failed to init local repository: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Join(s.repoPath, machinesDir), repoDirPerm); err != nil {
		return fmt.Errorf("failed to create machines directory: %w", err)
	}

	s.log.Debugf("Git store initialization completed in %v", time.Since(start))
	return nil
}

// ListMachines returns every machine in the repository, pulling first for remote stores.
// Records that cannot be read are skipped with a warning.
func (s *Store) ListMachines(ctx context.Context) ([]machine.Machine, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pull(ctx)

	entries, err := os.ReadDir(filepath.Join(s.repoPath, machinesDir))
	if err != nil {
		if os.IsNotExist(err) {
			return []machine.Machine{}, nil
		}
		return nil, fmt.Errorf("failed to read machines directory: %w", err)
	}

	machines := make([]machine.Machine, 0, len(entries))
	failedCount := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := s.loadMachine(entry.Name())
		if err != nil {
			failedCount++
			s.log.Warnf("Failed to load machine %s: %v", entry.Name(), err)
			continue
		}
		machines = append(machines, m)
	}

	s.log.Infof("Loaded %d machines (%d failed) from git repository in %v",
		len(machines), failedCount, time.Since(start))
	return machines, nil
}

// ListReports returns the reports of one machine ordered by file name.
func (s *Store) ListReports(ctx context.Context, machineID string) ([]machine.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pull(ctx)

	dir, err := s.machineDir(machineID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, reportsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return []machine.Report{}, nil
		}
		return nil, fmt.Errorf("failed to read reports directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	reports := make([]machine.Report, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, reportsDir, name))
		if err != nil {
			s.log.Warnf("Failed to read report %s for machine %s: %v", name, machineID, err)
			continue
		}
		var r machine.Report
		if err := json.Unmarshal(data, &r); err != nil {
			s.log.Warnf("Skipping malformed report %s for machine %s: %v", name, machineID, err)
			continue
		}
		if r.MachineID == "" {
			r.MachineID = machineID
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (s *Store) pull(ctx context.Context) {
	if !s.remote {
		return
	}
	if err := retry.Do(func() error {
		return s.runGitCommand(ctx, "pull")
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
		s.log.Warnf("Git pull failed: %v (continuing with local data)", err)
	}
}

func (s *Store) loadMachine(dirName string) (machine.Machine, error) {
	data, err := os.ReadFile(filepath.Join(s.repoPath, machinesDir, dirName, infoFile))
	if err != nil {
		return machine.Machine{}, fmt.Errorf("failed to read machine info: %w", err)
	}
	var m machine.Machine
	if err := json.Unmarshal(data, &m); err != nil {
		return machine.Machine{}, fmt.Errorf("failed to unmarshal machine info: %w", err)
	}
	if m.MachineID == "" {
		m.MachineID = dirName
	}
	return m, nil
}

// machineDir resolves the directory of a machine and refuses paths outside the repository.
func (s *Store) machineDir(machineID string) (string, error) {
	dir := filepath.Join(s.repoPath, machinesDir, sanitizeID(machineID))

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve machine directory: %w", err)
	}
	absRoot, err := filepath.Abs(filepath.Join(s.repoPath, machinesDir))
	if err != nil {
		return "", fmt.Errorf("failed to resolve repo path: %w", err)
	}
	if !strings.HasPrefix(absDir, absRoot+string(filepath.Separator)) {
		return "", errors.New("security error: path traversal detected")
	}
	return dir, nil
}

func (s *Store) runGitCommand(ctx context.Context, args ...string) error {
	return s.runGitCommandInDir(ctx, s.repoPath, args...)
}

func (s *Store) runGitCommandWithRetry(ctx context.Context, args ...string) error {
	return s.runGitCommandInDirWithRetry(ctx, s.repoPath, args...)
}

func (s *Store) runGitCommandInDirWithRetry(ctx context.Context, dir string, args ...string) error {
	return retry.Do(func() error {
		return s.runGitCommandInDir(ctx, dir, args...)
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
}

func (s *Store) runGitCommandInDir(ctx context.Context, dir string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	output, err := cmd.CombinedOutput()
	duration := time.Since(start)
	if err != nil {
		s.log.Debugf("Git command failed in %v: git %v (error: %v, output: %s)", duration, args, err, output)
		return fmt.Errorf("git %v failed: %w\n%s", args, err, output)
	}

	s.log.Debugf("Git command completed in %v: git %v", duration, args)
	return nil
}

// sanitizeID turns an identifier into a single safe path element.
func sanitizeID(id string) string {
	replacer := strings.NewReplacer(
		"/", replacementChar, "\\", replacementChar, ":", replacementChar,
		"*", replacementChar, "?", replacementChar, "\"", replacementChar,
		"<", replacementChar, ">", replacementChar, "|", replacementChar,
		" ", replacementChar,
	)

	var parts []string
	for _, part := range strings.Split(replacer.Replace(id), replacementChar) {
		if part == "" || part == "." || part == ".." {
			continue
		}
		parts = append(parts, part)
	}

	result := strings.Join(parts, replacementChar)
	if len(result) > maxIDLength {
		result = result[:maxIDLength]
	}
	if result == "" {
		return unknownID
	}
	return result
}
