package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var procRoot = "/proc"

// procEntry is one process found in the process table.
type procEntry struct {
	pid  int
	argv []string
}

func (p procEntry) cmdline() string {
	return strings.Join(p.argv, " ")
}

// listProcesses reads argv for every process under root except self.
// Kernel threads and zombies have an empty cmdline and are skipped.
func listProcesses(root string, self int) ([]procEntry, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var out []procEntry
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(root, e.Name(), "cmdline"))
		if err != nil {
			continue
		}
		raw = []byte(strings.TrimRight(string(raw), "\x00"))
		if len(raw) == 0 {
			continue
		}
		out = append(out, procEntry{pid: pid, argv: strings.Split(string(raw), "\x00")})
	}
	return out, nil
}

// KillByName force-terminates every process whose command line contains
// pattern, except the calling process. It returns the pids it signalled.
func KillByName(pattern string) ([]int, error) {
	return killMatching(procRoot, pattern, os.Getpid(), func(pid int) error {
		p, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		return p.Kill()
	})
}

func killMatching(root, pattern string, self int, kill func(pid int) error) ([]int, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, errors.New("kill: empty pattern")
	}
	procs, err := listProcesses(root, self)
	if err != nil {
		return nil, fmt.Errorf("kill: %w", err)
	}
	var killed []int
	var errs []error
	for _, p := range procs {
		cmdline := p.cmdline()
		if !strings.Contains(cmdline, pattern) {
			continue
		}
		if err := kill(p.pid); err != nil {
			errs = append(errs, fmt.Errorf("kill %d: %w", p.pid, err))
			continue
		}
		slog.Info("killed process", "pid", p.pid, "cmdline", cmdline)
		killed = append(killed, p.pid)
	}
	return killed, errors.Join(errs...)
}

// ProcTableProbe reports a process as running while the handle the
// supervisor launched is alive or, failing that, while any process in the
// table runs the same command. The second lookup finds a relay started by
// hand or left behind by a supervisor that was killed.
type ProcTableProbe struct {
	// Root defaults to /proc.
	Root string
	// Self is excluded from the lookup; zero means the calling process.
	Self int
}

// Running implements Probe.
func (p ProcTableProbe) Running(spec Spec, proc Process) (int, bool) {
	if pid, ok := (HandleProbe{}).Running(spec, proc); ok {
		return pid, true
	}
	root := p.Root
	if root == "" {
		root = procRoot
	}
	self := p.Self
	if self == 0 {
		self = os.Getpid()
	}
	procs, err := listProcesses(root, self)
	if err != nil {
		slog.Debug("process table unavailable", "error", err)
		return 0, false
	}
	for _, e := range procs {
		if sameCommand(e.argv, spec.Command) {
			return e.pid, true
		}
	}
	return 0, false
}

// sameCommand matches argv against a configured command. The program is
// compared by base name so "feishurelay serve" matches
// "/usr/local/bin/feishurelay serve".
func sameCommand(argv, command []string) bool {
	if len(argv) != len(command) || len(command) == 0 {
		return false
	}
	if filepath.Base(argv[0]) != filepath.Base(command[0]) {
		return false
	}
	for i := 1; i < len(command); i++ {
		if argv[i] != command[i] {
			return false
		}
	}
	return true
}
