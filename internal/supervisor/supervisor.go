// Package supervisor keeps the relay (and optionally the agent) running:
// a periodic check relaunches any watched process that has gone away.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/feishurelay/internal/timeline"
)

// Spec names a process to keep alive and how to start it.
type Spec struct {
	Name    string
	Command []string
}

func (s Spec) String() string {
	return s.Name + " (" + strings.Join(s.Command, " ") + ")"
}

// Process is a launched child.
type Process interface {
	PID() int
	Done() <-chan struct{}
	Terminate() error
	Kill() error
}

// Launcher starts a process for a Spec.
type Launcher interface {
	Launch(spec Spec) (Process, error)
}

// Probe reports whether the process behind spec is running and under
// which pid. proc is the last handle the supervisor launched, or nil.
type Probe interface {
	Running(spec Spec, proc Process) (pid int, ok bool)
}

// EventStore receives supervisor history.
type EventStore interface {
	RecordSupervisorEvent(evt *timeline.SupervisorEvent) error
}

// HandleProbe treats a process as running until its handle reports exit.
// It cannot see processes the supervisor did not launch.
type HandleProbe struct{}

// Running implements Probe.
func (HandleProbe) Running(_ Spec, proc Process) (int, bool) {
	if proc == nil {
		return 0, false
	}
	select {
	case <-proc.Done():
		return 0, false
	default:
		return proc.PID(), true
	}
}

// ProcessState is the supervisor's view of one watched process.
type ProcessState struct {
	Spec         Spec
	PID          int
	RestartCount int
	LastStart    time.Time
	Launched     bool

	proc Process
}

// Options configures a Supervisor.
type Options struct {
	Processes []Spec
	Launcher  Launcher
	Probe     Probe
	Store     EventStore
	Interval  time.Duration
	Settle    time.Duration
	StopGrace time.Duration
	Now       func() time.Time
}

// Supervisor watches a fixed set of processes.
type Supervisor struct {
	launcher  Launcher
	probe     Probe
	store     EventStore
	interval  time.Duration
	settle    time.Duration
	stopGrace time.Duration
	now       func() time.Time

	mu    sync.Mutex
	procs []*ProcessState
}

// New creates a Supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Launcher == nil {
		return nil, errors.New("supervisor: launcher is required")
	}
	if len(opts.Processes) == 0 {
		return nil, errors.New("supervisor: no processes to watch")
	}
	s := &Supervisor{
		launcher:  opts.Launcher,
		probe:     opts.Probe,
		store:     opts.Store,
		interval:  opts.Interval,
		settle:    opts.Settle,
		stopGrace: opts.StopGrace,
		now:       opts.Now,
	}
	if s.probe == nil {
		s.probe = ProcTableProbe{}
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Second
	}
	if s.stopGrace <= 0 {
		s.stopGrace = 5 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	for _, spec := range opts.Processes {
		if len(spec.Command) == 0 {
			return nil, fmt.Errorf("supervisor: process %q has no command", spec.Name)
		}
		if spec.Name == "" {
			spec.Name = spec.Command[0]
		}
		s.procs = append(s.procs, &ProcessState{Spec: spec})
	}
	return s, nil
}

// Check runs one cycle: every process that is not running is launched once.
func (s *Supervisor) Check(ctx context.Context) {
	s.mu.Lock()
	procs := append([]*ProcessState(nil), s.procs...)
	s.mu.Unlock()

	for _, st := range procs {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		proc, pid := st.proc, st.PID
		s.mu.Unlock()

		if found, running := s.probe.Running(st.Spec, proc); running {
			if proc == nil || found != proc.PID() {
				// Not our child: watch it, but leave it alone on Stop.
				s.mu.Lock()
				st.proc, st.PID = nil, found
				s.mu.Unlock()
				pid = found
			}
			slog.Info("process alive", "name", st.Spec.Name, "pid", pid)
			s.record(st, timeline.KindAlive, "")
			continue
		}
		if proc != nil {
			var exitErr error
			if e, ok := proc.(interface{ ExitErr() error }); ok {
				exitErr = e.ExitErr()
			}
			slog.Warn("process gone", "name", st.Spec.Name, "pid", pid, "exit", exitErr)
		}
		s.launch(st)
		if s.settle > 0 {
			sleep(ctx, s.settle)
		}
	}
}

func (s *Supervisor) launch(st *ProcessState) {
	s.mu.Lock()
	restarted := st.Launched
	s.mu.Unlock()

	proc, err := s.launcher.Launch(st.Spec)
	if err != nil {
		slog.Error("launch failed", "name", st.Spec.Name, "command", strings.Join(st.Spec.Command, " "), "error", err)
		s.record(st, timeline.KindLaunchFailed, err.Error())
		return
	}

	s.mu.Lock()
	st.proc = proc
	st.PID = proc.PID()
	st.LastStart = s.now()
	st.Launched = true
	if restarted {
		st.RestartCount++
	}
	count := st.RestartCount
	s.mu.Unlock()

	kind := timeline.KindStart
	if restarted {
		kind = timeline.KindRestart
		slog.Warn("process restarted", "name", st.Spec.Name, "pid", proc.PID(), "restarts", count)
	} else {
		slog.Info("process started", "name", st.Spec.Name, "pid", proc.PID())
	}
	s.record(st, kind, strings.Join(st.Spec.Command, " "))
}

// Run checks immediately, then every interval until ctx is cancelled, and
// finally stops the children it launched.
func (s *Supervisor) Run(ctx context.Context) error {
	slog.Info("supervisor started", "processes", len(s.procs), "interval", s.interval.String())
	s.Check(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return nil
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Stop terminates every launched child, escalating to a kill after the
// grace period.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	procs := append([]*ProcessState(nil), s.procs...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, st := range procs {
		s.mu.Lock()
		proc := st.proc
		st.proc = nil
		s.mu.Unlock()
		if proc == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.stopOne(st, proc)
		}()
	}
	wg.Wait()
}

func (s *Supervisor) stopOne(st *ProcessState, proc Process) {
	select {
	case <-proc.Done():
		return
	default:
	}
	if err := proc.Terminate(); err != nil {
		slog.Debug("terminate failed", "name", st.Spec.Name, "error", err)
	}
	detail := "terminated"
	select {
	case <-proc.Done():
	case <-time.After(s.stopGrace):
		detail = "killed after grace period"
		if err := proc.Kill(); err != nil {
			slog.Warn("kill failed", "name", st.Spec.Name, "pid", proc.PID(), "error", err)
		}
		select {
		case <-proc.Done():
		case <-time.After(s.stopGrace):
		}
	}
	slog.Info("process stopped", "name", st.Spec.Name, "pid", proc.PID(), "how", detail)
	s.record(st, timeline.KindStop, detail)
}

// Snapshot returns a copy of the current process states.
func (s *Supervisor) Snapshot() []ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProcessState, 0, len(s.procs))
	for _, st := range s.procs {
		cp := *st
		cp.proc = nil
		out = append(out, cp)
	}
	return out
}

func (s *Supervisor) record(st *ProcessState, kind, detail string) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	evt := &timeline.SupervisorEvent{
		Name:         st.Spec.Name,
		PID:          st.PID,
		RestartCount: st.RestartCount,
		Kind:         kind,
		Detail:       detail,
		At:           s.now(),
	}
	s.mu.Unlock()
	if err := s.store.RecordSupervisorEvent(evt); err != nil {
		slog.Warn("record supervisor event failed", "name", st.Spec.Name, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
