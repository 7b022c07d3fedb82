package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/meetsync/botherd/internal/log"
	"github.com/meetsync/botherd/internal/model"
	"github.com/meetsync/botherd/internal/registry"
	"github.com/meetsync/botherd/internal/relay"
)

type Supervisor struct {
	cfg model.Config
	reg *registry.Registry

	mu    sync.RWMutex
	units map[string]*unit
}

func New(cfg model.Config, reg *registry.Registry) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		reg:   reg,
		units: make(map[string]*unit),
	}
}

// Submit creates a job for the submission and spawns the worker. It returns
// as soon as the process is started; supervision continues in the background.
// A spawn failure marks the job failed and is returned to the caller.
func (s *Supervisor) Submit(_ context.Context, sub model.Submission) (model.Job, error) {
	job := s.reg.Create(sub)
	// supervision outlives the submitting request
	ctx := log.WithJobID(context.Background(), job.ID)

	u := newUnit(job.ID, s.cfg)
	cmd := exec.Command(s.cfg.Launcher.Path, workerArgs(s.cfg, job)...)
	cmd.Env = workerEnv(s.cfg)
	// own process group, so kills reach whatever the launcher spawned and
	// no orphan keeps the output pipes open
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failSpawn(ctx, job.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.failSpawn(ctx, job.ID, err)
	}

	if err := cmd.Start(); err != nil {
		return s.failSpawn(ctx, job.ID, err)
	}
	u.cmd = cmd

	job, _ = s.reg.Patch(job.ID, func(j *model.Job) {
		j.Status = model.StatusRunning
		j.StartedAt = time.Now().UTC()
	})

	s.mu.Lock()
	s.units[job.ID] = u
	s.mu.Unlock()

	u.idle = time.AfterFunc(s.cfg.IdleTimeout, func() {
		u.expire(ctx, model.ReasonIdleTimeout)
	})
	u.max = time.AfterFunc(s.cfg.MaxRuntime, func() {
		u.expire(ctx, model.ReasonMaxTimeExceeded)
	})

	var readers sync.WaitGroup
	readers.Add(2)
	go u.pump(ctx, s, "stdout", stdout, &readers)
	go u.pump(ctx, s, "stderr", stderr, &readers)
	go u.supervise(ctx, s, &readers)

	slog.InfoContext(ctx, "worker spawned",
		"launcher", s.cfg.Launcher.Path,
		"pid", cmd.Process.Pid,
		"meeting_url", sub.MeetingURL)
	return job, nil
}

func (s *Supervisor) failSpawn(ctx context.Context, id string, err error) (model.Job, error) {
	job, _ := s.reg.Patch(id, func(j *model.Job) {
		j.Status = model.StatusError
		j.Reason = model.ReasonSpawnFailed
	})
	slog.ErrorContext(ctx, "spawning worker failed", "error", err)
	return job, fmt.Errorf("spawning %s: %w", s.cfg.Launcher.Path, err)
}

// Get returns the current job snapshot.
func (s *Supervisor) Get(id string) (model.Job, error) {
	return s.reg.Get(id)
}

// Relay hands out the job's log relay for streaming and snapshots.
func (s *Supervisor) Relay(id string) (*relay.Relay, bool) {
	u := s.unit(id)
	if u == nil {
		return nil, false
	}
	return u.relay, true
}

// Done returns a channel closed once the job's terminal state is recorded.
func (s *Supervisor) Done(id string) (<-chan struct{}, bool) {
	u := s.unit(id)
	if u == nil {
		return nil, false
	}
	return u.done, true
}

// Alive reports whether the job still has a live process handle.
func (s *Supervisor) Alive(id string) bool {
	u := s.unit(id)
	if u == nil {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return !u.exited
}

// Terminate sends SIGTERM to the job's process and escalates to SIGKILL when
// it is still alive after the grace period. It returns once the process has
// exited or ctx is done.
func (s *Supervisor) Terminate(ctx context.Context, id string, grace time.Duration) error {
	u := s.unit(id)
	if u == nil {
		return model.ErrNotRunning
	}

	u.mu.Lock()
	if u.exited || u.cmd == nil || u.cmd.Process == nil {
		u.mu.Unlock()
		return model.ErrNotRunning
	}
	proc := u.cmd.Process
	u.mu.Unlock()

	if err := signalGroup(proc, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling worker: %w", err)
	}

	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(grace):
	}

	slog.WarnContext(ctx, "worker ignored SIGTERM, killing", "job_id", id)
	_ = signalGroup(proc, syscall.SIGKILL)
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signalGroup signals the worker's whole process group, falling back to the
// single process when the group is already gone.
func signalGroup(proc *os.Process, sig syscall.Signal) error {
	if err := syscall.Kill(-proc.Pid, sig); err != nil {
		return proc.Signal(sig)
	}
	return nil
}

func (s *Supervisor) unit(id string) *unit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.units[id]
}

// workerArgs derives the positional key=value arguments for the launcher:
// the submission first, then the injected callback parameters the worker
// uses for its own outbound notifications.
func workerArgs(cfg model.Config, job model.Job) []string {
	args := []string{"url=" + job.Submission.MeetingURL}
	if job.Submission.BotName != "" {
		args = append(args, "name="+job.Submission.BotName)
	}
	for _, k := range slices.Sorted(maps.Keys(job.Submission.Extra)) {
		args = append(args, k+"="+job.Submission.Extra[k])
	}
	if cfg.CallbackBase != "" {
		base := strings.TrimRight(cfg.CallbackBase, "/")
		args = append(args, "callback_url="+base+"/api/v1/bots/"+job.ID+"/events")
		if cfg.AuthToken != "" {
			args = append(args, "callback_token="+cfg.AuthToken)
		}
	}
	return args
}

func workerEnv(cfg model.Config) []string {
	env := os.Environ()
	for k, v := range cfg.Launcher.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env
}
