package supervisor

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/meetsync/botherd/internal/discovery"
	"github.com/meetsync/botherd/internal/model"
	"github.com/meetsync/botherd/internal/relay"
)

// unit is one job's supervision state. mu guards the process/timer fields;
// watchdog expiry and exit handling both take it, which makes them mutually
// exclusive.
type unit struct {
	id    string
	relay *relay.Relay
	scan  *discovery.Scan
	done  chan struct{}

	mu            sync.Mutex
	cmd           *exec.Cmd
	idle          *time.Timer
	max           *time.Timer
	exited        bool
	timeoutReason string
}

func newUnit(id string, cfg model.Config) *unit {
	return &unit{
		id:    id,
		relay: relay.New(relay.DefaultCapacity),
		scan:  discovery.NewScan(cfg.Container.NamePrefix),
		done:  make(chan struct{}),
	}
}

// activityReader pats the idle watchdog on every chunk read from the worker.
// It sits below the scanner: idle is about output activity, not completed
// lines, so a worker streaming progress without newlines stays alive.
type activityReader struct {
	r    io.Reader
	u    *unit
	idle time.Duration
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.u.touch(a.idle)
	}
	return n, err
}

// pump reads one output stream line by line: buffer it, feed discovery.
func (u *unit) pump(ctx context.Context, s *Supervisor, stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	ar := &activityReader{r: r, u: u, idle: s.cfg.IdleTimeout}
	sc := bufio.NewScanner(ar)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		u.relay.Ingest(stream, line)

		if res, changed := u.scan.Feed(line); changed {
			_, _ = s.reg.Patch(u.id, func(j *model.Job) {
				j.BotUUID = res.BotUUID
				j.ContainerName = res.ContainerName
			})
			slog.InfoContext(ctx, "workload identity discovered",
				"stream", stream,
				"bot_uuid", res.BotUUID,
				"container", res.ContainerName)
		}
	}
	if err := sc.Err(); err != nil {
		// oversized lines abort the scanner; keep draining so the worker
		// never blocks on a full pipe and its activity still counts
		slog.DebugContext(ctx, "output stream unscannable, draining", "stream", stream, "error", err)
		_, _ = io.Copy(io.Discard, ar)
	}
}

// touch resets the idle watchdog. No-op once the process exited or a
// watchdog already fired.
func (u *unit) touch(idle time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.exited || u.timeoutReason != "" || u.idle == nil {
		return
	}
	u.idle.Reset(idle)
}

// expire is the watchdog callback. The first expiry wins and force-kills the
// worker; reconciliation happens on the exit path.
func (u *unit) expire(ctx context.Context, reason string) {
	u.mu.Lock()
	if u.exited || u.timeoutReason != "" {
		u.mu.Unlock()
		return
	}
	u.timeoutReason = reason
	proc := u.cmd.Process
	u.mu.Unlock()

	slog.WarnContext(ctx, "watchdog expired, killing worker", "reason", reason)
	if proc != nil {
		_ = signalGroup(proc, syscall.SIGKILL)
	}
}

// supervise waits for both readers and the process, then reconciles exactly
// one terminal state.
func (u *unit) supervise(ctx context.Context, s *Supervisor, readers *sync.WaitGroup) {
	readers.Wait()
	waitErr := u.cmd.Wait()

	u.mu.Lock()
	u.exited = true
	if u.idle != nil {
		u.idle.Stop()
	}
	if u.max != nil {
		u.max.Stop()
	}
	timeoutReason := u.timeoutReason
	u.mu.Unlock()

	s.reconcile(ctx, u, u.cmd.ProcessState, waitErr, timeoutReason)
	u.relay.Close()
	close(u.done)
}

// reconcile maps exit state to the terminal job status. First match wins:
// watchdog kill, death by signal, non-zero exit, then the clean-exit paths
// which hinge on whether an identifier was resolved.
func (s *Supervisor) reconcile(ctx context.Context, u *unit, state *os.ProcessState, waitErr error, timeoutReason string) {
	exitCode := -1
	var sig string
	if state != nil {
		exitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig = unix.SignalName(ws.Signal())
		}
	}

	var status model.Status
	var reason string
	switch {
	case timeoutReason != "":
		status, reason = model.StatusTimeout, timeoutReason
	case sig != "":
		status, reason = model.StatusError, "killed_by_"+sig
	case exitCode != 0:
		status, reason = model.StatusError, model.ReasonBotFailed
	default:
		job, err := s.reg.Get(u.id)
		if err != nil {
			slog.ErrorContext(ctx, "job vanished before reconciliation", "error", err)
			return
		}
		id := job.BotUUID
		if id == "" {
			if id = s.fallbackScan(ctx, job.StartedAt); id != "" {
				_, _ = s.reg.Patch(u.id, func(j *model.Job) { j.BotUUID = id })
			}
		}
		if id != "" {
			status = model.StatusDone
		} else {
			status, reason = model.StatusError, model.ReasonNoUUID
		}
	}

	job, _ := s.reg.Patch(u.id, func(j *model.Job) {
		j.Status = status
		j.ExitCode = &exitCode
		j.Signal = sig
		j.Reason = reason
	})
	slog.InfoContext(ctx, "worker reconciled",
		"status", job.Status,
		"reason", job.Reason,
		"exit_code", exitCode,
		"signal", sig,
		"wait_error", waitErr)
}
