package supervisor_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meetsync/botherd/internal/model"
	"github.com/meetsync/botherd/internal/registry"
	"github.com/meetsync/botherd/internal/supervisor"

	"github.com/stretchr/testify/require"
)

const botUUID = "abcdef12-3456-7890-abcd-ef1234567890"

func testConfig(t *testing.T) model.Config {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	cfg := model.DefaultConfig()
	cfg.OutputRoot = t.TempDir()
	cfg.IdleTimeout = 5 * time.Second
	cfg.MaxRuntime = 10 * time.Second
	return cfg
}

// writeLauncher materializes a fake worker script; the supervisor invokes it
// with positional key=value arguments just like the real launcher.
func writeLauncher(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-launcher")
	err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755)
	require.NoError(t, err)
	return path
}

func waitTerminal(t *testing.T, s *supervisor.Supervisor, id string) model.Job {
	t.Helper()
	done, ok := s.Done(id)
	require.True(t, ok)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("job did not reach a terminal state in time")
	}
	job, err := s.Get(id)
	require.NoError(t, err)
	return job
}

func TestSubmitCleanExitWithIdentifier(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Launcher.Path = writeLauncher(t, `echo "joining meeting"
echo "bot_id=`+botUUID+`"
echo "recording started" >&2`)

	reg := registry.New()
	s := supervisor.New(cfg, reg)

	job, err := s.Submit(t.Context(), model.Submission{MeetingURL: "https://meet.example.com/abc"})
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, job.Status)
	require.False(t, job.StartedAt.IsZero())

	job = waitTerminal(t, s, job.ID)
	require.Equal(t, model.StatusDone, job.Status)
	require.Equal(t, botUUID, job.BotUUID)
	require.Empty(t, job.Reason)
	require.NotNil(t, job.ExitCode)
	require.Equal(t, 0, *job.ExitCode)

	// both streams landed in the buffer, tagged by origin
	rel, ok := s.Relay(job.ID)
	require.True(t, ok)
	snap := rel.Snapshot()
	require.Len(t, snap, 3)

	byStream := map[string][]string{}
	for _, line := range snap {
		byStream[line.Stream] = append(byStream[line.Stream], line.Text)
	}
	require.Equal(t, []string{"joining meeting", "bot_id=" + botUUID}, byStream["stdout"])
	require.Equal(t, []string{"recording started"}, byStream["stderr"])
}

func TestSubmitPassesKeyValueArgs(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.CallbackBase = "http://127.0.0.1:8024"
	cfg.AuthToken = "sekrit"
	cfg.Launcher.Path = writeLauncher(t, `for a in "$@"; do echo "arg $a"; done
echo "bot_id=`+botUUID+`"`)

	reg := registry.New()
	s := supervisor.New(cfg, reg)
	job, err := s.Submit(t.Context(), model.Submission{
		MeetingURL: "https://meet.example.com/abc",
		BotName:    "scribe",
		Extra:      map[string]string{"lang": "en", "avatar": "none"},
	})
	require.NoError(t, err)
	job = waitTerminal(t, s, job.ID)
	require.Equal(t, model.StatusDone, job.Status)

	rel, _ := s.Relay(job.ID)
	var args []string
	for _, line := range rel.Snapshot() {
		if after, ok := strings.CutPrefix(line.Text, "arg "); ok {
			args = append(args, after)
		}
	}
	require.Equal(t, []string{
		"url=https://meet.example.com/abc",
		"name=scribe",
		"avatar=none",
		"lang=en",
		"callback_url=http://127.0.0.1:8024/api/v1/bots/" + job.ID + "/events",
		"callback_token=sekrit",
	}, args)
}

func TestIdleWatchdogKillsSilentWorker(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.IdleTimeout = 200 * time.Millisecond
	cfg.Launcher.Path = writeLauncher(t, `sleep 60`)

	reg := registry.New()
	s := supervisor.New(cfg, reg)
	job, err := s.Submit(t.Context(), model.Submission{MeetingURL: "https://meet.example.com/idle"})
	require.NoError(t, err)

	job = waitTerminal(t, s, job.ID)
	require.Equal(t, model.StatusTimeout, job.Status)
	require.Equal(t, model.ReasonIdleTimeout, job.Reason)
}

func TestIdleWatchdogSparedByOutput(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.IdleTimeout = 400 * time.Millisecond
	// keeps talking more often than the idle window, then finishes cleanly
	cfg.Launcher.Path = writeLauncher(t, `i=0
while [ $i -lt 8 ]; do echo "tick $i"; i=$((i+1)); sleep 0.1; done
echo "bot_id=`+botUUID+`"`)

	reg := registry.New()
	s := supervisor.New(cfg, reg)
	job, err := s.Submit(t.Context(), model.Submission{MeetingURL: "https://meet.example.com/active"})
	require.NoError(t, err)

	job = waitTerminal(t, s, job.ID)
	require.Equal(t, model.StatusDone, job.Status)
	require.Equal(t, botUUID, job.BotUUID)
}

func TestIdleWatchdogSparedByUnterminatedOutput(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.IdleTimeout = 400 * time.Millisecond
	// progress dots, no newline until the very end: activity on the stream
	// counts even when no line completes
	cfg.Launcher.Path = writeLauncher(t, `i=0
while [ $i -lt 10 ]; do printf .; i=$((i+1)); sleep 0.1; done
echo ""
echo "bot_id=`+botUUID+`"`)

	reg := registry.New()
	s := supervisor.New(cfg, reg)
	job, err := s.Submit(t.Context(), model.Submission{MeetingURL: "https://meet.example.com/dots"})
	require.NoError(t, err)

	job = waitTerminal(t, s, job.ID)
	require.Equal(t, model.StatusDone, job.Status)
	require.Equal(t, botUUID, job.BotUUID)
}

func TestAbsoluteWatchdogIgnoresActivity(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.IdleTimeout = 5 * time.Second
	cfg.MaxRuntime = 300 * time.Millisecond
	cfg.Launcher.Path = writeLauncher(t, `while true; do echo tick; sleep 0.05; done`)

	reg := registry.New()
	s := supervisor.New(cfg, reg)
	job, err := s.Submit(t.Context(), model.Submission{MeetingURL: "https://meet.example.com/long"})
	require.NoError(t, err)

	job = waitTerminal(t, s, job.ID)
	require.Equal(t, model.StatusTimeout, job.Status)
	require.Equal(t, model.ReasonMaxTimeExceeded, job.Reason)
}

func TestNonZeroExit(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Launcher.Path = writeLauncher(t, `echo "cannot join meeting" >&2
exit 3`)

	reg := registry.New()
	s := supervisor.New(cfg, reg)
	job, err := s.Submit(t.Context(), model.Submission{MeetingURL: "https://meet.example.com/broken"})
	require.NoError(t, err)

	job = waitTerminal(t, s, job.ID)
	require.Equal(t, model.StatusError, job.Status)
	require.Equal(t, model.ReasonBotFailed, job.Reason)
	require.NotNil(t, job.ExitCode)
	require.Equal(t, 3, *job.ExitCode)
}

func TestCleanExitWithoutIdentifier(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Launcher.Path = writeLauncher(t, `echo "did some work, forgot to say who I am"`)

	reg := registry.New()
	s := supervisor.New(cfg, reg)
	job, err := s.Submit(t.Context(), model.Submission{MeetingURL: "https://meet.example.com/anon"})
	require.NoError(t, err)

	job = waitTerminal(t, s, job.ID)
	require.Equal(t, model.StatusError, job.Status)
	require.Equal(t, model.ReasonNoUUID, job.Reason)
}

func TestFallbackScanRecoversIdentifier(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Launcher.Env = map[string]string{"botherd_out": cfg.OutputRoot}
	// the worker writes its recording directory but never logs the uuid
	cfg.Launcher.Path = writeLauncher(t, `mkdir -p "$BOTHERD_OUT/`+botUUID+`"
echo "recording saved"`)

	reg := registry.New()
	s := supervisor.New(cfg, reg)
	job, err := s.Submit(t.Context(), model.Submission{MeetingURL: "https://meet.example.com/quiet"})
	require.NoError(t, err)

	job = waitTerminal(t, s, job.ID)
	require.Equal(t, model.StatusDone, job.Status)
	require.Equal(t, botUUID, job.BotUUID)
}

func TestTerminateEscalates(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Launcher.Path = writeLauncher(t, `sleep 60`)

	reg := registry.New()
	s := supervisor.New(cfg, reg)
	job, err := s.Submit(t.Context(), model.Submission{MeetingURL: "https://meet.example.com/stop"})
	require.NoError(t, err)
	require.True(t, s.Alive(job.ID))

	err = s.Terminate(t.Context(), job.ID, 2*time.Second)
	require.NoError(t, err)

	job = waitTerminal(t, s, job.ID)
	require.False(t, s.Alive(job.ID))
	require.Equal(t, model.StatusError, job.Status)
	require.Contains(t, job.Reason, "killed_by_SIG")
	require.NotEmpty(t, job.Signal)

	t.Run("second terminate reports not running", func(t *testing.T) {
		err := s.Terminate(t.Context(), job.ID, time.Second)
		require.ErrorIs(t, err, model.ErrNotRunning)
	})
}

func TestSpawnFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Launcher.Path = filepath.Join(t.TempDir(), "does-not-exist")

	reg := registry.New()
	s := supervisor.New(cfg, reg)
	job, err := s.Submit(t.Context(), model.Submission{MeetingURL: "https://meet.example.com/nope"})
	require.Error(t, err)
	require.Equal(t, model.StatusError, job.Status)
	require.Equal(t, model.ReasonSpawnFailed, job.Reason)
	require.False(t, s.Alive(job.ID))
}
