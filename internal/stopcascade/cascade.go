// Package stopcascade implements the layered termination protocol. There is
// no reliable bidirectional channel to a running bot, so a stop request walks
// an explicit ordered list of strategies, from the polite control-plane call
// down to signaling the local launcher process, until one succeeds. Strategy
// failures are logged and non-fatal; only exhausting every applicable
// strategy fails the stop request.
package stopcascade

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/meetsync/botherd/internal/log"
	"github.com/meetsync/botherd/internal/model"
	"github.com/meetsync/botherd/internal/registry"
)

const (
	// requestTimeout bounds every network call and container-engine
	// invocation so a hung endpoint cannot delay the next strategy.
	requestTimeout = 7 * time.Second
	// signalGrace is how long a SIGTERM'd worker gets before SIGKILL.
	signalGrace = 2 * time.Second
)

// ErrStopUnavailable means no termination channel could reach the workload.
var ErrStopUnavailable = errors.New("no viable stop channel")

// Orchestrator is the slice of the supervisor the cascade needs for the
// final, local strategy.
type Orchestrator interface {
	Alive(id string) bool
	Terminate(ctx context.Context, id string, grace time.Duration) error
}

// ExecFunc runs a container-engine command and returns its combined output.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Option tweaks a Cascade. Exists for unit testing only.
type Option func(*Cascade)

// WithExecRunner replaces the container-engine runner. Exists for unit
// testing only.
func WithExecRunner(fn ExecFunc) Option {
	return func(c *Cascade) { c.run = fn }
}

type strategy struct {
	name       string
	applicable func(job model.Job) bool
	run        func(ctx context.Context, job model.Job) error
}

type Cascade struct {
	cfg    model.Config
	reg    *registry.Registry
	orch   Orchestrator
	client *http.Client
	run    ExecFunc
}

func New(cfg model.Config, reg *registry.Registry, orch Orchestrator, opts ...Option) *Cascade {
	c := &Cascade{
		cfg:  cfg,
		reg:  reg,
		orch: orch,
		// short timeout, no connection reuse: stop calls target endpoints
		// which are likely already half-dead
		client: &http.Client{
			Timeout:   requestTimeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		run: runCommand,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Stop drives the cascade for a running job. It returns the name of the
// strategy that succeeded, or ErrStopUnavailable once everything applicable
// has been tried. Success moves the job to stopping; the terminal state
// still arrives through the supervisor's exit reconciliation.
func (c *Cascade) Stop(ctx context.Context, id string) (string, error) {
	job, err := c.reg.Get(id)
	if err != nil {
		return "", err
	}
	if job.Status != model.StatusRunning {
		return "", ErrStopUnavailable
	}
	ctx = log.WithJobID(ctx, id)

	for _, st := range c.strategies() {
		if !st.applicable(job) {
			slog.DebugContext(ctx, "stop strategy not applicable", "strategy", st.name)
			continue
		}
		if err := st.run(ctx, job); err != nil {
			slog.WarnContext(ctx, "stop strategy failed", "strategy", st.name, "error", err)
			continue
		}
		slog.InfoContext(ctx, "stop strategy succeeded", "strategy", st.name)
		_, _ = c.reg.Patch(id, func(j *model.Job) {
			j.Status = model.StatusStopping
		})
		return st.name, nil
	}
	return "", ErrStopUnavailable
}

// strategies is the cascade, most graceful first.
func (c *Cascade) strategies() []strategy {
	return []strategy{
		{
			name:       "control_plane",
			applicable: func(model.Job) bool { return c.cfg.ControlPlane != "" },
			run:        c.controlPlaneStop,
		},
		{
			name:       "container_exec",
			applicable: func(job model.Job) bool { return job.ContainerName != "" },
			run:        c.containerExecStop,
		},
		{
			name: "direct_endpoint",
			applicable: func(job model.Job) bool {
				return job.HostMapping != "" || job.ContainerName != ""
			},
			run: c.directStop,
		},
		{
			name: "force_remove",
			applicable: func(job model.Job) bool {
				return c.cfg.AllowForceRemove && job.ContainerName != ""
			},
			run: c.forceRemove,
		},
		{
			name: "process_signal",
			applicable: func(job model.Job) bool {
				return c.orch != nil && c.orch.Alive(job.ID)
			},
			run: c.signalStop,
		},
	}
}

// controlPlaneStop asks the configured control-plane to shut the bot down,
// identified by whatever we have: the discovered uuid and the original
// submission parameters.
func (c *Cascade) controlPlaneStop(ctx context.Context, job model.Job) error {
	target := strings.TrimRight(c.cfg.ControlPlane, "/") + "/api/v1/bots/stop"
	return c.postJSON(ctx, target, map[string]any{
		"bot_uuid":    job.BotUUID,
		"meeting_url": job.Submission.MeetingURL,
		"bot_name":    job.Submission.BotName,
	})
}

// signalStop is the last resort: terminate the launcher process we own.
func (c *Cascade) signalStop(ctx context.Context, job model.Job) error {
	return c.orch.Terminate(ctx, job.ID, signalGrace)
}

func (c *Cascade) postJSON(ctx context.Context, target string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	return nil
}
