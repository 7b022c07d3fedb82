package stopcascade

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/meetsync/botherd/internal/model"
)

// containerExecStop issues the stop request from inside the workload's own
// execution environment, which sidesteps inbound reachability entirely. The
// bot images differ in what they ship, so several execution tools are tried
// in order until one produces output.
func (c *Cascade) containerExecStop(ctx context.Context, job model.Job) error {
	target := fmt.Sprintf("http://127.0.0.1:%d/stop", c.cfg.Container.ControlPort)
	tools := [][]string{
		{"python3", "-c", fmt.Sprintf(
			"import urllib.request; r = urllib.request.urlopen(urllib.request.Request(%q, data=b'{}', method='POST'), timeout=5); print(r.status)",
			target)},
		{"curl", "-fsS", "-m", "5", "-X", "POST", target},
		{"wget", "-q", "-O", "-", "--post-data={}", "-T", "5", target},
	}

	var errs []error
	for _, tool := range tools {
		args := append([]string{"exec", job.ContainerName}, tool...)
		out, err := c.run(ctx, c.cfg.Container.Engine, args...)
		if err == nil && len(bytes.TrimSpace(out)) > 0 {
			slog.DebugContext(ctx, "in-container stop accepted",
				"tool", tool[0], "output", string(bytes.TrimSpace(out)))
			return nil
		}
		if err == nil {
			err = errors.New("produced no output")
		}
		errs = append(errs, fmt.Errorf("%s: %w", tool[0], err))
	}
	return errors.Join(errs...)
}

// directStop talks straight to the workload's discovered network endpoint.
// The mapping is resolved lazily from the container engine and cached on the
// job once known.
func (c *Cascade) directStop(ctx context.Context, job model.Job) error {
	addr := job.HostMapping
	if addr == "" {
		var err error
		addr, err = c.resolveEndpoint(ctx, job)
		if err != nil {
			return err
		}
		_, _ = c.reg.Patch(job.ID, func(j *model.Job) {
			j.HostMapping = addr
		})
	}
	return c.postJSON(ctx, "http://"+addr+"/stop", map[string]string{
		"bot_uuid": job.BotUUID,
	})
}

// resolveEndpoint finds host:port for the workload's control port: a
// dynamically published port mapping first, the container's internal network
// address second.
func (c *Cascade) resolveEndpoint(ctx context.Context, job model.Job) (string, error) {
	if job.ContainerName == "" {
		return "", errors.New("no workload reference to resolve")
	}
	port := strconv.Itoa(c.cfg.Container.ControlPort)

	out, err := c.run(ctx, c.cfg.Container.Engine, "port", job.ContainerName, port)
	if err == nil {
		if addr := parsePortMapping(out); addr != "" {
			return addr, nil
		}
	}

	out, err = c.run(ctx, c.cfg.Container.Engine, "inspect", "-f",
		"{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}", job.ContainerName)
	if err != nil {
		return "", fmt.Errorf("inspecting %s: %w", job.ContainerName, err)
	}
	ip := strings.TrimSpace(string(out))
	if ip == "" {
		return "", errors.New("workload has no network address")
	}
	return net.JoinHostPort(ip, port), nil
}

// parsePortMapping reads the first usable line of `docker port` output, e.g.
// "0.0.0.0:32768". Wildcard binds are rewritten to loopback.
func parsePortMapping(out []byte) string {
	for line := range strings.Lines(string(out)) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		host, port, err := net.SplitHostPort(line)
		if err != nil {
			continue
		}
		if host == "0.0.0.0" || host == "::" || host == "" {
			host = "127.0.0.1"
		}
		return net.JoinHostPort(host, port)
	}
	return ""
}

// forceRemove is the coarse hammer: tear the whole container down. Gated by
// configuration because it can leave partially written recordings behind.
func (c *Cascade) forceRemove(ctx context.Context, job model.Job) error {
	out, err := c.run(ctx, c.cfg.Container.Engine, "rm", "-f", job.ContainerName)
	if err != nil {
		return fmt.Errorf("removing %s: %w (%s)", job.ContainerName, err, bytes.TrimSpace(out))
	}
	return nil
}
