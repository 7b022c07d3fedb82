package supervisor

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// fallbackGrace lets the worker's final filesystem writes land before the
	// output root is inspected.
	fallbackGrace = 500 * time.Millisecond
	// mtimeSkew tolerates small clock differences between the worker's
	// environment and ours.
	mtimeSkew = 2 * time.Second
)

// fallbackScan recovers the identifier of a worker that exited cleanly
// without ever printing it: the output root holds one directory per
// recording, named by the bot UUID. The most recently modified entry whose
// modification time is not before job start (minus skew) wins.
func (s *Supervisor) fallbackScan(ctx context.Context, started time.Time) string {
	time.Sleep(fallbackGrace)

	entries, err := os.ReadDir(s.cfg.OutputRoot)
	if err != nil {
		slog.DebugContext(ctx, "output root not readable, skipping fallback scan",
			"output_root", s.cfg.OutputRoot, "error", err)
		return ""
	}

	var best string
	var bestMod time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if mod.Before(started.Add(-mtimeSkew)) {
			continue
		}
		if mod.After(bestMod) {
			bestMod = mod
			best = strings.ToLower(id.String())
		}
	}

	if best != "" {
		slog.InfoContext(ctx, "identifier recovered from output root", "bot_uuid", best)
	}
	return best
}
