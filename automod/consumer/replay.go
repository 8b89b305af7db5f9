package consumer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// maximum size of a single line in a replay file
const maxReplayLine = 4 << 20

type ReplayStats struct {
	Lines   int
	Queued  int
	Invalid int
}

// Reads events from a JSON-lines file (normalized events or raw gateway dispatches, one per line) and queues each on the scheduler. Blank lines and lines starting with '#' are skipped. Invalid lines are logged and counted, and do not stop the replay.
func ReplayFile(ctx context.Context, path string, sched *Scheduler, logger *slog.Logger) (*ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Replay(ctx, f, sched, logger)
}

func Replay(ctx context.Context, r io.Reader, sched *Scheduler, logger *slog.Logger) (*ReplayStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stats := &ReplayStats{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxReplayLine)
	for scanner.Scan() {
		stats.Lines++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		evt, err := Decode(line)
		if err == nil {
			err = evt.Validate()
		}
		if err != nil {
			logger.Warn("skipping invalid replay line", "line", stats.Lines, "err", err)
			messagesReceived.WithLabelValues("replay", "invalid").Inc()
			stats.Invalid++
			continue
		}
		if err := sched.AddWork(ctx, evt); err != nil {
			return stats, fmt.Errorf("queueing line %d: %w", stats.Lines, err)
		}
		messagesReceived.WithLabelValues("replay", "ok").Inc()
		stats.Queued++
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("reading replay input: %w", err)
	}
	return stats, nil
}
