package relay

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/raphi011/relay/internal/model"
	"github.com/raphi011/relay/internal/runtree"
	"github.com/raphi011/relay/internal/syncpolicy"
	"github.com/raphi011/relay/internal/upload"
)

type logEntry struct {
	test    *runtree.Test
	level   string
	at      time.Time
	message string
}

// logBuffer collects log lines of running tests until the next flush.
type logBuffer struct {
	mu      sync.Mutex
	entries []logEntry
}

func newLogBuffer() *logBuffer {
	return &logBuffer{}
}

func (b *logBuffer) add(e logEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, e)
}

func (b *logBuffer) take() []logEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.entries
	b.entries = nil

	return entries
}

// drop removes the buffered lines of a test.
func (b *logBuffer) drop(testID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.entries[:0]
	for _, e := range b.entries {
		if e.test.ID() != testID {
			kept = append(kept, e)
		}
	}
	b.entries = kept
}

// Log buffers a log line of the active test. Lines are sent in batches once
// per second and whenever a test finishes.
func (a *Agent) Log(ctx context.Context, level, message string) error {
	if !a.cfg.SendLogs {
		return nil
	}

	t, err := a.activeTest(ctx)
	if err != nil {
		return err
	}

	if level == "" {
		level = "INFO"
	}

	a.logs.add(logEntry{test: t, level: level, at: time.Now(), message: message})

	return nil
}

// flushLogs submits all buffered lines of tests that were not revoked as a
// single unit.
func (a *Agent) flushLogs(ctx context.Context) {
	entries := a.logs.take()
	if len(entries) == 0 {
		return
	}

	run, err := a.activeRun()
	if err != nil {
		return
	}

	kept := entries[:0]
	deps := []string{}
	seen := map[string]bool{}

	for _, e := range entries {
		if e.test.Revoked() {
			continue
		}

		kept = append(kept, e)

		if !seen[e.test.ID()] {
			seen[e.test.ID()] = true
			deps = append(deps, syncpolicy.RegistrationKey(e.test.Ref()))
		}
	}

	if len(kept) == 0 {
		return
	}

	a.submit(ctx, unit{
		owner: run.Ref(),
		kind:  syncpolicy.KindLogs,
		seq:   run.NextSeq(),
		deps:  deps,
		deliver: func(ctx context.Context, key string, resolve upload.Resolver) (string, error) {
			records := make([]model.LogRecordHTTP, 0, len(kept))

			for _, e := range kept {
				if e.test.Revoked() {
					continue
				}

				records = append(records, model.LogRecordHTTP{
					TestID:    remoteID(resolve, e.test.Ref()),
					Level:     e.level,
					Timestamp: strconv.FormatInt(e.at.UnixMilli(), 10),
					Message:   e.message,
				})
			}

			if len(records) == 0 {
				return "", nil
			}

			return "", a.backend.SendLogs(ctx, key, remoteID(resolve, run.Ref()), records)
		},
	})
}
