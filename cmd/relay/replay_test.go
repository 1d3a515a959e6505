package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/raphi011/relay"
	"github.com/raphi011/relay/internal/config"
	"github.com/raphi011/relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offlineAgent(t *testing.T) *relay.Agent {
	t.Helper()

	a, err := relay.New(
		relay.WithConfig(config.Config{Enabled: false}),
		relay.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		relay.WithEnviron([]string{}),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = a.Close(context.Background()) })

	return a
}

func TestReplay(t *testing.T) {
	events := `{"type":"run_start","name":"nightly"}
{"type":"suite_start","name":"S"}
{"type":"test_start","suite":"S","name":"T1"}
{"type":"test_end","suite":"S","name":"T1","status":"PASS"}

{"type":"test_start","suite":"S","name":"T2","tags":["robot:skip"]}
{"type":"test_end","suite":"S","name":"T2","status":"SKIP"}
{"type":"suite_end","name":"S"}
{"type":"run_end"}
`

	result, err := replay(context.Background(), offlineAgent(t), strings.NewReader(events))
	require.NoError(t, err)

	assert.Equal(t, model.StatusPassed, result.Status)
	assert.Equal(t, "nightly", result.Run.Name)
	assert.Equal(t, 1, result.Tests[model.StatusPassed])
	assert.Equal(t, 1, result.Tests[model.StatusSkipped])

	var buf bytes.Buffer
	result.WriteSummary(&buf)
	assert.Contains(t, buf.String(), "nightly")
}

func TestReplayWithMalformedLine(t *testing.T) {
	_, err := replay(context.Background(), offlineAgent(t), strings.NewReader("{\"type\":\"run_start\"}\n{oops\n"))

	assert.ErrorContains(t, err, "line 2")
}

func TestReplayWithoutRun(t *testing.T) {
	_, err := replay(context.Background(), offlineAgent(t), strings.NewReader(""))

	assert.Error(t, err)
}

func TestFormatRelativeTime(t *testing.T) {
	assert.Equal(t, "", formatRelativeTime(time.Time{}))
	assert.Equal(t, "5 min ago", formatRelativeTime(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "2 days ago", formatRelativeTime(time.Now().Add(-49*time.Hour)))
}
