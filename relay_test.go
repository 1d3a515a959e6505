package relay_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raphi011/relay"
	"github.com/raphi011/relay/internal/config"
	"github.com/raphi011/relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handle(t *testing.T, a *relay.Agent, events ...relay.Event) {
	t.Helper()

	for _, e := range events {
		require.NoError(t, a.Handle(context.Background(), e))
	}
}

func TestRunWithPassedAndSkippedTestPasses(t *testing.T) {
	i := acceptanceTest(t)
	ctx := context.Background()

	handle(t, i.agent,
		relay.Event{Type: relay.RunStarted, Name: "nightly"},
		relay.Event{Type: relay.SuiteStarted, Name: "S"},
		relay.Event{Type: relay.TestStarted, Suite: "S", Name: "T1"},
		relay.Event{Type: relay.TestFinished, Suite: "S", Name: "T1", Status: "PASS"},
		relay.Event{Type: relay.TestStarted, Suite: "S", Name: "T2", Tags: []string{"robot:skip"}},
	)

	require.NoError(t, i.agent.AttachArtifactRef(ctx, "google", "https://google.com"))

	handle(t, i.agent,
		relay.Event{Type: relay.TestFinished, Suite: "S", Name: "T2", Status: "SKIP"},
		relay.Event{Type: relay.SuiteFinished, Name: "S"},
	)

	result, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.StatusPassed, result.Status)
	require.Len(t, result.Run.Suites, 1)
	assert.Equal(t, model.StatusPassed, result.Run.Suites[0].Status)
	assert.Equal(t, model.StatusPassed, testByName(t, result.Run, "T1").Status)

	t2 := testByName(t, result.Run, "T2")
	assert.Equal(t, model.StatusSkipped, t2.Status)
	require.Len(t, t2.Refs, 1)
	assert.Equal(t, model.UploadUploaded, t2.Refs[0].State)

	refs := i.backend.find(http.MethodPut, "/artifact-references")
	require.Len(t, refs, 1)
	assert.Contains(t, refs[0].Body, "https://google.com")

	assert.Len(t, i.backend.find(http.MethodPost, "/tests"), 2)
	assert.Empty(t, result.FailedUploads)
}

func TestEveryIdempotencyKeyIsSentOnce(t *testing.T) {
	i := acceptanceTest(t)
	ctx := context.Background()

	_, err := i.agent.RunSuite(ctx, relay.TestSuite{
		Name:  "keys",
		Tests: []relay.TestCase{{Name: "a", Func: Success}, {Name: "b", Func: Fail}},
	})
	require.NoError(t, err)

	_, err = i.agent.FinishRun(ctx)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, r := range i.backend.all() {
		require.NotEmpty(t, r.Key, "request %s %s has no idempotency key", r.Method, r.Path)
		assert.False(t, seen[r.Key], "key %s sent twice", r.Key)
		seen[r.Key] = true
	}
}

func TestSkipTagNeverRunsTheBody(t *testing.T) {
	i := acceptanceTest(t)
	ctx := context.Background()

	var ran atomic.Bool

	status, err := i.agent.RunSuite(ctx, relay.TestSuite{
		Name: "S",
		Tests: []relay.TestCase{
			{Name: "T1", Func: Success},
			{Name: "T2", Tags: []string{"robot:skip"}, Func: func(t relay.TB) { ran.Store(true) }},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusPassed, status)
	assert.False(t, ran.Load(), "body of skipped test was executed")

	result, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.StatusPassed, result.Status)
	assert.Equal(t, model.StatusSkipped, testByName(t, result.Run, "T2").Status)
	assert.Equal(t, 1, result.Tests[model.StatusPassed])
	assert.Equal(t, 1, result.Tests[model.StatusSkipped])
}

func TestSkipTagWinsOverOtherFrameworkTags(t *testing.T) {
	i := acceptanceTest(t)
	ctx := context.Background()

	var ran atomic.Bool

	_, err := i.agent.RunSuite(ctx, relay.TestSuite{
		Name: "S",
		Tests: []relay.TestCase{
			{
				Name: "T2",
				Tags: []string{"robot:skip", "robot:continue-on-failure"},
				Func: func(t relay.TB) { ran.Store(true) },
			},
		},
	})
	require.NoError(t, err)

	result, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	assert.False(t, ran.Load(), "body of skipped test was executed")
	assert.Equal(t, model.StatusSkipped, testByName(t, result.Run, "T2").Status)

	started := i.backend.find(http.MethodPost, "/tests")
	require.Len(t, started, 1)
	assert.Contains(t, started[0].Body, "robot:skip")
	assert.Contains(t, started[0].Body, "robot:continue-on-failure")
}

func TestTreatSkipsAsFailuresFailsTheRun(t *testing.T) {
	i := acceptanceTest(t, func(cfg *config.Config) { cfg.TreatSkipsAsFailures = true })
	ctx := context.Background()

	_, err := i.agent.RunSuite(ctx, relay.TestSuite{
		Name: "S",
		Tests: []relay.TestCase{
			{Name: "T1", Func: Success},
			{Name: "T2", Tags: []string{"robot:skip"}, Func: Success},
		},
	})
	require.NoError(t, err)

	result, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, result.Status)
	assert.Equal(t, model.StatusSkipped, testByName(t, result.Run, "T2").Status)
}

func TestFailingSetupSkipsTests(t *testing.T) {
	i := acceptanceTest(t)
	ctx := context.Background()

	var ran atomic.Bool

	status, err := i.agent.RunSuite(ctx, relay.TestSuite{
		Name:  "failing-setup",
		Setup: func() error { panic("setup panicked") },
		Tests: []relay.TestCase{{Name: "T1", Func: func(t relay.TB) { ran.Store(true) }}},
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusSkipped, status)
	assert.False(t, ran.Load())

	result, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	t1 := testByName(t, result.Run, "T1")
	assert.Equal(t, model.StatusSkipped, t1.Status)
	assert.Equal(t, "suite setup failed", t1.Message)
}

func TestPanicFailsTest(t *testing.T) {
	i := acceptanceTest(t)
	ctx := context.Background()

	status, err := i.agent.RunSuite(ctx, relay.TestSuite{
		Name:  "panic",
		Tests: []relay.TestCase{{Name: "T1", Func: Panic}, {Name: "T2", Func: Fail}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, status)

	result, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, result.Status)
	assert.Contains(t, testByName(t, result.Run, "T1").Message, "boom")
	assert.Equal(t, "expected 1 but got 2", testByName(t, result.Run, "T2").Message)

	finished := i.backend.find(http.MethodPut, "/tests/1002")
	require.Len(t, finished, 1)
	assert.Contains(t, finished[0].Body, `"result":"FAILED"`)
}

func TestParallelSuiteRunsEveryTest(t *testing.T) {
	i := acceptanceTest(t)
	ctx := context.Background()

	cases := []relay.TestCase{}
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		cases = append(cases, relay.TestCase{Name: name, Func: Success})
	}

	status, err := i.agent.RunSuite(ctx, relay.TestSuite{Name: "parallel", Parallel: 3, Tests: cases})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPassed, status)

	result, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	assert.Equal(t, 6, result.Tests[model.StatusPassed])
	assert.Len(t, i.backend.find(http.MethodPost, "/tests"), 6)
}

func TestRevertedTestIsRemoved(t *testing.T) {
	i := acceptanceTest(t)
	ctx := context.Background()

	status, err := i.agent.RunSuite(ctx, relay.TestSuite{
		Name: "revert",
		Tests: []relay.TestCase{
			{Name: "kept", Func: Success},
			{Name: "reverted", Func: func(t relay.TB) {
				t.(*relay.T).Revert()
				t.Error("flaky")
			}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPassed, status)

	result, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.StatusPassed, result.Status)
	assert.Equal(t, model.StatusReverted, testByName(t, result.Run, "reverted").Status)
	assert.Len(t, i.backend.find(http.MethodDelete, ""), 1)
}

func TestUploadFailureDoesNotFailTheRun(t *testing.T) {
	i := acceptanceTest(t)
	i.backend.failWith("/labels", http.StatusBadRequest)
	ctx := context.Background()

	_, err := i.agent.RunSuite(ctx, relay.TestSuite{
		Name: "labels",
		Tests: []relay.TestCase{
			{Name: "T1", Func: func(t relay.TB) {
				require.NoError(t, t.AttachLabel("team", "qa"))
				require.NoError(t, t.AttachArtifactRef("google", "https://google.com"))
			}},
		},
	})
	require.NoError(t, err)

	result, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.StatusPassed, result.Status)
	require.Len(t, result.FailedUploads, 1)
	assert.Contains(t, result.FailedUploads[0].Key, "/label/")
	assert.Equal(t, 1, result.FailedUploads[0].Attempts)

	assert.Equal(t, model.UploadUploaded, testByName(t, result.Run, "T1").Refs[0].State)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	i := acceptanceTest(t)
	i.backend.failWith("/platform", http.StatusServiceUnavailable)
	ctx := context.Background()

	require.NoError(t, i.agent.Start(ctx, "retries"))
	require.NoError(t, i.agent.SetPlatform(ctx, "linux", ""))

	result, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	require.Len(t, result.FailedUploads, 1)
	assert.Equal(t, 3, result.FailedUploads[0].Attempts)
	assert.Len(t, i.backend.find(http.MethodPut, "/platform"), 3)
}

func TestRejectedArtifactIsReported(t *testing.T) {
	i := acceptanceTest(t)
	ctx := context.Background()

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

	var rejectErr error

	_, err := i.agent.RunSuite(ctx, relay.TestSuite{
		Name: "artifacts",
		Tests: []relay.TestCase{
			{Name: "T1", Func: func(t relay.TB) {
				rejectErr = t.AttachArtifact("log.txt", png)
				require.NoError(t, t.AttachArtifact("notes.txt", []byte("all good")))
			}},
		},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, rejectErr, model.ErrArtifactRejected)

	result, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	assert.Len(t, result.RejectedArtifacts, 1)
	assert.Contains(t, result.RejectedArtifacts[0], "log.txt")
	assert.Len(t, i.backend.find(http.MethodPost, "/artifacts"), 1)
}

func TestLogsAreSentForTests(t *testing.T) {
	i := acceptanceTest(t)
	ctx := context.Background()

	_, err := i.agent.RunSuite(ctx, relay.TestSuite{
		Name: "logs",
		Tests: []relay.TestCase{
			{Name: "T1", Func: func(t relay.TB) { t.Logf("opening %s", "login page") }},
		},
	})
	require.NoError(t, err)

	_, err = i.agent.FinishRun(ctx)
	require.NoError(t, err)

	logs := i.backend.find(http.MethodPost, "/logs")
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0].Body, "opening login page")
}

func TestLogsAreNotSentWhenDisabled(t *testing.T) {
	i := acceptanceTest(t, func(cfg *config.Config) { cfg.SendLogs = false })
	ctx := context.Background()

	_, err := i.agent.RunSuite(ctx, relay.TestSuite{Name: "logs", Tests: []relay.TestCase{{Name: "T1", Func: Success}}})
	require.NoError(t, err)

	_, err = i.agent.FinishRun(ctx)
	require.NoError(t, err)

	assert.Empty(t, i.backend.find(http.MethodPost, "/logs"))
}

func TestRealTimeTCMResultsArePushedWhenTestsFinish(t *testing.T) {
	i := acceptanceTest(t, func(cfg *config.Config) { cfg.TCM.Xray.Sync = string(model.SyncRealTime) })
	ctx := context.Background()

	_, err := i.agent.RunSuite(ctx, relay.TestSuite{
		Name: "xray",
		Tests: []relay.TestCase{
			{Name: "T1", Func: func(t relay.TB) { require.NoError(t, t.BindCase(relay.Xray, "QA-1")) }},
		},
	})
	require.NoError(t, err)

	pushed := i.backend.find(http.MethodPost, "/tcm/xray/results")
	require.Len(t, pushed, 1, "result must be pushed before the run finishes")
	assert.Contains(t, pushed[0].Body, `"testKey":"QA-1"`)
	assert.Contains(t, pushed[0].Body, `"status":"PASSED"`)

	_, err = i.agent.FinishRun(ctx)
	require.NoError(t, err)

	assert.Len(t, i.backend.find(http.MethodPost, "/tcm/xray/results"), 1)
}

func TestOnFinishTCMResultsAreBatched(t *testing.T) {
	i := acceptanceTest(t)
	ctx := context.Background()

	require.NoError(t, i.agent.Start(ctx, "testrail"))
	require.NoError(t, i.agent.SetTestRailSuiteID(ctx, "S12"))

	_, err := i.agent.RunSuite(ctx, relay.TestSuite{
		Name: "testrail",
		Tests: []relay.TestCase{
			{Name: "T1", Func: func(t relay.TB) { require.NoError(t, t.BindCase(relay.TestRail, "C1")) }},
			{Name: "T2", Func: func(t relay.TB) {
				require.NoError(t, t.BindCase(relay.TestRail, "C2"))
				t.Fail()
			}},
		},
	})
	require.NoError(t, err)

	assert.Empty(t, i.backend.find(http.MethodPost, "/tcm/testrail/results"))

	assert.ErrorIs(t, i.agent.SetTestRailRunName(ctx, "too late"), model.ErrTestsAlreadyStarted)

	_, err = i.agent.FinishRun(ctx)
	require.NoError(t, err)

	pushed := i.backend.find(http.MethodPost, "/tcm/testrail/results")
	require.Len(t, pushed, 1)
	assert.Contains(t, pushed[0].Body, `"caseId":1,"statusId":1`)
	assert.Contains(t, pushed[0].Body, `"caseId":2,"statusId":5`)
	assert.Contains(t, pushed[0].Body, `"suiteId":"S12"`)
}

func TestSessionsSetPlatformAndLinks(t *testing.T) {
	i := acceptanceTest(t, func(cfg *config.Config) {
		cfg.Providers = map[string]model.ProviderIntegration{
			"selenoid": {VideoURL: "https://grid.example.com/video/<session-id>.mp4"},
		}
	})
	ctx := context.Background()

	require.NoError(t, i.agent.Start(ctx, "sessions"))

	_, err := i.agent.RunSuite(ctx, relay.TestSuite{
		Name: "sessions",
		Tests: []relay.TestCase{
			{Name: "T1", Func: func(t relay.TB) {
				rt := t.(*relay.T)

				_, err := rt.BindSession("s-1", map[string]any{"platformName": "linux", "enableVideo": true}, "selenoid")
				require.NoError(t, err)
				_, err = rt.BindSession("s-2", map[string]any{"platformName": "windows"}, "selenoid")
				require.NoError(t, err)
			}},
		},
	})
	require.NoError(t, err)

	run := i.agent.Run()
	assert.Equal(t, "linux", run.Platform().Name)

	require.NoError(t, i.agent.SetPlatform(ctx, "macos", "14"))
	assert.Equal(t, "macos", run.Platform().Name)

	result, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	t1 := testByName(t, result.Run, "T1")
	require.Len(t, t1.Refs, 1)
	assert.Equal(t, "Video", t1.Refs[0].Name)
	assert.Equal(t, "https://grid.example.com/video/s-1.mp4", t1.Refs[0].URI)
	assert.ElementsMatch(t, []string{"s-1", "s-2"}, t1.Sessions)

	assert.Len(t, i.backend.find(http.MethodPost, "/test-sessions"), 2)

	finished := 0
	for _, r := range i.backend.all() {
		if r.Method == http.MethodPut && strings.Contains(r.Path, "/test-sessions/") {
			finished++
		}
	}
	assert.Equal(t, 2, finished)

	platforms := i.backend.find(http.MethodPut, "/platform")
	require.NotEmpty(t, platforms)
	assert.Contains(t, platforms[len(platforms)-1].Body, "macos")
}

func TestBindSessionWithoutActiveTest(t *testing.T) {
	i := acceptanceTest(t)
	ctx := context.Background()

	require.NoError(t, i.agent.Start(ctx, "no-test"))

	_, err := i.agent.BindSession(ctx, "s-1", map[string]any{}, "selenoid")
	assert.ErrorIs(t, err, model.ErrNoActiveTest)
}

func TestRunMutations(t *testing.T) {
	i := acceptanceTest(t, func(cfg *config.Config) { cfg.Run.Locale = "en_US" })
	ctx := context.Background()

	require.NoError(t, i.agent.Start(ctx, "mutations"))
	require.NoError(t, i.agent.SetBuild(ctx, "1.2.3"))
	require.NoError(t, i.agent.SetLocale(ctx, "de_AT"))

	result, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	assert.Equal(t, "1.2.3", result.Run.Build)
	assert.Equal(t, "de_AT", result.Run.Locale)
	assert.Equal(t, []model.Label{
		{Key: relay.LocaleLabel, Value: "en_US"},
		{Key: relay.LocaleLabel, Value: "de_AT"},
	}, result.Run.Labels)

	patches := i.backend.find(http.MethodPatch, "")
	require.Len(t, patches, 1)
	assert.Contains(t, patches[0].Body, `"path":"/config/build"`)
}

func TestDisabledReporterStillBuildsTheRunTree(t *testing.T) {
	i := acceptanceTest(t, func(cfg *config.Config) { cfg.Server = config.Server{} })
	ctx := context.Background()

	assert.False(t, i.agent.Enabled())

	status, err := i.agent.RunSuite(ctx, relay.TestSuite{Name: "offline", Tests: []relay.TestCase{{Name: "T1", Func: Fail}}})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, status)

	result, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, result.Status)
	assert.Empty(t, i.backend.all())
}

func TestFinishRunTwiceReturnsTheFirstResult(t *testing.T) {
	i := acceptanceTest(t)
	ctx := context.Background()

	_, err := i.agent.RunSuite(ctx, relay.TestSuite{Name: "S", Tests: []relay.TestCase{{Name: "T1", Func: Success}}})
	require.NoError(t, err)

	first, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	second, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Len(t, i.backend.find(http.MethodPut, "/test-runs/1001"), 1)
}

func TestWriteSummary(t *testing.T) {
	i := acceptanceTest(t)
	i.backend.failWith("/labels", http.StatusBadRequest)
	ctx := context.Background()

	_, err := i.agent.RunSuite(ctx, relay.TestSuite{
		Name: "summary",
		Tests: []relay.TestCase{
			{Name: "T1", Func: func(t relay.TB) { _ = t.AttachLabel("team", "qa") }},
		},
	})
	require.NoError(t, err)

	result, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	var buf bytes.Buffer
	result.WriteSummary(&buf)

	assert.Contains(t, buf.String(), "summary")
	assert.Contains(t, buf.String(), "Failed uploads")
}

func TestAbortGivesOutstandingUploadsOneFinalAttempt(t *testing.T) {
	i := acceptanceTest(t, func(cfg *config.Config) {
		cfg.Upload.MaxAttempts = 10
		cfg.Upload.InitialBackoff = time.Hour
		cfg.Upload.MaxBackoff = time.Hour
		cfg.Upload.EagerTimeout = 50 * time.Millisecond
	})
	i.backend.failWith("/labels", http.StatusServiceUnavailable)
	ctx := context.Background()

	_, err := i.agent.RunSuite(ctx, relay.TestSuite{
		Name: "abort",
		Tests: []relay.TestCase{
			{Name: "T1", Func: func(t relay.TB) {
				require.NoError(t, t.AttachLabel("team", "qa"))
				require.NoError(t, t.AttachArtifact("notes.txt", []byte("all good")))
			}},
		},
	})
	require.NoError(t, err)

	require.Len(t, i.backend.find(http.MethodPut, "/labels"), 1)
	require.Empty(t, i.backend.find(http.MethodPost, "/artifacts"))

	abortCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	require.NoError(t, i.agent.Abort(abortCtx))

	assert.Len(t, i.backend.find(http.MethodPut, "/labels"), 2)
	assert.Len(t, i.backend.find(http.MethodPost, "/artifacts"), 1)

	result, err := i.agent.FinishRun(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.StatusAborted, result.Status)
	assert.Empty(t, result.FailedUploads)
	assert.Empty(t, i.backend.find(http.MethodPut, "/test-runs/1001"))
}

func TestUnusableLedgerFallsBackToMemory(t *testing.T) {
	b := newBackend(t)

	cfg := testConfig(b.URL)
	cfg.Storage.Driver = "sqllite"
	cfg.Elastic.Addresses = []string{"http://[::1"}

	a, err := relay.New(
		relay.WithConfig(cfg),
		relay.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		relay.WithEnviron([]string{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	assert.True(t, a.Enabled())

	ctx := context.Background()

	_, err = a.RunSuite(ctx, relay.TestSuite{Name: "S", Tests: []relay.TestCase{{Name: "T1", Func: Success}}})
	require.NoError(t, err)

	result, err := a.FinishRun(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.StatusPassed, result.Status)
	assert.Len(t, b.find(http.MethodPost, "/tests"), 1)
}

func TestRemoteDriverUsesLauncherSettings(t *testing.T) {
	i := acceptanceTest(t, func(cfg *config.Config) {
		cfg.Launcher = config.Launcher{
			HubURL:       "https://hub.example.com/wd/hub",
			Capabilities: `{"enableVNC":true}`,
		}
	})

	hub, caps := i.agent.RemoteDriver("http://127.0.0.1:4444/wd/hub", map[string]any{"browserName": "chrome"})

	assert.Equal(t, "https://hub.example.com/wd/hub", hub)
	assert.Equal(t, map[string]any{"browserName": "chrome", "enableVNC": true}, caps)
}

func TestRemoteDriverWithoutLauncher(t *testing.T) {
	i := acceptanceTest(t)

	hub, caps := i.agent.RemoteDriver("http://127.0.0.1:4444/wd/hub", map[string]any{"browserName": "chrome"})

	assert.Equal(t, "http://127.0.0.1:4444/wd/hub", hub)
	assert.Equal(t, map[string]any{"browserName": "chrome"}, caps)
}
