// Package relay reports test executions to a reporting backend and to test
// case management systems. Host frameworks feed lifecycle events through
// Handle, Go test code runs through RunSuite and uses the T it is given.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/raphi011/relay/client"
	"github.com/raphi011/relay/internal/ci"
	"github.com/raphi011/relay/internal/config"
	"github.com/raphi011/relay/internal/correlator"
	"github.com/raphi011/relay/internal/hook"
	"github.com/raphi011/relay/internal/metric"
	"github.com/raphi011/relay/internal/model"
	"github.com/raphi011/relay/internal/runtree"
	"github.com/raphi011/relay/internal/storage"
	"github.com/raphi011/relay/internal/syncpolicy"
	"github.com/raphi011/relay/internal/tcm"
	"github.com/raphi011/relay/internal/upload"
	"github.com/robfig/cron/v3"
)

// Reexport to allow library users to reference these types

type TestFunc = model.TestFunc
type TB = model.TB
type TestCase = model.TestCase
type TestSuite = model.TestSuite
type Status = model.Status
type TCMSystem = model.TCMSystem

const (
	TestRail = model.TestRail
	Xray     = model.Xray
	Zephyr   = model.Zephyr
)

// Framework is reported to the backend as the framework of the run.
const Framework = "relay"

// LocaleLabel is the run label carrying the locale of the system under test.
const LocaleLabel = "com.zebrunner.app/sut.locale"

type Agent struct {
	cfg     config.Config
	log     *slog.Logger
	enabled bool

	httpClient *http.Client
	backend    *client.Client
	store      storage.Store
	uploads    *upload.Coordinator
	corr       *correlator.Correlator
	batch      *syncpolicy.Batch
	adapters   map[model.TCMSystem]tcm.Adapter
	hooks      *hookManager
	logs       *logBuffer
	cron       *cron.Cron
	environ    []string
	// configured is set when the configuration was passed with WithConfig.
	configured bool

	statusListener net.Listener
	statusServer   *http.Server

	mu       sync.Mutex
	run      *runtree.Run
	suites   map[string]*runtree.Suite
	sessions map[string]struct{}
	finished bool
	result   RunResult
}

// New configures a new Agent. Invalid or incomplete configuration is logged
// and turns the agent into a reporter that only builds the local run tree.
// An unusable ledger falls back to memory. The returned error is reserved
// for hooks registered with WithHook that fail to initialize.
func New(opts ...Option) (*Agent, error) {
	a := &Agent{
		log:      slog.Default(),
		enabled:  true,
		suites:   map[string]*runtree.Suite{},
		sessions: map[string]struct{}{},
		adapters: map[model.TCMSystem]tcm.Adapter{},
		environ:  os.Environ(),
		batch:    syncpolicy.NewBatch(),
		hooks:    newHookManager(slog.Default()),
	}

	for _, o := range opts {
		o(a)
	}

	a.hooks.log = a.log

	if !a.configured {
		cfg, err := config.Load("")
		if err != nil {
			a.log.Warn("reporting disabled, loading configuration failed", "error", err)
			a.enabled = false
		}
		a.cfg = cfg
	}

	if err := a.cfg.Validate(); err != nil {
		var missing config.MissingKeysError
		if errors.As(err, &missing) {
			a.log.Warn("reporting disabled, missing configuration", "keys", missing.Keys)
		} else {
			a.log.Warn("reporting disabled, invalid configuration", "error", err)
		}
		a.enabled = false
	}

	if !a.cfg.Enabled {
		a.enabled = false
	}

	if a.store == nil {
		store, err := storage.Open(a.cfg.Storage.Driver, a.cfg.Storage.Path, a.log)
		if err != nil {
			a.log.Warn("opening upload ledger failed, keeping records in memory",
				"driver", a.cfg.Storage.Driver, "path", a.cfg.Storage.Path, "error", err)
			store = storage.NewCache()
		}
		a.store = store
	}

	var clientOpts []client.Option
	if a.cfg.Upload.RateLimit > 0 {
		clientOpts = append(clientOpts, client.WithRateLimit(a.cfg.Upload.RateLimit, 1))
	}

	a.backend = client.New(a.cfg.Server.Hostname, a.cfg.Server.AccessToken, a.httpClient, clientOpts...)

	for _, system := range model.TCMSystems {
		adapter, err := tcm.New(system, a.backend)
		if err != nil {
			return nil, err
		}
		a.adapters[system] = adapter
	}

	a.uploads = upload.New(upload.Config{
		MaxAttempts:    a.cfg.Upload.MaxAttempts,
		InitialBackoff: a.cfg.Upload.InitialBackoff,
		MaxBackoff:     a.cfg.Upload.MaxBackoff,
		EagerTimeout:   a.cfg.Upload.EagerTimeout,
		Workers:        a.cfg.Upload.Workers,
	}, a.store, a.log)

	a.corr = correlator.New(a.cfg, a.log)
	a.logs = newLogBuffer()

	if len(a.cfg.Elastic.Addresses) > 0 {
		h, err := hook.NewElasticSearchHook(a.cfg.Elastic.Addresses, a.cfg.Elastic.Index, a.log)
		if err != nil {
			a.log.Warn("elasticsearch hook disabled", "error", err)
		} else {
			a.hooks.all = append(a.hooks.all, h)
		}
	}

	if err := a.hooks.init(); err != nil {
		return nil, err
	}

	return a, nil
}

// Enabled reports whether results are sent to the backend.
func (a *Agent) Enabled() bool {
	return a.enabled
}

func (a *Agent) Config() config.Config {
	return a.cfg
}

// Start creates the run and registers it with the backend. name is used if
// no display name is configured.
func (a *Agent) Start(ctx context.Context, name string) error {
	a.mu.Lock()

	if a.run != nil {
		a.mu.Unlock()
		return model.TransitionError{Entity: a.run.Ref(), From: a.run.Status(), To: model.StatusRunning, Err: model.ErrInvalidTransition}
	}

	runName := a.cfg.Run.DisplayName
	if runName == "" {
		runName = name
	}

	run := runtree.StartRun(runtree.Config{
		Name:                 runName,
		Build:                a.cfg.Run.Build,
		Environment:          a.cfg.Run.Environment,
		Locale:               a.cfg.Run.Locale,
		TreatSkipsAsFailures: a.cfg.TreatSkipsAsFailures,
		TCM:                  a.cfg.TCMBindings(),
	})
	a.run = run

	a.mu.Unlock()

	log := a.log.With("run-id", run.ID())
	log.Info("run started", "run-name", runName, "reporting", a.enabled)

	if err := a.startStatusServer(); err != nil {
		log.Warn("starting status api failed", "error", err)
	}

	a.registerRun(ctx, run)

	if a.cfg.Run.Locale != "" {
		a.sendLocale(ctx, run, a.cfg.Run.Locale)
	}

	for _, b := range a.cfg.TCMBindings() {
		if b.Mode != model.SyncOnFinish || b.Options != (model.TCMRunOptions{}) {
			a.sendTCMConfig(ctx, run, b.System)
		}
	}

	a.cron = cron.New(cron.WithSeconds())
	if _, err := a.cron.AddFunc("@every 1s", func() { a.flushLogs(context.Background()) }); err != nil {
		return fmt.Errorf("scheduling log flush: %w", err)
	}
	a.cron.Start()

	return nil
}

func (a *Agent) registerRun(ctx context.Context, run *runtree.Run) {
	started := time.Now()

	body := model.StartTestRunHTTP{
		Name:          run.Name(),
		Framework:     Framework,
		UUID:          run.ID(),
		StartedAt:     started,
		CIContext:     ci.Detect(a.environ),
		Notifications: a.cfg.Notifications(),
	}

	if c := run.Config(); c.Environment != "" || c.Build != "" {
		body.Config = &model.TestRunConfigHTTP{Environment: c.Environment, Build: c.Build}
	}
	if m := a.cfg.Milestone; m.ID != 0 || m.Name != "" {
		body.Milestone = &model.MilestoneHTTP{ID: m.ID, Name: m.Name}
	}

	a.submit(ctx, unit{
		owner: run.Ref(),
		kind:  syncpolicy.KindRunStart,
		deliver: func(ctx context.Context, key string, _ upload.Resolver) (string, error) {
			return a.backend.StartTestRun(ctx, key, a.cfg.ProjectKey, body)
		},
	})
}

// Run returns the current run, or nil before Start.
func (a *Agent) Run() *runtree.Run {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.run
}

func (a *Agent) activeRun() (*runtree.Run, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.run == nil {
		return nil, errNoActiveRun
	}

	return a.run, nil
}

var errNoActiveRun = errors.New("no active run")

// StartSuite starts a suite of the run, a running suite of the same name is
// reused.
func (a *Agent) StartSuite(ctx context.Context, name string) (*runtree.Suite, error) {
	run, err := a.activeRun()
	if err != nil {
		return nil, err
	}

	run.SetName(name)

	s, err := run.StartSuite(name)
	if err != nil {
		a.log.Warn("starting suite failed", "suite-name", name, "error", err)
		return nil, err
	}

	a.mu.Lock()
	_, running := a.suites[name]
	a.suites[name] = s
	a.mu.Unlock()

	if !running {
		metric.SuitesRunning.WithLabelValues(name).Inc()
	}

	return s, nil
}

// FinishSuite finishes a suite. Tests that are still running are finished
// as Failed.
func (a *Agent) FinishSuite(ctx context.Context, s *runtree.Suite) error {
	for _, t := range s.Tests() {
		if t.Status() == model.StatusRunning {
			a.finishTest(ctx, t, model.StatusFailed, "suite finished before test completed")
		}
	}

	if err := s.Finish(); err != nil {
		a.log.Warn("finishing suite failed", "suite-name", s.Name(), "error", err)
		return err
	}

	a.mu.Lock()
	if a.suites[s.Name()] == s {
		delete(a.suites, s.Name())
		metric.SuitesRunning.WithLabelValues(s.Name()).Dec()
	}
	a.mu.Unlock()

	return nil
}

func (a *Agent) suite(name string) (*runtree.Suite, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.suites[name]

	return s, ok
}

// FinishRun finishes the run: logs, sessions and batched TCM results are
// flushed, outstanding uploads are drained and the run is closed on the
// backend. Calling it twice returns the result of the first call.
func (a *Agent) FinishRun(ctx context.Context) (RunResult, error) {
	run, err := a.activeRun()
	if err != nil {
		return RunResult{}, err
	}

	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return a.result, nil
	}
	a.finished = true
	a.mu.Unlock()

	log := a.log.With("run-id", run.ID())

	if a.cron != nil {
		<-a.cron.Stop().Done()
	}

	for _, s := range run.Suites() {
		if !s.Status().Terminal() {
			_ = a.FinishSuite(ctx, s)
		}
	}

	a.flushLogs(ctx)

	for _, id := range a.corr.OpenSessions() {
		if err := a.FinishSession(ctx, id); err != nil {
			log.Warn("finishing session failed", "session-id", id, "error", err)
		}
	}

	a.flushTCMBatch(ctx, run)

	status, err := run.Finish()
	if err != nil {
		log.Warn("finishing run failed", "error", err)
	}

	drainTimeout := a.cfg.Upload.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = time.Minute
	}

	if failed := a.uploads.Drain(drainTimeout); failed > 0 {
		log.Warn("uploads failed", "count", failed)
	}

	ended := time.Now()

	a.submit(ctx, unit{
		owner: run.Ref(),
		kind:  syncpolicy.KindRunFinish,
		deliver: func(ctx context.Context, key string, resolve upload.Resolver) (string, error) {
			return "", a.backend.FinishTestRun(ctx, key, remoteID(resolve, run.Ref()), ended)
		},
	})

	metric.RunsFinished.WithLabelValues(string(status)).Inc()

	info := run.Info()

	a.hooks.notifyRunFinished(info)
	a.hooks.notifyRunFinishedAsync(info)

	result := newRunResult(info, a.uploads.Records(), a.corr.Rejected())

	a.mu.Lock()
	a.result = result
	a.mu.Unlock()

	log.Info("run finished", "status", result.Status, "failed-uploads", len(result.FailedUploads))

	return result, nil
}

// Abort marks the run as aborted. Outstanding uploads get one final attempt
// and are discarded afterwards.
func (a *Agent) Abort(ctx context.Context) error {
	run, err := a.activeRun()
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.finished = true
	a.mu.Unlock()

	if a.cron != nil {
		<-a.cron.Stop().Done()
	}

	if err := run.Abort(); err != nil {
		return err
	}

	a.uploads.Abort(ctx)

	info := run.Info()
	a.hooks.notifyRunFinished(info)

	a.mu.Lock()
	a.result = newRunResult(info, a.uploads.Records(), a.corr.Rejected())
	a.mu.Unlock()

	return nil
}

// Close waits for async hooks and releases all resources.
func (a *Agent) Close(ctx context.Context) error {
	select {
	case <-a.hooks.shutdown().Done():
	case <-ctx.Done():
		a.log.Warn("async hooks did not finish in time")
	}

	if a.statusServer != nil {
		if err := a.statusServer.Shutdown(ctx); err != nil {
			a.log.Warn("shutting down status api failed", "error", err)
		}
	}

	if a.cron != nil {
		<-a.cron.Stop().Done()
	}

	a.uploads.Close()

	return a.store.Close()
}
