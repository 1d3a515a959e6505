package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/raphi011/relay/internal/model"
	"github.com/raphi011/relay/internal/runtree"
)

type EventType string

const (
	RunStarted    EventType = "run_start"
	RunFinished   EventType = "run_end"
	SuiteStarted  EventType = "suite_start"
	SuiteFinished EventType = "suite_end"
	TestStarted   EventType = "test_start"
	TestFinished  EventType = "test_end"
	TagObserved   EventType = "tag"
	LogMessage    EventType = "log_message"
	OutputFile    EventType = "output_file"
	LogFile       EventType = "log_file"
)

// Event is a lifecycle event emitted by a host test framework. Events of one
// executor are handled in arrival order, there is no ordering across
// executors.
type Event struct {
	Type     EventType `json:"type"`
	Executor string    `json:"executor,omitempty"`
	At       time.Time `json:"at,omitempty"`
	// Name is the name of the run, suite or test, or the raw `key:value`
	// tag of TagObserved events.
	Name  string   `json:"name,omitempty"`
	Suite string   `json:"suite,omitempty"`
	Tags  []string `json:"tags,omitempty"`
	Doc   string   `json:"doc,omitempty"`
	// Status is the host status code of TestFinished events: PASS, FAIL,
	// SKIP or NOT RUN.
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`
	// Path is the file of OutputFile and LogFile events.
	Path string `json:"path,omitempty"`
}

// DecodeEvent parses a single JSON encoded event.
func DecodeEvent(line []byte) (Event, error) {
	var e Event

	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}

	if e.Type == "" {
		return Event{}, errors.New("decoding event: missing type")
	}

	return e, nil
}

// Handle applies e to the run. Problems are logged and never returned, the
// host run must not be affected by reporting.
func (a *Agent) Handle(ctx context.Context, e Event) error {
	if e.Executor != "" {
		ctx = WithExecutor(ctx, e.Executor)
	}

	if err := a.handle(ctx, e); err != nil {
		a.log.Warn("handling event failed", "event", e.Type, "name", e.Name, "executor", Executor(ctx), "error", err)
	}

	return nil
}

func (a *Agent) handle(ctx context.Context, e Event) error {
	switch e.Type {
	case RunStarted:
		return a.Start(ctx, e.Name)
	case RunFinished:
		_, err := a.FinishRun(ctx)
		return err
	case SuiteStarted:
		if a.Run() == nil {
			if err := a.Start(ctx, e.Name); err != nil {
				return err
			}
		}
		_, err := a.StartSuite(ctx, e.Name)
		return err
	case SuiteFinished:
		s, ok := a.suite(e.Name)
		if !ok {
			return fmt.Errorf("suite %q is not running", e.Name)
		}
		return a.FinishSuite(ctx, s)
	case TestStarted:
		s, ok := a.suite(e.Suite)
		if !ok {
			var err error
			if s, err = a.StartSuite(ctx, e.Suite); err != nil {
				return err
			}
		}
		_, err := a.StartTest(ctx, s, e.Name, runtree.ParseTags(e.Tags), e.Doc)
		return err
	case TestFinished:
		return a.handleTestFinished(ctx, e)
	case TagObserved:
		return a.handleTag(ctx, e.Name)
	case LogMessage:
		return a.Log(ctx, e.Level, e.Message)
	case OutputFile, LogFile:
		return a.AttachOutputFile(ctx, e.Path)
	}

	return fmt.Errorf("unknown event type %q", e.Type)
}

func (a *Agent) handleTestFinished(ctx context.Context, e Event) error {
	status, err := model.ParseHostStatus(e.Status)
	if err != nil {
		return err
	}

	t, err := a.findTest(ctx, e.Suite, e.Name)
	if err != nil {
		return err
	}

	return a.FinishTest(ctx, t, status, e.Message)
}

// findTest returns the active test of the executor of ctx if its name
// matches, otherwise the most recent test of suite with that name.
func (a *Agent) findTest(ctx context.Context, suite, name string) (*runtree.Test, error) {
	if t, err := a.corr.Active(Executor(ctx)); err == nil && t.Name() == name {
		return t, nil
	}

	if s, ok := a.suite(suite); ok {
		tests := s.Tests()
		for i := len(tests) - 1; i >= 0; i-- {
			if tests[i].Name() == name {
				return tests[i], nil
			}
		}
	}

	return nil, fmt.Errorf("test %q: %w", name, model.ErrNoActiveTest)
}

// handleTag applies a tag observed while a test runs. `maintainer:<name>`
// sets the maintainer, any other tag becomes a label.
func (a *Agent) handleTag(ctx context.Context, tag string) error {
	t, err := a.activeTest(ctx)
	if err != nil {
		return err
	}

	for k, v := range runtree.ParseTags([]string{tag}) {
		if k == runtree.MaintainerTag {
			t.SetMaintainer(v)
		}

		if err := a.attachLabel(ctx, t, k, v); err != nil {
			return err
		}
	}

	return nil
}

// AttachOutputFile attaches an output or log file of the host framework to
// the run.
func (a *Agent) AttachOutputFile(ctx context.Context, path string) error {
	run, err := a.activeRun()
	if err != nil {
		return err
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading output file: %w", err)
	}

	artifact, err := a.corr.AttachLogFile(run, filepath.Base(path), payload)
	if err != nil {
		return err
	}

	a.submitArtifact(ctx, run, artifact)

	return nil
}
