// The `model` package holds the types shared by the run tree, the upload coordinator,
// the storage layer and the backend client. It exists to avoid cyclic dependencies,
// types required by a library user such as `TestFunc` are reexported by the relay package.
package model

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued   Status = "QUEUED"
	StatusRunning  Status = "IN_PROGRESS"
	StatusPassed   Status = "PASSED"
	StatusFailed   Status = "FAILED"
	StatusSkipped  Status = "SKIPPED"
	StatusAborted  Status = "ABORTED"
	StatusReverted Status = "REVERTED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped, StatusAborted, StatusReverted:
		return true
	}

	return false
}

// ParseHostStatus maps the status codes reported by a host test framework
// (PASS, FAIL, SKIP, NOT RUN) to a test status.
func ParseHostStatus(code string) (Status, error) {
	switch code {
	case "PASS", "PASSED":
		return StatusPassed, nil
	case "FAIL", "FAILED":
		return StatusFailed, nil
	case "SKIP", "SKIPPED", "NOT RUN":
		return StatusSkipped, nil
	}

	return "", fmt.Errorf("unknown host status %q", code)
}

type EntityKind string

const (
	EntityRun   EntityKind = "run"
	EntitySuite EntityKind = "suite"
	EntityTest  EntityKind = "test"
)

// EntityRef identifies a node of the run tree without holding a reference to it.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

func (r EntityRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

type Label struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type ArtifactKind string

const (
	ArtifactScreenshot ArtifactKind = "screenshot"
	ArtifactFile       ArtifactKind = "file"
	ArtifactLog        ArtifactKind = "log"
)

type Artifact struct {
	Seq   uint64       `json:"seq"`
	Owner EntityRef    `json:"owner"`
	Name  string       `json:"name"`
	Kind  ArtifactKind `json:"kind"`
	// MIME is the detected content type of the payload.
	MIME    string      `json:"mime"`
	Payload []byte      `json:"-"`
	Size    int         `json:"size"`
	State   UploadState `json:"state"`
}

type ArtifactRef struct {
	Seq   uint64      `json:"seq"`
	Owner EntityRef   `json:"owner"`
	Name  string      `json:"name"`
	URI   string      `json:"uri"`
	State UploadState `json:"state"`
}

type Platform struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

func (p Platform) IsZero() bool {
	return p.Name == "" && p.Version == ""
}

// Capability is one of the remote driver features that can produce a
// reference link for a session.
type Capability string

const (
	CapabilityVideo Capability = "video"
	CapabilityLogs  Capability = "logs"
	CapabilityVNC   Capability = "vnc"
)

// ProviderIntegration holds the link templates configured for a remote driver
// provider. Templates may contain the `<session-id>` placeholder.
type ProviderIntegration struct {
	VideoURL string `json:"videoUrl" mapstructure:"video-url" yaml:"video-url"`
	LogURL   string `json:"logUrl" mapstructure:"log-url" yaml:"log-url"`
	VNCURL   string `json:"vncUrl" mapstructure:"vnc-url" yaml:"vnc-url"`
}

func (p ProviderIntegration) Template(c Capability) string {
	switch c {
	case CapabilityVideo:
		return p.VideoURL
	case CapabilityLogs:
		return p.LogURL
	case CapabilityVNC:
		return p.VNCURL
	}

	return ""
}

type SessionBinding struct {
	SessionID string `json:"sessionId"`
	// RemoteID is the identifier assigned by the reporting backend.
	RemoteID     string                `json:"remoteId,omitempty"`
	Provider     string                `json:"provider"`
	Executor     string                `json:"executor"`
	Capabilities map[string]any        `json:"capabilities"`
	Enabled      map[Capability]bool   `json:"enabled"`
	Links        map[Capability]string `json:"links"`
	Platform     Platform              `json:"platform"`
	// Owner is the test that was active when the session was opened.
	Owner   EntityRef `json:"owner"`
	TestIDs []string  `json:"testIds"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended"`
}

type TCMSystem string

const (
	TestRail TCMSystem = "testrail"
	Xray     TCMSystem = "xray"
	Zephyr   TCMSystem = "zephyr"
)

var TCMSystems = []TCMSystem{TestRail, Xray, Zephyr}

type SyncMode string

const (
	SyncDisabled SyncMode = "disabled"
	SyncOnFinish SyncMode = "on-finish"
	SyncRealTime SyncMode = "real-time"
)

func ParseSyncMode(s string) (SyncMode, error) {
	switch SyncMode(s) {
	case SyncDisabled, SyncOnFinish, SyncRealTime:
		return SyncMode(s), nil
	case "":
		return SyncOnFinish, nil
	}

	return "", fmt.Errorf("unknown tcm sync mode %q", s)
}

// TCMRunOptions are the run level identifiers of a TCM system. Only the
// fields relevant to the system are used.
type TCMRunOptions struct {
	SuiteID         string `json:"suiteId,omitempty" mapstructure:"suite-id" yaml:"suite-id,omitempty"`
	RunID           string `json:"runId,omitempty" mapstructure:"run-id" yaml:"run-id,omitempty"`
	RunName         string `json:"runName,omitempty" mapstructure:"run-name" yaml:"run-name,omitempty"`
	Milestone       string `json:"milestone,omitempty" mapstructure:"milestone" yaml:"milestone,omitempty"`
	Assignee        string `json:"assignee,omitempty" mapstructure:"assignee" yaml:"assignee,omitempty"`
	IncludeAllCases bool   `json:"includeAllCases,omitempty" mapstructure:"include-all-cases" yaml:"include-all-cases,omitempty"`
	ExecutionKey    string `json:"executionKey,omitempty" mapstructure:"execution-key" yaml:"execution-key,omitempty"`
	TestCycleKey    string `json:"testCycleKey,omitempty" mapstructure:"test-cycle-key" yaml:"test-cycle-key,omitempty"`
	JiraProjectKey  string `json:"jiraProjectKey,omitempty" mapstructure:"jira-project-key" yaml:"jira-project-key,omitempty"`
}

type TCMBinding struct {
	System  TCMSystem     `json:"system"`
	Mode    SyncMode      `json:"mode"`
	Options TCMRunOptions `json:"options"`
}

// TCMResult is the outcome of a single test for one external case.
type TCMResult struct {
	System  TCMSystem `json:"system"`
	CaseKey string    `json:"caseKey"`
	TestID  string    `json:"testId"`
	Status  Status    `json:"status"`
	Message string    `json:"message,omitempty"`
	Ended   time.Time `json:"ended"`
}

type TestInfo struct {
	ID         string                 `json:"id"`
	SuiteID    string                 `json:"suiteId"`
	SuiteName  string                 `json:"suiteName"`
	Name       string                 `json:"name"`
	Tags       map[string]string      `json:"tags,omitempty"`
	Doc        string                 `json:"doc,omitempty"`
	Status     Status                 `json:"status"`
	Message    string                 `json:"message,omitempty"`
	Maintainer string                 `json:"maintainer,omitempty"`
	Labels     []Label                `json:"labels,omitempty"`
	Artifacts  []Artifact             `json:"artifacts,omitempty"`
	Refs       []ArtifactRef          `json:"refs,omitempty"`
	Sessions   []string               `json:"sessions,omitempty"`
	CaseKeys   map[TCMSystem][]string `json:"caseKeys,omitempty"`
	Revoked    bool                   `json:"revoked"`
	Flushed    bool                   `json:"flushed"`
	Start      time.Time              `json:"start"`
	End        time.Time              `json:"end"`
}

type SuiteInfo struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Status Status     `json:"status"`
	Start  time.Time  `json:"start"`
	End    time.Time  `json:"end"`
	Tests  []TestInfo `json:"tests"`
}

type RunInfo struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Build       string        `json:"build,omitempty"`
	Environment string        `json:"environment,omitempty"`
	Locale      string        `json:"locale,omitempty"`
	Platform    Platform      `json:"platform"`
	Status      Status        `json:"status"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	Labels      []Label       `json:"labels,omitempty"`
	Artifacts   []Artifact    `json:"artifacts,omitempty"`
	Refs        []ArtifactRef `json:"refs,omitempty"`
	TCM         []TCMBinding  `json:"tcm,omitempty"`
	Suites      []SuiteInfo   `json:"suites"`
}

// Tests returns all tests of the run in suite order.
func (r RunInfo) Tests() []TestInfo {
	tests := []TestInfo{}

	for _, s := range r.Suites {
		tests = append(tests, s.Tests...)
	}

	return tests
}

type TestFunc func(t TB)

// TestCase is a single test of a TestSuite.
type TestCase struct {
	Name string
	// Tags are `key` or `key:value` strings, e.g. `robot:skip` or `maintainer:jane`.
	Tags []string
	Doc  string
	Func TestFunc
}

// TestSuite is a static definition of a testsuite and contains
// Setup, Teardown and a collection of tests.
type TestSuite struct {
	// Name of the testsuite
	Name string `json:"name"`
	// Parallel is the number of executors running the tests of the suite concurrently.
	Parallel int
	Setup    func() error
	Teardown func() error
	Tests    []TestCase
}

func (t TestSuite) SafeTeardown() (err error) {
	if t.Teardown == nil {
		return nil
	}

	defer func() {
		r := recover()

		if r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()

	err = t.Teardown()
	return
}

func (t TestSuite) SafeSetup() (err error) {
	if t.Setup == nil {
		return nil
	}

	defer func() {
		r := recover()

		if r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()

	err = t.Setup()
	return
}

// TB is a carbon copy of the stdlib testing.TB interface + some custom relay functions. Unfortunately we cannot reuse
// the original testing.TB interface because it deliberately includes the `private()` function
// to prevent others from implementing it to allow them to add new functions over time without
// breaking anything.
type TB interface {
	Cleanup(func())
	Error(args ...any)
	Errorf(format string, args ...any)
	Fail()
	FailNow()
	Failed() bool
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Helper()
	Log(args ...any)
	Logf(format string, args ...any)
	Name() string
	Setenv(key, value string)
	Skip(args ...any)
	SkipNow()
	Skipf(format string, args ...any)
	Skipped() bool
	TempDir() string

	/* relay specific */
	AttachArtifact(name string, payload []byte) error
	AttachArtifactRef(name, uri string) error
	AttachLabel(key, value string) error
	BindCase(system TCMSystem, caseKey string) error
}
