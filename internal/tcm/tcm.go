// Package tcm synchronizes test results to test case management systems.
// Run level configuration and case bindings travel as labels of the run and
// the tests, results are pushed in the shape the system expects.
package tcm

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphi011/relay/internal/model"
)

const labelPrefix = "com.zebrunner.app/tcm."

// Transport is the part of the backend client used by the adapters.
type Transport interface {
	SendLabels(ctx context.Context, key, runID, testID string, labels []model.Label) error
	PushTCMResults(ctx context.Context, key, runID string, system model.TCMSystem, payload any) error
}

type Adapter interface {
	System() model.TCMSystem
	// ConfigureRun sends the run level options of b.
	ConfigureRun(ctx context.Context, key, runID string, b model.TCMBinding) error
	// BindCase links a registered test to an external case.
	BindCase(ctx context.Context, key, runID, testID, caseKey string) error
	PushResult(ctx context.Context, key, runID string, b model.TCMBinding, r model.TCMResult) error
	PushResults(ctx context.Context, key, runID string, b model.TCMBinding, rs []model.TCMResult) error
}

// New returns the adapter of system.
func New(system model.TCMSystem, t Transport) (Adapter, error) {
	switch system {
	case model.TestRail:
		return &TestRail{base{system: system, transport: t}}, nil
	case model.Xray:
		return &Xray{base{system: system, transport: t}}, nil
	case model.Zephyr:
		return &Zephyr{base{system: system, transport: t}}, nil
	}

	return nil, fmt.Errorf("unknown tcm system %q", system)
}

// Label returns the full label key of a system option.
func Label(system model.TCMSystem, option string) string {
	return labelPrefix + string(system) + "." + option
}

type base struct {
	system    model.TCMSystem
	transport Transport
}

func (b base) System() model.TCMSystem {
	return b.system
}

// syncLabels are the labels shared by all systems describing the sync mode.
func (b base) syncLabels(mode model.SyncMode) []model.Label {
	switch mode {
	case model.SyncDisabled:
		return []model.Label{{Key: Label(b.system, "sync.enabled"), Value: "false"}}
	case model.SyncRealTime:
		return []model.Label{{Key: Label(b.system, "sync.real-time"), Value: "true"}}
	}

	return nil
}

func (b base) sendRunLabels(ctx context.Context, key, runID string, labels []model.Label) error {
	if len(labels) == 0 {
		return nil
	}

	return b.transport.SendLabels(ctx, key, runID, "", labels)
}

func (b base) bind(ctx context.Context, key, runID, testID, option, caseKey string) error {
	return b.transport.SendLabels(ctx, key, runID, testID, []model.Label{{Key: Label(b.system, option), Value: caseKey}})
}

func appendOption(labels []model.Label, system model.TCMSystem, option, value string) []model.Label {
	if value == "" {
		return labels
	}

	return append(labels, model.Label{Key: Label(system, option), Value: value})
}

type resultsHTTP[T any] struct {
	Options model.TCMRunOptions `json:"options"`
	Results []T                 `json:"results"`
}

// TestRail maps cases by numeric case id, e.g. "C123" or "123".
type TestRail struct{ base }

func (t *TestRail) ConfigureRun(ctx context.Context, key, runID string, b model.TCMBinding) error {
	labels := t.syncLabels(b.Mode)

	o := b.Options
	if o.IncludeAllCases || b.Mode == model.SyncRealTime {
		labels = append(labels, model.Label{Key: Label(t.system, "include-all-cases"), Value: "true"})
	}

	labels = appendOption(labels, t.system, "suite-id", o.SuiteID)
	labels = appendOption(labels, t.system, "run-id", o.RunID)
	labels = appendOption(labels, t.system, "run-name", o.RunName)
	labels = appendOption(labels, t.system, "milestone", o.Milestone)
	labels = appendOption(labels, t.system, "assignee", o.Assignee)

	return t.sendRunLabels(ctx, key, runID, labels)
}

func (t *TestRail) BindCase(ctx context.Context, key, runID, testID, caseKey string) error {
	return t.bind(ctx, key, runID, testID, "case-id", caseKey)
}

type testRailResultHTTP struct {
	CaseID   int64  `json:"caseId"`
	StatusID int    `json:"statusId"`
	Comment  string `json:"comment,omitempty"`
}

// TestRail status ids.
const (
	testRailPassed   = 1
	testRailBlocked  = 2
	testRailUntested = 3
	testRailFailed   = 5
)

func testRailStatus(s model.Status) int {
	switch s {
	case model.StatusPassed:
		return testRailPassed
	case model.StatusFailed:
		return testRailFailed
	case model.StatusAborted:
		return testRailBlocked
	}

	return testRailUntested
}

func (t *TestRail) PushResult(ctx context.Context, key, runID string, b model.TCMBinding, r model.TCMResult) error {
	return t.PushResults(ctx, key, runID, b, []model.TCMResult{r})
}

func (t *TestRail) PushResults(ctx context.Context, key, runID string, b model.TCMBinding, rs []model.TCMResult) error {
	payload := resultsHTTP[testRailResultHTTP]{Options: b.Options}

	for _, r := range rs {
		id, err := testRailCaseID(r.CaseKey)
		if err != nil {
			return err
		}

		payload.Results = append(payload.Results, testRailResultHTTP{
			CaseID:   id,
			StatusID: testRailStatus(r.Status),
			Comment:  r.Message,
		})
	}

	return t.transport.PushTCMResults(ctx, key, runID, t.system, payload)
}

func testRailCaseID(caseKey string) (int64, error) {
	k := caseKey
	if len(k) > 0 && (k[0] == 'C' || k[0] == 'c') {
		k = k[1:]
	}

	id, err := strconv.ParseInt(k, 10, 64)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("invalid testrail case id %q: %w", caseKey, err))
	}

	return id, nil
}

// Xray maps cases by Jira test key, e.g. "QA-12".
type Xray struct{ base }

func (x *Xray) ConfigureRun(ctx context.Context, key, runID string, b model.TCMBinding) error {
	labels := x.syncLabels(b.Mode)
	labels = appendOption(labels, x.system, "test-execution-key", b.Options.ExecutionKey)

	return x.sendRunLabels(ctx, key, runID, labels)
}

func (x *Xray) BindCase(ctx context.Context, key, runID, testID, caseKey string) error {
	return x.bind(ctx, key, runID, testID, "test-key", caseKey)
}

type xrayResultHTTP struct {
	TestKey string `json:"testKey"`
	Status  string `json:"status"`
	Comment string `json:"comment,omitempty"`
	Finish  string `json:"finish,omitempty"`
}

func xrayStatus(s model.Status) string {
	switch s {
	case model.StatusPassed:
		return "PASSED"
	case model.StatusFailed:
		return "FAILED"
	case model.StatusAborted:
		return "ABORTED"
	}

	return "TODO"
}

func (x *Xray) PushResult(ctx context.Context, key, runID string, b model.TCMBinding, r model.TCMResult) error {
	return x.PushResults(ctx, key, runID, b, []model.TCMResult{r})
}

func (x *Xray) PushResults(ctx context.Context, key, runID string, b model.TCMBinding, rs []model.TCMResult) error {
	payload := resultsHTTP[xrayResultHTTP]{Options: b.Options}

	for _, r := range rs {
		res := xrayResultHTTP{TestKey: r.CaseKey, Status: xrayStatus(r.Status), Comment: r.Message}
		if !r.Ended.IsZero() {
			res.Finish = r.Ended.UTC().Format("2006-01-02T15:04:05Z07:00")
		}

		payload.Results = append(payload.Results, res)
	}

	return x.transport.PushTCMResults(ctx, key, runID, x.system, payload)
}

// Zephyr maps cases by test case key, e.g. "QA-T12".
type Zephyr struct{ base }

func (z *Zephyr) ConfigureRun(ctx context.Context, key, runID string, b model.TCMBinding) error {
	labels := z.syncLabels(b.Mode)
	labels = appendOption(labels, z.system, "test-cycle-key", b.Options.TestCycleKey)
	labels = appendOption(labels, z.system, "jira-project-key", b.Options.JiraProjectKey)

	return z.sendRunLabels(ctx, key, runID, labels)
}

func (z *Zephyr) BindCase(ctx context.Context, key, runID, testID, caseKey string) error {
	return z.bind(ctx, key, runID, testID, "test-case-key", caseKey)
}

type zephyrResultHTTP struct {
	TestCaseKey string `json:"testCaseKey"`
	StatusName  string `json:"statusName"`
	Comment     string `json:"comment,omitempty"`
}

func zephyrStatus(s model.Status) string {
	switch s {
	case model.StatusPassed:
		return "Pass"
	case model.StatusFailed, model.StatusAborted:
		return "Fail"
	}

	return "Not Executed"
}

func (z *Zephyr) PushResult(ctx context.Context, key, runID string, b model.TCMBinding, r model.TCMResult) error {
	return z.PushResults(ctx, key, runID, b, []model.TCMResult{r})
}

func (z *Zephyr) PushResults(ctx context.Context, key, runID string, b model.TCMBinding, rs []model.TCMResult) error {
	payload := resultsHTTP[zephyrResultHTTP]{Options: b.Options}

	for _, r := range rs {
		payload.Results = append(payload.Results, zephyrResultHTTP{
			TestCaseKey: r.CaseKey,
			StatusName:  zephyrStatus(r.Status),
			Comment:     r.Message,
		})
	}

	return z.transport.PushTCMResults(ctx, key, runID, z.system, payload)
}
