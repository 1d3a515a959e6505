package tcm_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/raphi011/relay/internal/model"
	"github.com/raphi011/relay/internal/tcm"
	"github.com/raphi011/relay/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type labelCall struct {
	testID string
	labels []model.Label
}

type transport struct {
	labels   []labelCall
	payloads map[model.TCMSystem]string
}

func (t *transport) SendLabels(_ context.Context, _, _, testID string, labels []model.Label) error {
	t.labels = append(t.labels, labelCall{testID: testID, labels: labels})
	return nil
}

func (t *transport) PushTCMResults(_ context.Context, _, _ string, system model.TCMSystem, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if t.payloads == nil {
		t.payloads = map[model.TCMSystem]string{}
	}
	t.payloads[system] = string(b)

	return nil
}

func TestConfigureTestRailRealTime(t *testing.T) {
	tr := &transport{}

	a, err := tcm.New(model.TestRail, tr)
	require.NoError(t, err)

	err = a.ConfigureRun(context.Background(), "", "1", model.TCMBinding{
		System:  model.TestRail,
		Mode:    model.SyncRealTime,
		Options: model.TCMRunOptions{SuiteID: "7", Milestone: "M1"},
	})
	require.NoError(t, err)

	require.Len(t, tr.labels, 1)
	assert.Equal(t, "", tr.labels[0].testID)
	assert.Equal(t, []model.Label{
		{Key: "com.zebrunner.app/tcm.testrail.sync.real-time", Value: "true"},
		{Key: "com.zebrunner.app/tcm.testrail.include-all-cases", Value: "true"},
		{Key: "com.zebrunner.app/tcm.testrail.suite-id", Value: "7"},
		{Key: "com.zebrunner.app/tcm.testrail.milestone", Value: "M1"},
	}, tr.labels[0].labels)
}

func TestConfigureWithoutOptionsSendsNothing(t *testing.T) {
	tr := &transport{}

	a, err := tcm.New(model.Xray, tr)
	require.NoError(t, err)

	require.NoError(t, a.ConfigureRun(context.Background(), "", "1", model.TCMBinding{Mode: model.SyncOnFinish}))
	assert.Empty(t, tr.labels)
}

func TestBindCase(t *testing.T) {
	tests := []struct {
		system model.TCMSystem
		label  string
	}{
		{model.TestRail, "com.zebrunner.app/tcm.testrail.case-id"},
		{model.Xray, "com.zebrunner.app/tcm.xray.test-key"},
		{model.Zephyr, "com.zebrunner.app/tcm.zephyr.test-case-key"},
	}

	for _, tc := range tests {
		t.Run(string(tc.system), func(t *testing.T) {
			tr := &transport{}

			a, err := tcm.New(tc.system, tr)
			require.NoError(t, err)

			require.NoError(t, a.BindCase(context.Background(), "", "1", "42", "QA-1"))
			require.Len(t, tr.labels, 1)
			assert.Equal(t, "42", tr.labels[0].testID)
			assert.Equal(t, tc.label, tr.labels[0].labels[0].Key)
		})
	}
}

func TestPushResults(t *testing.T) {
	tr := &transport{}

	rail, _ := tcm.New(model.TestRail, tr)
	xray, _ := tcm.New(model.Xray, tr)
	zephyr, _ := tcm.New(model.Zephyr, tr)

	ctx := context.Background()

	require.NoError(t, rail.PushResults(ctx, "", "1", model.TCMBinding{}, []model.TCMResult{
		{CaseKey: "C12", Status: model.StatusPassed},
		{CaseKey: "13", Status: model.StatusFailed, Message: "boom"},
	}))
	require.NoError(t, xray.PushResult(ctx, "", "1", model.TCMBinding{Options: model.TCMRunOptions{ExecutionKey: "QA-100"}},
		model.TCMResult{CaseKey: "QA-1", Status: model.StatusSkipped}))
	require.NoError(t, zephyr.PushResult(ctx, "", "1", model.TCMBinding{},
		model.TCMResult{CaseKey: "QA-T1", Status: model.StatusFailed}))

	assert.JSONEq(t,
		`{"options":{},"results":[{"caseId":12,"statusId":1},{"caseId":13,"statusId":5,"comment":"boom"}]}`,
		tr.payloads[model.TestRail])
	assert.JSONEq(t,
		`{"options":{"executionKey":"QA-100"},"results":[{"testKey":"QA-1","status":"TODO"}]}`,
		tr.payloads[model.Xray])
	assert.JSONEq(t,
		`{"options":{},"results":[{"testCaseKey":"QA-T1","statusName":"Fail"}]}`,
		tr.payloads[model.Zephyr])
}

func TestInvalidTestRailCaseIsDefinitive(t *testing.T) {
	rail, _ := tcm.New(model.TestRail, &transport{})

	err := rail.PushResult(context.Background(), "", "1", model.TCMBinding{}, model.TCMResult{CaseKey: "QA-1"})
	require.Error(t, err)
	assert.False(t, upload.IsTransient(err))
}

func TestUnknownSystem(t *testing.T) {
	_, err := tcm.New("qtest", &transport{})
	assert.Error(t, err)
}
