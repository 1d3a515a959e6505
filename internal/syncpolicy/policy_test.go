package syncpolicy_test

import (
	"testing"

	"github.com/raphi011/relay/internal/model"
	"github.com/raphi011/relay/internal/syncpolicy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	p := syncpolicy.Policy{
		SendLogs: false,
		TCM: map[model.TCMSystem]model.SyncMode{
			model.TestRail: model.SyncRealTime,
			model.Xray:     model.SyncOnFinish,
			model.Zephyr:   model.SyncDisabled,
		},
	}

	tests := []struct {
		name     string
		item     syncpolicy.Item
		expected syncpolicy.Decision
	}{
		{"test registration", syncpolicy.Item{Kind: syncpolicy.KindTestStart}, syncpolicy.Eager},
		{"label", syncpolicy.Item{Kind: syncpolicy.KindLabel}, syncpolicy.Eager},
		{"artifact ref", syncpolicy.Item{Kind: syncpolicy.KindArtifactRef}, syncpolicy.Eager},
		{"file artifact", syncpolicy.Item{Kind: syncpolicy.KindArtifact, Artifact: model.ArtifactFile}, syncpolicy.Deferred},
		{"screenshot", syncpolicy.Item{Kind: syncpolicy.KindArtifact, Artifact: model.ArtifactScreenshot}, syncpolicy.Eager},
		{"log artifact without send logs", syncpolicy.Item{Kind: syncpolicy.KindArtifact, Artifact: model.ArtifactLog}, syncpolicy.Skip},
		{"logs without send logs", syncpolicy.Item{Kind: syncpolicy.KindLogs}, syncpolicy.Skip},
		{"real time tcm", syncpolicy.Item{Kind: syncpolicy.KindTCMResult, System: model.TestRail}, syncpolicy.Eager},
		{"on finish tcm", syncpolicy.Item{Kind: syncpolicy.KindTCMResult, System: model.Xray}, syncpolicy.Deferred},
		{"disabled tcm", syncpolicy.Item{Kind: syncpolicy.KindTCMResult, System: model.Zephyr}, syncpolicy.Skip},
		{"revoked test", syncpolicy.Item{Kind: syncpolicy.KindLabel, Revoked: true}, syncpolicy.Skip},
		{"revert of revoked test", syncpolicy.Item{Kind: syncpolicy.KindTestRevert, Revoked: true}, syncpolicy.Eager},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, p.Decide(tc.item))
		})
	}
}

func TestSendLogsIsEvaluatedPerArtifact(t *testing.T) {
	p := syncpolicy.Policy{SendLogs: true}

	assert.Equal(t, syncpolicy.Eager, p.Decide(syncpolicy.Item{Kind: syncpolicy.KindLogs}))
	assert.Equal(t, syncpolicy.Deferred, p.Decide(syncpolicy.Item{Kind: syncpolicy.KindArtifact, Artifact: model.ArtifactLog}))
}

func TestDependsOn(t *testing.T) {
	run := model.EntityRef{Kind: model.EntityRun, ID: "r"}
	test := model.EntityRef{Kind: model.EntityTest, ID: "t"}

	assert.Empty(t, syncpolicy.DependsOn(run, run, syncpolicy.KindRunStart))
	assert.Equal(t, []string{"run:r/run-start/0"}, syncpolicy.DependsOn(run, test, syncpolicy.KindTestStart))
	assert.Equal(t,
		[]string{"run:r/run-start/0", "test:t/test-start/0"},
		syncpolicy.DependsOn(run, test, syncpolicy.KindArtifactRef))
}

func TestBatch(t *testing.T) {
	b := syncpolicy.NewBatch()

	require.True(t, b.Add(
		model.TCMResult{System: model.Xray, CaseKey: "QA-1", TestID: "t1", Status: model.StatusPassed},
		model.TCMResult{System: model.TestRail, CaseKey: "C1", TestID: "t1", Status: model.StatusPassed},
		model.TCMResult{System: model.TestRail, CaseKey: "C2", TestID: "t2", Status: model.StatusFailed},
	))

	b.Drop("t2")

	batches := b.Flush()
	require.Len(t, batches, 2)
	assert.Equal(t, model.TestRail, batches[0].System)
	assert.Len(t, batches[0].Results, 1)
	assert.Equal(t, model.Xray, batches[1].System)

	assert.False(t, b.Add(model.TCMResult{System: model.Xray}))
}
