package runtree_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/raphi011/relay/internal/model"
	"github.com/raphi011/relay/internal/runtree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name            string
		statuses        []model.Status
		skipsAsFailures bool
		expected        model.Status
	}{
		{"empty", nil, false, model.StatusSkipped},
		{"all passed", []model.Status{model.StatusPassed, model.StatusPassed}, false, model.StatusPassed},
		{"one failed", []model.Status{model.StatusPassed, model.StatusFailed, model.StatusSkipped}, false, model.StatusFailed},
		{"passed and skipped", []model.Status{model.StatusPassed, model.StatusSkipped}, false, model.StatusPassed},
		{"passed and skipped as failures", []model.Status{model.StatusPassed, model.StatusSkipped}, true, model.StatusFailed},
		{"all skipped", []model.Status{model.StatusSkipped, model.StatusSkipped}, false, model.StatusSkipped},
		{"reverted ignored", []model.Status{model.StatusReverted, model.StatusPassed}, false, model.StatusPassed},
		{"aborted fails", []model.Status{model.StatusAborted}, false, model.StatusFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, runtree.Aggregate(tc.statuses, tc.skipsAsFailures))
		})
	}
}

func TestRunWithPassedAndSkippedTestPasses(t *testing.T) {
	run := runtree.StartRun(runtree.Config{Name: "run"})

	suite, err := run.StartSuite("S")
	require.NoError(t, err)

	t1, err := suite.StartTest("T1", nil, "")
	require.NoError(t, err)
	t2, err := suite.StartTest("T2", runtree.ParseTags([]string{runtree.SkipTag}), "")
	require.NoError(t, err)

	require.NoError(t, t1.Finish(model.StatusPassed, ""))
	require.NoError(t, t2.Finish(model.StatusSkipped, ""))
	require.NoError(t, suite.Finish())

	status, err := run.Finish()
	require.NoError(t, err)

	assert.Equal(t, model.StatusPassed, suite.Status())
	assert.Equal(t, model.StatusPassed, status)

	info := run.Info()
	require.Len(t, info.Tests(), 2)
	assert.Equal(t, model.StatusPassed, info.Tests()[0].Status)
	assert.Equal(t, model.StatusSkipped, info.Tests()[1].Status)
}

func TestTreatSkipsAsFailuresFailsRunButKeepsTestStatus(t *testing.T) {
	run := runtree.StartRun(runtree.Config{TreatSkipsAsFailures: true})

	suite, _ := run.StartSuite("S")
	t1, _ := suite.StartTest("T1", nil, "")
	t2, _ := suite.StartTest("T2", nil, "")

	require.NoError(t, t1.Finish(model.StatusPassed, ""))
	require.NoError(t, t2.Finish(model.StatusSkipped, ""))

	status, err := run.Finish()
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, status)
	assert.Equal(t, model.StatusFailed, suite.Status())
	assert.Equal(t, model.StatusSkipped, t2.Status())
}

func TestFinishTestTwiceKeepsFirstStatus(t *testing.T) {
	run := runtree.StartRun(runtree.Config{})
	suite, _ := run.StartSuite("S")
	test, _ := suite.StartTest("T", nil, "")

	require.NoError(t, test.Finish(model.StatusPassed, ""))

	err := test.Finish(model.StatusFailed, "late failure")
	assert.ErrorIs(t, err, model.ErrAlreadyFinalized)

	var transitionErr model.TransitionError
	require.True(t, errors.As(err, &transitionErr))
	assert.Equal(t, model.StatusPassed, transitionErr.From)

	assert.Equal(t, model.StatusPassed, test.Status())
}

func TestStartOnTerminalParentIsInvalid(t *testing.T) {
	run := runtree.StartRun(runtree.Config{})
	suite, _ := run.StartSuite("S")

	require.NoError(t, suite.Finish())

	_, err := suite.StartTest("T", nil, "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = run.Finish()
	require.NoError(t, err)

	_, err = run.StartSuite("S2")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = run.Finish()
	assert.ErrorIs(t, err, model.ErrAlreadyFinalized)
}

func TestFinishSuiteFailsRunningTests(t *testing.T) {
	run := runtree.StartRun(runtree.Config{})
	suite, _ := run.StartSuite("S")
	test, _ := suite.StartTest("T", nil, "")

	require.NoError(t, suite.Finish())

	assert.Equal(t, model.StatusFailed, test.Status())
	assert.Equal(t, model.StatusFailed, suite.Status())
}

func TestRevokedTestIsIgnoredByAggregation(t *testing.T) {
	run := runtree.StartRun(runtree.Config{})
	suite, _ := run.StartSuite("S")
	t1, _ := suite.StartTest("T1", nil, "")
	t2, _ := suite.StartTest("T2", nil, "")

	require.NoError(t, t1.Finish(model.StatusPassed, ""))
	require.NoError(t, t2.Finish(model.StatusFailed, ""))
	require.NoError(t, t2.Revoke())

	status, err := run.Finish()
	require.NoError(t, err)
	assert.Equal(t, model.StatusPassed, status)
	assert.Equal(t, model.StatusReverted, t2.Info().Status)
}

func TestRevokeAfterFlushIsRejected(t *testing.T) {
	run := runtree.StartRun(runtree.Config{})
	suite, _ := run.StartSuite("S")
	test, _ := suite.StartTest("T", nil, "")

	require.NoError(t, test.Finish(model.StatusPassed, ""))
	test.MarkFlushed()

	assert.ErrorIs(t, test.Revoke(), model.ErrAlreadyFlushed)
	assert.False(t, test.Revoked())
}

func TestFinishedTestRejectsArtifacts(t *testing.T) {
	run := runtree.StartRun(runtree.Config{})
	suite, _ := run.StartSuite("S")
	test, _ := suite.StartTest("T", nil, "")

	_, err := test.AddLabel(model.Label{Key: "k", Value: "v1"})
	require.NoError(t, err)
	_, err = test.AddLabel(model.Label{Key: "k", Value: "v2"})
	require.NoError(t, err)

	require.NoError(t, test.Finish(model.StatusPassed, ""))

	_, err = test.AddRef(model.ArtifactRef{Name: "google", URI: "https://google.com"})
	assert.ErrorIs(t, err, model.ErrAlreadyFinalized)

	assert.Len(t, test.Info().Labels, 2)
}

func TestPlatformPrecedence(t *testing.T) {
	run := runtree.StartRun(runtree.Config{})

	assert.True(t, run.SetPlatformFromSession(model.Platform{Name: "linux"}))
	assert.False(t, run.SetPlatformFromSession(model.Platform{Name: "windows"}))
	assert.Equal(t, "linux", run.Platform().Name)

	run.OverridePlatform(model.Platform{Name: "mac", Version: "14"})
	assert.False(t, run.SetPlatformFromSession(model.Platform{Name: "android"}))
	assert.Equal(t, model.Platform{Name: "mac", Version: "14"}, run.Platform())
}

func TestConfigureTCMAfterTestStartIsRejected(t *testing.T) {
	run := runtree.StartRun(runtree.Config{})

	err := run.ConfigureTCM(model.TestRail, func(b *model.TCMBinding) {
		b.Options.SuiteID = "S1"
	})
	require.NoError(t, err)

	suite, _ := run.StartSuite("S")
	_, _ = suite.StartTest("T", nil, "")

	err = run.ConfigureTCM(model.TestRail, func(b *model.TCMBinding) {
		b.Options.RunName = "late"
	})
	assert.ErrorIs(t, err, model.ErrTestsAlreadyStarted)

	b, ok := run.TCM(model.TestRail)
	require.True(t, ok)
	assert.Equal(t, "S1", b.Options.SuiteID)
	assert.Equal(t, "", b.Options.RunName)
}

func TestConcurrentFinishIsConsistent(t *testing.T) {
	run := runtree.StartRun(runtree.Config{})

	var wg sync.WaitGroup

	for s := 0; s < 4; s++ {
		suite, err := run.StartSuite(fmt.Sprintf("S%d", s))
		require.NoError(t, err)

		for i := 0; i < 25; i++ {
			test, err := suite.StartTest(fmt.Sprintf("T%d", i), nil, "")
			require.NoError(t, err)

			wg.Add(1)
			go func(i int) {
				defer wg.Done()

				status := model.StatusPassed
				if i == 7 {
					status = model.StatusFailed
				}
				_ = test.Finish(status, "")
			}(i)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = suite.Finish()
		}()
	}

	wg.Wait()

	status, err := run.Finish()
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, status)
}

func TestParseTags(t *testing.T) {
	tags := runtree.ParseTags([]string{"robot:skip", "maintainer: jane", "smoke"})

	assert.True(t, runtree.HasTag(tags, runtree.SkipTag))
	assert.True(t, runtree.HasTag(tags, "smoke"))
	assert.False(t, runtree.HasTag(tags, "robot:exclude"))
	assert.Equal(t, "jane", tags[runtree.MaintainerTag])
}

func TestReservedTagsDoNotOverwriteEachOther(t *testing.T) {
	raw := []string{"robot:skip", "robot:continue-on-failure", "area:login", "area:checkout"}
	tags := runtree.ParseTags(raw)

	assert.True(t, runtree.HasTag(tags, runtree.SkipTag))
	assert.True(t, runtree.HasTag(tags, "robot:continue-on-failure"))
	assert.True(t, runtree.Tagged(raw, runtree.SkipTag))
	assert.False(t, runtree.Tagged(raw, "robot:exclude"))
	assert.Equal(t, "checkout", tags["area"])
}

func TestNoTestStartsWhileSuiteFinishes(t *testing.T) {
	run := runtree.StartRun(runtree.Config{})

	suite, err := run.StartSuite("S")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, err := suite.StartTest(fmt.Sprintf("running-%d", i), nil, "")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			_, err := suite.StartTest(fmt.Sprintf("late-%d", i), nil, "")
			if err != nil {
				assert.ErrorIs(t, err, model.ErrInvalidTransition)
			}
		}(i)
	}

	require.NoError(t, suite.Finish())
	wg.Wait()

	for _, test := range suite.Tests() {
		assert.True(t, test.Status().Terminal(), "test %s is %s after its suite finished", test.Name(), test.Status())
	}

	_, err = suite.StartTest("after", nil, "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}
