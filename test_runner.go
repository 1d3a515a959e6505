package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/raphi011/relay/internal/model"
	"github.com/raphi011/relay/internal/runtree"
	"golang.org/x/sync/errgroup"
)

// RunSuite runs setup, all tests and teardown of suite. A run is started if
// there is none yet. It returns the aggregated status of the suite.
func (a *Agent) RunSuite(ctx context.Context, suite TestSuite) (model.Status, error) {
	if a.Run() == nil {
		if err := a.Start(ctx, suite.Name); err != nil {
			return "", err
		}
	}

	s, err := a.StartSuite(ctx, suite.Name)
	if err != nil {
		return "", err
	}

	log := a.log.With("suite-name", suite.Name)

	if err := suite.SafeSetup(); err != nil {
		log.Warn("setup of suite failed", "error", err)

		for _, tc := range suite.Tests {
			t, err := a.StartTest(ctx, s, tc.Name, runtree.ParseTags(tc.Tags), tc.Doc)
			if err != nil {
				continue
			}
			_ = a.FinishTest(ctx, t, model.StatusSkipped, "suite setup failed")
		}
	} else {
		a.runTests(ctx, s, suite)

		if err := suite.SafeTeardown(); err != nil {
			log.Warn("teardown of suite failed", "error", err)
		}
	}

	if err := a.FinishSuite(ctx, s); err != nil {
		return s.Status(), err
	}

	return s.Status(), nil
}

func (a *Agent) runTests(ctx context.Context, s *runtree.Suite, suite TestSuite) {
	if suite.Parallel <= 1 {
		for _, tc := range suite.Tests {
			a.RunTest(ctx, s, tc)
		}
		return
	}

	cases := make(chan TestCase)

	var g errgroup.Group

	for i := 0; i < suite.Parallel; i++ {
		executorCtx := WithExecutor(ctx, fmt.Sprintf("%s/%d", suite.Name, i))

		g.Go(func() error {
			for tc := range cases {
				a.RunTest(executorCtx, s, tc)
			}
			return nil
		})
	}

	for _, tc := range suite.Tests {
		cases <- tc
	}
	close(cases)

	_ = g.Wait()
}

// RunTest runs a single test of s. Tests tagged `robot:skip` are skipped
// without running their body, panics fail the test.
func (a *Agent) RunTest(ctx context.Context, s *runtree.Suite, tc TestCase) model.Status {
	tags := runtree.ParseTags(tc.Tags)

	test, err := a.StartTest(ctx, s, tc.Name, tags, tc.Doc)
	if err != nil {
		return ""
	}

	if runtree.Tagged(tc.Tags, runtree.SkipTag) {
		_ = a.FinishTest(ctx, test, model.StatusSkipped, "skipped by tag "+runtree.SkipTag)
		return model.StatusSkipped
	}

	if tc.Func == nil {
		_ = a.FinishTest(ctx, test, model.StatusSkipped, "test has no body")
		return model.StatusSkipped
	}

	t := &T{agent: a, test: test, ctx: ctx}

	status, message := a.runTestFunc(t, tc.Func)

	t.runTestCleanup()

	_ = a.FinishTest(ctx, test, status, message)

	return status
}

func (a *Agent) runTestFunc(t *T, f TestFunc) (status model.Status, message string) {
	defer func() {
		err := recover()

		status = t.Result()
		if status != model.StatusPassed {
			message = strings.TrimSpace(t.Output())
		}

		if err == nil {
			return
		}

		switch err.(type) {
		case skipTestErr, failTestErr:
		default:
			// this is an unexpected panic (does not originate from relay)
			status = model.StatusFailed
			message = strings.TrimSpace(message + "\n" + fmt.Sprintf("%v", err))
		}
	}()

	f(t)

	return
}
