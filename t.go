package relay

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/raphi011/relay/internal/model"
	"github.com/raphi011/relay/internal/runtree"
)

// make sure we adhere to the TB interface
var _ model.TB = &T{}

type T struct {
	agent *Agent
	test  *runtree.Test
	ctx   context.Context

	mu          sync.Mutex
	result      model.Status
	output      strings.Builder
	cleanupFunc []func()
}

func (t *T) Cleanup(c func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cleanupFunc = append(t.cleanupFunc, c)
}

func (t *T) Error(args ...any) {
	t.Log(args...)
	t.Fail()
}

func (t *T) Errorf(format string, args ...any) {
	t.Logf(format, args...)
	t.Fail()
}

func (t *T) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.result = model.StatusFailed
}

func (t *T) FailNow() {
	t.Fail()
	panic(failTestErr{})
}

func (t *T) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.result == model.StatusFailed
}

func (t *T) Fatal(args ...any) {
	t.Error(args...)
	panic(failTestErr{})
}

func (t *T) Fatalf(format string, args ...any) {
	t.Errorf(format, args...)
	panic(failTestErr{})
}

func (t *T) Helper() {}

func (t *T) Log(args ...any) {
	t.log(fmt.Sprint(args...))
}

func (t *T) Logf(format string, args ...any) {
	t.log(fmt.Sprintf(format, args...))
}

func (t *T) log(line string) {
	t.mu.Lock()
	t.output.WriteString(line + "\n")
	t.mu.Unlock()

	if t.agent.cfg.SendLogs {
		t.agent.logs.add(logEntry{test: t.test, level: "INFO", at: time.Now(), message: line})
	}
}

func (t *T) Name() string {
	return t.test.Name()
}

func (t *T) Setenv(key, value string) {
	prev, ok := os.LookupEnv(key)

	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("setting environment variable %s: %v", key, err)
	}

	t.Cleanup(func() {
		if ok {
			os.Setenv(key, prev)
		} else {
			os.Unsetenv(key)
		}
	})
}

func (t *T) Skip(args ...any) {
	t.Log(args...)
	t.SkipNow()
}

func (t *T) SkipNow() {
	t.mu.Lock()
	t.result = model.StatusSkipped
	t.mu.Unlock()

	panic(skipTestErr{})
}

func (t *T) Skipf(format string, args ...any) {
	t.Logf(format, args...)
	t.SkipNow()
}

func (t *T) Skipped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.result == model.StatusSkipped
}

func (t *T) TempDir() string {
	dir, err := os.MkdirTemp("", "relay-")
	if err != nil {
		t.Fatalf("creating temp dir: %v", err)
	}

	t.Cleanup(func() { os.RemoveAll(dir) })

	return dir
}

/* relay specific functions that are not part of the testing.TB interface */
/* ---------------------------------------------------------------------- */

func (t *T) Context() context.Context {
	return t.ctx
}

func (t *T) AttachArtifact(name string, payload []byte) error {
	return t.agent.attachArtifact(t.ctx, t.test, name, payload)
}

func (t *T) AttachArtifactRef(name, uri string) error {
	return t.agent.attachArtifactRef(t.ctx, t.test, name, uri)
}

func (t *T) AttachLabel(key, value string) error {
	return t.agent.attachLabel(t.ctx, t.test, key, value)
}

func (t *T) BindCase(system model.TCMSystem, caseKey string) error {
	return t.agent.bindCase(t.ctx, t.test, system, caseKey)
}

// BindSession binds a remote driver session to the test.
func (t *T) BindSession(sessionID string, capabilities map[string]any, provider string) (model.SessionBinding, error) {
	return t.agent.BindSession(t.ctx, sessionID, capabilities, provider)
}

// Revert excludes the test from the reported results once it finished.
func (t *T) Revert() {
	t.Cleanup(func() {
		if err := t.agent.RevertTest(t.ctx, t.test); err != nil {
			t.agent.log.Warn("reverting test failed", "test-name", t.test.Name(), "error", err)
		}
	})
}

func (t *T) Result() model.Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.result == "" {
		return model.StatusPassed
	}

	return t.result
}

func (t *T) Output() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.output.String()
}

// runTestCleanup runs the cleanup functions in reverse order of registration.
func (t *T) runTestCleanup() {
	t.mu.Lock()
	funcs := t.cleanupFunc
	t.cleanupFunc = nil
	t.mu.Unlock()

	for i := len(funcs) - 1; i >= 0; i-- {
		t.safeCleanup(funcs[i])
	}
}

func (t *T) safeCleanup(f func()) {
	defer func() {
		if err := recover(); err != nil {
			t.agent.log.Warn("cleanup func panic'd", "error", err, "suite-name", t.test.Suite().Name(), "test-name", t.test.Name())
		}
	}()

	f()
}

// skipTestErr is passed to panic() to signal
// that a test was skipped.
type skipTestErr struct{}

// failTestErr is passed to panic() to signal
// that a test has failed.
type failTestErr struct{}
