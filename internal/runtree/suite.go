package runtree

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/raphi011/relay/internal/model"
)

type Suite struct {
	run  *Run
	id   string
	name string
	// done is set once the suite is finished, it can be read without
	// holding the lock.
	done atomic.Bool

	mu     sync.Mutex
	status model.Status
	// closing is set while Finish fails the running tests, no tests can be
	// started anymore.
	closing bool
	start   time.Time
	end     time.Time
	tests   []*Test
	// testStatus caches the status of every finished, not revoked test.
	testStatus map[string]model.Status
}

func (s *Suite) ID() string {
	return s.id
}

func (s *Suite) Name() string {
	return s.name
}

func (s *Suite) Run() *Run {
	return s.run
}

func (s *Suite) Ref() model.EntityRef {
	return model.EntityRef{Kind: model.EntitySuite, ID: s.id}
}

func (s *Suite) Status() model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// StartTest adds a running test to the suite.
func (s *Suite) StartTest(name string, tags map[string]string, doc string) (*Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() || s.closing {
		return nil, model.TransitionError{Entity: s.Ref(), From: s.status, To: model.StatusRunning, Err: model.ErrInvalidTransition}
	}

	if err := s.run.testStarting(); err != nil {
		return nil, err
	}

	if tags == nil {
		tags = map[string]string{}
	}

	t := &Test{
		suite:      s,
		id:         uuid.NewString(),
		name:       name,
		doc:        doc,
		tags:       tags,
		maintainer: tags[MaintainerTag],
		status:     model.StatusRunning,
		start:      time.Now(),
		caseKeys:   map[model.TCMSystem][]string{},
	}

	s.tests = append(s.tests, t)

	return t, nil
}

func (s *Suite) Tests() []*Test {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*Test{}, s.tests...)
}

// Finish fails all tests that are still running and sets the aggregated
// status of the suite.
func (s *Suite) Finish() error {
	return s.finish("suite finished before test completed")
}

func (s *Suite) finish(reason string) error {
	s.mu.Lock()
	if s.status.Terminal() || s.closing {
		defer s.mu.Unlock()
		return model.TransitionError{Entity: s.Ref(), From: s.status, Err: model.ErrAlreadyFinalized}
	}
	s.closing = true
	tests := append([]*Test{}, s.tests...)
	s.mu.Unlock()

	for _, t := range tests {
		if t.Status() != model.StatusRunning {
			continue
		}

		// a test finishing concurrently wins, its status is kept
		_ = t.Finish(model.StatusFailed, reason)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return model.TransitionError{Entity: s.Ref(), From: s.status, Err: model.ErrAlreadyFinalized}
	}

	s.status = Aggregate(values(s.testStatus), s.run.cfg.TreatSkipsAsFailures)
	s.end = time.Now()
	s.done.Store(true)

	s.run.suiteChanged(s.id, s.status, len(s.testStatus))

	return nil
}

// testChanged must be called with the lock of the test held.
func (s *Suite) testChanged(testID string, status model.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status == model.StatusReverted {
		delete(s.testStatus, testID)
	} else {
		s.testStatus[testID] = status
	}

	aggregated := Aggregate(values(s.testStatus), s.run.cfg.TreatSkipsAsFailures)

	if s.status.Terminal() {
		s.status = aggregated
	}

	s.run.suiteChanged(s.id, aggregated, len(s.testStatus))
}

func (s *Suite) Info() model.SuiteInfo {
	s.mu.Lock()
	info := model.SuiteInfo{
		ID:     s.id,
		Name:   s.name,
		Status: s.status,
		Start:  s.start,
		End:    s.end,
	}
	tests := append([]*Test{}, s.tests...)
	s.mu.Unlock()

	info.Tests = make([]model.TestInfo, 0, len(tests))
	for _, t := range tests {
		info.Tests = append(info.Tests, t.Info())
	}

	return info
}

const (
	// SkipTag makes a test skip without running its body.
	SkipTag = "robot:skip"
	// MaintainerTag holds the owner of a test, e.g. `maintainer:jane`.
	MaintainerTag = "maintainer"

	// reservedPrefix marks framework tags, they are kept whole.
	reservedPrefix = "robot:"
)

// ParseTags turns `key:value` (or bare `key`) tags into a map. Reserved
// `robot:` tags are keyed by the whole tag.
func ParseTags(raw []string) map[string]string {
	tags := make(map[string]string, len(raw))

	for _, r := range raw {
		r = strings.TrimSpace(r)
		if strings.HasPrefix(r, reservedPrefix) {
			tags[r] = ""
			continue
		}

		k, v := splitTag(r)
		if k == "" {
			continue
		}
		tags[k] = v
	}

	return tags
}

// HasTag reports whether tags contain tag in its `key:value` form.
func HasTag(tags map[string]string, tag string) bool {
	tag = strings.TrimSpace(tag)
	if strings.HasPrefix(tag, reservedPrefix) {
		_, ok := tags[tag]
		return ok
	}

	k, v := splitTag(tag)

	got, ok := tags[k]

	return ok && got == v
}

// Tagged reports whether the raw tags contain tag.
func Tagged(raw []string, tag string) bool {
	for _, r := range raw {
		if strings.TrimSpace(r) == tag {
			return true
		}
	}

	return false
}

func splitTag(tag string) (string, string) {
	k, v, _ := strings.Cut(strings.TrimSpace(tag), ":")

	return strings.TrimSpace(k), strings.TrimSpace(v)
}
