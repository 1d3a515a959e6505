package runtree

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/raphi011/relay/internal/model"
	"golang.org/x/exp/slices"
)

// Test is a single test of a suite. Once finished it only accepts being
// revoked, and only until it has been flushed to the backend.
type Test struct {
	suite *Suite
	id    string
	name  string
	doc   string
	seq   atomic.Uint64

	mu         sync.Mutex
	tags       map[string]string
	maintainer string
	status     model.Status
	message    string
	start      time.Time
	end        time.Time
	labels     []model.Label
	artifacts  []model.Artifact
	refs       []model.ArtifactRef
	sessions   []string
	caseKeys   map[model.TCMSystem][]string
	revoked    bool
	flushed    bool
}

func (t *Test) ID() string {
	return t.id
}

func (t *Test) Name() string {
	return t.name
}

func (t *Test) Suite() *Suite {
	return t.suite
}

func (t *Test) Run() *Run {
	return t.suite.run
}

func (t *Test) Ref() model.EntityRef {
	return model.EntityRef{Kind: model.EntityTest, ID: t.id}
}

// NextSeq returns the next sequence number of uploads owned by the test.
func (t *Test) NextSeq() uint64 {
	return t.seq.Add(1)
}

func (t *Test) Status() model.Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.status
}

func (t *Test) Tags() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	tags := make(map[string]string, len(t.tags))
	for k, v := range t.tags {
		tags[k] = v
	}

	return tags
}

// Finish moves a running test to a terminal status. A second call is rejected
// with ErrAlreadyFinalized and keeps the status of the first one.
func (t *Test) Finish(status model.Status, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != model.StatusRunning {
		return model.TransitionError{Entity: t.Ref(), From: t.status, To: status, Err: model.ErrAlreadyFinalized}
	}

	switch status {
	case model.StatusPassed, model.StatusFailed, model.StatusSkipped:
	default:
		return model.TransitionError{Entity: t.Ref(), From: t.status, To: status, Err: model.ErrInvalidTransition}
	}

	t.status = status
	t.message = message
	t.end = time.Now()

	if t.revoked {
		return nil
	}

	t.suite.testChanged(t.id, status)

	return nil
}

// Revoke excludes the test from all uploads and from status aggregation.
// It is rejected once the test was flushed.
func (t *Test) Revoke() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.flushed {
		return model.ErrAlreadyFlushed
	}

	if t.revoked {
		return nil
	}

	t.revoked = true

	t.suite.testChanged(t.id, model.StatusReverted)

	return nil
}

func (t *Test) Revoked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.revoked
}

// MarkFlushed records that the result of the test reached the backend.
func (t *Test) MarkFlushed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.flushed = true
}

func (t *Test) Flushed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.flushed
}

func (t *Test) checkMutable() error {
	if t.status != model.StatusRunning {
		return model.TransitionError{Entity: t.Ref(), From: t.status, Err: model.ErrAlreadyFinalized}
	}

	return nil
}

func (t *Test) AddLabel(l model.Label) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkMutable(); err != nil {
		return 0, err
	}

	t.labels = append(t.labels, l)

	return t.NextSeq(), nil
}

func (t *Test) AddArtifact(a model.Artifact) (model.Artifact, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkMutable(); err != nil {
		return a, err
	}

	a.Owner = t.Ref()
	a.Seq = t.NextSeq()
	a.State = model.UploadPending
	t.artifacts = append(t.artifacts, a)

	return a, nil
}

func (t *Test) AddRef(ref model.ArtifactRef) (model.ArtifactRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkMutable(); err != nil {
		return ref, err
	}

	ref.Owner = t.Ref()
	ref.Seq = t.NextSeq()
	ref.State = model.UploadPending
	t.refs = append(t.refs, ref)

	return ref, nil
}

// SetUploadState records the upload state of an artifact or artifact
// reference identified by its sequence number.
func (t *Test) SetUploadState(seq uint64, state model.UploadState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	setUploadState(t.artifacts, t.refs, seq, state)
}

// AddSession links a driver session to the test.
func (t *Test) AddSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !slices.Contains(t.sessions, sessionID) {
		t.sessions = append(t.sessions, sessionID)
	}
}

// BindCase maps the test to an external case of a TCM system. A test may be
// bound to several cases of the same system.
func (t *Test) BindCase(system model.TCMSystem, caseKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkMutable(); err != nil {
		return err
	}

	if !slices.Contains(t.caseKeys[system], caseKey) {
		t.caseKeys[system] = append(t.caseKeys[system], caseKey)
	}

	return nil
}

func (t *Test) CaseKeys(system model.TCMSystem) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]string{}, t.caseKeys[system]...)
}

func (t *Test) Maintainer() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.maintainer
}

func (t *Test) SetMaintainer(m string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.maintainer = m
}

func (t *Test) Info() model.TestInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := t.status
	if t.revoked {
		status = model.StatusReverted
	}

	caseKeys := make(map[model.TCMSystem][]string, len(t.caseKeys))
	for k, v := range t.caseKeys {
		caseKeys[k] = append([]string{}, v...)
	}

	tags := make(map[string]string, len(t.tags))
	for k, v := range t.tags {
		tags[k] = v
	}

	return model.TestInfo{
		ID:         t.id,
		SuiteID:    t.suite.id,
		SuiteName:  t.suite.name,
		Name:       t.name,
		Tags:       tags,
		Doc:        t.doc,
		Status:     status,
		Message:    t.message,
		Maintainer: t.maintainer,
		Labels:     append([]model.Label{}, t.labels...),
		Artifacts:  append([]model.Artifact{}, t.artifacts...),
		Refs:       append([]model.ArtifactRef{}, t.refs...),
		Sessions:   append([]string{}, t.sessions...),
		CaseKeys:   caseKeys,
		Revoked:    t.revoked,
		Flushed:    t.flushed,
		Start:      t.start,
		End:        t.end,
	}
}
