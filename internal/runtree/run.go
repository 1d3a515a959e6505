// Package runtree holds the in-memory model of a test run: a Run owns Suites,
// Suites own Tests. Every node is guarded by its own lock. Status changes of a
// child are propagated to the cached child statuses of its ancestors, acquiring
// locks bottom-up (test, suite, run) and releasing them top-down.
package runtree

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/raphi011/relay/internal/model"
)

type Config struct {
	// Name is the display name of the run.
	Name        string
	Build       string
	Environment string
	Locale      string
	// TreatSkipsAsFailures fails suites and the run if any test was skipped.
	TreatSkipsAsFailures bool
	// TCM are the test case management systems the run is synchronized with.
	TCM []model.TCMBinding
}

type Run struct {
	id  string
	cfg Config
	seq atomic.Uint64

	mu               sync.Mutex
	name             string
	build            string
	locale           string
	platform         model.Platform
	platformExplicit bool
	status           model.Status
	start            time.Time
	end              time.Time
	suites           []*Suite
	// suiteStatus caches the aggregated status of every suite with at least
	// one counted test.
	suiteStatus  map[string]model.Status
	labels       []model.Label
	artifacts    []model.Artifact
	refs         []model.ArtifactRef
	tcm          map[model.TCMSystem]model.TCMBinding
	testsStarted int
}

// StartRun creates the root of a run tree and moves it to Running.
func StartRun(cfg Config) *Run {
	r := &Run{
		id:          uuid.NewString(),
		cfg:         cfg,
		name:        cfg.Name,
		build:       cfg.Build,
		locale:      cfg.Locale,
		status:      model.StatusQueued,
		suiteStatus: map[string]model.Status{},
		tcm:         map[model.TCMSystem]model.TCMBinding{},
	}

	for _, b := range cfg.TCM {
		r.tcm[b.System] = b
	}

	r.status = model.StatusRunning
	r.start = time.Now()

	return r
}

func (r *Run) ID() string {
	return r.id
}

func (r *Run) Ref() model.EntityRef {
	return model.EntityRef{Kind: model.EntityRun, ID: r.id}
}

func (r *Run) Config() Config {
	return r.cfg
}

// NextSeq returns the next sequence number of uploads owned by the run.
func (r *Run) NextSeq() uint64 {
	return r.seq.Add(1)
}

func (r *Run) Status() model.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

func (r *Run) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.name
}

// SetName sets the display name unless one was configured.
func (r *Run) SetName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.name == "" {
		r.name = name
	}
}

// StartSuite adds a suite to the run. Starting a suite with the name of a suite
// that is still running returns the running suite.
func (r *Run) StartSuite(name string) (*Suite, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return nil, model.TransitionError{Entity: r.Ref(), From: r.status, To: model.StatusRunning, Err: model.ErrInvalidTransition}
	}

	for _, s := range r.suites {
		if s.name == name && !s.done.Load() {
			return s, nil
		}
	}

	s := &Suite{
		run:        r,
		id:         uuid.NewString(),
		name:       name,
		status:     model.StatusRunning,
		start:      time.Now(),
		testStatus: map[string]model.Status{},
	}

	r.suites = append(r.suites, s)

	return s, nil
}

// Suites returns the suites of the run in start order.
func (r *Run) Suites() []*Suite {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*Suite{}, r.suites...)
}

// Finish finishes all suites that are still running and sets the aggregated
// status of the run. Suites without counted tests are ignored.
func (r *Run) Finish() (model.Status, error) {
	return r.finalize(false)
}

// Abort finishes the run with status Aborted. Tests that are still running
// are failed.
func (r *Run) Abort() error {
	_, err := r.finalize(true)
	return err
}

func (r *Run) finalize(abort bool) (model.Status, error) {
	r.mu.Lock()
	if r.status.Terminal() {
		defer r.mu.Unlock()
		return r.status, model.TransitionError{Entity: r.Ref(), From: r.status, Err: model.ErrAlreadyFinalized}
	}
	suites := append([]*Suite{}, r.suites...)
	r.mu.Unlock()

	reason := "run finished before suite completed"
	if abort {
		reason = "run aborted"
	}

	for _, s := range suites {
		if s.Status().Terminal() {
			continue
		}

		// concurrent finishers are fine, the loser gets AlreadyFinalized
		_ = s.finish(reason)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return r.status, model.TransitionError{Entity: r.Ref(), From: r.status, Err: model.ErrAlreadyFinalized}
	}

	if abort {
		r.status = model.StatusAborted
	} else {
		r.status = Aggregate(values(r.suiteStatus), r.cfg.TreatSkipsAsFailures)
	}
	r.end = time.Now()

	return r.status, nil
}

// suiteChanged must be called with the lock of the suite held.
func (r *Run) suiteChanged(suiteID string, status model.Status, counted int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if counted == 0 {
		delete(r.suiteStatus, suiteID)
		return
	}

	r.suiteStatus[suiteID] = status
}

// testStarting must be called with the lock of the suite held.
func (r *Run) testStarting() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return model.TransitionError{Entity: r.Ref(), From: r.status, To: model.StatusRunning, Err: model.ErrInvalidTransition}
	}

	r.testsStarted++

	return nil
}

func (r *Run) checkMutable() error {
	if r.status.Terminal() {
		return model.TransitionError{Entity: r.Ref(), From: r.status, Err: model.ErrAlreadyFinalized}
	}

	return nil
}

func (r *Run) AddLabel(l model.Label) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkMutable(); err != nil {
		return 0, err
	}

	r.labels = append(r.labels, l)

	return r.NextSeq(), nil
}

func (r *Run) AddArtifact(a model.Artifact) (model.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkMutable(); err != nil {
		return a, err
	}

	a.Owner = r.Ref()
	a.Seq = r.NextSeq()
	a.State = model.UploadPending
	r.artifacts = append(r.artifacts, a)

	return a, nil
}

func (r *Run) AddRef(ref model.ArtifactRef) (model.ArtifactRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkMutable(); err != nil {
		return ref, err
	}

	ref.Owner = r.Ref()
	ref.Seq = r.NextSeq()
	ref.State = model.UploadPending
	r.refs = append(r.refs, ref)

	return ref, nil
}

// SetUploadState records the upload state of a run level artifact or
// artifact reference identified by its sequence number.
func (r *Run) SetUploadState(seq uint64, state model.UploadState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	setUploadState(r.artifacts, r.refs, seq, state)
}

// SetPlatformFromSession sets the platform of the run unless it was already
// set by an earlier session or explicitly. It reports whether the platform
// was changed.
func (r *Run) SetPlatformFromSession(p model.Platform) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.IsZero() || r.platformExplicit || !r.platform.IsZero() {
		return false
	}

	r.platform = p

	return true
}

// OverridePlatform always replaces the platform of the run, sessions bound
// later no longer change it.
func (r *Run) OverridePlatform(p model.Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.platform = p
	r.platformExplicit = true
}

func (r *Run) Platform() model.Platform {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.platform
}

func (r *Run) SetBuild(build string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.build = build
}

func (r *Run) Build() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.build
}

func (r *Run) SetLocale(locale string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.locale = locale
}

// ConfigureTCM changes the run level binding of a TCM system. It must be
// called before the first test starts.
func (r *Run) ConfigureTCM(system model.TCMSystem, configure func(b *model.TCMBinding)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.testsStarted > 0 {
		return model.ErrTestsAlreadyStarted
	}

	b, ok := r.tcm[system]
	if !ok {
		b = model.TCMBinding{System: system, Mode: model.SyncOnFinish}
	}

	configure(&b)

	r.tcm[system] = b

	return nil
}

func (r *Run) TCM(system model.TCMSystem) (model.TCMBinding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.tcm[system]

	return b, ok
}

// Info returns a snapshot of the run and all of its children.
func (r *Run) Info() model.RunInfo {
	r.mu.Lock()
	info := model.RunInfo{
		ID:          r.id,
		Name:        r.name,
		Build:       r.build,
		Environment: r.cfg.Environment,
		Locale:      r.locale,
		Platform:    r.platform,
		Status:      r.status,
		Start:       r.start,
		End:         r.end,
		Labels:      append([]model.Label{}, r.labels...),
		Artifacts:   append([]model.Artifact{}, r.artifacts...),
		Refs:        append([]model.ArtifactRef{}, r.refs...),
	}
	for _, s := range model.TCMSystems {
		if b, ok := r.tcm[s]; ok {
			info.TCM = append(info.TCM, b)
		}
	}
	suites := append([]*Suite{}, r.suites...)
	r.mu.Unlock()

	info.Suites = make([]model.SuiteInfo, 0, len(suites))
	for _, s := range suites {
		info.Suites = append(info.Suites, s.Info())
	}

	return info
}

func values(m map[string]model.Status) []model.Status {
	statuses := make([]model.Status, 0, len(m))

	for _, s := range m {
		statuses = append(statuses, s)
	}

	return statuses
}

func setUploadState(artifacts []model.Artifact, refs []model.ArtifactRef, seq uint64, state model.UploadState) {
	for i := range artifacts {
		if artifacts[i].Seq == seq {
			artifacts[i].State = state
			return
		}
	}

	for i := range refs {
		if refs[i].Seq == seq {
			refs[i].State = state
			return
		}
	}
}

// Owner is a node that can own labels, artifacts and artifact references,
// implemented by *Run and *Test.
type Owner interface {
	Ref() model.EntityRef
	NextSeq() uint64
	AddLabel(l model.Label) (uint64, error)
	AddArtifact(a model.Artifact) (model.Artifact, error)
	AddRef(ref model.ArtifactRef) (model.ArtifactRef, error)
	SetUploadState(seq uint64, state model.UploadState)
}

var (
	_ Owner = &Run{}
	_ Owner = &Test{}
)
