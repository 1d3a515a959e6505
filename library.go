package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/raphi011/relay/internal/correlator"
	"github.com/raphi011/relay/internal/metric"
	"github.com/raphi011/relay/internal/model"
	"github.com/raphi011/relay/internal/runtree"
	"github.com/raphi011/relay/internal/syncpolicy"
	"github.com/raphi011/relay/internal/upload"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// WithExecutor returns a context identifying the execution context (thread,
// worker or process) the caller runs in. The active test is tracked per
// executor.
func WithExecutor(ctx context.Context, executor string) context.Context {
	return correlator.WithExecutor(ctx, executor)
}

// Executor returns the executor of ctx, "main" if none was set.
func Executor(ctx context.Context) string {
	return correlator.Executor(ctx)
}

// StartTest starts a test in suite and makes it the active test of the
// executor of ctx.
func (a *Agent) StartTest(ctx context.Context, s *runtree.Suite, name string, tags map[string]string, doc string) (*runtree.Test, error) {
	t, err := s.StartTest(name, tags, doc)
	if err != nil {
		a.log.Warn("starting test failed", "suite-name", s.Name(), "test-name", name, "error", err)
		return nil, err
	}

	a.corr.Push(Executor(ctx), t)

	run := s.Run()
	info := t.Info()

	body := model.StartTestHTTP{
		Name:       name,
		ClassName:  s.Name(),
		MethodName: name,
		UUID:       t.ID(),
		StartedAt:  info.Start,
		Maintainer: info.Maintainer,
		Labels:     tagLabels(info.Tags),
	}

	a.submit(ctx, unit{
		owner: t.Ref(),
		kind:  syncpolicy.KindTestStart,
		deliver: func(ctx context.Context, key string, resolve upload.Resolver) (string, error) {
			return a.backend.StartTest(ctx, key, remoteID(resolve, run.Ref()), body)
		},
	})

	return t, nil
}

// tagLabels turns all tags except the maintainer into labels, sorted by key.
func tagLabels(tags map[string]string) []model.Label {
	keys := maps.Keys(tags)
	slices.Sort(keys)

	labels := []model.Label{}
	for _, k := range keys {
		if k == runtree.MaintainerTag {
			continue
		}
		labels = append(labels, model.Label{Key: k, Value: tags[k]})
	}

	return labels
}

// FinishTest finishes t and sends its result to the backend and to every TCM
// system a case of the test is bound to.
func (a *Agent) FinishTest(ctx context.Context, t *runtree.Test, status model.Status, message string) error {
	if err := a.corr.Pop(Executor(ctx), t); err != nil {
		a.log.Debug("test was not active in executor", "test-name", t.Name(), "executor", Executor(ctx))
	}

	return a.finishTest(ctx, t, status, message)
}

func (a *Agent) finishTest(ctx context.Context, t *runtree.Test, status model.Status, message string) error {
	log := a.log.With("suite-name", t.Suite().Name(), "test-name", t.Name())

	if err := t.Finish(status, message); err != nil {
		log.Warn("finishing test failed", "error", err)
		return err
	}

	a.corr.Remove(t)
	a.flushLogs(ctx)

	run := t.Run()
	info := t.Info()

	a.submit(ctx, unit{
		owner: t.Ref(),
		kind:  syncpolicy.KindTestFinish,
		item:  syncpolicy.Item{Revoked: info.Revoked},
		deliver: func(ctx context.Context, key string, resolve upload.Resolver) (string, error) {
			body := model.FinishTestHTTP{Result: info.Status, EndedAt: info.End, Reason: info.Message}
			return "", a.backend.FinishTest(ctx, key, remoteID(resolve, run.Ref()), remoteID(resolve, t.Ref()), body)
		},
		onDone: func(rec model.UploadRecord) {
			if rec.State == model.UploadUploaded {
				t.MarkFlushed()
			}
		},
	})

	a.submitTCMResults(ctx, run, t, info)

	metric.TestsFinished.WithLabelValues(info.SuiteName, string(info.Status)).Inc()

	if a.hooks.wantsTestFinished() {
		a.hooks.notifyTestFinished(run.Info(), t.Suite().Info(), info)
	}

	log.Debug("test finished", "status", info.Status)

	return nil
}

func (a *Agent) submitTCMResults(ctx context.Context, run *runtree.Run, t *runtree.Test, info model.TestInfo) {
	if info.Revoked {
		return
	}

	policy := a.policy(run)
	finishKey := syncpolicy.Key(t.Ref(), syncpolicy.KindTestFinish, 0)

	for _, system := range model.TCMSystems {
		b, ok := run.TCM(system)
		if !ok {
			continue
		}

		for _, caseKey := range t.CaseKeys(system) {
			r := model.TCMResult{
				System:  system,
				CaseKey: caseKey,
				TestID:  t.ID(),
				Status:  info.Status,
				Message: info.Message,
				Ended:   info.End,
			}

			switch policy.Decide(syncpolicy.Item{Kind: syncpolicy.KindTCMResult, System: system}) {
			case syncpolicy.Eager:
				adapter := a.adapters[system]

				a.submit(ctx, unit{
					owner: t.Ref(),
					kind:  syncpolicy.KindTCMResult,
					seq:   t.NextSeq(),
					item:  syncpolicy.Item{System: system},
					deps:  []string{finishKey},
					deliver: func(ctx context.Context, key string, resolve upload.Resolver) (string, error) {
						return "", adapter.PushResult(ctx, key, remoteID(resolve, run.Ref()), b, r)
					},
				})
			case syncpolicy.Deferred:
				if !a.batch.Add(r) {
					a.log.Warn("tcm result after run finish dropped", "test-name", t.Name(), "system", system)
				}
			}
		}
	}
}

// flushTCMBatch submits one unit per TCM system holding the results queued
// for the end of the run.
func (a *Agent) flushTCMBatch(ctx context.Context, run *runtree.Run) {
	for _, batch := range a.batch.Flush() {
		b, ok := run.TCM(batch.System)
		if !ok {
			continue
		}

		adapter := a.adapters[batch.System]
		results := batch.Results

		deps := []string{}
		for _, r := range results {
			deps = append(deps, syncpolicy.Key(model.EntityRef{Kind: model.EntityTest, ID: r.TestID}, syncpolicy.KindTestFinish, 0))
		}

		a.submit(ctx, unit{
			owner: run.Ref(),
			kind:  syncpolicy.KindTCMBatch,
			key:   syncpolicy.Key(run.Ref(), syncpolicy.KindTCMBatch, 0) + "/" + string(batch.System),
			seq:   run.NextSeq(),
			deps:  deps,
			deliver: func(ctx context.Context, key string, resolve upload.Resolver) (string, error) {
				return "", adapter.PushResults(ctx, key, remoteID(resolve, run.Ref()), b, results)
			},
		})
	}
}

// RevertTest revokes t: pending uploads of the test are discarded and its
// registration is deleted from the backend. Tests that were already flushed
// cannot be reverted.
func (a *Agent) RevertTest(ctx context.Context, t *runtree.Test) error {
	if err := t.Revoke(); err != nil {
		a.log.Warn("reverting test failed", "test-name", t.Name(), "error", err)
		return err
	}

	discarded := a.uploads.Discard(t.Ref().String())
	a.batch.Drop(t.ID())
	a.logs.drop(t.ID())

	a.log.Debug("test reverted", "test-name", t.Name(), "discarded", discarded)

	run := t.Run()

	a.submit(ctx, unit{
		owner: t.Ref(),
		kind:  syncpolicy.KindTestRevert,
		item:  syncpolicy.Item{Revoked: true},
		deliver: func(ctx context.Context, key string, resolve upload.Resolver) (string, error) {
			return "", a.backend.RevertTest(ctx, key, remoteID(resolve, run.Ref()), remoteID(resolve, t.Ref()))
		},
	})

	return nil
}

// ActiveTest returns the innermost running test of the executor of ctx.
func (a *Agent) ActiveTest(ctx context.Context) (*runtree.Test, error) {
	return a.corr.Active(Executor(ctx))
}

func (a *Agent) activeTest(ctx context.Context) (*runtree.Test, error) {
	t, err := a.corr.Active(Executor(ctx))
	if err != nil {
		a.log.Warn("no active test", "executor", Executor(ctx))
		return nil, err
	}

	return t, nil
}

// AttachArtifact attaches a file to the active test. name must carry a file
// type suffix matching the content of payload.
func (a *Agent) AttachArtifact(ctx context.Context, name string, payload []byte) error {
	t, err := a.activeTest(ctx)
	if err != nil {
		return err
	}

	return a.attachArtifact(ctx, t, name, payload)
}

// AttachRunArtifact attaches a file to the run.
func (a *Agent) AttachRunArtifact(ctx context.Context, name string, payload []byte) error {
	run, err := a.activeRun()
	if err != nil {
		return err
	}

	return a.attachArtifact(ctx, run, name, payload)
}

func (a *Agent) attachArtifact(ctx context.Context, owner runtree.Owner, name string, payload []byte) error {
	artifact, err := a.corr.AttachArtifact(owner, name, payload)
	if err != nil {
		return err
	}

	a.submitArtifact(ctx, owner, artifact)

	return nil
}

func (a *Agent) submitArtifact(ctx context.Context, owner runtree.Owner, artifact model.Artifact) {
	run, err := a.activeRun()
	if err != nil {
		return
	}

	captured := time.Now()

	a.submit(ctx, unit{
		owner:  owner.Ref(),
		kind:   syncpolicy.KindArtifact,
		seq:    artifact.Seq,
		item:   syncpolicy.Item{Artifact: artifact.Kind, Revoked: revoked(owner)},
		onDone: trackState(owner, artifact.Seq),
		deliver: func(ctx context.Context, key string, resolve upload.Resolver) (string, error) {
			runID := remoteID(resolve, run.Ref())
			testID := testRemoteID(resolve, owner)

			if artifact.Kind == model.ArtifactScreenshot && testID != "" {
				return "", a.backend.UploadScreenshot(ctx, key, runID, testID, artifact.Payload, captured)
			}

			return "", a.backend.UploadArtifact(ctx, key, runID, testID, artifact.Name, artifact.Payload)
		},
	})
}

// AttachArtifactRef attaches a named link to the active test.
func (a *Agent) AttachArtifactRef(ctx context.Context, name, uri string) error {
	t, err := a.activeTest(ctx)
	if err != nil {
		return err
	}

	return a.attachArtifactRef(ctx, t, name, uri)
}

// AttachRunArtifactRef attaches a named link to the run.
func (a *Agent) AttachRunArtifactRef(ctx context.Context, name, uri string) error {
	run, err := a.activeRun()
	if err != nil {
		return err
	}

	return a.attachArtifactRef(ctx, run, name, uri)
}

func (a *Agent) attachArtifactRef(ctx context.Context, owner runtree.Owner, name, uri string) error {
	ref, err := a.corr.AttachArtifactRef(owner, name, uri)
	if err != nil {
		a.log.Warn("attaching artifact reference failed", "owner", owner.Ref().String(), "error", err)
		return err
	}

	run, err := a.activeRun()
	if err != nil {
		return err
	}

	a.submit(ctx, unit{
		owner:  owner.Ref(),
		kind:   syncpolicy.KindArtifactRef,
		seq:    ref.Seq,
		item:   syncpolicy.Item{Revoked: revoked(owner)},
		onDone: trackState(owner, ref.Seq),
		deliver: func(ctx context.Context, key string, resolve upload.Resolver) (string, error) {
			refs := []model.ArtifactReferenceHTTP{{Name: ref.Name, Value: ref.URI}}
			return "", a.backend.SendArtifactReferences(ctx, key, remoteID(resolve, run.Ref()), testRemoteID(resolve, owner), refs)
		},
	})

	return nil
}

// AttachLabel attaches a label to the active test. Labels with the same key
// are kept side by side.
func (a *Agent) AttachLabel(ctx context.Context, key, value string) error {
	t, err := a.activeTest(ctx)
	if err != nil {
		return err
	}

	return a.attachLabel(ctx, t, key, value)
}

// AttachRunLabel attaches a label to the run.
func (a *Agent) AttachRunLabel(ctx context.Context, key, value string) error {
	run, err := a.activeRun()
	if err != nil {
		return err
	}

	return a.attachLabel(ctx, run, key, value)
}

func (a *Agent) attachLabel(ctx context.Context, owner runtree.Owner, key, value string) error {
	label := model.Label{Key: key, Value: value}

	seq, err := owner.AddLabel(label)
	if err != nil {
		a.log.Warn("attaching label failed", "owner", owner.Ref().String(), "label", key, "error", err)
		return err
	}

	run, err := a.activeRun()
	if err != nil {
		return err
	}

	a.submit(ctx, unit{
		owner: owner.Ref(),
		kind:  syncpolicy.KindLabel,
		seq:   seq,
		item:  syncpolicy.Item{Revoked: revoked(owner)},
		deliver: func(ctx context.Context, key string, resolve upload.Resolver) (string, error) {
			return "", a.backend.SendLabels(ctx, key, remoteID(resolve, run.Ref()), testRemoteID(resolve, owner), []model.Label{label})
		},
	})

	return nil
}

func revoked(owner runtree.Owner) bool {
	if t, ok := owner.(*runtree.Test); ok {
		return t.Revoked()
	}

	return false
}

// testRemoteID returns the remote id of owner if it is a test and "" for
// the run.
func testRemoteID(resolve upload.Resolver, owner runtree.Owner) string {
	if owner.Ref().Kind != model.EntityTest {
		return ""
	}

	return remoteID(resolve, owner.Ref())
}

// BindSession binds a remote driver session to the active test of the
// executor of ctx. Links resolved from the provider integration are attached
// to that test, the platform of the first session becomes the platform of
// the run.
func (a *Agent) BindSession(ctx context.Context, sessionID string, capabilities map[string]any, provider string) (model.SessionBinding, error) {
	run, err := a.activeRun()
	if err != nil {
		return model.SessionBinding{}, err
	}

	a.mu.Lock()
	_, bound := a.sessions[sessionID]
	a.mu.Unlock()

	platform := run.Platform()

	b, err := a.corr.BindSession(Executor(ctx), run, sessionID, capabilities, provider)
	if err != nil || bound {
		return b, err
	}

	a.mu.Lock()
	a.sessions[sessionID] = struct{}{}
	a.mu.Unlock()

	deps := registrationKeys(b.TestIDs)

	a.submit(ctx, unit{
		owner: run.Ref(),
		kind:  syncpolicy.KindSessionStart,
		key:   syncpolicy.SessionKey(run.Ref(), sessionID),
		deps:  deps,
		deliver: func(ctx context.Context, key string, resolve upload.Resolver) (string, error) {
			body := model.StartSessionHTTP{
				SessionID:           b.SessionID,
				StartedAt:           b.Started,
				DesiredCapabilities: b.Capabilities,
				Capabilities:        b.Capabilities,
				TestIDs:             resolveTests(resolve, b.TestIDs),
			}
			return a.backend.StartSession(ctx, key, remoteID(resolve, run.Ref()), body)
		},
	})

	if owner, err := a.corr.Active(Executor(ctx)); err == nil && owner.Ref() == b.Owner {
		for _, capability := range []model.Capability{model.CapabilityVideo, model.CapabilityLogs, model.CapabilityVNC} {
			if link, ok := b.Links[capability]; ok {
				_ = a.attachArtifactRef(ctx, owner, linkName(capability), link)
			}
		}
	}

	if run.Platform() != platform {
		a.submitPlatform(ctx, run)
	}

	return b, nil
}

func linkName(c model.Capability) string {
	switch c {
	case model.CapabilityVideo:
		return "Video"
	case model.CapabilityLogs:
		return "Log"
	}

	return "VNC"
}

// RemoteDriver returns the hub URL and desired capabilities a host should
// create a remote driver session with. Settings passed by a launcher win
// over the ones of the host, invalid launcher capabilities are ignored.
func (a *Agent) RemoteDriver(hubURL string, desired map[string]any) (string, map[string]any) {
	l := a.cfg.Launcher

	if l.HubURL != "" {
		hubURL = l.HubURL
	}

	caps, err := l.DesiredCapabilities(desired)
	if err != nil {
		a.log.Warn("ignoring launcher capabilities", "error", err)
	}

	return hubURL, caps
}

// FinishSession closes a driver session on the backend.
func (a *Agent) FinishSession(ctx context.Context, sessionID string) error {
	run, err := a.activeRun()
	if err != nil {
		return err
	}

	b, err := a.corr.FinishSession(sessionID)
	if err != nil {
		a.log.Warn("finishing session failed", "session-id", sessionID, "error", err)
		return err
	}

	startKey := syncpolicy.SessionKey(run.Ref(), sessionID)

	a.submit(ctx, unit{
		owner: run.Ref(),
		kind:  syncpolicy.KindSessionFinish,
		key:   syncpolicy.SessionFinishKey(run.Ref(), sessionID),
		deps:  append([]string{startKey}, registrationKeys(b.TestIDs)...),
		deliver: func(ctx context.Context, key string, resolve upload.Resolver) (string, error) {
			body := model.FinishSessionHTTP{EndedAt: b.Ended, TestIDs: resolveTests(resolve, b.TestIDs)}
			return "", a.backend.FinishSession(ctx, key, remoteID(resolve, run.Ref()), resolve(startKey), body)
		},
	})

	return nil
}

func registrationKeys(testIDs []string) []string {
	keys := make([]string, 0, len(testIDs))

	for _, id := range testIDs {
		keys = append(keys, syncpolicy.RegistrationKey(model.EntityRef{Kind: model.EntityTest, ID: id}))
	}

	return keys
}

func resolveTests(resolve upload.Resolver, testIDs []string) []string {
	ids := make([]string, 0, len(testIDs))

	for _, id := range testIDs {
		ids = append(ids, remoteID(resolve, model.EntityRef{Kind: model.EntityTest, ID: id}))
	}

	return ids
}

// SetPlatform overrides the platform of the run, sessions bound afterwards
// no longer change it.
func (a *Agent) SetPlatform(ctx context.Context, name, version string) error {
	run, err := a.activeRun()
	if err != nil {
		return err
	}

	run.OverridePlatform(model.Platform{Name: name, Version: version})

	a.submitPlatform(ctx, run)

	return nil
}

// submitPlatform sends the platform of the run as it is at delivery time.
func (a *Agent) submitPlatform(ctx context.Context, run *runtree.Run) {
	a.submit(ctx, unit{
		owner: run.Ref(),
		kind:  syncpolicy.KindPlatform,
		seq:   run.NextSeq(),
		deliver: func(ctx context.Context, key string, resolve upload.Resolver) (string, error) {
			return "", a.backend.SetPlatform(ctx, key, remoteID(resolve, run.Ref()), run.Platform())
		},
	})
}

func (a *Agent) SetBuild(ctx context.Context, build string) error {
	run, err := a.activeRun()
	if err != nil {
		return err
	}

	run.SetBuild(build)

	a.submit(ctx, unit{
		owner: run.Ref(),
		kind:  syncpolicy.KindBuild,
		seq:   run.NextSeq(),
		deliver: func(ctx context.Context, key string, resolve upload.Resolver) (string, error) {
			return "", a.backend.PatchBuild(ctx, key, remoteID(resolve, run.Ref()), run.Build())
		},
	})

	return nil
}

func (a *Agent) SetLocale(ctx context.Context, locale string) error {
	run, err := a.activeRun()
	if err != nil {
		return err
	}

	run.SetLocale(locale)

	return a.sendLocale(ctx, run, locale)
}

func (a *Agent) sendLocale(ctx context.Context, run *runtree.Run, locale string) error {
	return a.attachLabel(ctx, run, LocaleLabel, locale)
}

// ConfigureTCM changes the run level binding of system and sends it to the
// backend. It fails with model.ErrTestsAlreadyStarted once a test started.
func (a *Agent) ConfigureTCM(ctx context.Context, system model.TCMSystem, configure func(b *model.TCMBinding)) error {
	run, err := a.activeRun()
	if err != nil {
		return err
	}

	if err := run.ConfigureTCM(system, configure); err != nil {
		a.log.Warn("configuring tcm failed", "system", system, "error", err)
		return err
	}

	a.sendTCMConfig(ctx, run, system)

	return nil
}

func (a *Agent) sendTCMConfig(ctx context.Context, run *runtree.Run, system model.TCMSystem) {
	b, ok := run.TCM(system)
	if !ok {
		return
	}

	adapter := a.adapters[system]

	a.submit(ctx, unit{
		owner: run.Ref(),
		kind:  syncpolicy.KindLabel,
		seq:   run.NextSeq(),
		deliver: func(ctx context.Context, key string, resolve upload.Resolver) (string, error) {
			return "", adapter.ConfigureRun(ctx, key, remoteID(resolve, run.Ref()), b)
		},
	})
}

func (a *Agent) DisableTCMSync(ctx context.Context, system model.TCMSystem) error {
	return a.ConfigureTCM(ctx, system, func(b *model.TCMBinding) { b.Mode = model.SyncDisabled })
}

func (a *Agent) EnableRealTimeSync(ctx context.Context, system model.TCMSystem) error {
	return a.ConfigureTCM(ctx, system, func(b *model.TCMBinding) { b.Mode = model.SyncRealTime })
}

func (a *Agent) IncludeAllTestRailCases(ctx context.Context) error {
	return a.ConfigureTCM(ctx, model.TestRail, func(b *model.TCMBinding) { b.Options.IncludeAllCases = true })
}

func (a *Agent) SetTestRailSuiteID(ctx context.Context, id string) error {
	return a.ConfigureTCM(ctx, model.TestRail, func(b *model.TCMBinding) { b.Options.SuiteID = id })
}

func (a *Agent) SetTestRailRunID(ctx context.Context, id string) error {
	return a.ConfigureTCM(ctx, model.TestRail, func(b *model.TCMBinding) { b.Options.RunID = id })
}

func (a *Agent) SetTestRailRunName(ctx context.Context, name string) error {
	return a.ConfigureTCM(ctx, model.TestRail, func(b *model.TCMBinding) { b.Options.RunName = name })
}

func (a *Agent) SetTestRailMilestone(ctx context.Context, milestone string) error {
	return a.ConfigureTCM(ctx, model.TestRail, func(b *model.TCMBinding) { b.Options.Milestone = milestone })
}

func (a *Agent) SetTestRailAssignee(ctx context.Context, assignee string) error {
	return a.ConfigureTCM(ctx, model.TestRail, func(b *model.TCMBinding) { b.Options.Assignee = assignee })
}

func (a *Agent) SetXrayExecutionKey(ctx context.Context, key string) error {
	return a.ConfigureTCM(ctx, model.Xray, func(b *model.TCMBinding) { b.Options.ExecutionKey = key })
}

func (a *Agent) SetZephyrTestCycleKey(ctx context.Context, key string) error {
	return a.ConfigureTCM(ctx, model.Zephyr, func(b *model.TCMBinding) { b.Options.TestCycleKey = key })
}

func (a *Agent) SetZephyrJiraProjectKey(ctx context.Context, key string) error {
	return a.ConfigureTCM(ctx, model.Zephyr, func(b *model.TCMBinding) { b.Options.JiraProjectKey = key })
}

// BindCase maps the active test to an external case of system.
func (a *Agent) BindCase(ctx context.Context, system model.TCMSystem, caseKey string) error {
	t, err := a.activeTest(ctx)
	if err != nil {
		return err
	}

	return a.bindCase(ctx, t, system, caseKey)
}

func (a *Agent) bindCase(ctx context.Context, t *runtree.Test, system model.TCMSystem, caseKey string) error {
	adapter, ok := a.adapters[system]
	if !ok {
		return fmt.Errorf("unknown tcm system %q", system)
	}

	if err := t.BindCase(system, caseKey); err != nil {
		a.log.Warn("binding case failed", "test-name", t.Name(), "system", system, "error", err)
		return err
	}

	run := t.Run()

	if b, ok := run.TCM(system); !ok || b.Mode == model.SyncDisabled {
		return nil
	}

	a.submit(ctx, unit{
		owner: t.Ref(),
		kind:  syncpolicy.KindLabel,
		seq:   t.NextSeq(),
		item:  syncpolicy.Item{Revoked: t.Revoked()},
		deliver: func(ctx context.Context, key string, resolve upload.Resolver) (string, error) {
			return "", adapter.BindCase(ctx, key, remoteID(resolve, run.Ref()), remoteID(resolve, t.Ref()), caseKey)
		},
	})

	return nil
}
