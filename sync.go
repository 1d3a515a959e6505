package relay

import (
	"context"

	"github.com/raphi011/relay/internal/model"
	"github.com/raphi011/relay/internal/runtree"
	"github.com/raphi011/relay/internal/syncpolicy"
	"github.com/raphi011/relay/internal/upload"
)

type deliverFunc func(ctx context.Context, key string, resolve upload.Resolver) (string, error)

// unit describes a remote call before the sync policy decided on it.
type unit struct {
	owner model.EntityRef
	kind  syncpolicy.Kind
	seq   uint64
	// key overrides the key derived from owner, kind and seq.
	key  string
	item syncpolicy.Item
	// deps are waited for in addition to the registrations of the run and
	// of the owning test.
	deps    []string
	deliver deliverFunc
	onDone  func(rec model.UploadRecord)
}

func (a *Agent) policy(run *runtree.Run) syncpolicy.Policy {
	p := syncpolicy.Policy{
		SendLogs: a.cfg.SendLogs,
		TCM:      map[model.TCMSystem]model.SyncMode{},
	}

	for _, system := range model.TCMSystems {
		if b, ok := run.TCM(system); ok {
			p.TCM[system] = b.Mode
		}
	}

	return p
}

// submit hands u to the upload coordinator according to the sync policy.
// Nothing is sent while reporting is disabled.
func (a *Agent) submit(ctx context.Context, u unit) upload.Outcome {
	run := a.Run()
	if run == nil || !a.enabled {
		return upload.Outcome{}
	}

	key := u.key
	if key == "" {
		key = syncpolicy.Key(u.owner, u.kind, u.seq)
	}

	u.item.Kind = u.kind

	var mode upload.Mode

	switch a.policy(run).Decide(u.item) {
	case syncpolicy.Skip:
		if u.onDone != nil {
			u.onDone(model.UploadRecord{Key: key, Owner: u.owner.String(), Kind: string(u.kind), Seq: u.seq, State: model.UploadDiscarded})
		}
		return upload.Outcome{Key: key, State: model.UploadDiscarded}
	case syncpolicy.Deferred:
		mode = upload.Deferred
	default:
		mode = upload.Eager
	}

	deliver := u.deliver

	outcome := a.uploads.Submit(ctx, upload.Unit{
		Key:        key,
		Owner:      u.owner.String(),
		Kind:       string(u.kind),
		Seq:        u.seq,
		Supersedes: u.kind.Supersedes(),
		DependsOn:  append(syncpolicy.DependsOn(run.Ref(), u.owner, u.kind), u.deps...),
		Mode:       mode,
		Deliver: func(ctx context.Context, resolve upload.Resolver) (string, error) {
			return deliver(ctx, key, resolve)
		},
		OnDone: u.onDone,
	})

	if outcome.Degraded {
		a.log.Warn("upload continues in background", "idempotency-key", key)
	}

	return outcome
}

// remoteID returns the id the backend assigned to ref.
func remoteID(resolve upload.Resolver, ref model.EntityRef) string {
	return resolve(syncpolicy.RegistrationKey(ref))
}

// trackState records the final upload state of an artifact or reference of
// owner.
func trackState(owner runtree.Owner, seq uint64) func(rec model.UploadRecord) {
	return func(rec model.UploadRecord) {
		owner.SetUploadState(seq, rec.State)
	}
}
