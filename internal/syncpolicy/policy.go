// Package syncpolicy decides when an upload is performed and which uploads
// have to be acknowledged before it.
package syncpolicy

import (
	"fmt"

	"github.com/raphi011/relay/internal/model"
)

type Decision int

const (
	// Skip means the item is never uploaded.
	Skip Decision = iota
	// Eager uploads are performed when the triggering event happens.
	Eager
	// Deferred uploads are queued until the run finishes.
	Deferred
)

func (d Decision) String() string {
	switch d {
	case Eager:
		return "eager"
	case Deferred:
		return "deferred"
	}

	return "skip"
}

// Kind is the kind of a unit of upload work.
type Kind string

const (
	KindRunStart      Kind = "run-start"
	KindRunFinish     Kind = "run-finish"
	KindTestStart     Kind = "test-start"
	KindTestFinish    Kind = "test-finish"
	KindTestRevert    Kind = "test-revert"
	KindLabel         Kind = "label"
	KindArtifact      Kind = "artifact"
	KindArtifactRef   Kind = "artifact-ref"
	KindLogs          Kind = "logs"
	KindPlatform      Kind = "platform"
	KindBuild         Kind = "build"
	KindSessionStart  Kind = "session-start"
	KindSessionFinish Kind = "session-finish"
	KindTCMResult     Kind = "tcm-result"
	KindTCMBatch      Kind = "tcm-batch"
)

// Supersedes reports whether a newer unit of kind replaces all older units
// of the same owner, making older resubmissions stale.
func (k Kind) Supersedes() bool {
	return k == KindPlatform || k == KindBuild
}

// Item describes what is about to be uploaded.
type Item struct {
	Kind Kind
	// Artifact is the kind of an artifact, only set for KindArtifact.
	Artifact model.ArtifactKind
	// System is the TCM system, only set for KindTCMResult.
	System model.TCMSystem
	// Revoked is set when the owning test was revoked.
	Revoked bool
}

type Policy struct {
	// SendLogs enables the upload of log lines and log artifacts.
	SendLogs bool
	// TCM holds the sync mode per system, systems that are missing are
	// not synchronized.
	TCM map[model.TCMSystem]model.SyncMode
}

// Decide returns whether item is uploaded now, at the end of the run or not at all.
func (p Policy) Decide(item Item) Decision {
	if item.Revoked && item.Kind != KindTestRevert {
		return Skip
	}

	switch item.Kind {
	case KindLogs:
		if !p.SendLogs {
			return Skip
		}
		return Eager
	case KindArtifact:
		if item.Artifact == model.ArtifactLog && !p.SendLogs {
			return Skip
		}
		if item.Artifact == model.ArtifactScreenshot {
			return Eager
		}
		return Deferred
	case KindTCMResult:
		switch p.TCM[item.System] {
		case model.SyncRealTime:
			return Eager
		case model.SyncOnFinish:
			return Deferred
		}
		return Skip
	case KindTCMBatch:
		return Deferred
	}

	return Eager
}

// Key is the idempotency key of a unit: owner, kind and sequence number.
func Key(owner model.EntityRef, kind Kind, seq uint64) string {
	return fmt.Sprintf("%s/%s/%d", owner.String(), kind, seq)
}

// RegistrationKey is the key of the unit registering owner with the backend.
func RegistrationKey(owner model.EntityRef) string {
	switch owner.Kind {
	case model.EntityRun:
		return Key(owner, KindRunStart, 0)
	case model.EntityTest:
		return Key(owner, KindTestStart, 0)
	}

	return ""
}

// SessionKey is the key of the unit registering a driver session.
func SessionKey(run model.EntityRef, sessionID string) string {
	return fmt.Sprintf("%s/%s/%s", run.String(), KindSessionStart, sessionID)
}

// SessionFinishKey is the key of the unit closing a driver session.
func SessionFinishKey(run model.EntityRef, sessionID string) string {
	return fmt.Sprintf("%s/%s/%s", run.String(), KindSessionFinish, sessionID)
}

// DependsOn returns the keys of the units that must be uploaded before a unit
// of kind owned by owner. Everything depends on the registration of the run,
// test scoped units also depend on the registration of their test.
func DependsOn(run model.EntityRef, owner model.EntityRef, kind Kind) []string {
	if kind == KindRunStart {
		return nil
	}

	deps := []string{RegistrationKey(run)}

	if owner.Kind == model.EntityTest && kind != KindTestStart {
		deps = append(deps, RegistrationKey(owner))
	}

	return deps
}
