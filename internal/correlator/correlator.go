// Package correlator maps out of band events such as driver sessions and
// artifacts to the test that is currently active in the calling executor.
package correlator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/raphi011/relay/internal/metric"
	"github.com/raphi011/relay/internal/model"
	"github.com/raphi011/relay/internal/runtree"
	"golang.org/x/exp/slices"
)

// DefaultExecutor identifies the execution context of callers that did not
// set one.
const DefaultExecutor = "main"

type executorKey struct{}

// WithExecutor returns a context identifying the execution context (thread,
// worker or process) the caller runs in.
func WithExecutor(ctx context.Context, executor string) context.Context {
	return context.WithValue(ctx, executorKey{}, executor)
}

// Executor returns the executor of ctx or DefaultExecutor.
func Executor(ctx context.Context) string {
	if e, ok := ctx.Value(executorKey{}).(string); ok && e != "" {
		return e
	}

	return DefaultExecutor
}

type Correlator struct {
	registry Registry
	log      *slog.Logger

	mu sync.Mutex
	// active holds the stack of running tests per executor, innermost last.
	active   map[string][]*runtree.Test
	sessions map[string]*model.SessionBinding
	rejected []string
}

func New(registry Registry, log *slog.Logger) *Correlator {
	return &Correlator{
		registry: registry,
		log:      log,
		active:   map[string][]*runtree.Test{},
		sessions: map[string]*model.SessionBinding{},
	}
}

// Push makes t the active test of executor. The test joins every session
// that is open in the same executor.
func (c *Correlator) Push(executor string, t *runtree.Test) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active[executor] = append(c.active[executor], t)

	for _, s := range c.sessions {
		if s.Executor != executor {
			continue
		}

		s.TestIDs = append(s.TestIDs, t.ID())
		t.AddSession(s.SessionID)
	}
}

// Pop removes t from the active tests of executor.
func (c *Correlator) Pop(executor string, t *runtree.Test) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stack := c.active[executor]

	i := slices.Index(stack, t)
	if i < 0 {
		return model.ErrNoActiveTest
	}

	stack = slices.Delete(stack, i, i+1)
	if len(stack) == 0 {
		delete(c.active, executor)
	} else {
		c.active[executor] = stack
	}

	return nil
}

// Remove drops t from the active tests of every executor. It is used when a
// test is finished on behalf of another executor, e.g. by its suite.
func (c *Correlator) Remove(t *runtree.Test) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for executor, stack := range c.active {
		i := slices.Index(stack, t)
		if i < 0 {
			continue
		}

		stack = slices.Delete(stack, i, i+1)
		if len(stack) == 0 {
			delete(c.active, executor)
		} else {
			c.active[executor] = stack
		}
	}
}

// Active returns the innermost running test of executor.
func (c *Correlator) Active(executor string) (*runtree.Test, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stack := c.active[executor]
	if len(stack) == 0 {
		return nil, model.ErrNoActiveTest
	}

	return stack[len(stack)-1], nil
}

// BindSession attaches a driver session to the active test of executor. The
// platform of the first bound session becomes the platform of the run.
func (c *Correlator) BindSession(
	executor string,
	run *runtree.Run,
	sessionID string,
	capabilities map[string]any,
	provider string,
) (model.SessionBinding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stack := c.active[executor]
	if len(stack) == 0 {
		c.log.Warn("session opened without an active test", "session-id", sessionID, "executor", executor)
		return model.SessionBinding{}, model.ErrNoActiveTest
	}

	if existing, ok := c.sessions[sessionID]; ok {
		return copyBinding(existing), nil
	}

	owner := stack[len(stack)-1]

	binding := &model.SessionBinding{
		SessionID:    sessionID,
		Provider:     provider,
		Executor:     executor,
		Capabilities: capabilities,
		Enabled:      map[model.Capability]bool{},
		Links:        map[model.Capability]string{},
		Platform:     platformOf(capabilities),
		Owner:        owner.Ref(),
		Started:      time.Now(),
	}

	for feature, key := range CapabilityKeys {
		value := capability(capabilities, key)

		enabled, _ := value.(bool)
		binding.Enabled[feature] = enabled

		if link, ok := ResolveProviderLink(c.registry, provider, feature, value, sessionID); ok {
			binding.Links[feature] = link
		}
	}

	for _, t := range stack {
		binding.TestIDs = append(binding.TestIDs, t.ID())
		t.AddSession(sessionID)
	}

	if run.SetPlatformFromSession(binding.Platform) {
		c.log.Debug("run platform set by session", "session-id", sessionID, "platform", binding.Platform.Name)
	}

	c.sessions[sessionID] = binding

	return copyBinding(binding), nil
}

// FinishSession closes a session and returns its final binding.
func (c *Correlator) FinishSession(sessionID string) (model.SessionBinding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return model.SessionBinding{}, model.ErrSessionNotFound
	}

	delete(c.sessions, sessionID)

	s.Ended = time.Now()

	return copyBinding(s), nil
}

// OpenSessions returns the ids of all sessions that were not finished yet.
func (c *Correlator) OpenSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// AttachArtifact validates the payload against the suffix of name and adds
// it to owner. Rejected artifacts are recorded and not added.
func (c *Correlator) AttachArtifact(owner runtree.Owner, name string, payload []byte) (model.Artifact, error) {
	return c.attach(owner, name, payload, "")
}

// AttachLogFile attaches a framework output file. It is validated like any
// other artifact but always has kind ArtifactLog.
func (c *Correlator) AttachLogFile(owner runtree.Owner, name string, payload []byte) (model.Artifact, error) {
	return c.attach(owner, name, payload, model.ArtifactLog)
}

func (c *Correlator) attach(owner runtree.Owner, name string, payload []byte, kind model.ArtifactKind) (model.Artifact, error) {
	artifact, err := ValidateArtifact(name, payload)
	if err != nil {
		c.mu.Lock()
		c.rejected = append(c.rejected, owner.Ref().String()+"/"+name)
		c.mu.Unlock()

		metric.ArtifactsRejected.Inc()
		c.log.Warn("artifact rejected", "owner", owner.Ref().String(), "artifact", name, "error", err)

		return model.Artifact{}, err
	}

	if kind != "" {
		artifact.Kind = kind
	}

	return owner.AddArtifact(artifact)
}

// AttachArtifactRef adds a named link to owner.
func (c *Correlator) AttachArtifactRef(owner runtree.Owner, name, uri string) (model.ArtifactRef, error) {
	return owner.AddRef(model.ArtifactRef{Name: name, URI: uri})
}

// Rejected returns the artifacts that failed validation.
func (c *Correlator) Rejected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string{}, c.rejected...)
}

func copyBinding(b *model.SessionBinding) model.SessionBinding {
	cp := *b
	cp.TestIDs = append([]string{}, b.TestIDs...)

	cp.Links = make(map[model.Capability]string, len(b.Links))
	for k, v := range b.Links {
		cp.Links[k] = v
	}

	cp.Enabled = make(map[model.Capability]bool, len(b.Enabled))
	for k, v := range b.Enabled {
		cp.Enabled[k] = v
	}

	return cp
}
