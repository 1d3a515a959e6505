// Package upload drives units of upload work against the reporting backend and
// the TCM systems. Every unit is tracked by an explicit state record keyed by
// its idempotency key: Pending -> Uploading -> Uploaded | Failed, or Discarded.
package upload

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphi011/relay/internal/metric"
	"github.com/raphi011/relay/internal/model"
	"github.com/raphi011/relay/internal/storage"
	"golang.org/x/sync/semaphore"
)

// Resolver returns the remote id of an uploaded unit.
type Resolver func(key string) string

// DeliverFunc performs the remote call of a unit and returns the remote id of
// the created entity, if any.
type DeliverFunc func(ctx context.Context, resolve Resolver) (string, error)

type Mode int

const (
	// Eager units are dispatched as soon as their dependencies are uploaded,
	// Submit waits for them up to the eager timeout.
	Eager Mode = iota
	// Deferred units are held until Drain.
	Deferred
)

type Unit struct {
	// Key is the idempotency key, see syncpolicy.Key.
	Key   string
	Owner string
	Kind  string
	Seq   uint64
	// Supersedes marks kinds where a newer unit replaces older ones of the
	// same owner.
	Supersedes bool
	// DependsOn are the keys of the units that must be uploaded first.
	DependsOn []string
	Mode      Mode
	Deliver   DeliverFunc
	// OnDone is called once with the final record.
	OnDone func(rec model.UploadRecord)
}

type Outcome struct {
	Key   string
	State model.UploadState
	// Duplicate is set when a unit with the same key was submitted before,
	// no additional delivery happens.
	Duplicate bool
	// Stale is set when a newer unit of a superseding kind was submitted
	// before, the unit is dropped.
	Stale bool
	// Degraded is set when an eager unit did not finish within the eager
	// timeout and continues in the background.
	Degraded bool
}

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	EagerTimeout   time.Duration
	Workers        int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		EagerTimeout:   5 * time.Second,
		Workers:        8,
	}
}

type entry struct {
	unit Unit
	rec  model.UploadRecord
	done chan struct{}
	// waiting counts dependencies that are not uploaded yet.
	waiting    int
	dispatched bool
	discard    bool
}

type Coordinator struct {
	cfg   Config
	store storage.Store
	log   *slog.Logger
	sem   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	// aborting is closed by Abort, retry waits end early.
	aborting  chan struct{}
	abortOnce sync.Once
	running   sync.WaitGroup

	mu       sync.Mutex
	entries  map[string]*entry
	order    []string
	latest   map[string]uint64
	parked   map[string][]*entry
	deferred []*entry
	draining bool
}

func New(cfg Config, store storage.Store, log *slog.Logger) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.EagerTimeout <= 0 {
		cfg.EagerTimeout = DefaultConfig().EagerTimeout
	}
	if store == nil {
		store = storage.NewCache()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		cfg:      cfg,
		store:    store,
		log:      log,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:      ctx,
		cancel:   cancel,
		aborting: make(chan struct{}),
		entries:  map[string]*entry{},
		latest:   map[string]uint64{},
		parked:   map[string][]*entry{},
	}
}

// Submit registers a unit of work. Units with a key that was submitted before
// are not delivered again. Deferred units return immediately, eager units
// block up to the eager timeout.
func (c *Coordinator) Submit(ctx context.Context, u Unit) Outcome {
	c.mu.Lock()

	if existing, ok := c.entries[u.Key]; ok {
		c.mu.Unlock()

		out := Outcome{Key: u.Key, Duplicate: true}
		if u.Mode == Eager {
			out.Degraded = !c.wait(ctx, existing)
		}
		out.State = c.state(existing)

		return out
	}

	latestKey := u.Owner + "/" + u.Kind
	if u.Supersedes {
		if u.Seq < c.latest[latestKey] {
			c.mu.Unlock()
			c.log.Debug("dropping stale upload", "idempotency-key", u.Key)
			return Outcome{Key: u.Key, Stale: true}
		}
		c.latest[latestKey] = u.Seq
	}

	now := time.Now()

	e := &entry{
		unit: u,
		rec: model.UploadRecord{
			Key:     u.Key,
			Owner:   u.Owner,
			Kind:    u.Kind,
			Seq:     u.Seq,
			State:   model.UploadPending,
			Created: now,
			Updated: now,
		},
		done: make(chan struct{}),
	}

	c.entries[u.Key] = e
	c.order = append(c.order, u.Key)
	c.persist(e.rec)

	metric.UploadsSubmitted.WithLabelValues(u.Kind).Inc()

	var finished []*entry

	for _, dep := range u.DependsOn {
		d, ok := c.entries[dep]
		if !ok || !d.rec.State.Terminal() {
			e.waiting++
			c.parked[dep] = append(c.parked[dep], e)
			continue
		}

		switch d.rec.State {
		case model.UploadFailed:
			finished = c.finishLocked(e, model.UploadFailed, "dependency "+dep+" failed", finished)
		case model.UploadDiscarded:
			finished = c.finishLocked(e, model.UploadDiscarded, "dependency "+dep+" discarded", finished)
		}

		if e.rec.State.Terminal() {
			break
		}
	}

	if !e.rec.State.Terminal() && e.waiting == 0 {
		c.readyLocked(e)
	}

	c.mu.Unlock()

	c.notify(finished)

	if u.Mode == Deferred {
		return Outcome{Key: u.Key, State: c.state(e)}
	}

	out := Outcome{Key: u.Key}
	if !c.wait(ctx, e) {
		out.Degraded = true
		c.log.Warn("eager upload did not finish in time, continuing in background",
			"idempotency-key", u.Key, "timeout", c.cfg.EagerTimeout)
	}
	out.State = c.state(e)

	return out
}

func (c *Coordinator) wait(ctx context.Context, e *entry) bool {
	timer := time.NewTimer(c.cfg.EagerTimeout)
	defer timer.Stop()

	select {
	case <-e.done:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}

	return false
}

func (c *Coordinator) terminal(e *entry) bool {
	return c.state(e).Terminal()
}

func (c *Coordinator) state(e *entry) model.UploadState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return e.rec.State
}

// readyLocked dispatches a unit whose dependencies are uploaded, deferred
// units wait for Drain.
func (c *Coordinator) readyLocked(e *entry) {
	if e.unit.Mode == Deferred && !c.draining {
		c.deferred = append(c.deferred, e)
		return
	}

	c.dispatchLocked(e)
}

func (c *Coordinator) dispatchLocked(e *entry) {
	if e.dispatched || e.rec.State.Terminal() {
		return
	}

	e.dispatched = true
	c.running.Add(1)

	go c.process(e)
}

// process runs the attempts of a single unit. It is the only place a unit is
// delivered, which guarantees at most one request in flight per key.
func (c *Coordinator) process(e *entry) {
	defer c.running.Done()

	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		c.complete(e, model.UploadDiscarded, "coordinator stopped")
		return
	}
	defer c.sem.Release(1)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	log := c.log.With("idempotency-key", e.unit.Key)

	finalAttempt := false

	for {
		c.mu.Lock()
		if e.rec.State.Terminal() {
			c.mu.Unlock()
			return
		}
		if e.discard {
			c.mu.Unlock()
			c.complete(e, model.UploadDiscarded, "discarded")
			return
		}
		e.rec.State = model.UploadUploading
		e.rec.Attempts++
		e.rec.Updated = time.Now()
		attempts := e.rec.Attempts
		c.persist(e.rec)
		c.mu.Unlock()

		remoteID, err := e.unit.Deliver(c.ctx, c.resolve)

		// Abort may have finished the unit while it was in flight.
		if c.terminal(e) {
			log.Debug("upload finished while in flight", "error", err)
			return
		}

		if err == nil {
			c.mu.Lock()
			e.rec.RemoteID = remoteID
			c.mu.Unlock()

			c.complete(e, model.UploadUploaded, "")
			return
		}

		metric.UploadAttemptsFailed.WithLabelValues(e.unit.Kind).Inc()

		if !IsTransient(err) {
			log.Error("upload rejected", "error", err, "attempts", attempts)
			c.complete(e, model.UploadFailed, err.Error())
			return
		}

		if finalAttempt {
			c.complete(e, model.UploadDiscarded, err.Error())
			return
		}

		if attempts >= c.cfg.MaxAttempts {
			log.Warn("upload failed, giving up", "error", err, "attempts", attempts)
			c.complete(e, model.UploadFailed, err.Error())
			return
		}

		c.mu.Lock()
		if e.rec.State.Terminal() {
			c.mu.Unlock()
			return
		}
		e.rec.State = model.UploadPending
		e.rec.LastError = err.Error()
		e.rec.Updated = time.Now()
		c.persist(e.rec)
		c.mu.Unlock()

		wait := b.NextBackOff()

		log.Debug("upload failed, retrying", "error", err, "attempts", attempts, "backoff", wait)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-c.aborting:
			timer.Stop()
			finalAttempt = true
		case <-c.ctx.Done():
			timer.Stop()
			c.complete(e, model.UploadDiscarded, "coordinator stopped")
			return
		}
	}
}

func (c *Coordinator) resolve(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		return e.rec.RemoteID
	}

	return ""
}

func (c *Coordinator) complete(e *entry, state model.UploadState, reason string) {
	c.mu.Lock()
	finished := c.finishLocked(e, state, reason, nil)
	c.mu.Unlock()

	c.notify(finished)
}

// finishLocked moves e to a terminal state and releases, fails or discards
// the units parked behind it. It returns all entries that were finished.
func (c *Coordinator) finishLocked(e *entry, state model.UploadState, reason string, finished []*entry) []*entry {
	if e.rec.State.Terminal() {
		return finished
	}

	e.rec.State = state
	if reason != "" {
		e.rec.LastError = reason
	}
	e.rec.Updated = time.Now()
	c.persist(e.rec)

	metric.UploadsFinished.WithLabelValues(e.unit.Kind, string(state)).Inc()

	finished = append(finished, e)

	dependents := c.parked[e.unit.Key]
	delete(c.parked, e.unit.Key)

	for _, d := range dependents {
		switch state {
		case model.UploadUploaded:
			d.waiting--
			if d.waiting == 0 && !d.rec.State.Terminal() {
				c.readyLocked(d)
			}
		case model.UploadFailed:
			finished = c.finishLocked(d, model.UploadFailed, "dependency "+e.unit.Key+" failed", finished)
		default:
			finished = c.finishLocked(d, model.UploadDiscarded, "dependency "+e.unit.Key+" discarded", finished)
		}
	}

	return finished
}

// notify calls OnDone of every finished unit and only then releases the
// callers waiting for them.
func (c *Coordinator) notify(finished []*entry) {
	for _, e := range finished {
		if e.unit.OnDone == nil {
			continue
		}

		c.mu.Lock()
		rec := e.rec
		c.mu.Unlock()

		e.unit.OnDone(rec)
	}

	for _, e := range finished {
		close(e.done)
	}
}

func (c *Coordinator) persist(rec model.UploadRecord) {
	if err := c.store.SaveRecord(c.ctx, rec); err != nil {
		c.log.Warn("persisting upload record failed", "idempotency-key", rec.Key, "error", err)
	}
}

// Discard drops all units of owner that did not start uploading yet. Units
// that are in flight are discarded instead of being retried.
func (c *Coordinator) Discard(owner string) int {
	c.mu.Lock()

	var finished []*entry

	for _, key := range c.order {
		e := c.entries[key]
		if e.unit.Owner != owner || e.rec.State.Terminal() {
			continue
		}

		e.discard = true

		if !e.dispatched {
			finished = c.finishLocked(e, model.UploadDiscarded, "owner revoked", finished)
		}
	}

	c.mu.Unlock()

	c.notify(finished)

	return len(finished)
}

// Drain releases all deferred units and waits until every unit is finished
// or the timeout expires. It returns the number of units that are Failed,
// units that are still unfinished count as Failed.
func (c *Coordinator) Drain(timeout time.Duration) int {
	c.mu.Lock()
	c.draining = true
	for _, e := range c.deferred {
		c.dispatchLocked(e)
	}
	c.deferred = nil
	c.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

wait:
	for {
		pending := c.unfinished()
		if len(pending) == 0 {
			break
		}

		for _, e := range pending {
			select {
			case <-e.done:
			case <-deadline.C:
				break wait
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	failed := 0
	for _, e := range c.entries {
		if e.rec.State == model.UploadFailed || !e.rec.State.Terminal() {
			failed++
		}
	}

	return failed
}

// unfinished returns the units that are dispatched or ready to be. Units
// parked behind a dependency that was never submitted are excluded.
func (c *Coordinator) unfinished() []*entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := []*entry{}

	for _, e := range c.entries {
		if !e.dispatched {
			continue
		}

		select {
		case <-e.done:
			continue
		default:
		}

		pending = append(pending, e)
	}

	return pending
}

// Abort gives every unit that is waiting for a retry one final attempt and
// discards everything that is still not finished afterwards.
func (c *Coordinator) Abort(ctx context.Context) {
	c.abortOnce.Do(func() { close(c.aborting) })

	c.mu.Lock()
	c.draining = true
	for _, e := range c.deferred {
		c.dispatchLocked(e)
	}
	c.deferred = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.cancel()
	}

	c.mu.Lock()
	var finished []*entry
	for _, key := range c.order {
		e := c.entries[key]
		if !e.rec.State.Terminal() {
			finished = c.finishLocked(e, model.UploadDiscarded, "run aborted", finished)
		}
	}
	c.mu.Unlock()

	c.notify(finished)
}

// Close stops all workers.
func (c *Coordinator) Close() {
	c.cancel()
	c.running.Wait()
}

// Records returns the records of all units in submission order.
func (c *Coordinator) Records() []model.UploadRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := make([]model.UploadRecord, 0, len(c.order))
	for _, key := range c.order {
		records = append(records, c.entries[key].rec)
	}

	return records
}

// Record returns the record of key.
func (c *Coordinator) Record(key string) (model.UploadRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return model.UploadRecord{}, false
	}

	return e.rec, true
}

// IsTransient reports whether an upload error may succeed when retried.
// Errors wrapped with backoff.Permanent and errors reporting
// `Temporary() == false` are definitive, everything else is transient.
func IsTransient(err error) bool {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) {
		return temporary.Temporary()
	}

	return true
}
