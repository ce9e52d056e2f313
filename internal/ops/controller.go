// Package ops owns the live operational state. A single Controller serializes
// every change, adopts new states as a unit and persists them behind the
// caller's back; Flush and Durable expose when a version reached storage.
package ops

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"opsqueue/internal/domain"
	"opsqueue/internal/engine"
	"opsqueue/internal/feed"
	"opsqueue/internal/store"
)

var (
	ErrNotStarted          = errors.New("controller not started")
	ErrClosed              = errors.New("controller closed")
	ErrUnknownProfessional = errors.New("unknown professional")
	ErrDuplicateItem       = errors.New("an active queue item already exists for this lead and specialty")
	ErrInvalidSpecialty    = errors.New("invalid specialty")
	ErrInvalidItem         = errors.New("lead id is required")
)

// DefaultAutomationInterval is the period of the fairness sweep.
const DefaultAutomationInterval = 60 * time.Second

// Backend loads and persists the aggregate state. *store.Adapter is the
// production implementation; remote failures must be returned as
// *store.PersistError so the controller can tell them from local ones.
type Backend interface {
	Load(ctx context.Context) (domain.State, store.Mode, error)
	Persist(ctx context.Context, state domain.State, mode store.Mode) error
}

type Options struct {
	Engine  engine.Engine
	Backend Backend
	// Feed is optional; without it the CRM sync step is skipped.
	Feed    feed.Source
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *Collector
	// AutomationInterval is the sweep period; negative disables the sweep.
	AutomationInterval time.Duration
	// StrictRemote makes Flush report remote persistence failures.
	StrictRemote bool
	// PersistTimeout bounds one persist of the whole state.
	PersistTimeout time.Duration
}

// Snapshot is a consistent view of the controller.
type Snapshot struct {
	State   domain.State `json:"state"`
	Mode    store.Mode   `json:"mode" enum:"remote,local"`
	Version uint64       `json:"version"`
}

// Status describes storage health.
type Status struct {
	Mode             store.Mode `json:"mode" enum:"remote,local"`
	Version          uint64     `json:"version"`
	PersistedVersion uint64     `json:"persisted_version"`
	Durable          bool       `json:"durable"`
	LastError        string     `json:"last_error,omitempty"`
	FeedFingerprint  string     `json:"feed_fingerprint,omitempty"`
}

type Controller struct {
	engine         engine.Engine
	backend        Backend
	feed           feed.Source
	clock          clock.Clock
	logger         *zap.Logger
	metrics        *Collector
	interval       time.Duration
	strict         bool
	persistTimeout time.Duration

	mu          sync.Mutex
	started     bool
	closed      bool
	state       domain.State
	mode        store.Mode
	signature   string
	lastFeed    *feed.Snapshot
	fingerprint string
	version     uint64
	attempted   uint64
	persisted   uint64
	persistErr  error
	// progress is closed and replaced after every persist attempt.
	progress chan struct{}

	kick    chan struct{}
	stopCh  chan struct{}
	persist sync.Mutex
	wg      sync.WaitGroup
}

func New(opts Options) *Controller {
	c := &Controller{
		engine:         opts.Engine,
		backend:        opts.Backend,
		feed:           opts.Feed,
		clock:          opts.Clock,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		interval:       opts.AutomationInterval,
		strict:         opts.StrictRemote,
		persistTimeout: opts.PersistTimeout,
		state:          domain.NewState(),
		mode:           store.ModeLocal,
		progress:       make(chan struct{}),
		kick:           make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
	}
	if c.clock == nil {
		c.clock = clock.WallClock
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.interval == 0 {
		c.interval = DefaultAutomationInterval
	}
	if c.persistTimeout <= 0 {
		c.persistTimeout = 10 * time.Second
	}
	return c
}

// Start loads the persisted state, merges the current feed into it, runs a
// sweep and persists the result before starting the background loops.
func (c *Controller) Start(ctx context.Context) error {
	state, mode, err := c.backend.Load(ctx)
	if err != nil {
		return err
	}
	var snap *feed.Snapshot
	if c.feed != nil {
		s, err := c.feed.Snapshot(ctx)
		if err != nil {
			c.logger.Warn("feed unavailable at startup, skipping sync", zap.Error(err))
		} else {
			snap = &s
		}
	}
	state, res := c.sync(state, snap)
	if snap == nil {
		state, res = c.engine.Automate(state)
	}
	c.metrics.observeAssignments(res...)

	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	c.mode = mode
	if snap != nil {
		c.lastFeed = snap
		c.fingerprint = snap.Fingerprint()
	}
	c.adopt(state)
	c.mu.Unlock()

	c.logger.Info("controller started",
		zap.String("mode", string(mode)),
		zap.Int("professionals", len(state.Professionals)),
		zap.Int("queue", len(state.Queue)),
		zap.Int("assigned", len(res)))

	c.persistLatest()

	c.wg.Add(1)
	go c.persistLoop()
	if c.feed != nil {
		c.wg.Add(1)
		go c.feedLoop()
	}
	if c.interval > 0 {
		c.wg.Add(1)
		go c.automationLoop()
	}
	return nil
}

// Close stops the background loops and persists the latest state.
func (c *Controller) Close() error {
	c.mu.Lock()
	if !c.started || c.closed {
		c.closed = true
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
	c.persistLatest()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.persisted < c.version {
		return c.persistErr
	}
	return nil
}

// sync runs the CRM step: roster sync, departed-member pruning, queue sync
// and a fairness sweep so new leads are assigned as soon as they appear. A
// nil snapshot leaves state untouched.
func (c *Controller) sync(state domain.State, snap *feed.Snapshot) (domain.State, []engine.Assignment) {
	if snap == nil {
		return state, nil
	}
	state = c.engine.SyncProfessionals(state, snap.Profiles)
	// An empty roster is treated as a missing export, not a mass departure.
	if len(snap.Profiles) > 0 {
		members := c.engine.RosterIDs(snap.Profiles)
		for id := range state.Professionals {
			if !members[id] {
				state, _ = c.engine.RemoveProfessional(state, id)
				c.logger.Info("professional left the roster", zap.String("professional", id))
			}
		}
	}
	return c.engine.Automate(c.engine.SyncQueue(state, snap.Leads))
}

// adopt replaces the cached state when its signature differs. c.mu must be
// held.
func (c *Controller) adopt(next domain.State) bool {
	sig := engine.Signature(next)
	if sig == c.signature {
		return false
	}
	c.state = next
	c.signature = sig
	c.version++
	c.metrics.observeState(next, c.mode)
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return true
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{State: c.state.Clone(), Mode: c.mode, Version: c.version}
}

// update applies fn to the current state under the controller lock.
func (c *Controller) update(ctx context.Context, fn func(domain.State) (domain.State, error)) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return Snapshot{}, ErrNotStarted
	}
	if c.closed {
		return Snapshot{}, ErrClosed
	}
	next, err := fn(c.state)
	if err != nil {
		return c.snapshotLocked(), err
	}
	c.adopt(next)
	return c.snapshotLocked(), nil
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) Mode() store.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Mode:             c.mode,
		Version:          c.version,
		PersistedVersion: c.persisted,
		Durable:          c.persisted >= c.version,
		FeedFingerprint:  c.fingerprint,
	}
	if c.persistErr != nil {
		st.LastError = c.persistErr.Error()
	}
	return st
}

// AssignNext assigns the oldest waiting item of specialty.
func (c *Controller) AssignNext(ctx context.Context, specialty domain.Specialty) (Snapshot, engine.Assignment, error) {
	if !specialty.Valid() {
		return Snapshot{}, engine.Assignment{}, ErrInvalidSpecialty
	}
	var res engine.Assignment
	snap, err := c.update(ctx, func(s domain.State) (domain.State, error) {
		var next domain.State
		next, res = c.engine.AssignNext(s, specialty)
		return next, nil
	})
	if err == nil {
		c.metrics.observeAssignments(res)
	}
	return snap, res, err
}

// UpdateQueueStatus moves a queue item forward. Unknown items and rejected
// transitions are reported through the outcome, not the error.
func (c *Controller) UpdateQueueStatus(ctx context.Context, id string, status domain.QueueStatus) (Snapshot, engine.Transition, error) {
	var res engine.Transition
	snap, err := c.update(ctx, func(s domain.State) (domain.State, error) {
		var next domain.State
		next, res = c.engine.UpdateQueueStatus(s, id, status)
		return next, nil
	})
	return snap, res, err
}

// AddManualItem queues an operator-created item and immediately tries to
// assign its specialty.
func (c *Controller) AddManualItem(ctx context.Context, in engine.ManualItem) (Snapshot, engine.Assignment, error) {
	if in.LeadID == "" {
		return Snapshot{}, engine.Assignment{}, ErrInvalidItem
	}
	if !in.Specialty.Valid() {
		return Snapshot{}, engine.Assignment{}, ErrInvalidSpecialty
	}
	var res engine.Assignment
	snap, err := c.update(ctx, func(s domain.State) (domain.State, error) {
		next, ok := c.engine.AddManualItem(s, in)
		if !ok {
			return s, ErrDuplicateItem
		}
		next, res = c.engine.AssignNext(next, in.Specialty)
		return next, nil
	})
	if err == nil {
		c.metrics.observeAssignments(res)
	}
	return snap, res, err
}

func (c *Controller) UpdateProfessional(ctx context.Context, id string, patch engine.ProfessionalPatch) (Snapshot, error) {
	return c.update(ctx, func(s domain.State) (domain.State, error) {
		next, ok := c.engine.UpdateProfessional(s, id, patch)
		if !ok {
			return s, ErrUnknownProfessional
		}
		return next, nil
	})
}

// RemoveProfessional drops a professional. A member still on the roster
// reappears with default tuning at the next feed resync.
func (c *Controller) RemoveProfessional(ctx context.Context, id string) (Snapshot, error) {
	return c.update(ctx, func(s domain.State) (domain.State, error) {
		next, ok := c.engine.RemoveProfessional(s, id)
		if !ok {
			return s, ErrUnknownProfessional
		}
		return next, nil
	})
}

func (c *Controller) UpdateSettings(ctx context.Context, patch engine.SettingsPatch) (Snapshot, error) {
	return c.update(ctx, func(s domain.State) (domain.State, error) {
		return c.engine.UpdateSettings(s, patch), nil
	})
}

// SetAndPersist replaces the state wholesale, re-applies the CRM sync step
// and waits until the result is durable.
func (c *Controller) SetAndPersist(ctx context.Context, state domain.State) (Snapshot, error) {
	return c.UpdateAndPersist(ctx, func(domain.State) domain.State { return state })
}

// UpdateAndPersist derives the next state from the current one, re-applies
// the CRM sync step and waits until the result is durable.
func (c *Controller) UpdateAndPersist(ctx context.Context, fn func(domain.State) domain.State) (Snapshot, error) {
	var res []engine.Assignment
	snap, err := c.update(ctx, func(s domain.State) (domain.State, error) {
		var next domain.State
		next, res = c.sync(fn(s.Clone()), c.lastFeed)
		return next, nil
	})
	if err != nil {
		return snap, err
	}
	c.metrics.observeAssignments(res...)
	return snap, c.Flush(ctx)
}

// Resync pulls a fresh feed snapshot. The boolean reports whether the state
// changed; an unchanged feed fingerprint skips the sync entirely.
func (c *Controller) Resync(ctx context.Context) (Snapshot, bool, error) {
	if c.feed == nil {
		return c.Snapshot(), false, nil
	}
	fsnap, err := c.feed.Snapshot(ctx)
	if err != nil {
		return c.Snapshot(), false, err
	}
	fp := fsnap.Fingerprint()
	changed := false
	var res []engine.Assignment
	snap, err := c.update(ctx, func(s domain.State) (domain.State, error) {
		if fp == c.fingerprint {
			return s, nil
		}
		c.lastFeed = &fsnap
		c.fingerprint = fp
		var next domain.State
		next, res = c.sync(s, &fsnap)
		changed = engine.Signature(next) != c.signature
		return next, nil
	})
	if err == nil {
		c.metrics.observeAssignments(res...)
	}
	if err == nil && changed {
		c.logger.Info("feed resynced",
			zap.Int("assigned", len(res)),
			zap.Int("leads", len(fsnap.Leads)),
			zap.Int("profiles", len(fsnap.Profiles)),
			zap.Uint64("version", snap.Version))
	}
	return snap, changed, err
}

// Automate runs one fairness sweep.
func (c *Controller) Automate(ctx context.Context) (Snapshot, []engine.Assignment, error) {
	var res []engine.Assignment
	snap, err := c.update(ctx, func(s domain.State) (domain.State, error) {
		var next domain.State
		next, res = c.engine.Automate(s)
		return next, nil
	})
	if err == nil {
		c.metrics.observeAssignments(res...)
	}
	return snap, res, err
}

// Durable reports whether version v has been written to storage.
func (c *Controller) Durable(v uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persisted >= v
}

// Flush waits until the current version has been persisted. It returns
// the local write error if the blob could not be written, and the remote
// error as well when StrictRemote is set.
func (c *Controller) Flush(ctx context.Context) error {
	c.mu.Lock()
	target := c.version
	c.mu.Unlock()
	for {
		c.mu.Lock()
		if c.attempted >= target {
			err := c.flushResult(target)
			c.mu.Unlock()
			return err
		}
		wait := c.progress
		closed := c.closed
		c.mu.Unlock()

		if closed {
			// The loops are gone; persist on the caller's goroutine.
			c.persistLatest()
		} else {
			select {
			case c.kick <- struct{}{}:
			default:
			}
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flushResult reports the outcome for target once it was attempted. c.mu
// must be held.
func (c *Controller) flushResult(target uint64) error {
	if c.persisted < target {
		return c.persistErr
	}
	if c.strict && c.persistErr != nil {
		return c.persistErr
	}
	return nil
}

func (c *Controller) persistLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.kick:
			c.persistLatest()
		}
	}
}

// persistLatest writes the newest state if it has not been attempted yet.
func (c *Controller) persistLatest() {
	c.persist.Lock()
	defer c.persist.Unlock()

	c.mu.Lock()
	if c.attempted >= c.version {
		c.mu.Unlock()
		return
	}
	state, mode, version := c.state, c.mode, c.version
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout)
	err := c.backend.Persist(ctx, state, mode)
	cancel()
	c.metrics.observePersist(mode, err)

	var remoteErr *store.PersistError
	localOK := err == nil || errors.As(err, &remoteErr)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempted = version
	if localOK {
		c.persisted = version
	}
	c.persistErr = err
	if err != nil {
		c.logger.Warn("persist failed",
			zap.String("mode", string(mode)), zap.Uint64("version", version), zap.Error(err))
		if mode == store.ModeRemote && c.mode == store.ModeRemote && store.ShouldDegrade(err) {
			c.mode = store.ModeLocal
			c.metrics.observeState(c.state, c.mode)
			c.logger.Warn("remote store unusable, continuing in local mode", zap.Error(err))
		}
	}
	close(c.progress)
	c.progress = make(chan struct{})
}

func (c *Controller) feedLoop() {
	defer c.wg.Done()
	changes := c.feed.Changes()
	for {
		select {
		case <-c.stopCh:
			return
		case <-changes:
			ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout)
			if _, _, err := c.Resync(ctx); err != nil {
				c.logger.Warn("feed resync failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (c *Controller) automationLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.clock.After(c.interval):
			_, res, err := c.Automate(context.Background())
			if err != nil {
				if !errors.Is(err, ErrClosed) {
					c.logger.Warn("automation sweep failed", zap.Error(err))
				}
				continue
			}
			if len(res) > 0 {
				c.logger.Info("automation sweep assigned items", zap.Int("assigned", len(res)))
			}
		}
	}
}
