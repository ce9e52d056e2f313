package ops_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"opsqueue/internal/domain"
	"opsqueue/internal/engine"
	"opsqueue/internal/feed"
	"opsqueue/internal/ops"
	"opsqueue/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type memBackend struct {
	mu      sync.Mutex
	initial domain.State
	mode    store.Mode
	saved   []domain.State
	modes   []store.Mode
	err     error
	gate    chan struct{}
}

func newMemBackend(mode store.Mode) *memBackend {
	return &memBackend{initial: domain.NewState(), mode: mode}
}

func (b *memBackend) Load(context.Context) (domain.State, store.Mode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initial.Clone(), b.mode, nil
}

func (b *memBackend) Persist(ctx context.Context, state domain.State, mode store.Mode) error {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saved = append(b.saved, state)
	b.modes = append(b.modes, mode)
	return b.err
}

func (b *memBackend) setGate(ch chan struct{}) {
	b.mu.Lock()
	b.gate = ch
	b.mu.Unlock()
}

func (b *memBackend) setErr(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *memBackend) last() (domain.State, store.Mode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.saved) == 0 {
		return domain.State{}, ""
	}
	return b.saved[len(b.saved)-1], b.modes[len(b.modes)-1]
}

func testEngine() engine.Engine {
	e := engine.New(engine.DefaultRules())
	e.Now = func() time.Time { return t0 }
	var mu sync.Mutex
	seq := 0
	e.NewID = func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("m-%d", seq)
	}
	return e
}

func lead(id, service string) domain.Lead {
	return domain.Lead{ID: id, CompanyName: "Co " + id, ServiceType: service, PipelineStatus: "Fechado", PaymentStatus: "Pendente"}
}

func profile(id string) domain.Profile {
	return domain.Profile{ID: id, FullName: "Pro " + id, Role: domain.RoleExecutor}
}

type harness struct {
	ctrl    *ops.Controller
	backend *memBackend
	feed    *feed.Static
	clock   *testclock.Clock
	metrics *ops.Collector
}

func start(t *testing.T, snap feed.Snapshot, mutate func(*ops.Options)) *harness {
	t.Helper()
	h := &harness{
		backend: newMemBackend(store.ModeRemote),
		feed:    feed.NewStatic(snap),
		clock:   testclock.NewClock(t0),
		metrics: ops.NewMetricsCollector(),
	}
	opts := ops.Options{
		Engine:             testEngine(),
		Backend:            h.backend,
		Feed:               h.feed,
		Clock:              h.clock,
		Logger:             zap.NewNop(),
		Metrics:            h.metrics,
		AutomationInterval: time.Minute,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.ctrl = ops.New(opts)
	require.NoError(t, h.ctrl.Start(context.Background()))
	t.Cleanup(func() { h.ctrl.Close() })
	return h
}

func TestCommandsRequireStart(t *testing.T) {
	ctrl := ops.New(ops.Options{Engine: testEngine(), Backend: newMemBackend(store.ModeLocal)})
	_, _, err := ctrl.AssignNext(context.Background(), domain.SpecialtyDesign)
	require.ErrorIs(t, err, ops.ErrNotStarted)
	require.NoError(t, ctrl.Close())
}

func TestStartMergesFeedAndAutomates(t *testing.T) {
	h := start(t, feed.Snapshot{
		Leads:    []domain.Lead{lead("1", "Logo"), lead("2", "Edição de vídeo")},
		Profiles: []domain.Profile{profile("p1")},
	}, nil)

	snap := h.ctrl.Snapshot()
	require.Len(t, snap.State.Queue, 2)
	design := snap.State.Queue[snap.State.FindQueueItem("q-1")]
	assert.Equal(t, domain.StatusAssigned, design.Status)
	require.NotNil(t, design.AssignedProfessionalID)
	assert.Equal(t, "p1", *design.AssignedProfessionalID)

	video := snap.State.Queue[snap.State.FindQueueItem("q-2")]
	assert.Equal(t, domain.SpecialtyVideo, video.Specialty)
	assert.Equal(t, domain.StatusWaiting, video.Status, "nobody does video yet")

	require.NoError(t, h.ctrl.Flush(context.Background()))
	assert.True(t, h.ctrl.Durable(snap.Version))
	saved, mode := h.backend.last()
	assert.Equal(t, store.ModeRemote, mode)
	assert.Equal(t, engine.Signature(snap.State), engine.Signature(saved))
}

func TestWriteBehindAndFlush(t *testing.T) {
	h := start(t, feed.Snapshot{}, nil)
	gate := make(chan struct{})
	h.backend.setGate(gate)

	pct := 20
	snap, err := h.ctrl.UpdateSettings(context.Background(), engine.SettingsPatch{ProspectorPercent: &pct})
	require.NoError(t, err)
	assert.Equal(t, 20, snap.State.Settings.ProspectorPercent)
	assert.Equal(t, 35, snap.State.Settings.AgencyPercent)
	assert.False(t, h.ctrl.Durable(snap.Version), "memory is updated before storage")

	close(gate)
	require.NoError(t, h.ctrl.Flush(context.Background()))
	assert.True(t, h.ctrl.Durable(snap.Version))
	saved, _ := h.backend.last()
	assert.Equal(t, 20, saved.Settings.ProspectorPercent)
}

func TestFlushHonorsContext(t *testing.T) {
	h := start(t, feed.Snapshot{}, nil)
	gate := make(chan struct{})
	h.backend.setGate(gate)
	defer close(gate)

	pct := 5
	_, err := h.ctrl.UpdateSettings(context.Background(), engine.SettingsPatch{ExecutorPercent: &pct})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.ctrl.Flush(ctx), context.DeadlineExceeded)
}

func TestDegradesToLocalWhenRemoteUnprovisioned(t *testing.T) {
	h := start(t, feed.Snapshot{}, nil)
	require.Equal(t, store.ModeRemote, h.ctrl.Mode())

	h.backend.setErr(&store.PersistError{Stage: "settings", Err: store.ErrNotProvisioned})
	mode := domain.DistributionFirst
	_, err := h.ctrl.UpdateSettings(context.Background(), engine.SettingsPatch{DistributionMode: &mode})
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Flush(context.Background()), "remote failures are best-effort by default")
	assert.Equal(t, store.ModeLocal, h.ctrl.Mode())
	assert.NotEmpty(t, h.ctrl.Status().LastError)

	h.backend.setErr(nil)
	pct := 30
	snap, err := h.ctrl.UpdateSettings(context.Background(), engine.SettingsPatch{ExecutorPercent: &pct})
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Flush(context.Background()))
	_, savedMode := h.backend.last()
	assert.Equal(t, store.ModeLocal, savedMode, "no remote writes after degrading")
	assert.Equal(t, store.ModeLocal, snap.Mode)
}

func TestStrictRemoteSurfacesPersistErrors(t *testing.T) {
	h := start(t, feed.Snapshot{}, func(o *ops.Options) { o.StrictRemote = true })
	h.backend.setErr(&store.PersistError{Stage: "queue", Err: errors.New("disk I/O error")})

	pct := 12
	_, err := h.ctrl.UpdateSettings(context.Background(), engine.SettingsPatch{ProspectorPercent: &pct})
	require.NoError(t, err)
	err = h.ctrl.Flush(context.Background())
	var perr *store.PersistError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, store.ModeRemote, h.ctrl.Mode(), "transient errors do not degrade")
}

func TestLocalWriteFailureIsNotDurable(t *testing.T) {
	h := start(t, feed.Snapshot{}, nil)
	h.backend.setErr(errors.New("read-only file system"))

	pct := 11
	snap, err := h.ctrl.UpdateSettings(context.Background(), engine.SettingsPatch{ProspectorPercent: &pct})
	require.NoError(t, err)
	require.Error(t, h.ctrl.Flush(context.Background()))
	assert.False(t, h.ctrl.Durable(snap.Version))

	h.backend.setErr(nil)
}

func TestAssignAndTransitionCommands(t *testing.T) {
	h := start(t, feed.Snapshot{
		Leads:    []domain.Lead{lead("1", "Site institucional")},
		Profiles: []domain.Profile{profile("p1")},
	}, nil)
	ctx := context.Background()

	_, res, err := h.ctrl.AssignNext(ctx, domain.SpecialtyWeb)
	require.NoError(t, err)
	assert.Equal(t, engine.NoEligibleCandidate, res.Outcome)

	_, err = h.ctrl.UpdateProfessional(ctx, "p1", engine.ProfessionalPatch{Specialties: []domain.Specialty{domain.SpecialtyWeb}})
	require.NoError(t, err)
	_, res, err = h.ctrl.AssignNext(ctx, domain.SpecialtyWeb)
	require.NoError(t, err)
	assert.Equal(t, engine.Assigned, res.Outcome)
	assert.Equal(t, "p1", res.ProfessionalID)

	_, res, err = h.ctrl.AssignNext(ctx, domain.SpecialtyWeb)
	require.NoError(t, err)
	assert.Equal(t, engine.QueueEmpty, res.Outcome)

	_, tr, err := h.ctrl.UpdateQueueStatus(ctx, "q-1", domain.StatusWaiting)
	require.NoError(t, err)
	assert.Equal(t, engine.Rejected, tr.Outcome)

	snap, tr, err := h.ctrl.UpdateQueueStatus(ctx, "q-1", domain.StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, engine.Transitioned, tr.Outcome)
	assert.Equal(t, 0, snap.State.Professionals["p1"].ActiveJobs)

	_, tr, err = h.ctrl.UpdateQueueStatus(ctx, "missing", domain.StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, engine.UnknownItem, tr.Outcome)

	_, _, err = h.ctrl.AssignNext(ctx, domain.Specialty("pottery"))
	require.ErrorIs(t, err, ops.ErrInvalidSpecialty)
	_, err = h.ctrl.UpdateProfessional(ctx, "ghost", engine.ProfessionalPatch{})
	require.ErrorIs(t, err, ops.ErrUnknownProfessional)

	assert.Equal(t, 1, testutil.CollectAndCount(h.metrics, "opsqueue_assignments_total"))
}

func TestAddManualItemAssignsAndRejectsDuplicates(t *testing.T) {
	h := start(t, feed.Snapshot{Profiles: []domain.Profile{profile("p1")}}, nil)
	ctx := context.Background()

	item := engine.ManualItem{LeadID: "lead-9", LeadName: "Walk-in", Specialty: domain.SpecialtyDesign}
	snap, res, err := h.ctrl.AddManualItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, engine.Assigned, res.Outcome)
	assert.Equal(t, "m-1", res.QueueID)
	require.Len(t, snap.State.Queue, 1)

	_, _, err = h.ctrl.AddManualItem(ctx, item)
	require.ErrorIs(t, err, ops.ErrDuplicateItem)

	_, _, err = h.ctrl.AddManualItem(ctx, engine.ManualItem{Specialty: domain.SpecialtyDesign})
	require.ErrorIs(t, err, ops.ErrInvalidItem)
}

func TestResyncUsesFingerprint(t *testing.T) {
	snap := feed.Snapshot{Leads: []domain.Lead{lead("1", "Logo")}}
	h := start(t, snap, func(o *ops.Options) { o.AutomationInterval = -1 })
	ctx := context.Background()

	_, changed, err := h.ctrl.Resync(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	paid := lead("1", "Logo")
	paid.PaymentStatus = "Pago"
	h.feed.Set(feed.Snapshot{Leads: []domain.Lead{paid, lead("2", "Reels")}})

	require.Eventually(t, func() bool {
		s := h.ctrl.Snapshot().State
		return s.FindQueueItem("q-1") < 0 && s.FindQueueItem("q-2") >= 0
	}, 5*time.Second, 10*time.Millisecond, "feed change must trigger a resync")
	assert.NotEmpty(t, h.ctrl.Status().FeedFingerprint)
}

func TestResyncAssignsNewLeadsWithoutSweep(t *testing.T) {
	h := start(t, feed.Snapshot{Profiles: []domain.Profile{profile("p1")}}, func(o *ops.Options) { o.AutomationInterval = -1 })
	ctx := context.Background()

	h.feed.Set(feed.Snapshot{
		Leads:    []domain.Lead{lead("L1", "Identidade visual")},
		Profiles: []domain.Profile{profile("p1")},
	})
	snap, changed, err := h.ctrl.Resync(ctx)
	require.NoError(t, err)
	if !changed {
		// The feed loop may have applied the change first.
		snap = h.ctrl.Snapshot()
	}
	idx := snap.State.FindQueueItem("q-L1")
	require.GreaterOrEqual(t, idx, 0)
	item := snap.State.Queue[idx]
	assert.Equal(t, domain.StatusAssigned, item.Status)
	require.NotNil(t, item.AssignedProfessionalID)
	assert.Equal(t, "p1", *item.AssignedProfessionalID)
	assert.Equal(t, 1, snap.State.Professionals["p1"].ActiveJobs)
	assert.Equal(t, 1, testutil.CollectAndCount(h.metrics, "opsqueue_assignments_total"))
}

func TestRosterDeparturePrunesProfessional(t *testing.T) {
	h := start(t, feed.Snapshot{Profiles: []domain.Profile{profile("p1"), profile("p2")}}, nil)
	require.Len(t, h.ctrl.Snapshot().State.Professionals, 2)

	h.feed.Set(feed.Snapshot{Profiles: []domain.Profile{profile("p1")}})
	require.Eventually(t, func() bool {
		_, ok := h.ctrl.Snapshot().State.Professionals["p2"]
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	h.feed.Set(feed.Snapshot{})
	_, _, err := h.ctrl.Resync(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.ctrl.Snapshot().State.Professionals, 1, "an empty roster export prunes nobody")
}

func TestSetAndPersistReappliesFeed(t *testing.T) {
	h := start(t, feed.Snapshot{
		Leads:    []domain.Lead{lead("1", "Logo")},
		Profiles: []domain.Profile{profile("p1")},
	}, nil)

	snap, err := h.ctrl.SetAndPersist(context.Background(), domain.NewState())
	require.NoError(t, err)
	assert.True(t, h.ctrl.Durable(snap.Version))
	assert.Contains(t, snap.State.Professionals, "p1")
	require.GreaterOrEqual(t, snap.State.FindQueueItem("q-1"), 0)
	assert.Equal(t, domain.StatusAssigned, snap.State.Queue[snap.State.FindQueueItem("q-1")].Status)
	assert.Equal(t, 1, snap.State.Professionals["p1"].ActiveJobs)

	snap, err = h.ctrl.UpdateAndPersist(context.Background(), func(s domain.State) domain.State {
		s.Settings.DistributionMode = domain.DistributionFirst
		return s
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DistributionFirst, snap.State.Settings.DistributionMode)
}

func TestAutomationLoopRunsOnInterval(t *testing.T) {
	h := start(t, feed.Snapshot{
		Leads:    []domain.Lead{lead("1", "Landing page")},
		Profiles: []domain.Profile{profile("p1")},
	}, nil)
	ctx := context.Background()

	_, err := h.ctrl.UpdateProfessional(ctx, "p1", engine.ProfessionalPatch{Specialties: []domain.Specialty{domain.SpecialtyWeb}})
	require.NoError(t, err)
	s := h.ctrl.Snapshot().State
	require.Equal(t, domain.StatusWaiting, s.Queue[s.FindQueueItem("q-1")].Status)

	require.NoError(t, h.clock.WaitAdvance(time.Minute, 5*time.Second, 1))
	require.Eventually(t, func() bool {
		s := h.ctrl.Snapshot().State
		return s.Queue[s.FindQueueItem("q-1")].Status == domain.StatusAssigned
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := start(t, feed.Snapshot{}, nil)
	require.NoError(t, h.ctrl.Close())
	require.NoError(t, h.ctrl.Close())
	_, _, err := h.ctrl.Automate(context.Background())
	require.ErrorIs(t, err, ops.ErrClosed)
}
