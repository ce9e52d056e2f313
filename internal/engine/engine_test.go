package engine_test

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsqueue/internal/domain"
	"opsqueue/internal/engine"
)

type testEnv struct {
	Engine engine.Engine
	clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	seq := 0
	env.Engine = engine.New(engine.DefaultRules())
	env.Engine.Now = func() time.Time { return env.clock }
	env.Engine.NewID = func() string {
		seq++
		return fmt.Sprintf("manual-%d", seq)
	}
	return env
}

func (env *testEnv) tick() {
	env.clock = env.clock.Add(time.Minute)
}

func closedLead(id, service string) domain.Lead {
	return domain.Lead{
		ID:             id,
		CompanyName:    "Company " + id,
		ServiceType:    service,
		PipelineStatus: "Fechado",
		PaymentStatus:  "Pendente",
	}
}

func professional(id string, active int, specialties ...domain.Specialty) domain.Professional {
	return domain.Professional{
		ID:            id,
		Name:          id,
		Specialties:   specialties,
		ActiveJobs:    active,
		MaxActiveJobs: 2,
		QualityScore:  80,
		SLAScore:      80,
		IsAvailable:   true,
	}
}

func TestGuessSpecialty(t *testing.T) {
	cases := map[string]domain.Specialty{
		"Gestão de Tráfego pago":        domain.SpecialtyPaidTraffic,
		"Social media mensal":           domain.SpecialtySocial,
		"Landing page":                  domain.SpecialtyWeb,
		"Site institucional":            domain.SpecialtyWeb,
		"Motion graphics":               domain.SpecialtyMotion,
		"Edição de vídeo institucional": domain.SpecialtyVideo,
		"Reels":                         domain.SpecialtyVideo,
		"Identidade visual":             domain.SpecialtyDesign,
		"":                              domain.SpecialtyDesign,
		"\xff\xfe garbled":              domain.SpecialtyDesign,
		"ビデオ":                           domain.SpecialtyDesign,
		"Social + tráfego":              domain.SpecialtyPaidTraffic,
	}
	for in, want := range cases {
		assert.Equal(t, want, engine.GuessSpecialty(in), "service %q", in)
	}
}

func TestSyncProfessionalsKeepsTuning(t *testing.T) {
	env := newTestEnv(t)
	roster := []domain.Profile{
		{ID: "p1", FullName: "Ana", Email: "ana@example.com", Role: "executor"},
		{ID: "p2", Email: "bob@example.com"},
		{ID: "p3", FullName: "Client", Role: "client"},
	}
	state := env.Engine.SyncProfessionals(domain.NewState(), roster)
	require.Len(t, state.Professionals, 2)
	p1 := state.Professionals["p1"]
	assert.Equal(t, []domain.Specialty{domain.SpecialtyDesign}, p1.Specialties)
	assert.Equal(t, 2, p1.MaxActiveJobs)
	assert.Equal(t, 80, p1.QualityScore)
	assert.True(t, p1.IsAvailable)
	assert.Nil(t, p1.LastAssignedAt)
	assert.Equal(t, "bob@example.com", state.Professionals["p2"].Name)

	tuned, ok := env.Engine.UpdateProfessional(state, "p1", engine.ProfessionalPatch{
		Specialties:   []domain.Specialty{domain.SpecialtyVideo},
		MaxActiveJobs: intPtr(5),
	})
	require.True(t, ok)
	roster[0].FullName = "Ana Maria"
	roster[0].Email = ""
	synced := env.Engine.SyncProfessionals(tuned, roster)
	p1 = synced.Professionals["p1"]
	assert.Equal(t, "Ana Maria", p1.Name)
	assert.Equal(t, "ana@example.com", p1.Email)
	assert.Equal(t, []domain.Specialty{domain.SpecialtyVideo}, p1.Specialties)
	assert.Equal(t, 5, p1.MaxActiveJobs)
}

func TestSyncQueueIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	leads := []domain.Lead{closedLead("L1", "Reels"), closedLead("L2", "Site")}
	first := env.Engine.SyncQueue(domain.NewState(), leads)
	require.Len(t, first.Queue, 2)
	env.tick()
	second := env.Engine.SyncQueue(first, leads)
	assert.Equal(t, engine.Signature(first), engine.Signature(second))
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("second sync changed state (-first +second):\n%s", diff)
	}
}

func TestSyncQueueReconcilesQualifyingWindow(t *testing.T) {
	env := newTestEnv(t)
	leads := []domain.Lead{closedLead("L1", "Reels"), closedLead("L2", "Site")}
	state := env.Engine.SyncQueue(domain.NewState(), leads)
	state.Professionals["p1"] = professional("p1", 0, domain.SpecialtyWeb)
	state, res := env.Engine.AssignNext(state, domain.SpecialtyWeb)
	require.Equal(t, engine.Assigned, res.Outcome)
	state, tr := env.Engine.UpdateQueueStatus(state, "q-L2", domain.StatusDelivered)
	require.Equal(t, engine.Transitioned, tr.Outcome)

	leads[0].PaymentStatus = "Pago"
	leads[1].PaymentStatus = "Pago"
	state = env.Engine.SyncQueue(state, leads)
	require.Len(t, state.Queue, 1)
	assert.Equal(t, "q-L2", state.Queue[0].ID)
	assert.Equal(t, domain.StatusDelivered, state.Queue[0].Status)
}

func TestSyncQueueDoesNotRecreateDeliveredItem(t *testing.T) {
	env := newTestEnv(t)
	leads := []domain.Lead{closedLead("L1", "Reels")}
	state := env.Engine.SyncQueue(domain.NewState(), leads)
	state, _ = env.Engine.UpdateQueueStatus(state, "q-L1", domain.StatusDelivered)
	state = env.Engine.SyncQueue(state, leads)
	require.Len(t, state.Queue, 1)
	assert.Equal(t, domain.StatusDelivered, state.Queue[0].Status)
}

func TestSyncQueueLeadNameAndDefaults(t *testing.T) {
	env := newTestEnv(t)
	state := env.Engine.SyncQueue(domain.NewState(), []domain.Lead{
		{ID: "L1", ClientName: "Maria", PipelineStatus: "Fechado", PaymentStatus: "Pendente", Notes: "urgent"},
		{ID: "L2", ClientName: "Joao", PipelineStatus: "Em negociacao"},
	})
	require.Len(t, state.Queue, 1)
	q := state.Queue[0]
	assert.Equal(t, "Maria", q.LeadName)
	assert.Equal(t, "Servico nao informado", q.ServiceType)
	assert.Equal(t, domain.SpecialtyDesign, q.Specialty)
	assert.Equal(t, domain.StatusWaiting, q.Status)
	assert.Equal(t, "urgent", q.Notes)
}

func TestAssignCapacityInvariant(t *testing.T) {
	env := newTestEnv(t)
	var leads []domain.Lead
	for i := 0; i < 4; i++ {
		leads = append(leads, closedLead(fmt.Sprintf("L%d", i), "Reels"))
	}
	state := env.Engine.SyncQueue(domain.NewState(), leads)
	state.Professionals["p1"] = professional("p1", 0, domain.SpecialtyVideo)
	for i := 0; i < 4; i++ {
		env.tick()
		state, _ = env.Engine.AssignNext(state, domain.SpecialtyVideo)
		p := state.Professionals["p1"]
		require.GreaterOrEqual(t, p.ActiveJobs, 0)
		require.LessOrEqual(t, p.ActiveJobs, p.MaxActiveJobs)
	}
	assert.Equal(t, 2, state.Professionals["p1"].ActiveJobs)
	_, res := env.Engine.AssignNext(state, domain.SpecialtyVideo)
	assert.Equal(t, engine.NoEligibleCandidate, res.Outcome)
}

func TestAssignFIFOWithinSpecialty(t *testing.T) {
	env := newTestEnv(t)
	state := domain.NewState()
	for _, id := range []string{"L1", "L2", "L3"} {
		state = env.Engine.SyncQueue(state, append(leadsOf(state), closedLead(id, "Reels")))
		env.tick()
	}
	// reverse the slice so creation time, not position, decides
	for i, j := 0, len(state.Queue)-1; i < j; i, j = i+1, j-1 {
		state.Queue[i], state.Queue[j] = state.Queue[j], state.Queue[i]
	}
	state.Professionals["p1"] = professional("p1", 0, domain.SpecialtyVideo)
	state.Professionals["p1"] = withCap(state.Professionals["p1"], 5)

	var order []string
	for i := 0; i < 3; i++ {
		var res engine.Assignment
		state, res = env.Engine.AssignNext(state, domain.SpecialtyVideo)
		require.Equal(t, engine.Assigned, res.Outcome)
		order = append(order, res.QueueID)
		env.tick()
	}
	assert.Equal(t, []string{"q-L1", "q-L2", "q-L3"}, order)
}

func TestAssignFairnessTieBreak(t *testing.T) {
	env := newTestEnv(t)
	state := env.Engine.SyncQueue(domain.NewState(), []domain.Lead{closedLead("L1", "Reels")})
	state.Professionals["A"] = professional("A", 0, domain.SpecialtyVideo)
	state.Professionals["B"] = professional("B", 1, domain.SpecialtyVideo)
	next, res := env.Engine.AssignNext(state, domain.SpecialtyVideo)
	require.Equal(t, engine.Assigned, res.Outcome)
	assert.Equal(t, "A", res.ProfessionalID)
	assert.Equal(t, 1, next.Professionals["A"].ActiveJobs)
	require.NotNil(t, next.Professionals["A"].LastAssignedAt)
	assert.Equal(t, 0, state.Professionals["A"].ActiveJobs, "input state must not be mutated")
}

func TestSortProfessionals(t *testing.T) {
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	a := professional("a", 1)
	b := professional("b", 0)
	b.LastAssignedAt = &late
	c := professional("c", 0)
	c.LastAssignedAt = &early
	d := professional("d", 0)
	d.LastAssignedAt = &early
	d.QualityScore = 95
	e := professional("e", 0)

	var ids []string
	for _, p := range engine.SortProfessionals([]domain.Professional{a, b, c, d, e}) {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, ids)
}

func TestAssignFirstAvailableMode(t *testing.T) {
	env := newTestEnv(t)
	state := env.Engine.SyncQueue(domain.NewState(), []domain.Lead{closedLead("L1", "Reels")})
	state.Professionals["a"] = professional("a", 1, domain.SpecialtyVideo)
	state.Professionals["b"] = professional("b", 0, domain.SpecialtyVideo)
	mode := domain.DistributionFirst
	state = env.Engine.UpdateSettings(state, engine.SettingsPatch{DistributionMode: &mode})
	_, res := env.Engine.AssignNext(state, domain.SpecialtyVideo)
	assert.Equal(t, "a", res.ProfessionalID)
}

func TestAssignNoOpOutcomes(t *testing.T) {
	env := newTestEnv(t)
	state := env.Engine.SyncQueue(domain.NewState(), []domain.Lead{closedLead("L1", "Reels")})
	state.Professionals["busy"] = professional("busy", 2, domain.SpecialtyVideo)
	off := professional("off", 0, domain.SpecialtyVideo)
	off.IsAvailable = false
	state.Professionals["off"] = off
	state.Professionals["web"] = professional("web", 0, domain.SpecialtyWeb)

	next, res := env.Engine.AssignNext(state, domain.SpecialtyVideo)
	assert.Equal(t, engine.NoEligibleCandidate, res.Outcome)
	assert.Equal(t, engine.Signature(state), engine.Signature(next))
	if diff := cmp.Diff(state, next); diff != "" {
		t.Fatalf("no-op assignment changed state:\n%s", diff)
	}

	_, res = env.Engine.AssignNext(state, domain.SpecialtyMotion)
	assert.Equal(t, engine.QueueEmpty, res.Outcome)
}

func TestUpdateQueueStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	state := env.Engine.SyncQueue(domain.NewState(), []domain.Lead{closedLead("L1", "Reels")})
	state.Professionals["p1"] = professional("p1", 0, domain.SpecialtyVideo)
	state, _ = env.Engine.AssignNext(state, domain.SpecialtyVideo)

	same, tr := env.Engine.UpdateQueueStatus(state, "missing", domain.StatusDelivered)
	assert.Equal(t, engine.UnknownItem, tr.Outcome)
	assert.Equal(t, engine.Signature(state), engine.Signature(same))

	_, tr = env.Engine.UpdateQueueStatus(state, "q-L1", domain.StatusWaiting)
	assert.Equal(t, engine.Rejected, tr.Outcome)
	assert.Equal(t, domain.StatusAssigned, tr.From)

	_, tr = env.Engine.UpdateQueueStatus(state, "q-L1", domain.QueueStatus("lost"))
	assert.Equal(t, engine.Rejected, tr.Outcome)

	env.tick()
	state, tr = env.Engine.UpdateQueueStatus(state, "q-L1", domain.StatusInProduction)
	require.Equal(t, engine.Transitioned, tr.Outcome)
	assert.Equal(t, env.clock, state.Queue[0].UpdatedAt)
	assert.Equal(t, 1, state.Professionals["p1"].ActiveJobs)

	state, tr = env.Engine.UpdateQueueStatus(state, "q-L1", domain.StatusDelivered)
	require.Equal(t, engine.Transitioned, tr.Outcome)
	assert.Equal(t, 0, state.Professionals["p1"].ActiveJobs)
}

func TestUnassignedItemSkipsOnlyToDelivered(t *testing.T) {
	env := newTestEnv(t)
	state := env.Engine.SyncQueue(domain.NewState(), []domain.Lead{closedLead("L1", "Reels")})

	for _, to := range []domain.QueueStatus{domain.StatusAssigned, domain.StatusInProduction} {
		same, tr := env.Engine.UpdateQueueStatus(state, "q-L1", to)
		assert.Equal(t, engine.Rejected, tr.Outcome, to)
		assert.Equal(t, domain.StatusWaiting, tr.From)
		assert.Contains(t, tr.Reason, "assigned professional")
		assert.Equal(t, engine.Signature(state), engine.Signature(same))
	}

	next, tr := env.Engine.UpdateQueueStatus(state, "q-L1", domain.StatusDelivered)
	require.Equal(t, engine.Transitioned, tr.Outcome)
	assert.Equal(t, domain.StatusDelivered, next.Queue[0].Status)
	assert.Nil(t, next.Queue[0].AssignedProfessionalID)
}

func TestDeliverFloorsActiveJobsAtZero(t *testing.T) {
	env := newTestEnv(t)
	state := env.Engine.SyncQueue(domain.NewState(), []domain.Lead{closedLead("L1", "Reels")})
	state.Professionals["p1"] = professional("p1", 0, domain.SpecialtyVideo)
	state, _ = env.Engine.AssignNext(state, domain.SpecialtyVideo)
	zero := 0
	state, _ = env.Engine.UpdateProfessional(state, "p1", engine.ProfessionalPatch{ActiveJobs: &zero})
	state, tr := env.Engine.UpdateQueueStatus(state, "q-L1", domain.StatusDelivered)
	require.Equal(t, engine.Transitioned, tr.Outcome)
	assert.Equal(t, 0, state.Professionals["p1"].ActiveJobs)
}

func TestNormalizePercentages(t *testing.T) {
	s := engine.NormalizePercentages(domain.Settings{ProspectorPercent: 10, ExecutorPercent: 45, AgencyPercent: 999})
	assert.Equal(t, 45, s.AgencyPercent)

	s = engine.NormalizePercentages(domain.Settings{ProspectorPercent: 60, ExecutorPercent: 60, AgencyPercent: 0})
	assert.Equal(t, 0, s.AgencyPercent)
	assert.Equal(t, 120, s.ProspectorPercent+s.ExecutorPercent+s.AgencyPercent)

	in := domain.Settings{ProspectorPercent: 20, ExecutorPercent: 30, AgencyPercent: 50}
	assert.Equal(t, in, engine.NormalizePercentages(in))
}

func TestUpdateSettingsNormalizes(t *testing.T) {
	env := newTestEnv(t)
	executor := 60
	state := env.Engine.UpdateSettings(domain.NewState(), engine.SettingsPatch{ExecutorPercent: &executor})
	assert.Equal(t, 60, state.Settings.ExecutorPercent)
	assert.Equal(t, 30, state.Settings.AgencyPercent)
	assert.Equal(t, domain.DistributionQueue, state.Settings.DistributionMode)
}

func TestSplitRevenue(t *testing.T) {
	split := engine.SplitRevenue(domain.DefaultSettings(), 100001)
	assert.Equal(t, int64(10000), split.ProspectorCents)
	assert.Equal(t, int64(45000), split.ExecutorCents)
	assert.Equal(t, int64(45001), split.AgencyCents)

	over := engine.SplitRevenue(domain.Settings{ProspectorPercent: 60, ExecutorPercent: 60}, 1000)
	assert.Equal(t, int64(0), over.AgencyCents)

	assert.Equal(t, engine.RevenueSplit{AmountCents: -5}, engine.SplitRevenue(domain.DefaultSettings(), -5))
}

func TestSplitRevenueLargeAmounts(t *testing.T) {
	for _, amount := range []int64{1 << 62, math.MaxInt64} {
		split := engine.SplitRevenue(domain.DefaultSettings(), amount)
		assert.Equal(t, amount/10, split.ProspectorCents)
		assert.Equal(t, amount/100*45+amount%100*45/100, split.ExecutorCents)
		assert.GreaterOrEqual(t, split.AgencyCents, int64(0))
		assert.Equal(t, amount, split.ProspectorCents+split.ExecutorCents+split.AgencyCents)
	}

	full := engine.SplitRevenue(domain.Settings{ExecutorPercent: 100}, math.MaxInt64)
	assert.Equal(t, int64(math.MaxInt64), full.ExecutorCents)
	assert.Equal(t, int64(0), full.AgencyCents)
}

func TestAddManualItemRejectsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	in := engine.ManualItem{LeadID: "L1", LeadName: "Acme", Specialty: domain.SpecialtyMotion}
	state, ok := env.Engine.AddManualItem(domain.NewState(), in)
	require.True(t, ok)
	require.Len(t, state.Queue, 1)
	assert.Equal(t, "manual-1", state.Queue[0].ID)
	assert.Equal(t, "Servico manual", state.Queue[0].ServiceType)

	_, ok = env.Engine.AddManualItem(state, in)
	assert.False(t, ok)

	in.Specialty = domain.SpecialtyWeb
	state, ok = env.Engine.AddManualItem(state, in)
	assert.True(t, ok)
	assert.Len(t, state.Queue, 2)
}

func TestUpdateProfessionalSpecialtiesNeverEmpty(t *testing.T) {
	env := newTestEnv(t)
	state := domain.NewState()
	state.Professionals["p1"] = professional("p1", 0, domain.SpecialtyVideo)
	state, ok := env.Engine.UpdateProfessional(state, "p1", engine.ProfessionalPatch{Specialties: []domain.Specialty{}})
	require.True(t, ok)
	assert.Equal(t, []domain.Specialty{domain.SpecialtyDesign}, state.Professionals["p1"].Specialties)

	_, ok = env.Engine.UpdateProfessional(state, "nobody", engine.ProfessionalPatch{})
	assert.False(t, ok)

	state, ok = env.Engine.RemoveProfessional(state, "p1")
	require.True(t, ok)
	assert.Empty(t, state.Professionals)
}

func TestAutomateDrainsEverySpecialty(t *testing.T) {
	env := newTestEnv(t)
	state := env.Engine.SyncQueue(domain.NewState(), []domain.Lead{
		closedLead("L1", "Reels"),
		closedLead("L2", "Site"),
		closedLead("L3", "Reels"),
		closedLead("L4", "Reels"),
	})
	state.Professionals["v"] = professional("v", 0, domain.SpecialtyVideo)
	state.Professionals["w"] = professional("w", 0, domain.SpecialtyWeb)
	state, done := env.Engine.Automate(state)
	assert.Len(t, done, 3)
	waiting := 0
	for _, q := range state.Queue {
		if q.Status == domain.StatusWaiting {
			waiting++
		}
	}
	assert.Equal(t, 1, waiting)

	again, more := env.Engine.Automate(state)
	assert.Empty(t, more)
	assert.Equal(t, engine.Signature(state), engine.Signature(again))
}

func TestEndToEndScenario(t *testing.T) {
	env := newTestEnv(t)
	lead := domain.Lead{ID: "L1", PipelineStatus: "Fechado", PaymentStatus: "Pendente", ServiceType: "Edição de vídeo institucional"}
	state := env.Engine.SyncQueue(domain.NewState(), []domain.Lead{lead})
	require.Len(t, state.Queue, 1)
	item := state.Queue[0]
	assert.Equal(t, domain.SpecialtyVideo, item.Specialty)
	assert.Equal(t, domain.StatusWaiting, item.Status)

	state.Professionals["P1"] = professional("P1", 0, domain.SpecialtyVideo)
	state, res := env.Engine.AssignNext(state, domain.SpecialtyVideo)
	require.Equal(t, engine.Assigned, res.Outcome)
	assert.Equal(t, domain.StatusAssigned, state.Queue[0].Status)
	require.NotNil(t, state.Queue[0].AssignedProfessionalID)
	assert.Equal(t, "P1", *state.Queue[0].AssignedProfessionalID)
	assert.Equal(t, 1, state.Professionals["P1"].ActiveJobs)

	state, tr := env.Engine.UpdateQueueStatus(state, item.ID, domain.StatusDelivered)
	require.Equal(t, engine.Transitioned, tr.Outcome)
	assert.Equal(t, 0, state.Professionals["P1"].ActiveJobs)
	require.Len(t, state.Queue, 1)
	assert.Equal(t, domain.StatusDelivered, state.Queue[0].Status)
}

func leadsOf(state domain.State) []domain.Lead {
	var out []domain.Lead
	for _, q := range state.Queue {
		out = append(out, closedLead(q.LeadID, q.ServiceType))
	}
	return out
}

func withCap(p domain.Professional, n int) domain.Professional {
	p.MaxActiveJobs = n
	return p
}

func intPtr(v int) *int { return &v }
