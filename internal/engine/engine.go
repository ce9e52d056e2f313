package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsqueue/internal/domain"
)

// Rules holds the CRM vocabulary the engine matches feed records against.
type Rules struct {
	ClosedStatus string
	PaidStatus   string
	AllowedRoles []string
}

func DefaultRules() Rules {
	return Rules{
		ClosedStatus: "Fechado",
		PaidStatus:   "Pago",
		AllowedRoles: []string{domain.RoleProspector, domain.RoleExecutor, domain.RoleFreelancer, domain.RoleAdmin},
	}
}

// Engine applies operational transformations to domain.State. It performs
// no I/O; Now and NewID are injectable for deterministic tests.
type Engine struct {
	Rules Rules
	Now   func() time.Time
	NewID func() string
}

func New(rules Rules) Engine {
	return Engine{
		Rules: rules,
		Now:   time.Now,
		NewID: func() string { return uuid.NewString() },
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

const defaultServiceType = "Servico nao informado"

// QueueItemID is the deterministic queue id for a feed-synced lead.
func QueueItemID(leadID string) string {
	return "q-" + leadID
}

// Qualifies reports whether a lead should be represented in the queue:
// closed in the pipeline but not yet paid.
func (e Engine) Qualifies(l domain.Lead) bool {
	return l.PipelineStatus == e.Rules.ClosedStatus && l.PaymentStatus != e.Rules.PaidStatus
}

func (e Engine) roleAllowed(role string) bool {
	if role == "" {
		role = domain.RoleProspector
	}
	for _, r := range e.Rules.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// RosterIDs returns the ids of roster entries eligible to become
// professionals.
func (e Engine) RosterIDs(roster []domain.Profile) map[string]bool {
	ids := make(map[string]bool, len(roster))
	for _, p := range roster {
		if p.ID != "" && e.roleAllowed(p.Role) {
			ids[p.ID] = true
		}
	}
	return ids
}

// SyncProfessionals creates professionals for newly observed roster entries
// and refreshes name/email on known ones. Operator-tuned fields are never
// touched here.
func (e Engine) SyncProfessionals(state domain.State, roster []domain.Profile) domain.State {
	next := state.Clone()
	for _, p := range roster {
		if p.ID == "" || !e.roleAllowed(p.Role) {
			continue
		}
		name := firstNonEmpty(p.FullName, p.Email, p.ID)
		existing, ok := next.Professionals[p.ID]
		if !ok {
			next.Professionals[p.ID] = domain.Professional{
				ID:            p.ID,
				Name:          name,
				Email:         p.Email,
				Specialties:   []domain.Specialty{domain.SpecialtyDesign},
				ActiveJobs:    0,
				MaxActiveJobs: 2,
				QualityScore:  80,
				SLAScore:      80,
				IsAvailable:   true,
			}
			continue
		}
		existing.Name = name
		if p.Email != "" {
			existing.Email = p.Email
		}
		next.Professionals[p.ID] = existing
	}
	return next
}

// SyncQueue creates waiting items for qualifying leads that are not yet
// represented and drops non-delivered items whose lead stopped qualifying.
func (e Engine) SyncQueue(state domain.State, leads []domain.Lead) domain.State {
	next := state.Clone()
	qualifying := make(map[string]bool)
	now := e.now()
	for _, l := range leads {
		if l.ID == "" || !e.Qualifies(l) {
			continue
		}
		qualifying[l.ID] = true
		if represented(next.Queue, l.ID) {
			continue
		}
		service := l.ServiceType
		if strings.TrimSpace(service) == "" {
			service = defaultServiceType
		}
		next.Queue = append(next.Queue, domain.QueueItem{
			ID:          QueueItemID(l.ID),
			LeadID:      l.ID,
			LeadName:    firstNonEmpty(l.CompanyName, l.ClientName),
			ServiceType: service,
			Specialty:   GuessSpecialty(l.ServiceType),
			Status:      domain.StatusWaiting,
			CreatedAt:   now,
			UpdatedAt:   now,
			Notes:       l.Notes,
		})
	}
	kept := next.Queue[:0]
	for _, q := range next.Queue {
		if qualifying[q.LeadID] || q.Status == domain.StatusDelivered {
			kept = append(kept, q)
		}
	}
	next.Queue = kept
	return next
}

// represented reports whether the lead already has its synced item or any
// active item in the queue.
func represented(queue []domain.QueueItem, leadID string) bool {
	id := QueueItemID(leadID)
	for _, q := range queue {
		if q.ID == id {
			return true
		}
		if q.LeadID == leadID && q.Status.Active() {
			return true
		}
	}
	return false
}

// ManualItem describes an operator-created queue item.
type ManualItem struct {
	LeadID      string
	LeadName    string
	ServiceType string
	Specialty   domain.Specialty
	Notes       string
}

// AddManualItem appends a waiting item unless an active item already exists
// for the same lead and specialty. The boolean is false when nothing was added.
func (e Engine) AddManualItem(state domain.State, in ManualItem) (domain.State, bool) {
	if in.LeadID == "" || !in.Specialty.Valid() {
		return state, false
	}
	for _, q := range state.Queue {
		if q.LeadID == in.LeadID && q.Specialty == in.Specialty && q.Status.Active() {
			return state, false
		}
	}
	now := e.now()
	next := state.Clone()
	next.Queue = append(next.Queue, domain.QueueItem{
		ID:          e.newID(),
		LeadID:      in.LeadID,
		LeadName:    firstNonEmpty(in.LeadName, in.LeadID),
		ServiceType: firstNonEmpty(in.ServiceType, "Servico manual"),
		Specialty:   in.Specialty,
		Status:      domain.StatusWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
		Notes:       firstNonEmpty(in.Notes, "Created manually by an operator"),
	})
	return next, true
}

// ProfessionalPatch carries operator tuning; nil fields are left unchanged.
type ProfessionalPatch struct {
	Specialties   []domain.Specialty
	ActiveJobs    *int
	MaxActiveJobs *int
	QualityScore  *int
	SLAScore      *int
	IsAvailable   *bool
}

// UpdateProfessional applies patch to the professional with id. The
// boolean is false when the professional does not exist.
func (e Engine) UpdateProfessional(state domain.State, id string, patch ProfessionalPatch) (domain.State, bool) {
	if _, ok := state.Professionals[id]; !ok {
		return state, false
	}
	next := state.Clone()
	p := next.Professionals[id]
	if patch.Specialties != nil {
		p.Specialties = dedupeSpecialties(patch.Specialties)
		if len(p.Specialties) == 0 {
			p.Specialties = []domain.Specialty{domain.SpecialtyDesign}
		}
	}
	if patch.ActiveJobs != nil {
		p.ActiveJobs = max(0, *patch.ActiveJobs)
	}
	if patch.MaxActiveJobs != nil {
		p.MaxActiveJobs = max(0, *patch.MaxActiveJobs)
	}
	if patch.QualityScore != nil {
		p.QualityScore = clampScore(*patch.QualityScore)
	}
	if patch.SLAScore != nil {
		p.SLAScore = clampScore(*patch.SLAScore)
	}
	if patch.IsAvailable != nil {
		p.IsAvailable = *patch.IsAvailable
	}
	next.Professionals[id] = p
	return next, true
}

// RemoveProfessional drops a professional from the state. Queue items keep
// their assignment reference as history.
func (e Engine) RemoveProfessional(state domain.State, id string) (domain.State, bool) {
	if _, ok := state.Professionals[id]; !ok {
		return state, false
	}
	next := state.Clone()
	delete(next.Professionals, id)
	return next, true
}

func dedupeSpecialties(in []domain.Specialty) []domain.Specialty {
	seen := make(map[domain.Specialty]bool, len(in))
	out := make([]domain.Specialty, 0, len(in))
	for _, s := range in {
		if !s.Valid() || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func clampScore(v int) int {
	return min(100, max(0, v))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// sortedProfessionals returns the professionals ordered by id so map
// iteration order never leaks into assignment decisions.
func sortedProfessionals(m map[string]domain.Professional) []domain.Professional {
	out := make([]domain.Professional, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
