package engine

import (
	"fmt"
	"sort"

	"opsqueue/internal/domain"
)

type AssignOutcome string

const (
	Assigned            AssignOutcome = "assigned"
	QueueEmpty          AssignOutcome = "queue_empty"
	NoEligibleCandidate AssignOutcome = "no_eligible_candidate"
)

// Assignment reports what AssignNext did.
type Assignment struct {
	Outcome        AssignOutcome    `json:"outcome" enum:"assigned,queue_empty,no_eligible_candidate"`
	Specialty      domain.Specialty `json:"specialty"`
	QueueID        string           `json:"queue_id,omitempty"`
	ProfessionalID string           `json:"professional_id,omitempty"`
}

// SortProfessionals orders candidates for the fairness queue: fewest active
// jobs, then longest idle (never assigned first), then highest quality.
func SortProfessionals(pros []domain.Professional) []domain.Professional {
	out := append([]domain.Professional(nil), pros...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ActiveJobs != b.ActiveJobs {
			return a.ActiveJobs < b.ActiveJobs
		}
		at, bt := lastAssignedUnix(a), lastAssignedUnix(b)
		if at != bt {
			return at < bt
		}
		if a.QualityScore != b.QualityScore {
			return a.QualityScore > b.QualityScore
		}
		return a.ID < b.ID
	})
	return out
}

func lastAssignedUnix(p domain.Professional) int64 {
	if p.LastAssignedAt == nil {
		return 0
	}
	return p.LastAssignedAt.UnixNano()
}

// nextWaiting returns the index of the oldest waiting item for specialty.
func nextWaiting(queue []domain.QueueItem, specialty domain.Specialty) int {
	idx := -1
	for i, q := range queue {
		if q.Specialty != specialty || q.Status != domain.StatusWaiting {
			continue
		}
		if idx == -1 || q.CreatedAt.Before(queue[idx].CreatedAt) {
			idx = i
		}
	}
	return idx
}

func (e Engine) pickProfessional(state domain.State, specialty domain.Specialty) (domain.Professional, bool) {
	var eligible []domain.Professional
	for _, p := range sortedProfessionals(state.Professionals) {
		if p.EligibleFor(specialty) {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return domain.Professional{}, false
	}
	if state.Settings.DistributionMode == domain.DistributionFirst {
		return eligible[0], true
	}
	return SortProfessionals(eligible)[0], true
}

// AssignNext hands the oldest waiting item of specialty to the best eligible
// professional. When nothing can be assigned the input state is returned
// unchanged together with the reason.
func (e Engine) AssignNext(state domain.State, specialty domain.Specialty) (domain.State, Assignment) {
	res := Assignment{Specialty: specialty}
	idx := nextWaiting(state.Queue, specialty)
	if idx < 0 {
		res.Outcome = QueueEmpty
		return state, res
	}
	chosen, ok := e.pickProfessional(state, specialty)
	if !ok {
		res.Outcome = NoEligibleCandidate
		return state, res
	}
	now := e.now()
	next := state.Clone()
	chosen = next.Professionals[chosen.ID]
	chosen.ActiveJobs++
	chosen.LastAssignedAt = &now
	next.Professionals[chosen.ID] = chosen

	item := next.Queue[idx]
	item.Status = domain.StatusAssigned
	pid := chosen.ID
	item.AssignedProfessionalID = &pid
	item.UpdatedAt = now
	next.Queue[idx] = item

	res.Outcome = Assigned
	res.QueueID = item.ID
	res.ProfessionalID = chosen.ID
	return next, res
}

// Automate runs the fairness sweep: every specialty is drained until no
// further assignment is possible.
func (e Engine) Automate(state domain.State) (domain.State, []Assignment) {
	var done []Assignment
	for _, sp := range domain.Specialties {
		for {
			next, res := e.AssignNext(state, sp)
			if res.Outcome != Assigned {
				break
			}
			state = next
			done = append(done, res)
		}
	}
	return state, done
}

type TransitionOutcome string

const (
	Transitioned TransitionOutcome = "transitioned"
	UnknownItem  TransitionOutcome = "unknown_item"
	Rejected     TransitionOutcome = "rejected"
)

// Transition reports what UpdateQueueStatus did.
type Transition struct {
	Outcome TransitionOutcome  `json:"outcome" enum:"transitioned,unknown_item,rejected"`
	QueueID string             `json:"queue_id"`
	From    domain.QueueStatus `json:"from,omitempty"`
	To      domain.QueueStatus `json:"to"`
	Reason  string             `json:"reason,omitempty"`
}

// UpdateQueueStatus moves a queue item forward along
// waiting → assigned → in_production → delivered. Forward skips are allowed;
// moving backward or to the same status is rejected. An item without an
// assignee can only be delivered directly: assigned and in_production need
// an owner, which only AssignNext sets. Delivering frees one slot of the
// assigned professional's capacity.
func (e Engine) UpdateQueueStatus(state domain.State, queueID string, status domain.QueueStatus) (domain.State, Transition) {
	res := Transition{QueueID: queueID, To: status}
	idx := state.FindQueueItem(queueID)
	if idx < 0 {
		res.Outcome = UnknownItem
		return state, res
	}
	item := state.Queue[idx]
	res.From = item.Status
	if !status.Valid() {
		res.Outcome = Rejected
		res.Reason = fmt.Sprintf("unknown status %q", status)
		return state, res
	}
	if status.Rank() <= item.Status.Rank() {
		res.Outcome = Rejected
		res.Reason = fmt.Sprintf("cannot move from %s to %s", item.Status, status)
		return state, res
	}
	if item.AssignedProfessionalID == nil && status != domain.StatusDelivered {
		res.Outcome = Rejected
		res.Reason = fmt.Sprintf("cannot move to %s without an assigned professional", status)
		return state, res
	}

	next := state.Clone()
	item = next.Queue[idx]
	item.Status = status
	item.UpdatedAt = e.now()
	next.Queue[idx] = item

	if status == domain.StatusDelivered && item.AssignedProfessionalID != nil {
		if p, ok := next.Professionals[*item.AssignedProfessionalID]; ok {
			p.ActiveJobs = max(0, p.ActiveJobs-1)
			next.Professionals[p.ID] = p
		}
	}
	res.Outcome = Transitioned
	return next, res
}
