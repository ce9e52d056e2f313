package server

import (
	"sort"

	"opsqueue/internal/domain"
	"opsqueue/internal/engine"
)

// Request payloads

type CreateQueueItemRequest struct {
	LeadID      string `json:"lead_id" minLength:"1"`
	LeadName    string `json:"lead_name,omitempty"`
	ServiceType string `json:"service_type,omitempty"`
	// Specialty is guessed from service_type when omitted.
	Specialty string `json:"specialty,omitempty" enum:"design,video,motion,web,social,paid_traffic"`
	Notes     string `json:"notes,omitempty"`
}

type AssignRequest struct {
	Specialty string `json:"specialty" enum:"design,video,motion,web,social,paid_traffic"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"waiting,assigned,in_production,delivered"`
}

type UpdateProfessionalRequest struct {
	Specialties   []string `json:"specialties,omitempty"`
	ActiveJobs    *int     `json:"active_jobs,omitempty" minimum:"0"`
	MaxActiveJobs *int     `json:"max_active_jobs,omitempty" minimum:"0"`
	QualityScore  *int     `json:"quality_score,omitempty" minimum:"0" maximum:"100"`
	SLAScore      *int     `json:"sla_score,omitempty" minimum:"0" maximum:"100"`
	IsAvailable   *bool    `json:"is_available,omitempty"`
}

type UpdateSettingsRequest struct {
	DistributionMode  *string `json:"distribution_mode,omitempty" enum:"queue,first"`
	ProspectorPercent *int    `json:"prospector_percent,omitempty" minimum:"0" maximum:"100"`
	ExecutorPercent   *int    `json:"executor_percent,omitempty" minimum:"0" maximum:"100"`
	AgencyPercent     *int    `json:"agency_percent,omitempty" minimum:"0" maximum:"100"`
}

// Responses

type QueueResponse struct {
	Items   []domain.QueueItem `json:"items"`
	Version uint64             `json:"version"`
}

type AddItemResponse struct {
	Item       domain.QueueItem  `json:"item"`
	Assignment engine.Assignment `json:"assignment"`
	Version    uint64            `json:"version"`
}

type AssignResponse struct {
	Assignment engine.Assignment `json:"assignment"`
	Version    uint64            `json:"version"`
}

type TransitionResponse struct {
	Transition engine.Transition `json:"transition"`
	Item       domain.QueueItem  `json:"item"`
	Version    uint64            `json:"version"`
}

type ProfessionalsResponse struct {
	Items   []domain.Professional `json:"items"`
	Version uint64                `json:"version"`
}

type RemovedResponse struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
}

type SyncResponse struct {
	Changed bool   `json:"changed"`
	Version uint64 `json:"version"`
}

type AutomateResponse struct {
	Assignments []engine.Assignment `json:"assignments"`
	Version     uint64              `json:"version"`
}

func (r UpdateProfessionalRequest) patch() (engine.ProfessionalPatch, error) {
	p := engine.ProfessionalPatch{
		ActiveJobs:    r.ActiveJobs,
		MaxActiveJobs: r.MaxActiveJobs,
		QualityScore:  r.QualityScore,
		SLAScore:      r.SLAScore,
		IsAvailable:   r.IsAvailable,
	}
	if r.Specialties != nil {
		sp, err := parseSpecialties(r.Specialties)
		if err != nil {
			return p, err
		}
		p.Specialties = sp
	}
	return p, nil
}

func (r UpdateSettingsRequest) patch() engine.SettingsPatch {
	p := engine.SettingsPatch{
		ProspectorPercent: r.ProspectorPercent,
		ExecutorPercent:   r.ExecutorPercent,
		AgencyPercent:     r.AgencyPercent,
	}
	if r.DistributionMode != nil {
		mode := domain.DistributionMode(*r.DistributionMode)
		p.DistributionMode = &mode
	}
	return p
}

func parseSpecialties(in []string) ([]domain.Specialty, error) {
	out := make([]domain.Specialty, 0, len(in))
	for _, s := range in {
		sp := domain.Specialty(s)
		if !sp.Valid() {
			return nil, invalidSpecialtyError{value: s}
		}
		out = append(out, sp)
	}
	return out, nil
}

type invalidSpecialtyError struct{ value string }

func (e invalidSpecialtyError) Error() string { return "invalid specialty " + e.value }

func sortedProfessionals(m map[string]domain.Professional) []domain.Professional {
	out := make([]domain.Professional, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func filterQueue(items []domain.QueueItem, status, specialty string) []domain.QueueItem {
	out := make([]domain.QueueItem, 0, len(items))
	for _, q := range items {
		if status != "" && string(q.Status) != status {
			continue
		}
		if specialty != "" && string(q.Specialty) != specialty {
			continue
		}
		out = append(out, q)
	}
	return out
}
