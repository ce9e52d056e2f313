package domain

import "time"

type Specialty string

const (
	SpecialtyDesign      Specialty = "design"
	SpecialtyVideo       Specialty = "video"
	SpecialtyMotion      Specialty = "motion"
	SpecialtyWeb         Specialty = "web"
	SpecialtySocial      Specialty = "social"
	SpecialtyPaidTraffic Specialty = "paid_traffic"
)

// Specialties lists every specialty in display order.
var Specialties = []Specialty{
	SpecialtyDesign,
	SpecialtyVideo,
	SpecialtyMotion,
	SpecialtyWeb,
	SpecialtySocial,
	SpecialtyPaidTraffic,
}

var specialtyLabels = map[Specialty]string{
	SpecialtyDesign:      "Graphic design",
	SpecialtyVideo:       "Video editing",
	SpecialtyMotion:      "Motion",
	SpecialtyWeb:         "Web design",
	SpecialtySocial:      "Social media",
	SpecialtyPaidTraffic: "Paid traffic",
}

func (s Specialty) Valid() bool {
	_, ok := specialtyLabels[s]
	return ok
}

func (s Specialty) Label() string {
	if l, ok := specialtyLabels[s]; ok {
		return l
	}
	return string(s)
}

type QueueStatus string

const (
	StatusWaiting      QueueStatus = "waiting"
	StatusAssigned     QueueStatus = "assigned"
	StatusInProduction QueueStatus = "in_production"
	StatusDelivered    QueueStatus = "delivered"
)

var statusRank = map[QueueStatus]int{
	StatusWaiting:      0,
	StatusAssigned:     1,
	StatusInProduction: 2,
	StatusDelivered:    3,
}

func (s QueueStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank orders statuses along the production lifecycle; -1 for unknown values.
func (s QueueStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Active reports whether the item still takes part in distribution.
func (s QueueStatus) Active() bool {
	return s != StatusDelivered
}

type DistributionMode string

const (
	DistributionQueue DistributionMode = "queue"
	DistributionFirst DistributionMode = "first"
)

func (m DistributionMode) Valid() bool {
	return m == DistributionQueue || m == DistributionFirst
}

type Professional struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Email          string      `json:"email"`
	Specialties    []Specialty `json:"specialties"`
	ActiveJobs     int         `json:"active_jobs"`
	MaxActiveJobs  int         `json:"max_active_jobs"`
	QualityScore   int         `json:"quality_score" minimum:"0" maximum:"100"`
	SLAScore       int         `json:"sla_score" minimum:"0" maximum:"100"`
	IsAvailable    bool        `json:"is_available"`
	LastAssignedAt *time.Time  `json:"last_assigned_at,omitempty" format:"date-time"`
}

func (p Professional) HasSpecialty(s Specialty) bool {
	for _, sp := range p.Specialties {
		if sp == s {
			return true
		}
	}
	return false
}

// EligibleFor reports whether p may take a new job of the given specialty.
func (p Professional) EligibleFor(s Specialty) bool {
	return p.IsAvailable && p.ActiveJobs < p.MaxActiveJobs && p.HasSpecialty(s)
}

type QueueItem struct {
	ID                     string      `json:"id"`
	LeadID                 string      `json:"lead_id"`
	LeadName               string      `json:"lead_name"`
	ServiceType            string      `json:"service_type"`
	Specialty              Specialty   `json:"specialty"`
	Status                 QueueStatus `json:"status" enum:"waiting,assigned,in_production,delivered"`
	AssignedProfessionalID *string     `json:"assigned_professional_id,omitempty"`
	CreatedAt              time.Time   `json:"created_at" format:"date-time"`
	UpdatedAt              time.Time   `json:"updated_at" format:"date-time"`
	Notes                  string      `json:"notes,omitempty"`
}

type Settings struct {
	DistributionMode  DistributionMode `json:"distribution_mode" enum:"queue,first"`
	ProspectorPercent int              `json:"prospector_percent"`
	ExecutorPercent   int              `json:"executor_percent"`
	AgencyPercent     int              `json:"agency_percent"`
}

// DefaultSettings returns the split used before any operator tuning.
func DefaultSettings() Settings {
	return Settings{
		DistributionMode:  DistributionQueue,
		ProspectorPercent: 10,
		ExecutorPercent:   45,
		AgencyPercent:     45,
	}
}

// State is the aggregate operational state. Values are treated as
// immutable once handed out; use Clone before modifying.
type State struct {
	Professionals map[string]Professional `json:"professionals"`
	Queue         []QueueItem             `json:"queue"`
	Settings      Settings                `json:"settings"`
}

func NewState() State {
	return State{
		Professionals: map[string]Professional{},
		Queue:         []QueueItem{},
		Settings:      DefaultSettings(),
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := State{
		Professionals: make(map[string]Professional, len(s.Professionals)),
		Queue:         make([]QueueItem, len(s.Queue)),
		Settings:      s.Settings,
	}
	for id, p := range s.Professionals {
		out.Professionals[id] = p.clone()
	}
	for i, q := range s.Queue {
		out.Queue[i] = q.clone()
	}
	return out
}

func (p Professional) clone() Professional {
	if p.Specialties != nil {
		p.Specialties = append(make([]Specialty, 0, len(p.Specialties)), p.Specialties...)
	}
	if p.LastAssignedAt != nil {
		t := *p.LastAssignedAt
		p.LastAssignedAt = &t
	}
	return p
}

func (q QueueItem) clone() QueueItem {
	if q.AssignedProfessionalID != nil {
		id := *q.AssignedProfessionalID
		q.AssignedProfessionalID = &id
	}
	return q
}

// FindQueueItem returns the index of the queue item with id, or -1.
func (s State) FindQueueItem(id string) int {
	for i, q := range s.Queue {
		if q.ID == id {
			return i
		}
	}
	return -1
}

// Lead is a sales lead as exposed by the CRM feed.
type Lead struct {
	ID             string `json:"id"`
	ClientName     string `json:"client_name"`
	CompanyName    string `json:"company_name"`
	ServiceType    string `json:"service_type"`
	PipelineStatus string `json:"pipeline_status"`
	PaymentStatus  string `json:"payment_status"`
	Notes          string `json:"notes,omitempty"`
}

// Profile is a roster entry as exposed by the CRM feed.
type Profile struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

const (
	RoleProspector = "prospector"
	RoleExecutor   = "executor"
	RoleFreelancer = "freelancer"
	RoleAdmin      = "admin"
)
