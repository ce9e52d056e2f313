package opsqueuesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Ops Queue HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// QueueItem is one unit of production work.
type QueueItem struct {
	ID                     string    `json:"id"`
	LeadID                 string    `json:"lead_id"`
	LeadName               string    `json:"lead_name"`
	ServiceType            string    `json:"service_type"`
	Specialty              string    `json:"specialty"`
	Status                 string    `json:"status"`
	AssignedProfessionalID *string   `json:"assigned_professional_id,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
	Notes                  string    `json:"notes,omitempty"`
}

// Professional is a team member eligible for assignments.
type Professional struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	Specialties    []string   `json:"specialties"`
	ActiveJobs     int        `json:"active_jobs"`
	MaxActiveJobs  int        `json:"max_active_jobs"`
	QualityScore   int        `json:"quality_score"`
	SLAScore       int        `json:"sla_score"`
	IsAvailable    bool       `json:"is_available"`
	LastAssignedAt *time.Time `json:"last_assigned_at,omitempty"`
}

type Settings struct {
	DistributionMode  string `json:"distribution_mode"`
	ProspectorPercent int    `json:"prospector_percent"`
	ExecutorPercent   int    `json:"executor_percent"`
	AgencyPercent     int    `json:"agency_percent"`
}

// Assignment reports the outcome of an assignment attempt. Outcome is one
// of assigned, queue_empty or no_eligible_candidate.
type Assignment struct {
	Outcome        string `json:"outcome"`
	Specialty      string `json:"specialty"`
	QueueID        string `json:"queue_id,omitempty"`
	ProfessionalID string `json:"professional_id,omitempty"`
}

type Transition struct {
	Outcome string `json:"outcome"`
	QueueID string `json:"queue_id"`
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

// Storage describes where state lives and whether it is durable.
type Storage struct {
	Mode             string `json:"mode"`
	Version          uint64 `json:"version"`
	PersistedVersion uint64 `json:"persisted_version"`
	Durable          bool   `json:"durable"`
	LastError        string `json:"last_error,omitempty"`
	FeedFingerprint  string `json:"feed_fingerprint,omitempty"`
}

// NewQueueItem is the payload for AddQueueItem. Specialty may be empty.
type NewQueueItem struct {
	LeadID      string `json:"lead_id"`
	LeadName    string `json:"lead_name,omitempty"`
	ServiceType string `json:"service_type,omitempty"`
	Specialty   string `json:"specialty,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Queue lists queue items; empty filters match everything.
func (c *Client) Queue(ctx context.Context, status, specialty string) ([]QueueItem, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if specialty != "" {
		q.Set("specialty", specialty)
	}
	endpoint := "queue"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []QueueItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// AddQueueItem creates a manual item and returns it with the assignment
// attempted right after.
func (c *Client) AddQueueItem(ctx context.Context, in NewQueueItem) (QueueItem, Assignment, error) {
	var resp struct {
		Item       QueueItem  `json:"item"`
		Assignment Assignment `json:"assignment"`
	}
	err := c.do(ctx, http.MethodPost, "queue", in, &resp)
	return resp.Item, resp.Assignment, err
}

// AssignNext assigns the oldest waiting item of specialty.
func (c *Client) AssignNext(ctx context.Context, specialty string) (Assignment, error) {
	var resp struct {
		Assignment Assignment `json:"assignment"`
	}
	err := c.do(ctx, http.MethodPost, "queue/assign", map[string]any{"specialty": specialty}, &resp)
	return resp.Assignment, err
}

// SetStatus moves a queue item forward. Backward moves fail with a 409
// APIError carrying code invalid_transition.
func (c *Client) SetStatus(ctx context.Context, queueID, status string) (QueueItem, error) {
	var resp struct {
		Transition Transition `json:"transition"`
		Item       QueueItem  `json:"item"`
	}
	endpoint := fmt.Sprintf("queue/%s/status", url.PathEscape(queueID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status}, &resp)
	return resp.Item, err
}

func (c *Client) Professionals(ctx context.Context) ([]Professional, error) {
	var resp struct {
		Items []Professional `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "professionals", nil, &resp)
	return resp.Items, err
}

// UpdateProfessional patches a professional; keys follow the API field
// names, e.g. "max_active_jobs".
func (c *Client) UpdateProfessional(ctx context.Context, id string, patch map[string]any) (Professional, error) {
	var resp Professional
	err := c.do(ctx, http.MethodPatch, "professionals/"+url.PathEscape(id), patch, &resp)
	return resp, err
}

func (c *Client) RemoveProfessional(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "professionals/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var resp Settings
	err := c.do(ctx, http.MethodGet, "settings", nil, &resp)
	return resp, err
}

func (c *Client) UpdateSettings(ctx context.Context, patch map[string]any) (Settings, error) {
	var resp Settings
	err := c.do(ctx, http.MethodPatch, "settings", patch, &resp)
	return resp, err
}

// Sync asks the server to pull the CRM feed now.
func (c *Client) Sync(ctx context.Context) (bool, error) {
	var resp struct {
		Changed bool `json:"changed"`
	}
	err := c.do(ctx, http.MethodPost, "sync", nil, &resp)
	return resp.Changed, err
}

// Automate runs one fairness sweep and returns the assignments it made.
func (c *Client) Automate(ctx context.Context) ([]Assignment, error) {
	var resp struct {
		Assignments []Assignment `json:"assignments"`
	}
	err := c.do(ctx, http.MethodPost, "automate", nil, &resp)
	return resp.Assignments, err
}

func (c *Client) Storage(ctx context.Context) (Storage, error) {
	var resp Storage
	err := c.do(ctx, http.MethodGet, "storage", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
