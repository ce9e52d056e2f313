package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"opsqueue/internal/domain"
)

const settingsRowID = "default"

var opsTables = []string{"ops_settings", "ops_professionals", "ops_queue"}

// RemoteStore reads and writes the three operational tables.
type RemoteStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func (r RemoteStore) now() string {
	if r.Now != nil {
		return formatTime(r.Now())
	}
	return formatTime(time.Now())
}

// CheckSchema returns ErrNotProvisioned unless all ops tables exist.
func (r RemoteStore) CheckSchema(ctx context.Context) error {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name IN (?,?,?)`,
		opsTables[0], opsTables[1], opsTables[2]).Scan(&n)
	if err != nil {
		return classify(err)
	}
	if n < len(opsTables) {
		return fmt.Errorf("%w: %d of %d tables present", ErrNotProvisioned, n, len(opsTables))
	}
	return nil
}

func (r RemoteStore) LoadSettings(ctx context.Context) (domain.Settings, error) {
	var (
		mode                         string
		prospector, executor, agency int
	)
	err := r.DB.QueryRowContext(ctx, `SELECT distribution_mode,prospector_percent,executor_percent,agency_percent FROM ops_settings WHERE id=?`, settingsRowID).
		Scan(&mode, &prospector, &executor, &agency)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultSettings(), nil
	}
	if err != nil {
		return domain.Settings{}, classify(err)
	}
	s := domain.Settings{
		DistributionMode:  domain.DistributionMode(mode),
		ProspectorPercent: prospector,
		ExecutorPercent:   executor,
		AgencyPercent:     agency,
	}
	if !s.DistributionMode.Valid() {
		s.DistributionMode = domain.DistributionQueue
	}
	return s, nil
}

func (r RemoteStore) ListProfessionals(ctx context.Context) (map[string]domain.Professional, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,email,specialties,active_jobs,max_active_jobs,quality_score,sla_score,is_available,last_assigned_at FROM ops_professionals`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	res := map[string]domain.Professional{}
	for rows.Next() {
		var (
			p            domain.Professional
			specialties  string
			lastAssigned sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Email, &specialties, &p.ActiveJobs, &p.MaxActiveJobs,
			&p.QualityScore, &p.SLAScore, &p.IsAvailable, &lastAssigned); err != nil {
			return nil, err
		}
		p.Specialties = decodeSpecialties(specialties)
		if lastAssigned.Valid {
			if t, err := parseTime(lastAssigned.String); err == nil {
				p.LastAssignedAt = &t
			}
		}
		if p.Name == "" {
			p.Name = firstNonEmpty(p.Email, p.ID)
		}
		res[p.ID] = p
	}
	return res, classify(rows.Err())
}

func (r RemoteStore) ListQueue(ctx context.Context) ([]domain.QueueItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,lead_id,lead_name,service_type,specialty,status,assigned_professional_id,notes,created_at,updated_at FROM ops_queue ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	res := []domain.QueueItem{}
	for rows.Next() {
		var (
			q                    domain.QueueItem
			assigned             sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&q.ID, &q.LeadID, &q.LeadName, &q.ServiceType, &q.Specialty, &q.Status,
			&assigned, &q.Notes, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if assigned.Valid && assigned.String != "" {
			id := assigned.String
			q.AssignedProfessionalID = &id
		}
		if q.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("queue %s created_at: %w", q.ID, err)
		}
		if q.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("queue %s updated_at: %w", q.ID, err)
		}
		res = append(res, q)
	}
	return res, classify(rows.Err())
}

func (r RemoteStore) UpsertSettings(ctx context.Context, s domain.Settings) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO ops_settings(id,distribution_mode,prospector_percent,executor_percent,agency_percent,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET distribution_mode=excluded.distribution_mode, prospector_percent=excluded.prospector_percent,
executor_percent=excluded.executor_percent, agency_percent=excluded.agency_percent, updated_at=excluded.updated_at`,
		settingsRowID, string(s.DistributionMode), s.ProspectorPercent, s.ExecutorPercent, s.AgencyPercent, r.now())
	return classify(err)
}

// UpsertProfessionals writes all rows as one batch.
func (r RemoteStore) UpsertProfessionals(ctx context.Context, pros []domain.Professional) error {
	if len(pros) == 0 {
		return nil
	}
	return r.batch(ctx, `INSERT INTO ops_professionals(id,name,email,specialties,active_jobs,max_active_jobs,quality_score,sla_score,is_available,last_assigned_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, specialties=excluded.specialties,
active_jobs=excluded.active_jobs, max_active_jobs=excluded.max_active_jobs, quality_score=excluded.quality_score,
sla_score=excluded.sla_score, is_available=excluded.is_available, last_assigned_at=excluded.last_assigned_at, updated_at=excluded.updated_at`,
		len(pros), func(i int) ([]any, error) {
			p := pros[i]
			specialties, err := json.Marshal(p.Specialties)
			if err != nil {
				return nil, err
			}
			var last any
			if p.LastAssignedAt != nil {
				last = formatTime(*p.LastAssignedAt)
			}
			return []any{p.ID, p.Name, p.Email, string(specialties), p.ActiveJobs, p.MaxActiveJobs,
				p.QualityScore, p.SLAScore, p.IsAvailable, last, r.now()}, nil
		})
}

// UpsertQueue writes all rows as one batch.
func (r RemoteStore) UpsertQueue(ctx context.Context, queue []domain.QueueItem) error {
	if len(queue) == 0 {
		return nil
	}
	return r.batch(ctx, `INSERT INTO ops_queue(id,lead_id,lead_name,service_type,specialty,status,assigned_professional_id,notes,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET lead_id=excluded.lead_id, lead_name=excluded.lead_name, service_type=excluded.service_type,
specialty=excluded.specialty, status=excluded.status, assigned_professional_id=excluded.assigned_professional_id,
notes=excluded.notes, created_at=excluded.created_at, updated_at=excluded.updated_at`,
		len(queue), func(i int) ([]any, error) {
			q := queue[i]
			var assigned any
			if q.AssignedProfessionalID != nil {
				assigned = *q.AssignedProfessionalID
			}
			return []any{q.ID, q.LeadID, q.LeadName, q.ServiceType, string(q.Specialty), string(q.Status),
				assigned, q.Notes, formatTime(q.CreatedAt), formatTime(q.UpdatedAt)}, nil
		})
}

func (r RemoteStore) batch(ctx context.Context, query string, n int, args func(int) ([]any, error)) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return classify(err)
	}
	defer stmt.Close()
	for i := 0; i < n; i++ {
		a, err := args(i)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, a...); err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit())
}

func (r RemoteStore) ProfessionalIDs(ctx context.Context) ([]string, error) {
	return r.ids(ctx, `SELECT id FROM ops_professionals`)
}

func (r RemoteStore) QueueIDs(ctx context.Context) ([]string, error) {
	return r.ids(ctx, `SELECT id FROM ops_queue`)
}

func (r RemoteStore) ids(ctx context.Context, query string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, classify(rows.Err())
}

func (r RemoteStore) DeleteProfessionals(ctx context.Context, ids []string) error {
	return r.deleteIDs(ctx, "ops_professionals", ids)
}

func (r RemoteStore) DeleteQueue(ctx context.Context, ids []string) error {
	return r.deleteIDs(ctx, "ops_queue", ids)
}

func (r RemoteStore) deleteIDs(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := r.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, table, placeholders), args...)
	return classify(err)
}

// classify maps driver errors onto the store's error vocabulary. SQLite
// reports a missing table as a generic SQLITE_ERROR, so the message is
// matched as well; CheckSchema is the primary probe and this only catches
// tables dropped after it ran.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_ERROR && strings.Contains(se.Error(), "no such table") {
		return fmt.Errorf("%w: %v", ErrNotProvisioned, err)
	}
	return err
}

func decodeSpecialties(raw string) []domain.Specialty {
	var in []domain.Specialty
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return []domain.Specialty{domain.SpecialtyDesign}
	}
	out := make([]domain.Specialty, 0, len(in))
	for _, s := range in {
		if s.Valid() {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []domain.Specialty{domain.SpecialtyDesign}
	}
	return out
}

// timeLayout is fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
