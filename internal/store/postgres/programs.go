package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/tracky-pm/engine/internal/domain"
)

type programRow struct {
	ID             string    `db:"id"`
	ExternalID     string    `db:"external_id"`
	Name           string    `db:"name"`
	Status         string    `db:"status"`
	BaselineStart  time.Time `db:"baseline_start"`
	BaselineEnd    time.Time `db:"baseline_end"`
	PMOwner        string    `db:"pm_owner"`
	SecondaryPM    string    `db:"secondary_pm"`
	HolidayCountry string    `db:"holiday_country"`
}

func (r programRow) toDomain() domain.Program {
	return domain.Program{
		ID: r.ID, ExternalID: r.ExternalID, Name: r.Name, Status: r.Status,
		BaselineStart: r.BaselineStart, BaselineEnd: r.BaselineEnd,
		PMOwner: r.PMOwner, SecondaryPM: r.SecondaryPM, HolidayCountry: r.HolidayCountry,
	}
}

const programColumns = `id, external_id, name, status, baseline_start, baseline_end, pm_owner, secondary_pm, holiday_country`

func (s *Store) GetProgram(ctx context.Context, id string) (*domain.Program, error) {
	var row programRow
	err := s.db.GetContext(ctx, &row, `SELECT `+programColumns+` FROM programs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("programs", "get", err)
	}
	p := row.toDomain()
	return &p, nil
}

func (s *Store) GetProgramByExternalID(ctx context.Context, externalID string) (*domain.Program, error) {
	var row programRow
	err := s.db.GetContext(ctx, &row, `SELECT `+programColumns+` FROM programs WHERE external_id = $1`, externalID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("programs", "get_by_external_id", err)
	}
	p := row.toDomain()
	return &p, nil
}

func (s *Store) UpsertProgram(ctx context.Context, p domain.Program) (domain.Program, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO programs (id, external_id, name, status, baseline_start, baseline_end, pm_owner, secondary_pm, holiday_country)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_id) DO UPDATE SET
			name = EXCLUDED.name, status = EXCLUDED.status,
			baseline_start = EXCLUDED.baseline_start, baseline_end = EXCLUDED.baseline_end,
			pm_owner = EXCLUDED.pm_owner, secondary_pm = EXCLUDED.secondary_pm,
			holiday_country = EXCLUDED.holiday_country
		RETURNING id`
	if err := s.db.GetContext(ctx, &p.ID, q, p.ID, p.ExternalID, p.Name, p.Status, p.BaselineStart, p.BaselineEnd, p.PMOwner, p.SecondaryPM, p.HolidayCountry); err != nil {
		return domain.Program{}, wrapStoreErr("programs", "upsert", err)
	}
	return p, nil
}

func (s *Store) UpsertProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO projects (id, external_id, program_id, name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (program_id, external_id) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`
	if err := s.db.GetContext(ctx, &p.ID, q, p.ID, p.ExternalID, p.ProgramID, p.Name); err != nil {
		return domain.Project{}, wrapStoreErr("projects", "upsert", err)
	}
	return p, nil
}

func (s *Store) UpsertPhase(ctx context.Context, p domain.Phase) (domain.Phase, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO phases (id, external_id, project_id, name, sequence)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, external_id) DO UPDATE SET name = EXCLUDED.name, sequence = EXCLUDED.sequence
		RETURNING id`
	if err := s.db.GetContext(ctx, &p.ID, q, p.ID, p.ExternalID, p.ProjectID, p.Name, p.Sequence); err != nil {
		return domain.Phase{}, wrapStoreErr("phases", "upsert", err)
	}
	return p, nil
}

type resourceRow struct {
	ID                 string     `db:"id"`
	ExternalID         string     `db:"external_id"`
	Name               string     `db:"name"`
	PrimaryEmail       string     `db:"primary_email"`
	NotificationEmail  string     `db:"notification_email"`
	Role               string     `db:"role"`
	BackupResourceID   string     `db:"backup_resource_id"`
	ManagerID          string     `db:"manager_id"`
	AvailabilityStatus string     `db:"availability_status"`
	LeaveStart         *time.Time `db:"leave_start"`
	LeaveEnd           *time.Time `db:"leave_end"`
	Timezone           string     `db:"timezone"`
	MaxUtilization     float64    `db:"max_utilization"`
	ChatUserID         string     `db:"chat_user_id"`
}

func (r resourceRow) toDomain() domain.Resource {
	return domain.Resource{
		ID: r.ID, ExternalID: r.ExternalID, Name: r.Name, PrimaryEmail: r.PrimaryEmail,
		NotificationEmail: r.NotificationEmail, Role: r.Role, BackupResourceID: r.BackupResourceID,
		ManagerID: r.ManagerID, AvailabilityStatus: domain.AvailabilityStatus(r.AvailabilityStatus),
		LeaveStart: r.LeaveStart, LeaveEnd: r.LeaveEnd, Timezone: r.Timezone,
		MaxUtilization: r.MaxUtilization, ChatUserID: r.ChatUserID,
	}
}

const resourceColumns = `id, external_id, name, primary_email, notification_email, role, backup_resource_id, manager_id, availability_status, leave_start, leave_end, timezone, max_utilization, chat_user_id`

func (s *Store) GetResource(ctx context.Context, id string) (*domain.Resource, error) {
	var row resourceRow
	err := s.db.GetContext(ctx, &row, `SELECT `+resourceColumns+` FROM resources WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("resources", "get", err)
	}
	r := row.toDomain()
	return &r, nil
}

func (s *Store) GetResourceByExternalID(ctx context.Context, externalID string) (*domain.Resource, error) {
	var row resourceRow
	err := s.db.GetContext(ctx, &row, `SELECT `+resourceColumns+` FROM resources WHERE external_id = $1`, externalID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("resources", "get_by_external_id", err)
	}
	r := row.toDomain()
	return &r, nil
}

func (s *Store) UpsertResource(ctx context.Context, r domain.Resource) (domain.Resource, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.AvailabilityStatus == "" {
		r.AvailabilityStatus = domain.AvailabilityActive
	}
	const q = `
		INSERT INTO resources (id, external_id, name, primary_email, notification_email, role, backup_resource_id, manager_id, availability_status, leave_start, leave_end, timezone, max_utilization, chat_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (external_id) DO UPDATE SET
			name = EXCLUDED.name, primary_email = EXCLUDED.primary_email,
			notification_email = EXCLUDED.notification_email, role = EXCLUDED.role,
			backup_resource_id = EXCLUDED.backup_resource_id, manager_id = EXCLUDED.manager_id,
			timezone = EXCLUDED.timezone, max_utilization = EXCLUDED.max_utilization,
			chat_user_id = EXCLUDED.chat_user_id
		RETURNING id`
	if err := s.db.GetContext(ctx, &r.ID, q, r.ID, r.ExternalID, r.Name, r.PrimaryEmail, r.NotificationEmail,
		r.Role, r.BackupResourceID, r.ManagerID, string(r.AvailabilityStatus), r.LeaveStart, r.LeaveEnd,
		r.Timezone, r.MaxUtilization, r.ChatUserID); err != nil {
		return domain.Resource{}, wrapStoreErr("resources", "upsert", err)
	}
	return r, nil
}
