package pg

import (
	"context"
	"database/sql"
	"errors"

	"indytrack.org/internal/industry"
)

var (
	_ industry.RequirementStore = (*Store)(nil)
	_ industry.AssignmentStore  = (*Store)(nil)
)

const requirementColumns = `id, corporation_id, type_id, type_name, activity_id, quantity_required, priority, deadline, created_by, created_at, is_active, notes`

func scanRequirement(row rowScanner) (industry.Requirement, error) {
	var (
		r        industry.Requirement
		activity int
		priority int
		deadline sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.CorporationID, &r.TypeID, &r.TypeName, &activity, &r.QuantityRequired, &priority, &deadline, &r.CreatedBy, &r.CreatedAt, &r.IsActive, &r.Notes); err != nil {
		return industry.Requirement{}, err
	}
	r.Activity = industry.Activity(activity)
	r.Priority = industry.Priority(priority)
	r.Deadline = timePtr(deadline)
	return r, nil
}

func (s *Store) CreateRequirement(ctx context.Context, r industry.Requirement) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		insert into requirements (`+requirementColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, r.ID, r.CorporationID, r.TypeID, r.TypeName, int(r.Activity), r.QuantityRequired, int(r.Priority),
		nullTime(r.Deadline), r.CreatedBy, r.CreatedAt.UTC(), r.IsActive, r.Notes)
	if isForeignKeyViolation(err) {
		return industry.ErrNotFound
	}
	return err
}

func (s *Store) Requirement(ctx context.Context, id string) (industry.Requirement, error) {
	row := s.db.QueryRowContext(ctx, `select `+requirementColumns+` from requirements where id = $1`, id)
	r, err := scanRequirement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return industry.Requirement{}, industry.ErrNotFound
	}
	return r, err
}

func (s *Store) ListActiveRequirements(ctx context.Context, corporationID int64) ([]industry.Requirement, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+requirementColumns+`
		from requirements
		where corporation_id = $1 and is_active
		order by priority desc, deadline asc nulls last, created_at asc
	`, corporationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []industry.Requirement
	for rows.Next() {
		r, err := scanRequirement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s *Store) DeactivateRequirement(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update requirements set is_active = false where id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return industry.ErrNotFound
	}
	return nil
}

func (s *Store) CountActiveRequirements(ctx context.Context, corporationID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from requirements where corporation_id = $1 and is_active
	`, corporationID).Scan(&n)
	return n, err
}

func (s *Store) CreateAssignment(ctx context.Context, a industry.Assignment) error {
	_, err := s.db.ExecContext(ctx, `
		insert into job_assignments (id, requirement_id, job_id, quantity_assigned, assigned_by, assigned_at)
		values ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.RequirementID, a.JobID, a.QuantityAssigned, a.AssignedBy, a.AssignedAt.UTC())
	switch {
	case isForeignKeyViolation(err):
		return industry.ErrNotFound
	case isUniqueViolation(err):
		return industry.ErrInvalidAssignment
	}
	return err
}

func (s *Store) ListAssignments(ctx context.Context, requirementID string) ([]industry.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, requirement_id, job_id, quantity_assigned, assigned_by, assigned_at
		from job_assignments
		where requirement_id = $1
		order by assigned_at asc
	`, requirementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []industry.Assignment
	for rows.Next() {
		var a industry.Assignment
		if err := rows.Scan(&a.ID, &a.RequirementID, &a.JobID, &a.QuantityAssigned, &a.AssignedBy, &a.AssignedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
