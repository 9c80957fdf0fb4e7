package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"indytrack.org/internal/industry"
)

var _ industry.Ledger = (*Store)(nil)

const jobColumns = `job_id, installer_id, corporation_id, facility_id, station_id, activity_id,
	blueprint_id, blueprint_type_id, blueprint_location_id, output_location_id, runs,
	cost, probability, licensed_runs, product_type_id, status, duration,
	start_date, end_date, pause_date, completed_date, completed_character_id, successful_runs,
	created_at, updated_at`

// The conflict branch rewrites only the fields the remote authority changes
// after creation; xmax = 0 holds for rows inserted by this statement.
const upsertJobSQL = `
	insert into industry_jobs (` + jobColumns + `)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $24)
	on conflict (job_id) do update
	set status = excluded.status,
	    updated_at = excluded.updated_at,
	    completed_date = coalesce(excluded.completed_date, industry_jobs.completed_date),
	    pause_date = coalesce(excluded.pause_date, industry_jobs.pause_date)
	returning (xmax = 0), ` + jobColumns

func scanJob(row rowScanner, prefix ...any) (industry.Job, error) {
	var (
		j                                 industry.Job
		activity                          int
		status                            string
		corpID, licensedRuns, productType sql.NullInt64
		completedBy, successfulRuns       sql.NullInt64
		cost, probability                 sql.NullFloat64
		pauseDate, completedDate          sql.NullTime
	)
	dest := append(prefix,
		&j.JobID, &j.InstallerID, &corpID, &j.FacilityID, &j.StationID, &activity,
		&j.BlueprintID, &j.BlueprintTypeID, &j.BlueprintLocationID, &j.OutputLocationID, &j.Runs,
		&cost, &probability, &licensedRuns, &productType, &status, &j.Duration,
		&j.StartDate, &j.EndDate, &pauseDate, &completedDate, &completedBy, &successfulRuns,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err := row.Scan(dest...); err != nil {
		return industry.Job{}, err
	}
	j.Activity = industry.Activity(activity)
	j.Status = industry.Status(status)
	j.CorporationID = int64Ptr(corpID)
	j.Cost = floatPtr(cost)
	j.Probability = floatPtr(probability)
	j.LicensedRuns = intPtr(licensedRuns)
	j.ProductTypeID = int64Ptr(productType)
	j.PauseDate = timePtr(pauseDate)
	j.CompletedDate = timePtr(completedDate)
	j.CompletedCharacterID = int64Ptr(completedBy)
	j.SuccessfulRuns = intPtr(successfulRuns)
	j.StartDate = j.StartDate.UTC()
	j.EndDate = j.EndDate.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

// UpsertJobs applies the whole batch in one transaction; any failure rolls
// back every row of the call. The primary key on job_id guarantees one row
// per remote job even under concurrent calls.
func (s *Store) UpsertJobs(ctx context.Context, jobs []industry.Job, now time.Time) ([]industry.JobChange, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertJobSQL)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	now = now.UTC()
	changes := make([]industry.JobChange, 0, len(jobs))
	for _, j := range jobs {
		row := stmt.QueryRowContext(ctx,
			j.JobID, j.InstallerID, nullInt64(j.CorporationID), j.FacilityID, j.StationID, int(j.Activity),
			j.BlueprintID, j.BlueprintTypeID, j.BlueprintLocationID, j.OutputLocationID, j.Runs,
			nullFloat(j.Cost), nullFloat(j.Probability), nullInt(j.LicensedRuns), nullInt64(j.ProductTypeID), string(j.Status), j.Duration,
			j.StartDate.UTC(), j.EndDate.UTC(), nullTime(j.PauseDate), nullTime(j.CompletedDate), nullInt64(j.CompletedCharacterID), nullInt(j.SuccessfulRuns),
			now,
		)
		var inserted bool
		stored, err := scanJob(row, &inserted)
		if err != nil {
			return nil, err
		}
		kind := industry.ChangeUpdated
		if inserted {
			kind = industry.ChangeCreated
		}
		changes = append(changes, industry.JobChange{Kind: kind, Job: stored})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return changes, nil
}

func (s *Store) Job(ctx context.Context, jobID int64) (industry.Job, error) {
	row := s.db.QueryRowContext(ctx, `select `+jobColumns+` from industry_jobs where job_id = $1`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return industry.Job{}, industry.ErrNotFound
	}
	return j, err
}

func (s *Store) ListJobs(ctx context.Context, corporationID int64, limit int) ([]industry.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+jobColumns+`
		from industry_jobs
		where corporation_id = $1
		order by updated_at desc, job_id desc
		limit $2
	`, corporationID, industry.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []industry.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (s *Store) CountActiveJobs(ctx context.Context, corporationID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from industry_jobs where corporation_id = $1 and status = 'active'
	`, corporationID).Scan(&n)
	return n, err
}
