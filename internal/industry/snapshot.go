package industry

import (
	"fmt"
	"time"
)

// Snapshot is one job record as reported by the remote authority. Instants are
// kept in their wire form until the reconciler parses them.
type Snapshot struct {
	JobID                int64    `json:"job_id"`
	InstallerID          int64    `json:"installer_id"`
	FacilityID           int64    `json:"facility_id"`
	StationID            *int64   `json:"station_id,omitempty"`
	LocationID           *int64   `json:"location_id,omitempty"`
	ActivityID           int      `json:"activity_id"`
	BlueprintID          int64    `json:"blueprint_id"`
	BlueprintTypeID      int64    `json:"blueprint_type_id"`
	BlueprintLocationID  int64    `json:"blueprint_location_id"`
	OutputLocationID     int64    `json:"output_location_id"`
	Runs                 int      `json:"runs"`
	Cost                 *float64 `json:"cost,omitempty"`
	Probability          *float64 `json:"probability,omitempty"`
	LicensedRuns         *int     `json:"licensed_runs,omitempty"`
	ProductTypeID        *int64   `json:"product_type_id,omitempty"`
	Status               string   `json:"status"`
	Duration             int      `json:"duration"`
	StartDate            string   `json:"start_date"`
	EndDate              string   `json:"end_date"`
	PauseDate            *string  `json:"pause_date,omitempty"`
	CompletedDate        *string  `json:"completed_date,omitempty"`
	CompletedCharacterID *int64   `json:"completed_character_id,omitempty"`
	SuccessfulRuns       *int     `json:"successful_runs,omitempty"`
}

// ParseInstant parses a remote instant such as "2024-01-01T00:00:00Z" into UTC.
func ParseInstant(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// FormatInstant is the inverse of ParseInstant.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// toJob validates the snapshot and builds the job it describes, attributed to
// installer and owner.
func (s Snapshot) toJob(installer int64, owner *int64) (Job, error) {
	bad := func(format string, args ...any) (Job, error) {
		return Job{}, fmt.Errorf("%w: job %d: %s", ErrMalformedSnapshot, s.JobID, fmt.Sprintf(format, args...))
	}
	if s.JobID <= 0 {
		return bad("job_id must be positive")
	}
	status := Status(s.Status)
	if !status.Valid() {
		return bad("unknown status %q", s.Status)
	}
	activity := Activity(s.ActivityID)
	if !activity.Valid() {
		return bad("unknown activity %d", s.ActivityID)
	}
	start, err := ParseInstant(s.StartDate)
	if err != nil {
		return bad("start_date: %v", err)
	}
	end, err := ParseInstant(s.EndDate)
	if err != nil {
		return bad("end_date: %v", err)
	}
	pause, err := parseOptional(s.PauseDate)
	if err != nil {
		return bad("pause_date: %v", err)
	}
	completed, err := parseOptional(s.CompletedDate)
	if err != nil {
		return bad("completed_date: %v", err)
	}

	station := s.FacilityID
	switch {
	case s.StationID != nil:
		station = *s.StationID
	case s.LocationID != nil:
		station = *s.LocationID
	}

	return Job{
		JobID:                s.JobID,
		InstallerID:          installer,
		CorporationID:        owner,
		FacilityID:           s.FacilityID,
		StationID:            station,
		Activity:             activity,
		BlueprintID:          s.BlueprintID,
		BlueprintTypeID:      s.BlueprintTypeID,
		BlueprintLocationID:  s.BlueprintLocationID,
		OutputLocationID:     s.OutputLocationID,
		Runs:                 s.Runs,
		Cost:                 s.Cost,
		Probability:          s.Probability,
		LicensedRuns:         s.LicensedRuns,
		ProductTypeID:        s.ProductTypeID,
		Status:               status,
		Duration:             s.Duration,
		StartDate:            start,
		EndDate:              end,
		PauseDate:            pause,
		CompletedDate:        completed,
		CompletedCharacterID: s.CompletedCharacterID,
		SuccessfulRuns:       s.SuccessfulRuns,
	}, nil
}

func parseOptional(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := ParseInstant(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
