package industry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMalformedSnapshot  = errors.New("industry: malformed job snapshot")
	ErrSyncFailed         = errors.New("industry: sync failed")
	ErrNotFound           = errors.New("industry: not found")
	ErrInvalidRequirement = errors.New("industry: invalid requirement")
	ErrInvalidAssignment  = errors.New("industry: invalid assignment")
)

// Activity is the industry activity kind, coded as the remote authority codes it.
type Activity int

const (
	ActivityManufacturing      Activity = 1
	ActivityTimeEfficiency     Activity = 3
	ActivityMaterialEfficiency Activity = 4
	ActivityCopying            Activity = 5
	ActivityReverseEngineering Activity = 7
	ActivityInvention          Activity = 8
)

var activityNames = map[Activity]string{
	ActivityManufacturing:      "manufacturing",
	ActivityTimeEfficiency:     "te_research",
	ActivityMaterialEfficiency: "me_research",
	ActivityCopying:            "copying",
	ActivityReverseEngineering: "reverse_engineering",
	ActivityInvention:          "invention",
}

func (a Activity) Valid() bool {
	_, ok := activityNames[a]
	return ok
}

func (a Activity) String() string {
	if name, ok := activityNames[a]; ok {
		return name
	}
	return fmt.Sprintf("activity(%d)", int(a))
}

// Status is the remote job status. The remote authority owns every transition.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusReady     Status = "ready"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
	StatusReverted  Status = "reverted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusReady, StatusDelivered, StatusCancelled, StatusReverted:
		return true
	}
	return false
}

// Priority orders requirements: low < medium < high < critical.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"", "low", "medium", "high", "critical"}

func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityCritical }

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: priority %d", ErrInvalidRequirement, int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePriority accepts the lowercase priority name.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i := PriorityLow; i <= PriorityCritical; i++ {
		if priorityNames[i] == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequirement, s)
}

// Job is a reconciled remote production job. JobID is the natural key.
type Job struct {
	JobID                int64      `json:"job_id"`
	InstallerID          int64      `json:"installer_id"`
	CorporationID        *int64     `json:"corporation_id,omitempty"`
	FacilityID           int64      `json:"facility_id"`
	StationID            int64      `json:"station_id"`
	Activity             Activity   `json:"activity_id"`
	BlueprintID          int64      `json:"blueprint_id"`
	BlueprintTypeID      int64      `json:"blueprint_type_id"`
	BlueprintLocationID  int64      `json:"blueprint_location_id"`
	OutputLocationID     int64      `json:"output_location_id"`
	Runs                 int        `json:"runs"`
	Cost                 *float64   `json:"cost,omitempty"`
	Probability          *float64   `json:"probability,omitempty"`
	LicensedRuns         *int       `json:"licensed_runs,omitempty"`
	ProductTypeID        *int64     `json:"product_type_id,omitempty"`
	Status               Status     `json:"status"`
	Duration             int        `json:"duration"`
	StartDate            time.Time  `json:"start_date"`
	EndDate              time.Time  `json:"end_date"`
	PauseDate            *time.Time `json:"pause_date,omitempty"`
	CompletedDate        *time.Time `json:"completed_date,omitempty"`
	CompletedCharacterID *int64     `json:"completed_character_id,omitempty"`
	SuccessfulRuns       *int       `json:"successful_runs,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Corporation returns the owning corporation id, or zero.
func (j Job) Corporation() int64 {
	if j.CorporationID == nil {
		return 0
	}
	return *j.CorporationID
}

// ChangeKind tells whether an upsert inserted or updated a job.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
)

// JobChange is one applied upsert with the job as stored afterwards.
type JobChange struct {
	Kind ChangeKind `json:"kind"`
	Job  Job        `json:"job"`
}

// Requirement is a locally declared production need of a corporation.
type Requirement struct {
	ID               string     `json:"id"`
	CorporationID    int64      `json:"corporation_id"`
	TypeID           int64      `json:"type_id"`
	TypeName         string     `json:"type_name"`
	Activity         Activity   `json:"activity_id"`
	QuantityRequired int        `json:"quantity_required"`
	Priority         Priority   `json:"priority"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	CreatedBy        int64      `json:"created_by"`
	CreatedAt        time.Time  `json:"created_at"`
	IsActive         bool       `json:"is_active"`
	Notes            string     `json:"notes,omitempty"`
}

// Validate checks the fields an administrator supplies.
func (r Requirement) Validate() error {
	switch {
	case r.CorporationID <= 0:
		return fmt.Errorf("%w: corporation is required", ErrInvalidRequirement)
	case r.TypeID <= 0:
		return fmt.Errorf("%w: type_id must be positive", ErrInvalidRequirement)
	case strings.TrimSpace(r.TypeName) == "":
		return fmt.Errorf("%w: type_name is required", ErrInvalidRequirement)
	case !r.Activity.Valid():
		return fmt.Errorf("%w: unknown activity %d", ErrInvalidRequirement, int(r.Activity))
	case r.QuantityRequired <= 0:
		return fmt.Errorf("%w: quantity_required must be positive", ErrInvalidRequirement)
	case !r.Priority.Valid():
		return fmt.Errorf("%w: unknown priority %d", ErrInvalidRequirement, int(r.Priority))
	}
	return nil
}

// Assignment links a requirement to a job. Nothing computes assignments; they
// are recorded as administrators declare them.
type Assignment struct {
	ID               string    `json:"id"`
	RequirementID    string    `json:"requirement_id"`
	JobID            int64     `json:"job_id"`
	QuantityAssigned int       `json:"quantity_assigned"`
	AssignedBy       int64     `json:"assigned_by"`
	AssignedAt       time.Time `json:"assigned_at"`
}
