package industry

import (
	"context"
	"time"
)

// Ledger is the durable set of reconciled jobs, keyed by remote job id.
type Ledger interface {
	// UpsertJobs applies every job in one transaction. A job whose id is
	// already stored only has its status, updated-at, completion instant and
	// pause instant rewritten; absent optional instants keep the stored value.
	// Changes are returned in input order.
	UpsertJobs(ctx context.Context, jobs []Job, now time.Time) ([]JobChange, error)
	Job(ctx context.Context, jobID int64) (Job, error)
	// ListJobs returns the corporation's jobs, most recently updated first.
	ListJobs(ctx context.Context, corporationID int64, limit int) ([]Job, error)
	CountActiveJobs(ctx context.Context, corporationID int64) (int, error)
}

// RequirementStore persists requirements. Requirements are deactivated, never deleted.
type RequirementStore interface {
	CreateRequirement(ctx context.Context, r Requirement) error
	Requirement(ctx context.Context, id string) (Requirement, error)
	// ListActiveRequirements returns active requirements in SortRequirements order.
	ListActiveRequirements(ctx context.Context, corporationID int64) ([]Requirement, error)
	DeactivateRequirement(ctx context.Context, id string) error
	CountActiveRequirements(ctx context.Context, corporationID int64) (int, error)
}

// AssignmentStore persists requirement/job links.
type AssignmentStore interface {
	CreateAssignment(ctx context.Context, a Assignment) error
	ListAssignments(ctx context.Context, requirementID string) ([]Assignment, error)
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ClampLimit normalises a page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
