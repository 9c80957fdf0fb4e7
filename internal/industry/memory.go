package industry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Ledger, RequirementStore and AssignmentStore with
// in-process concurrency safety.
type InMemory struct {
	mu           sync.RWMutex
	jobs         map[int64]Job
	requirements map[string]Requirement
	assignments  []Assignment
}

var (
	_ Ledger           = (*InMemory)(nil)
	_ RequirementStore = (*InMemory)(nil)
	_ AssignmentStore  = (*InMemory)(nil)
)

func NewInMemory() *InMemory {
	return &InMemory{
		jobs:         make(map[int64]Job),
		requirements: make(map[string]Requirement),
	}
}

func (s *InMemory) UpsertJobs(ctx context.Context, jobs []Job, now time.Time) ([]JobChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stage on a copy so the batch is applied all at once.
	staged := make(map[int64]Job, len(jobs))
	changes := make([]JobChange, 0, len(jobs))
	for _, in := range jobs {
		cur, ok := staged[in.JobID]
		if !ok {
			cur, ok = s.jobs[in.JobID]
		}
		if !ok {
			in.CreatedAt = now
			in.UpdatedAt = now
			staged[in.JobID] = in
			changes = append(changes, JobChange{Kind: ChangeCreated, Job: in})
			continue
		}
		cur.Status = in.Status
		cur.UpdatedAt = now
		if in.CompletedDate != nil {
			cur.CompletedDate = in.CompletedDate
		}
		if in.PauseDate != nil {
			cur.PauseDate = in.PauseDate
		}
		staged[in.JobID] = cur
		changes = append(changes, JobChange{Kind: ChangeUpdated, Job: cur})
	}
	for id, j := range staged {
		s.jobs[id] = j
	}
	return changes, nil
}

func (s *InMemory) Job(ctx context.Context, jobID int64) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

func (s *InMemory) ListJobs(ctx context.Context, corporationID int64, limit int) ([]Job, error) {
	limit = ClampLimit(limit)
	s.mu.RLock()
	var res []Job
	for _, j := range s.jobs {
		if j.Corporation() == corporationID {
			res = append(res, j)
		}
	}
	s.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if !res[i].UpdatedAt.Equal(res[j].UpdatedAt) {
			return res[i].UpdatedAt.After(res[j].UpdatedAt)
		}
		return res[i].JobID > res[j].JobID
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *InMemory) CountActiveJobs(ctx context.Context, corporationID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, j := range s.jobs {
		if j.Corporation() == corporationID && j.Status == StatusActive {
			n++
		}
	}
	return n, nil
}

func (s *InMemory) CreateRequirement(ctx context.Context, r Requirement) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requirements[r.ID] = r
	return nil
}

func (s *InMemory) Requirement(ctx context.Context, id string) (Requirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requirements[id]
	if !ok {
		return Requirement{}, ErrNotFound
	}
	return r, nil
}

func (s *InMemory) ListActiveRequirements(ctx context.Context, corporationID int64) ([]Requirement, error) {
	s.mu.RLock()
	var res []Requirement
	for _, r := range s.requirements {
		if r.IsActive && r.CorporationID == corporationID {
			res = append(res, r)
		}
	}
	s.mu.RUnlock()
	SortRequirements(res)
	return res, nil
}

func (s *InMemory) DeactivateRequirement(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requirements[id]
	if !ok {
		return ErrNotFound
	}
	r.IsActive = false
	s.requirements[id] = r
	return nil
}

func (s *InMemory) CountActiveRequirements(ctx context.Context, corporationID int64) (int, error) {
	reqs, err := s.ListActiveRequirements(ctx, corporationID)
	return len(reqs), err
}

func (s *InMemory) CreateAssignment(ctx context.Context, a Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requirements[a.RequirementID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.jobs[a.JobID]; !ok {
		return ErrNotFound
	}
	s.assignments = append(s.assignments, a)
	return nil
}

func (s *InMemory) ListAssignments(ctx context.Context, requirementID string) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Assignment
	for _, a := range s.assignments {
		if a.RequirementID == requirementID {
			res = append(res, a)
		}
	}
	return res, nil
}
