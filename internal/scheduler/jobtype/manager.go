package jobtype

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/G-Research/batchflow/internal/scheduler/resources"
	"github.com/G-Research/batchflow/internal/store"
)

// Manager caches the active job types for the scheduler. It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	jobTypes map[int64]*store.JobType
}

func NewManager() *Manager {
	return &Manager{jobTypes: map[int64]*store.JobType{}}
}

// SyncWithDatabase replaces the cache with the active job types in the store.
func (m *Manager) SyncWithDatabase(ctx context.Context, st store.Store) error {
	var jobTypes []*store.JobType
	err := st.View(ctx, func(tx store.Tx) error {
		var err error
		jobTypes, err = store.List(ctx, tx, func(t *store.JobType) bool { return t.IsActive })
		return err
	})
	if err != nil {
		return errors.WithMessage(err, "failed to sync job types")
	}
	byID := make(map[int64]*store.JobType, len(jobTypes))
	for _, jobType := range jobTypes {
		byID[jobType.ID] = jobType
	}
	m.mu.Lock()
	m.jobTypes = byID
	m.mu.Unlock()
	return nil
}

// GetJobType returns the job type with the given id, or nil if it is not active.
func (m *Manager) GetJobType(id int64) *store.JobType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobTypes[id]
}

// GetJobTypes returns a copy of the active job types by id.
func (m *Manager) GetJobTypes() map[int64]*store.JobType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.jobTypes)
}

// GetJobTypeResources returns the resources each active job type needs.
func (m *Manager) GetJobTypeResources() map[int64]*resources.NodeResources {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[int64]*resources.NodeResources, len(m.jobTypes))
	for id, jobType := range m.jobTypes {
		result[id] = jobType.GetResources()
	}
	return result
}
