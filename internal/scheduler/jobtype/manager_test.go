package jobtype

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/batchflow/internal/scheduler/resources"
	"github.com/G-Research/batchflow/internal/store"
)

func TestManager_SyncWithDatabase(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewMemDbStore()
	require.NoError(t, err)
	err = st.Update(ctx, func(tx store.Tx) error {
		return store.Insert(ctx, tx,
			&store.JobType{Name: "a", Version: "1", IsActive: true, Resources: resources.MustNodeResources(map[string]float64{resources.CPUs: 2})},
			&store.JobType{Name: "b", Version: "1", IsActive: false},
			&store.JobType{Name: "c", Version: "1", IsActive: true},
		)
	})
	require.NoError(t, err)

	m := NewManager()
	assert.Empty(t, m.GetJobTypes())
	require.NoError(t, m.SyncWithDatabase(ctx, st))

	jobTypes := m.GetJobTypes()
	assert.Len(t, jobTypes, 2)
	require.NotNil(t, m.GetJobType(1))
	assert.Equal(t, "a", m.GetJobType(1).Name)
	assert.Nil(t, m.GetJobType(2), "inactive job types are not cached")

	res := m.GetJobTypeResources()
	assert.Equal(t, 2.0, res[1].CPUs())
	assert.True(t, res[3].IsEqual(resources.Empty()))

	// The returned map is a copy
	delete(jobTypes, 1)
	assert.NotNil(t, m.GetJobType(1))
}
