package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
	"github.com/G-Research/batchflow/internal/common/database"
	"github.com/G-Research/batchflow/internal/data"
)

// withStores runs action against every backend available in this environment.
func withStores(t *testing.T, action func(t *testing.T, s Store)) {
	t.Run("memdb", func(t *testing.T) {
		s, err := NewMemDbStore()
		require.NoError(t, err)
		action(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSqliteStore(context.Background(), filepath.Join(t.TempDir(), "store.db"))
		require.NoError(t, err)
		defer s.Close()
		action(t, s)
	})
	t.Run("postgres", func(t *testing.T) {
		if _, ok := os.LookupEnv(database.TestPostgresEnv); !ok {
			t.Skipf("%s not set", database.TestPostgresEnv)
		}
		err := database.WithTestDb(t, func(db *pgxpool.Pool) error {
			s, err := NewPostgresStore(context.Background(), db)
			if err != nil {
				return err
			}
			action(t, s)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestInsertAndGet(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)
		input := data.NewData()
		require.NoError(t, input.AddFileValue("x", []int64{42}))

		jobs := []*Job{
			{JobTypeID: 1, Status: JobStatusPending, Input: input, LastStatusChange: now},
			{JobTypeID: 1, Status: JobStatusBlocked, LastStatusChange: now},
		}
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			return Insert(ctx, tx, jobs...)
		}))
		assert.Equal(t, int64(1), jobs[0].ID)
		assert.Equal(t, int64(2), jobs[1].ID)

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			job, err := Get[Job](ctx, tx, 1)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, JobStatusPending, job.Status)
			assert.Equal(t, []int64{42}, job.Input.Files["x"])
			assert.True(t, job.LastStatusChange.Equal(now))

			missing, err := Get[Job](ctx, tx, 99)
			require.NoError(t, err)
			assert.Nil(t, missing)

			many, err := GetMany[Job](ctx, tx, []int64{2, 99, 1})
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 2}, IDs(many))
			return nil
		}))
	})
}

func TestUpdateRollsBack(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		err := s.Update(ctx, func(tx Tx) error {
			if err := Insert(ctx, tx, &Node{Hostname: "host-1"}); err != nil {
				return err
			}
			return errors.New("boom")
		})
		require.Error(t, err)

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			nodes, err := List[Node](ctx, tx, nil)
			require.NoError(t, err)
			assert.Empty(t, nodes)
			return nil
		}))
	})
}

func TestSaveListDelete(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		nodes := []*RecipeNode{
			{RecipeID: 1, NodeName: "a", JobID: 10},
			{RecipeID: 1, NodeName: "b", JobID: 11},
			{RecipeID: 2, NodeName: "a", JobID: 12},
		}
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			return Insert(ctx, tx, nodes...)
		}))
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			locked, err := GetLocked[RecipeNode](ctx, tx, []int64{2, 1, 2})
			require.NoError(t, err)
			require.Len(t, locked, 2)
			locked[1].IsOriginal = true
			if err := Save(ctx, tx, locked[1]); err != nil {
				return err
			}
			return Delete[RecipeNode](ctx, tx, []int64{1, 404})
		}))
		require.NoError(t, s.View(ctx, func(tx Tx) error {
			forRecipe, err := RecipeNodesForRecipes(ctx, tx, []int64{1})
			require.NoError(t, err)
			require.Len(t, forRecipe, 1)
			assert.Equal(t, "b", forRecipe[0].NodeName)
			assert.True(t, forRecipe[0].IsOriginal)

			forJobs, err := RecipeNodesForJobs(ctx, tx, []int64{12})
			require.NoError(t, err)
			assert.Equal(t, []int64{3}, IDs(forJobs))
			return nil
		}))
	})
}

func TestIdsAreNotReused(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			if err := Insert(ctx, tx, &Dataset{Title: "one"}); err != nil {
				return err
			}
			return Delete[Dataset](ctx, tx, []int64{1})
		}))
		dataset := &Dataset{Title: "two"}
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			return Insert(ctx, tx, dataset)
		}))
		assert.Equal(t, int64(2), dataset.ID)
	})
}

func TestSaveRequiresID(t *testing.T) {
	s, err := NewMemDbStore()
	require.NoError(t, err)
	err = s.Update(context.Background(), func(tx Tx) error {
		return Save(context.Background(), tx, &Job{})
	})
	assert.Error(t, err)
}

func TestUpdateJobStatus(t *testing.T) {
	now := time.Now()
	job := &Job{Status: JobStatusRunning, NodeID: 3, ErrorID: 4}
	UpdateJobStatus([]*Job{job}, JobStatusQueued, now)
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Equal(t, now, *job.Queued)
	assert.Zero(t, job.NodeID)
	assert.Zero(t, job.ErrorID)

	UpdateJobStatus([]*Job{job}, JobStatusFailed, now)
	assert.Equal(t, now, *job.Ended)
	assert.True(t, IsFinalJobStatus(job.Status))
}

func TestGetRecipeDefinition(t *testing.T) {
	s, err := NewMemDbStore()
	require.NoError(t, err)
	ctx := context.Background()
	definitionJSON := `{"version": "7", "nodes": {"a": {"dependencies": [], "input": {},
		"node_type": {"node_type": "job", "job_type_name": "algo", "job_type_version": "1.0", "job_type_revision": 2}}}}`
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		return Insert(ctx, tx, &RecipeTypeRevision{RecipeTypeID: 5, RevisionNum: 1, Definition: []byte(definitionJSON)})
	}))
	require.NoError(t, s.View(ctx, func(tx Tx) error {
		def, err := GetRecipeDefinition(ctx, tx, 5, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, def.NodeNames())

		_, err = GetRecipeDefinition(ctx, tx, 5, 2)
		assert.Error(t, err)
		return nil
	}))
}

func TestValidateRecipeDefinition(t *testing.T) {
	stringInterface := func(name string) *data.Interface {
		iface := data.NewInterface()
		require.NoError(t, iface.AddParameter(data.NewJSONParameter(name, "string", true)))
		return iface
	}
	recipe := func(jobTypeName, output string) string {
		return `{"version": "7", "input": {"json": [{"name": "x", "type": "string"}]}, "nodes": {
			"a": {"dependencies": [], "input": {"x": {"type": "recipe", "input": "x"}},
				"node_type": {"node_type": "job", "job_type_name": "` + jobTypeName + `", "job_type_version": "1.0", "job_type_revision": 1}},
			"b": {"dependencies": [{"name": "a"}], "input": {"x": {"type": "dependency", "node": "a", "output": "` + output + `"}},
				"node_type": {"node_type": "job", "job_type_name": "algo", "job_type_version": "1.0", "job_type_revision": 1}}}}`
	}
	tests := map[string]struct {
		definition    string
		expectedError string
	}{
		"valid": {
			definition: recipe("algo", "y"),
		},
		"unknown job type": {
			definition:    recipe("missing", "y"),
			expectedError: "UNKNOWN_JOB_TYPE",
		},
		"unknown output": {
			definition:    recipe("algo", "z"),
			expectedError: "NODE_INTERFACE",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s, err := NewMemDbStore()
			require.NoError(t, err)
			ctx := context.Background()
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				return Insert(ctx, tx, &JobType{
					Name:            "algo",
					Version:         "1.0",
					RevisionNum:     1,
					InputInterface:  stringInterface("x"),
					OutputInterface: stringInterface("y"),
				})
			}))
			require.NoError(t, s.View(ctx, func(tx Tx) error {
				def, _, err := ValidateRecipeDefinition(ctx, tx, []byte(tc.definition))
				if tc.expectedError != "" {
					assert.Equal(t, tc.expectedError, batchflowerrors.ValidationErrorName(err, batchflowerrors.KindInvalidDefinition))
					return nil
				}
				require.NoError(t, err)
				assert.Equal(t, []string{"a", "b"}, def.NodeNames())
				return nil
			}))
		})
	}
}

func TestPruneTaskUpdates(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)
		var updates []*TaskUpdate
		for i := 0; i < 5; i++ {
			updates = append(updates, &TaskUpdate{TaskID: "old", Status: "RUNNING", Timestamp: now.Add(-3 * time.Hour)})
		}
		updates = append(updates, &TaskUpdate{TaskID: "new", Status: "RUNNING", Timestamp: now.Add(-time.Minute)})
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			return Insert(ctx, tx, updates...)
		}))

		deleted, err := PruneTaskUpdates(ctx, s, 2, 2*time.Hour, clocktesting.NewFakeClock(now))
		require.NoError(t, err)
		assert.Equal(t, 5, deleted)

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			remaining, err := List[TaskUpdate](ctx, tx, nil)
			require.NoError(t, err)
			require.Len(t, remaining, 1)
			assert.Equal(t, "new", remaining[0].TaskID)
			return nil
		}))
	})
}
