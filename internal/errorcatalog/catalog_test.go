package errorcatalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
)

func TestCatalog_BuiltinErrors(t *testing.T) {
	c := NewCatalog()

	nodeLost, err := c.GetBuiltinError(NodeLostError)
	require.NoError(t, err)
	assert.True(t, nodeLost.IsBuiltin)
	assert.True(t, nodeLost.ShouldBeRetried)
	assert.Equal(t, System, nodeLost.Category)

	again, err := c.GetBuiltinError(NodeLostError)
	require.NoError(t, err)
	assert.Equal(t, nodeLost.ID, again.ID)

	byID, err := c.GetErrorByID(nodeLost.ID)
	require.NoError(t, err)
	assert.Equal(t, NodeLostError, byID.Name)

	_, err = c.GetBuiltinError("no-such-error")
	assert.True(t, batchflowerrors.IsNotFound(err))

	assert.Equal(t, UnknownError, c.GetUnknownError().Name)
}

func TestCatalog_ReturnedErrorsAreCopies(t *testing.T) {
	c := NewCatalog()
	e := c.MustBuiltinError(TimeoutError)
	e.Title = "changed"
	assert.Equal(t, "Timeout", c.MustBuiltinError(TimeoutError).Title)
}

func TestCatalog_RegisterJobErrors(t *testing.T) {
	c := NewCatalog()
	first := c.RegisterJobErrors("my-job", []Definition{{Name: "bad-band", Title: "Bad Band", Category: Data}, {Name: "oom"}})
	require.Len(t, first, 2)
	assert.Equal(t, Data, first[0].Category)
	assert.Equal(t, Algorithm, first[1].Category)
	assert.False(t, first[0].IsBuiltin)

	second := c.RegisterJobErrors("my-job", []Definition{{Name: "bad-band", Title: "Really Bad Band", Category: Data}})
	assert.Equal(t, first[0].ID, second[0].ID)

	scoped, err := c.GetJobError("my-job", "bad-band")
	require.NoError(t, err)
	assert.Equal(t, "Really Bad Band", scoped.Title)

	fallback, err := c.GetJobError("my-job", NodeLostError)
	require.NoError(t, err)
	assert.True(t, fallback.IsBuiltin)

	_, err = c.GetJobError("other-job", "bad-band")
	assert.Error(t, err)

	assert.Len(t, c.ListErrors(), len(builtinErrors)+2)
}

func TestCatalog_GetErrorByExitCode(t *testing.T) {
	c := NewCatalog()
	assert.Equal(t, InvalidInputError, c.GetErrorByExitCode(PreTaskExitCodes, 4).Name)
	assert.Equal(t, DockerTaskLaunchError, c.GetErrorByExitCode(PostTaskExitCodes, 127).Name)
	assert.Nil(t, c.GetErrorByExitCode(PreTaskExitCodes, 99))
}

func TestJobErrorMapping_GetError(t *testing.T) {
	c := NewCatalog()
	c.RegisterJobErrors("my-job", []Definition{{Name: "bad-band", Category: Data}})
	mapping := NewJobErrorMapping(c, "my-job", map[int]string{2: "bad-band", 3: "missing-error"})

	tests := map[string]struct {
		exitCode int
		expected string
	}{
		"success":                {exitCode: 0, expected: ""},
		"mapped":                 {exitCode: 2, expected: "bad-band"},
		"mapped to unknown name": {exitCode: 3, expected: AlgorithmUnknownError},
		"unmapped":               {exitCode: 42, expected: AlgorithmUnknownError},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			e := mapping.GetError(tc.exitCode, AlgorithmUnknownError)
			if tc.expected == "" {
				assert.Nil(t, e)
				return
			}
			require.NotNil(t, e)
			assert.Equal(t, tc.expected, e.Name)
		})
	}
}

func TestJobErrorMapping_SeesUpdatedDefinitions(t *testing.T) {
	c := NewCatalog()
	mapping := NewJobErrorMapping(c, "my-job", map[int]string{2: "late"})
	assert.Equal(t, UnknownError, mapping.GetError(2, UnknownError).Name)
	c.RegisterJobErrors("my-job", []Definition{{Name: "late"}})
	assert.Equal(t, "late", mapping.GetError(2, UnknownError).Name)
}

func TestJobErrorMapping_BadDefault(t *testing.T) {
	mapping := NewJobErrorMapping(NewCatalog(), "my-job", nil)
	assert.Equal(t, UnknownError, mapping.GetError(1, "not-builtin").Name)
}
