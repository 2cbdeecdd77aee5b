package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatch(t *testing.T) {
	tests := map[string]struct {
		elements  []string
		batchSize int
		expected  [][]string
	}{
		"empty": {
			elements:  []string{},
			batchSize: 2,
			expected:  [][]string{},
		},
		"exact": {
			elements:  []string{"a", "b", "c", "d"},
			batchSize: 2,
			expected:  [][]string{{"a", "b"}, {"c", "d"}},
		},
		"remainder": {
			elements:  []string{"a", "b", "c"},
			batchSize: 2,
			expected:  [][]string{{"a", "b"}, {"c"}},
		},
		"batch bigger than input": {
			elements:  []string{"a"},
			batchSize: 5,
			expected:  [][]string{{"a"}},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Batch(tc.elements, tc.batchSize))
		})
	}
}
