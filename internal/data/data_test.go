package data

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
)

func testInterface(t *testing.T) *Interface {
	iface := NewInterface()
	require.NoError(t, iface.AddParameter(NewFileParameter("image", []string{"image/tiff"}, true, false)))
	require.NoError(t, iface.AddParameter(NewFileParameter("extras", nil, false, true)))
	require.NoError(t, iface.AddParameter(NewJSONParameter("threshold", "integer", true)))
	return iface
}

func TestData_Validate(t *testing.T) {
	tests := map[string]struct {
		files         map[string][]int64
		json          map[string]interface{}
		expectedError string
	}{
		"valid": {
			files: map[string][]int64{"image": {1}},
			json:  map[string]interface{}{"threshold": 3.0},
		},
		"missing required": {
			json:          map[string]interface{}{"threshold": 3.0},
			expectedError: "PARAM_REQUIRED",
		},
		"zero files": {
			files:         map[string][]int64{"image": {}},
			json:          map[string]interface{}{"threshold": 3.0},
			expectedError: "NO_FILES",
		},
		"multiple files for single parameter": {
			files:         map[string][]int64{"image": {1, 2}},
			json:          map[string]interface{}{"threshold": 3.0},
			expectedError: "MULTIPLE_FILES",
		},
		"wrong json type": {
			files:         map[string][]int64{"image": {1}},
			json:          map[string]interface{}{"threshold": 3.5},
			expectedError: "INVALID_JSON_TYPE",
		},
		"json value for file parameter": {
			json:          map[string]interface{}{"image": "x", "threshold": 3.0},
			expectedError: "MISMATCHED_PARAM_TYPE",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			d := NewData()
			for k, v := range tc.files {
				require.NoError(t, d.AddFileValue(k, v))
			}
			for k, v := range tc.json {
				require.NoError(t, d.AddJSONValue(k, v))
			}
			_, err := d.Validate(testInterface(t))
			if tc.expectedError == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tc.expectedError, batchflowerrors.ValidationErrorName(err, batchflowerrors.KindInvalidData))
		})
	}
}

func TestData_ValidateDropsUnknownValues(t *testing.T) {
	d := NewData()
	require.NoError(t, d.AddFileValue("image", []int64{1}))
	require.NoError(t, d.AddJSONValue("threshold", 1))
	require.NoError(t, d.AddJSONValue("extra", "x"))
	warnings, err := d.Validate(testInterface(t))
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
	assert.False(t, d.HasValue("extra"))
}

func TestData_DuplicateValue(t *testing.T) {
	d := NewData()
	require.NoError(t, d.AddFileValue("a", []int64{1}))
	err := d.AddJSONValue("a", 1)
	assert.Equal(t, "DUPLICATE_VALUE", batchflowerrors.ValidationErrorName(err, batchflowerrors.KindInvalidData))
}

func TestData_JSON(t *testing.T) {
	d := NewData()
	require.NoError(t, d.AddFileValue("image", []int64{42}))
	require.NoError(t, d.AddJSONValue("name", "abc"))
	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"6","files":{"image":[42]},"json":{"name":"abc"}}`, string(b))

	parsed := NewData()
	require.NoError(t, json.Unmarshal(b, parsed))
	assert.Equal(t, d, parsed)
}

func TestData_V1JSON(t *testing.T) {
	parsed := NewData()
	err := json.Unmarshal([]byte(`{"version":"1.0","input_data":[{"name":"a","file_id":3},{"name":"b","file_ids":[4,5]},{"name":"c","value":"v"}]}`), parsed)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, parsed.Files["a"])
	assert.Equal(t, []int64{4, 5}, parsed.Files["b"])
	assert.Equal(t, "v", parsed.JSON["c"])
}

func TestData_MergeAndRename(t *testing.T) {
	d := NewData()
	require.NoError(t, d.AddFileValue("a", []int64{1}))
	other := NewData()
	require.NoError(t, other.AddFileValue("a", []int64{2}))
	require.NoError(t, other.AddJSONValue("b", true))
	d.Merge(other)
	assert.Equal(t, []int64{1}, d.Files["a"])
	assert.Equal(t, true, d.JSON["b"])

	d.Rename("a", "z")
	assert.False(t, d.HasValue("a"))
	assert.Equal(t, []int64{1}, d.AllFileIDs())
}

func TestInterface_ValidateConnection(t *testing.T) {
	tests := map[string]struct {
		connecting    *Parameter
		expectedError string
		warnings      int
	}{
		"compatible": {
			connecting: NewFileParameter("image", []string{"image/tiff"}, true, false),
		},
		"media type warning": {
			connecting: NewFileParameter("image", []string{"image/png"}, true, false),
			warnings:   1,
		},
		"optional into required": {
			connecting:    NewFileParameter("image", nil, false, false),
			expectedError: "PARAM_REQUIRED",
		},
		"multiple into single": {
			connecting:    NewFileParameter("image", nil, true, true),
			expectedError: "NO_MULTIPLE_FILES",
		},
		"json into file": {
			connecting:    NewJSONParameter("image", "string", true),
			expectedError: "MISMATCHED_PARAM_TYPE",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			iface := NewInterface()
			require.NoError(t, iface.AddParameter(NewFileParameter("image", []string{"image/tiff"}, true, false)))
			connecting := NewInterface()
			require.NoError(t, connecting.AddParameter(tc.connecting))
			warnings, err := iface.ValidateConnection(connecting)
			if tc.expectedError != "" {
				assert.Equal(t, tc.expectedError, batchflowerrors.ValidationErrorName(err, batchflowerrors.KindInvalidInterface))
				return
			}
			require.NoError(t, err)
			assert.Len(t, warnings, tc.warnings)
		})
	}
}

func TestInterface_JSON(t *testing.T) {
	iface := NewInterface()
	err := json.Unmarshal([]byte(`{"files":[{"name":"f","media_types":["text/plain"]}],"json":[{"name":"j","type":"string","required":false}]}`), iface)
	require.NoError(t, err)
	require.NoError(t, iface.Validate())
	assert.True(t, iface.Parameters["f"].Required)
	assert.False(t, iface.Parameters["j"].Required)

	b, err := json.Marshal(iface)
	require.NoError(t, err)
	reparsed := NewInterface()
	require.NoError(t, json.Unmarshal(b, reparsed))
	assert.Equal(t, iface, reparsed)

	bad := NewInterface()
	require.NoError(t, bad.AddParameter(NewJSONParameter("x", "date", true)))
	assert.True(t, batchflowerrors.IsKind(bad.Validate(), batchflowerrors.KindInvalidInterface))
}
