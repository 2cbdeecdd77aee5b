// Package data holds the typed values passed between jobs and recipes, and the interfaces those values are
// validated against.
package data

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
)

// Data is a set of named values. A name holds either a list of file ids or a JSON value.
type Data struct {
	Files map[string][]int64
	JSON  map[string]interface{}
}

func NewData() *Data {
	return &Data{Files: map[string][]int64{}, JSON: map[string]interface{}{}}
}

func (d *Data) HasValue(name string) bool {
	if _, ok := d.Files[name]; ok {
		return true
	}
	_, ok := d.JSON[name]
	return ok
}

func (d *Data) AddFileValue(name string, fileIDs []int64) error {
	if d.HasValue(name) {
		return batchflowerrors.InvalidData("DUPLICATE_VALUE", "Duplicate value '%s'", name)
	}
	d.Files[name] = append([]int64(nil), fileIDs...)
	return nil
}

func (d *Data) AddJSONValue(name string, value interface{}) error {
	if d.HasValue(name) {
		return batchflowerrors.InvalidData("DUPLICATE_VALUE", "Duplicate value '%s'", name)
	}
	d.JSON[name] = value
	return nil
}

// Names returns the sorted value names.
func (d *Data) Names() []string {
	names := make([]string, 0, len(d.Files)+len(d.JSON))
	for name := range d.Files {
		names = append(names, name)
	}
	for name := range d.JSON {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllFileIDs returns every file id in the data in name order.
func (d *Data) AllFileIDs() []int64 {
	var ids []int64
	for _, name := range d.Names() {
		ids = append(ids, d.Files[name]...)
	}
	return ids
}

func (d *Data) Copy() *Data {
	c := NewData()
	for name, ids := range d.Files {
		c.Files[name] = append([]int64(nil), ids...)
	}
	for name, v := range d.JSON {
		c.JSON[name] = v
	}
	return c
}

// Merge adds the values of other that d does not already hold.
func (d *Data) Merge(other *Data) {
	for name, ids := range other.Files {
		if !d.HasValue(name) {
			d.Files[name] = append([]int64(nil), ids...)
		}
	}
	for name, v := range other.JSON {
		if !d.HasValue(name) {
			d.JSON[name] = v
		}
	}
}

// Rename moves the value held under from to to. Missing values are ignored.
func (d *Data) Rename(from, to string) {
	if ids, ok := d.Files[from]; ok {
		delete(d.Files, from)
		d.Files[to] = ids
	}
	if v, ok := d.JSON[from]; ok {
		delete(d.JSON, from)
		d.JSON[to] = v
	}
}

// Validate checks the data against iface. Values the interface does not declare are removed.
func (d *Data) Validate(iface *Interface) ([]batchflowerrors.Warning, error) {
	if iface == nil {
		iface = NewInterface()
	}
	var warnings []batchflowerrors.Warning
	for _, name := range iface.Names() {
		p := iface.Parameters[name]
		if ids, ok := d.Files[name]; ok {
			if p.Type != FileParamType {
				return nil, mismatchedType(p, FileParamType)
			}
			if len(ids) == 0 {
				return nil, batchflowerrors.InvalidData("NO_FILES", "Parameter '%s' cannot accept zero files", name)
			}
			if len(ids) > 1 && !p.Multiple {
				return nil, batchflowerrors.InvalidData("MULTIPLE_FILES", "Parameter '%s' cannot accept multiple files", name)
			}
		} else if v, ok := d.JSON[name]; ok {
			if p.Type != JSONParamType {
				return nil, mismatchedType(p, JSONParamType)
			}
			if !isJSONType(v, p.JSONType) {
				return nil, batchflowerrors.InvalidData("INVALID_JSON_TYPE", "Parameter '%s' must receive a value of type %s", name, p.JSONType)
			}
		} else if p.Required {
			return nil, batchflowerrors.InvalidData("PARAM_REQUIRED", "Parameter '%s' is required", name)
		}
	}
	for _, name := range d.Names() {
		if _, declared := iface.Parameters[name]; !declared {
			delete(d.Files, name)
			delete(d.JSON, name)
			warnings = append(warnings, batchflowerrors.Warning{Name: "UNKNOWN_VALUE", Description: "Value '" + name + "' is not in the interface"})
		}
	}
	return warnings, nil
}

func mismatchedType(p *Parameter, valueType string) error {
	return batchflowerrors.InvalidData("MISMATCHED_PARAM_TYPE", "Parameter '%s' of type '%s' cannot accept data of type '%s'", p.Name, p.Type, valueType)
}

func isJSONType(v interface{}, jsonType string) bool {
	switch jsonType {
	case "array":
		_, ok := v.([]interface{})
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer":
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case "number":
		_, ok := toFloat(v)
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

type dataJSON struct {
	Version string                 `json:"version,omitempty"`
	Files   map[string][]int64     `json:"files"`
	JSON    map[string]interface{} `json:"json"`
}

type v1DataJSON struct {
	InputData []struct {
		Name    string      `json:"name"`
		FileID  *int64      `json:"file_id"`
		FileIDs []int64     `json:"file_ids"`
		Value   interface{} `json:"value"`
	} `json:"input_data"`
}

func (d *Data) MarshalJSON() ([]byte, error) {
	out := dataJSON{Version: "6", Files: d.Files, JSON: d.JSON}
	if out.Files == nil {
		out.Files = map[string][]int64{}
	}
	if out.JSON == nil {
		out.JSON = map[string]interface{}{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads v6 data and converts v1 "input_data" lists.
func (d *Data) UnmarshalJSON(b []byte) error {
	var in dataJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return batchflowerrors.InvalidData("INVALID_DATA", "Invalid data: %v", err)
	}
	parsed := NewData()
	if in.Version != "" && in.Version != "6" && in.Version != "7" {
		var v1 v1DataJSON
		if err := json.Unmarshal(b, &v1); err != nil {
			return batchflowerrors.InvalidData("INVALID_DATA", "Invalid data: %v", err)
		}
		for _, value := range v1.InputData {
			switch {
			case value.FileID != nil:
				parsed.Files[value.Name] = []int64{*value.FileID}
			case value.FileIDs != nil:
				parsed.Files[value.Name] = value.FileIDs
			case value.Value != nil:
				parsed.JSON[value.Name] = value.Value
			}
		}
		*d = *parsed
		return nil
	}
	for name, ids := range in.Files {
		parsed.Files[name] = ids
	}
	for name, v := range in.JSON {
		parsed.JSON[name] = v
	}
	*d = *parsed
	return nil
}
