// Package datafilter evaluates the conditions that gate the children of a recipe condition node.
package datafilter

import (
	"encoding/json"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
	"github.com/G-Research/batchflow/internal/data"
)

const (
	TypeArray     = "array"
	TypeBoolean   = "boolean"
	TypeInteger   = "integer"
	TypeNumber    = "number"
	TypeObject    = "object"
	TypeString    = "string"
	TypeFilename  = "filename"
	TypeMediaType = "media-type"
	TypeDataType  = "data-type"
	TypeMetaData  = "meta-data"
)

var (
	stringConditions = []string{"<", "<=", ">", ">=", "==", "!=", "between", "in", "not in", "contains", "subset of", "superset of"}
	numberConditions = []string{"<", "<=", ">", ">=", "==", "!=", "between", "in", "not in"}
	boolConditions   = []string{"==", "!="}
	arrayConditions  = []string{"==", "!=", "contains", "subset of", "superset of", "in", "not in"}

	conditionsByType = map[string][]string{
		TypeArray:     arrayConditions,
		TypeBoolean:   boolConditions,
		TypeInteger:   numberConditions,
		TypeNumber:    numberConditions,
		TypeObject:    stringConditions,
		TypeString:    stringConditions,
		TypeFilename:  stringConditions,
		TypeMediaType: stringConditions,
		TypeDataType:  arrayConditions,
		TypeMetaData:  stringConditions,
	}
)

func isFileType(filterType string) bool {
	switch filterType {
	case TypeFilename, TypeMediaType, TypeDataType, TypeMetaData:
		return true
	}
	return false
}

// File is the metadata of a file that file-typed filters inspect.
type File struct {
	FileName  string
	MediaType string
	DataTypes []string
	Meta      map[string]interface{}
}

// Filter is a single condition on one named value.
type Filter struct {
	Name      string
	Type      string
	Condition string
	Values    []interface{}
	// Fields are paths into object or meta-data values. Empty means the value itself.
	Fields    [][]string
	AllFields bool
	AllFiles  bool
}

// DataFilter accepts data when all (or, if All is false, any) of its filters pass. A filter with no
// conditions accepts everything.
type DataFilter struct {
	Filters []*Filter
	All     bool
}

func New(all bool) *DataFilter {
	return &DataFilter{All: all}
}

// AddFilter validates f and appends it.
func (df *DataFilter) AddFilter(f *Filter) error {
	if err := validateFilter(f); err != nil {
		return err
	}
	df.Filters = append(df.Filters, f)
	return nil
}

func validateFilter(f *Filter) error {
	switch {
	case f.Name == "":
		return batchflowerrors.InvalidDataFilter("MISSING_NAME", "Missing filter name")
	case f.Type == "":
		return batchflowerrors.InvalidDataFilter("MISSING_TYPE", "Missing type for filter '%s'", f.Name)
	case f.Condition == "":
		return batchflowerrors.InvalidDataFilter("MISSING_CONDITION", "Missing condition for filter '%s'", f.Name)
	case len(f.Values) == 0:
		return batchflowerrors.InvalidDataFilter("MISSING_VALUES", "Missing values for filter '%s'", f.Name)
	}
	conditions, ok := conditionsByType[f.Type]
	if !ok {
		return batchflowerrors.InvalidDataFilter("INVALID_TYPE", "Invalid type '%s' for filter '%s'", f.Type, f.Name)
	}
	if !contains(conditions, f.Condition) {
		return batchflowerrors.InvalidDataFilter("INVALID_CONDITION", "Invalid condition '%s' for %s filter '%s'", f.Condition, f.Type, f.Name)
	}
	if f.Condition == "between" && len(f.Values) != 2 {
		return batchflowerrors.InvalidDataFilter("VALUE_ERROR", "Filter '%s' needs exactly two values for between", f.Name)
	}
	for _, v := range f.Values {
		switch f.Type {
		case TypeInteger, TypeNumber:
			if _, ok := toFloat(v); !ok {
				return batchflowerrors.InvalidDataFilter("VALUE_ERROR", "Filter '%s' expects numeric values, got %v", f.Name, v)
			}
		case TypeBoolean:
			if _, ok := v.(bool); !ok {
				return batchflowerrors.InvalidDataFilter("VALUE_ERROR", "Filter '%s' expects boolean values, got %v", f.Name, v)
			}
		case TypeString, TypeFilename, TypeMediaType, TypeDataType:
			if _, ok := v.(string); !ok {
				return batchflowerrors.InvalidDataFilter("VALUE_ERROR", "Filter '%s' expects string values, got %v", f.Name, v)
			}
		}
	}
	if f.Type == TypeMetaData && len(f.Fields) == 0 {
		return batchflowerrors.InvalidDataFilter("VALUE_ERROR", "Filter '%s' of type meta-data needs fields", f.Name)
	}
	return nil
}

// Validate checks the filter against the interface of the data it will receive.
func (df *DataFilter) Validate(iface *data.Interface) ([]batchflowerrors.Warning, error) {
	var warnings []batchflowerrors.Warning
	unmatched := map[string]bool{}
	for _, name := range iface.Names() {
		unmatched[name] = true
	}
	for _, f := range df.Filters {
		p, ok := iface.GetParameter(f.Name)
		if !ok {
			warnings = append(warnings, batchflowerrors.Warning{
				Name:        "UNMATCHED_FILTER",
				Description: "Filter '" + f.Name + "' does not match any parameter in the interface",
			})
			continue
		}
		delete(unmatched, f.Name)
		if p.Type == data.FileParamType && !isFileType(f.Type) {
			return nil, batchflowerrors.InvalidDataFilter("MISMATCHED_TYPE", "Filter '%s' of type '%s' cannot filter a file parameter", f.Name, f.Type)
		}
		if p.Type == data.JSONParamType {
			if isFileType(f.Type) {
				return nil, batchflowerrors.InvalidDataFilter("MISMATCHED_TYPE", "Filter '%s' of type '%s' cannot filter a json parameter", f.Name, f.Type)
			}
			if p.JSONType != f.Type && !(f.Type == TypeNumber && p.JSONType == TypeInteger) {
				return nil, batchflowerrors.InvalidDataFilter("MISMATCHED_TYPE", "Filter '%s' of type '%s' does not match parameter type '%s'", f.Name, f.Type, p.JSONType)
			}
		}
	}
	if len(unmatched) > 0 {
		warnings = append(warnings, batchflowerrors.Warning{
			Name:        "UNMATCHED_PARAMETERS",
			Description: "Some parameters in the interface are not filtered",
		})
	}
	return warnings, nil
}

// IsDataAccepted evaluates the filter. files holds the metadata of every file referenced by d.
func (df *DataFilter) IsDataAccepted(d *data.Data, files map[int64]*File) bool {
	if len(df.Filters) == 0 {
		return true
	}
	for _, f := range df.Filters {
		passed := f.accepts(d, files)
		if df.All && !passed {
			return false
		}
		if !df.All && passed {
			return true
		}
	}
	return df.All
}

func (f *Filter) accepts(d *data.Data, files map[int64]*File) bool {
	if fileIDs, ok := d.Files[f.Name]; ok {
		if !isFileType(f.Type) || len(fileIDs) == 0 {
			return false
		}
		for _, id := range fileIDs {
			file, known := files[id]
			passed := known && f.acceptsFile(file)
			if f.AllFiles && !passed {
				return false
			}
			if !f.AllFiles && passed {
				return true
			}
		}
		return f.AllFiles
	}
	if value, ok := d.JSON[f.Name]; ok {
		if isFileType(f.Type) {
			return false
		}
		if f.Type == TypeObject && len(f.Fields) > 0 {
			return f.acceptsFields(value)
		}
		return evaluate(f.Condition, value, f.Values)
	}
	return false
}

func (f *Filter) acceptsFile(file *File) bool {
	switch f.Type {
	case TypeFilename:
		return evaluate(f.Condition, file.FileName, f.Values)
	case TypeMediaType:
		return evaluate(f.Condition, file.MediaType, f.Values)
	case TypeDataType:
		dataTypes := make([]interface{}, len(file.DataTypes))
		for i, dt := range file.DataTypes {
			dataTypes[i] = dt
		}
		return evaluate(f.Condition, dataTypes, f.Values)
	case TypeMetaData:
		return f.acceptsFields(file.Meta)
	}
	return false
}

func (f *Filter) acceptsFields(value interface{}) bool {
	for _, path := range f.Fields {
		fieldValue, found := lookup(value, path)
		passed := found && evaluate(f.Condition, fieldValue, f.Values)
		if f.AllFields && !passed {
			return false
		}
		if !f.AllFields && passed {
			return true
		}
	}
	return f.AllFields
}

func lookup(value interface{}, path []string) (interface{}, bool) {
	current := value
	for _, key := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

type filterJSON struct {
	Name      string        `json:"name"`
	Type      string        `json:"type"`
	Condition string        `json:"condition"`
	Values    []interface{} `json:"values"`
	Fields    [][]string    `json:"fields,omitempty"`
	AllFields *bool         `json:"all_fields,omitempty"`
	AllFiles  *bool         `json:"all_files,omitempty"`
}

type dataFilterJSON struct {
	FilterList []filterJSON `json:"filter_list"`
	All        *bool        `json:"all,omitempty"`
}

func (df *DataFilter) MarshalJSON() ([]byte, error) {
	all := df.All
	out := dataFilterJSON{FilterList: []filterJSON{}, All: &all}
	for _, f := range df.Filters {
		allFields, allFiles := f.AllFields, f.AllFiles
		out.FilterList = append(out.FilterList, filterJSON{
			Name:      f.Name,
			Type:      f.Type,
			Condition: f.Condition,
			Values:    f.Values,
			Fields:    f.Fields,
			AllFields: &allFields,
			AllFiles:  &allFiles,
		})
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses and validates a filter. "all" and "all_fields" default to true, "all_files" to false.
func (df *DataFilter) UnmarshalJSON(b []byte) error {
	var in dataFilterJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return batchflowerrors.InvalidDataFilter("INVALID_DATA_FILTER", "Invalid data filter: %v", err)
	}
	parsed := New(in.All == nil || *in.All)
	for _, fj := range in.FilterList {
		f := &Filter{
			Name:      fj.Name,
			Type:      fj.Type,
			Condition: fj.Condition,
			Values:    fj.Values,
			Fields:    fj.Fields,
			AllFields: fj.AllFields == nil || *fj.AllFields,
			AllFiles:  fj.AllFiles != nil && *fj.AllFiles,
		}
		if err := parsed.AddFilter(f); err != nil {
			return err
		}
	}
	*df = *parsed
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
