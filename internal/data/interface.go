package data

import (
	"encoding/json"
	"sort"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
)

const (
	FileParamType = "file"
	JSONParamType = "json"
)

var validJSONTypes = map[string]bool{
	"array":   true,
	"boolean": true,
	"integer": true,
	"number":  true,
	"object":  true,
	"string":  true,
}

// Parameter is one named input or output of an interface. JSONType is only set for json parameters,
// MediaTypes and Multiple only for file parameters.
type Parameter struct {
	Name       string
	Type       string
	Required   bool
	Multiple   bool
	MediaTypes []string
	JSONType   string
}

func NewFileParameter(name string, mediaTypes []string, required, multiple bool) *Parameter {
	return &Parameter{Name: name, Type: FileParamType, Required: required, Multiple: multiple, MediaTypes: mediaTypes}
}

func NewJSONParameter(name, jsonType string, required bool) *Parameter {
	return &Parameter{Name: name, Type: JSONParamType, Required: required, JSONType: jsonType}
}

func (p *Parameter) Copy() *Parameter {
	c := *p
	c.MediaTypes = append([]string(nil), p.MediaTypes...)
	return &c
}

func (p *Parameter) validate() error {
	if p.Type == JSONParamType && !validJSONTypes[p.JSONType] {
		return batchflowerrors.InvalidInterface("INVALID_JSON_TYPE", "Parameter '%s' has invalid JSON type '%s'", p.Name, p.JSONType)
	}
	return nil
}

// ValidateConnection checks that connecting can be passed to p.
func (p *Parameter) ValidateConnection(connecting *Parameter) ([]batchflowerrors.Warning, error) {
	if p.Type != connecting.Type {
		return nil, batchflowerrors.InvalidInterface("MISMATCHED_PARAM_TYPE",
			"Parameter '%s' of type '%s' cannot accept type '%s'", p.Name, p.Type, connecting.Type)
	}
	if p.Required && !connecting.Required {
		return nil, batchflowerrors.InvalidInterface("PARAM_REQUIRED",
			"Parameter '%s' is required and cannot accept an optional value", p.Name)
	}
	var warnings []batchflowerrors.Warning
	switch p.Type {
	case FileParamType:
		if !p.Multiple && connecting.Multiple {
			return nil, batchflowerrors.InvalidInterface("NO_MULTIPLE_FILES", "Parameter '%s' cannot accept multiple files", p.Name)
		}
		var mismatched []string
		for _, mediaType := range connecting.MediaTypes {
			if !contains(p.MediaTypes, mediaType) {
				mismatched = append(mismatched, mediaType)
			}
		}
		if len(mismatched) > 0 && len(p.MediaTypes) > 0 {
			warnings = append(warnings, batchflowerrors.Warning{
				Name:        "MISMATCHED_MEDIA_TYPES",
				Description: "Parameter '" + p.Name + "' might not accept " + join(mismatched),
			})
		}
	case JSONParamType:
		if p.JSONType != connecting.JSONType {
			return nil, batchflowerrors.InvalidInterface("MISMATCHED_JSON_TYPE",
				"Parameter '%s' of JSON type '%s' cannot accept JSON type '%s'", p.Name, p.JSONType, connecting.JSONType)
		}
	}
	return warnings, nil
}

// Interface is a named set of parameters. Names are unique across file and json parameters.
type Interface struct {
	Parameters map[string]*Parameter
}

func NewInterface() *Interface {
	return &Interface{Parameters: map[string]*Parameter{}}
}

func (i *Interface) AddParameter(p *Parameter) error {
	if _, exists := i.Parameters[p.Name]; exists {
		return batchflowerrors.InvalidInterface("DUPLICATE_INPUT", "Duplicate parameter name '%s'", p.Name)
	}
	i.Parameters[p.Name] = p
	return nil
}

func (i *Interface) GetParameter(name string) (*Parameter, bool) {
	p, ok := i.Parameters[name]
	return p, ok
}

// Names returns the sorted parameter names.
func (i *Interface) Names() []string {
	names := make([]string, 0, len(i.Parameters))
	for name := range i.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (i *Interface) Copy() *Interface {
	c := NewInterface()
	for name, p := range i.Parameters {
		c.Parameters[name] = p.Copy()
	}
	return c
}

func (i *Interface) Validate() error {
	for _, name := range i.Names() {
		if err := i.Parameters[name].validate(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateConnection checks that every parameter of i can be satisfied by connecting.
func (i *Interface) ValidateConnection(connecting *Interface) ([]batchflowerrors.Warning, error) {
	var warnings []batchflowerrors.Warning
	for _, name := range i.Names() {
		p := i.Parameters[name]
		other, ok := connecting.Parameters[name]
		if !ok {
			if p.Required {
				return nil, batchflowerrors.InvalidInterface("PARAM_REQUIRED", "Parameter '%s' is required", name)
			}
			continue
		}
		w, err := p.ValidateConnection(other)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, w...)
	}
	return warnings, nil
}

type fileParameterJSON struct {
	Name       string   `json:"name"`
	Required   *bool    `json:"required,omitempty"`
	Multiple   bool     `json:"multiple"`
	MediaTypes []string `json:"media_types,omitempty"`
}

type jsonParameterJSON struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required *bool  `json:"required,omitempty"`
}

type interfaceJSON struct {
	Version string              `json:"version,omitempty"`
	Files   []fileParameterJSON `json:"files"`
	JSON    []jsonParameterJSON `json:"json"`
}

func (i *Interface) MarshalJSON() ([]byte, error) {
	out := interfaceJSON{Version: "6", Files: []fileParameterJSON{}, JSON: []jsonParameterJSON{}}
	for _, name := range i.Names() {
		p := i.Parameters[name]
		required := p.Required
		if p.Type == FileParamType {
			out.Files = append(out.Files, fileParameterJSON{Name: p.Name, Required: &required, Multiple: p.Multiple, MediaTypes: p.MediaTypes})
		} else {
			out.JSON = append(out.JSON, jsonParameterJSON{Name: p.Name, Type: p.JSONType, Required: &required})
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the v6 interface format. Parameters are required unless stated otherwise.
func (i *Interface) UnmarshalJSON(b []byte) error {
	var in interfaceJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return batchflowerrors.InvalidInterface("INVALID_INTERFACE", "Invalid interface: %v", err)
	}
	parsed := NewInterface()
	for _, f := range in.Files {
		if err := parsed.AddParameter(NewFileParameter(f.Name, f.MediaTypes, f.Required == nil || *f.Required, f.Multiple)); err != nil {
			return err
		}
	}
	for _, j := range in.JSON {
		if err := parsed.AddParameter(NewJSONParameter(j.Name, j.Type, j.Required == nil || *j.Required)); err != nil {
			return err
		}
	}
	*i = *parsed
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

func join(list []string) string {
	s := "["
	for i, item := range list {
		if i > 0 {
			s += ", "
		}
		s += item
	}
	return s + "]"
}
