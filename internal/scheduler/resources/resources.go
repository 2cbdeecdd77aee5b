package resources

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
)

// Standard resource names. These are always present in a NodeResources, possibly as zero.
const (
	CPUs = "cpus"
	Mem  = "mem"
	Disk = "disk"
	GPUs = "gpus"
)

var standardResources = []string{CPUs, Mem, Disk, GPUs}

const mebibyte = 1024 * 1024

// NodeResources is a vector of named scalar resources: cpus, memory and disk in MiB, gpus and any extra
// scalars a node may advertise. Every component is non-negative.
type NodeResources struct {
	values map[string]float64
}

// JobResources is the resource vector a job type requests.
type JobResources = NodeResources

// NewNodeResources builds a resource vector. Construction fails if any component is negative or not a number.
func NewNodeResources(values map[string]float64) (*NodeResources, error) {
	r := &NodeResources{values: make(map[string]float64, len(values)+len(standardResources))}
	for _, name := range standardResources {
		r.values[name] = 0
	}
	for name, value := range values {
		if math.IsNaN(value) || value < 0 {
			return nil, batchflowerrors.InvalidResources("NEGATIVE_RESOURCE", "resource %s has invalid value %v", name, value)
		}
		r.values[name] = value
	}
	return r, nil
}

// MustNodeResources is NewNodeResources for literals known to be valid.
func MustNodeResources(values map[string]float64) *NodeResources {
	r, err := NewNodeResources(values)
	if err != nil {
		panic(err)
	}
	return r
}

// Empty returns a vector with every standard resource at zero.
func Empty() *NodeResources {
	return MustNodeResources(nil)
}

// FromQuantities converts configured quantities. Memory and disk written with a unit ("4Gi", "512M") are
// converted to MiB, bare numbers ("1000", "0.5", "1e3") are taken to already be MiB.
func FromQuantities(quantities map[string]resource.Quantity) (*NodeResources, error) {
	values := make(map[string]float64, len(quantities))
	for name, q := range quantities {
		value := q.AsApproximateFloat64()
		if (name == Mem || name == Disk) && hasUnit(q) {
			value = value / mebibyte
		}
		values[name] = value
	}
	return NewNodeResources(values)
}

// hasUnit looks at how q was written rather than at its canonical string, which turns 1000 into "1k".
func hasUnit(q resource.Quantity) bool {
	switch q.Format {
	case resource.BinarySI:
		return true
	case resource.DecimalSI:
		// k, M, G and larger suffixes leave a positive base 10 exponent on the parsed amount
		return q.AsDec().Scale() < 0
	default:
		return false
	}
}

func (r *NodeResources) Get(name string) float64 {
	return r.values[name]
}

func (r *NodeResources) CPUs() float64 { return r.values[CPUs] }
func (r *NodeResources) Mem() float64  { return r.values[Mem] }
func (r *NodeResources) Disk() float64 { return r.values[Disk] }
func (r *NodeResources) GPUs() float64 { return r.values[GPUs] }

// Names returns the resource names in sorted order.
func (r *NodeResources) Names() []string {
	names := maps.Keys(r.values)
	sort.Strings(names)
	return names
}

// ToMap returns a copy of the underlying values.
func (r *NodeResources) ToMap() map[string]float64 {
	return maps.Clone(r.values)
}

func (r *NodeResources) Copy() *NodeResources {
	return &NodeResources{values: maps.Clone(r.values)}
}

// Add adds other into r.
func (r *NodeResources) Add(other *NodeResources) {
	for name, value := range other.values {
		r.values[name] += value
	}
}

// Subtract removes other from r. Components never drop below zero.
func (r *NodeResources) Subtract(other *NodeResources) {
	for name, value := range other.values {
		r.values[name] = math.Max(0, r.values[name]-value)
	}
}

// IncreaseUpTo raises each component of r to at least the matching component of other.
func (r *NodeResources) IncreaseUpTo(other *NodeResources) {
	for name, value := range other.values {
		if value > r.values[name] {
			r.values[name] = value
		}
	}
}

// LimitTo caps each component of r at the matching component of other. Resources other lacks are removed.
func (r *NodeResources) LimitTo(other *NodeResources) {
	for name, value := range r.values {
		limit, ok := other.values[name]
		if !ok {
			r.RemoveResource(name)
			continue
		}
		if value > limit {
			r.values[name] = limit
		}
	}
}

// RemoveResource drops a named resource. Standard resources are zeroed instead.
func (r *NodeResources) RemoveResource(name string) {
	for _, standard := range standardResources {
		if name == standard {
			r.values[name] = 0
			return
		}
	}
	delete(r.values, name)
}

// IsEqual compares two vectors, ignoring differences below five decimal places.
func (r *NodeResources) IsEqual(other *NodeResources) bool {
	names := map[string]bool{}
	for name := range r.values {
		names[name] = true
	}
	for name := range other.values {
		names[name] = true
	}
	for name := range names {
		if round(r.values[name], 5) != round(other.values[name], 5) {
			return false
		}
	}
	return true
}

// IsSufficientToMeet reports whether r covers every component of requested. A resource r lacks is only
// acceptable when the request for it is zero.
func (r *NodeResources) IsSufficientToMeet(requested *NodeResources) bool {
	for name, value := range requested.values {
		available, ok := r.values[name]
		if !ok {
			if value > 0 {
				return false
			}
			continue
		}
		if round(available, 5) < round(value, 5) {
			return false
		}
	}
	return true
}

// RoundValues rounds every component to two decimal places.
func (r *NodeResources) RoundValues() {
	for name, value := range r.values {
		r.values[name] = round(value, 2)
	}
}

func (r *NodeResources) String() string {
	parts := make([]string, 0, len(r.values))
	for _, name := range r.Names() {
		parts = append(parts, fmt.Sprintf("%.2f %s", r.values[name], name))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (r *NodeResources) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.values)
}

func (r *NodeResources) UnmarshalJSON(data []byte) error {
	var values map[string]float64
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	parsed, err := NewNodeResources(values)
	if err != nil {
		return err
	}
	*r = *parsed
	return nil
}

func round(value float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(value*scale) / scale
}
