package capability

import (
	"fmt"
	"strings"
)

// Kind identifies how a requirement is compared against a node profile
type Kind string

const (
	// KindBoolean requires the named feature to be present and enabled on the node
	KindBoolean Kind = "boolean"
	// KindNumericAtLeast requires the named numeric capability to be >= Min
	KindNumericAtLeast Kind = "numeric_at_least"
	// KindListSubset requires every value in Values to be offered by the node
	KindListSubset Kind = "list_subset"
)

// Valid reports whether k is one of the known comparator kinds
func (k Kind) Valid() bool {
	switch k {
	case KindBoolean, KindNumericAtLeast, KindListSubset:
		return true
	default:
		return false
	}
}

// Requirement is a single capability descriptor. Exactly the fields relevant
// to Kind are read; the rest are ignored.
type Requirement struct {
	Name   string   `json:"name"`
	Kind   Kind     `json:"kind" jsonschema:"enum=boolean,enum=numeric_at_least,enum=list_subset"`
	Min    float64  `json:"min,omitempty"`
	Values []string `json:"values,omitempty"`
}

// Bool builds a boolean requirement
func Bool(name string) Requirement {
	return Requirement{Name: name, Kind: KindBoolean}
}

// AtLeast builds a numeric requirement
func AtLeast(name string, min float64) Requirement {
	return Requirement{Name: name, Kind: KindNumericAtLeast, Min: min}
}

// Subset builds a list requirement
func Subset(name string, values ...string) Requirement {
	return Requirement{Name: name, Kind: KindListSubset, Values: values}
}

// Resources holds hard resource needs of a task
type Resources struct {
	CPUCores    float64 `json:"cpuCores,omitempty"`
	MemoryMB    int64   `json:"memoryMb,omitempty"`
	GPU         bool    `json:"gpu,omitempty"`
	GPUMemoryMB int64   `json:"gpuMemoryMb,omitempty"`
	StorageMB   int64   `json:"storageMb,omitempty"`
}

// Requirements is the full set of constraints a task places on a node
type Requirements struct {
	Capabilities []Requirement `json:"capabilities,omitempty"`
	Resources    Resources     `json:"resources"`
	DataScopes   []string      `json:"dataScopes,omitempty"`
}

// Validate checks that every requirement is well formed
func (r Requirements) Validate() error {
	for i, req := range r.Capabilities {
		if strings.TrimSpace(req.Name) == "" {
			return fmt.Errorf("capability %d: name is required", i)
		}
		if !req.Kind.Valid() {
			return fmt.Errorf("capability %q: unknown kind %q", req.Name, req.Kind)
		}
		if req.Kind == KindListSubset && len(req.Values) == 0 {
			return fmt.Errorf("capability %q: list requirement needs at least one value", req.Name)
		}
		if req.Kind == KindNumericAtLeast && req.Min < 0 {
			return fmt.Errorf("capability %q: minimum must not be negative", req.Name)
		}
	}
	res := r.Resources
	if res.CPUCores < 0 || res.MemoryMB < 0 || res.GPUMemoryMB < 0 || res.StorageMB < 0 {
		return fmt.Errorf("resource requirements must not be negative")
	}
	return nil
}

// Profile is a node's declared hardware and software capability snapshot
type Profile struct {
	CPUCores    float64             `json:"cpuCores"`
	MemoryMB    int64               `json:"memoryMb"`
	GPU         bool                `json:"gpu"`
	GPUMemoryMB int64               `json:"gpuMemoryMb"`
	StorageMB   int64               `json:"storageMb"`
	Features    map[string]bool     `json:"features,omitempty"`
	Numeric     map[string]float64  `json:"numeric,omitempty"`
	Lists       map[string][]string `json:"lists,omitempty"`
	DataScopes  []string            `json:"dataScopes,omitempty"`
}

// Usage is the portion of a node's resources currently consumed
type Usage struct {
	CPUCores    float64 `json:"cpuCores"`
	MemoryMB    int64   `json:"memoryMb"`
	GPUMemoryMB int64   `json:"gpuMemoryMb"`
	StorageMB   int64   `json:"storageMb"`
}

// ResourceViolation describes a resource the node cannot currently provide
type ResourceViolation struct {
	Resource  string  `json:"resource"`
	Required  float64 `json:"required"`
	Available float64 `json:"available"`
	Limit     float64 `json:"limit"`
}

// CapabilityViolation describes a capability present on the node but
// insufficient for the requirement
type CapabilityViolation struct {
	Name     string   `json:"name"`
	Kind     Kind     `json:"kind"`
	Required string   `json:"required"`
	Offered  string   `json:"offered"`
	Missing  []string `json:"missing,omitempty"`
}

// ValidationResult enumerates every unmet requirement
type ValidationResult struct {
	MissingCapabilities []string              `json:"missingCapabilities,omitempty"`
	CapabilityMismatch  []CapabilityViolation `json:"capabilityMismatch,omitempty"`
	ResourceViolations  []ResourceViolation   `json:"resourceViolations,omitempty"`
	ScopeViolations     []string              `json:"scopeViolations,omitempty"`
}

// OK reports whether the node satisfies all requirements
func (v ValidationResult) OK() bool {
	return len(v.MissingCapabilities) == 0 &&
		len(v.CapabilityMismatch) == 0 &&
		len(v.ResourceViolations) == 0 &&
		len(v.ScopeViolations) == 0
}

// Summary renders a one-line description of the unmet requirements
func (v ValidationResult) Summary() string {
	if v.OK() {
		return "all requirements satisfied"
	}
	var parts []string
	if len(v.MissingCapabilities) > 0 {
		parts = append(parts, "missing capabilities: "+strings.Join(v.MissingCapabilities, ","))
	}
	for _, m := range v.CapabilityMismatch {
		parts = append(parts, fmt.Sprintf("%s requires %s, node offers %s", m.Name, m.Required, m.Offered))
	}
	for _, r := range v.ResourceViolations {
		parts = append(parts, fmt.Sprintf("%s requires %g, available %g of %g", r.Resource, r.Required, r.Available, r.Limit))
	}
	if len(v.ScopeViolations) > 0 {
		parts = append(parts, "scope not permitted: "+strings.Join(v.ScopeViolations, ","))
	}
	return strings.Join(parts, "; ")
}
