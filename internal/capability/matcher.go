// Package capability decides whether a node can run a task.
//
// Matching is a pure function of the task requirements, the node profile and
// the node's current usage, so it can be used both for issuance and for
// dry-run checks.
package capability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// NormalizeName canonicalises a capability identifier so that names declared
// by peers compare equal regardless of case or Unicode composition.
func NormalizeName(name string) string {
	return folder.String(norm.NFKC.String(strings.TrimSpace(name)))
}

// Match evaluates every requirement against the profile and returns all
// violations found. It never stops at the first failure.
func Match(req Requirements, profile Profile, usage Usage) ValidationResult {
	var result ValidationResult

	features := normalizeBoolMap(profile.Features)
	numeric := normalizeFloatMap(profile.Numeric)
	lists := normalizeListMap(profile.Lists)

	for _, r := range req.Capabilities {
		name := NormalizeName(r.Name)
		switch r.Kind {
		case KindBoolean:
			if !features[name] {
				result.MissingCapabilities = append(result.MissingCapabilities, name)
			}
		case KindNumericAtLeast:
			offered, ok := numeric[name]
			if !ok {
				result.MissingCapabilities = append(result.MissingCapabilities, name)
				continue
			}
			if offered < r.Min {
				result.CapabilityMismatch = append(result.CapabilityMismatch, CapabilityViolation{
					Name:     name,
					Kind:     r.Kind,
					Required: ">=" + formatFloat(r.Min),
					Offered:  formatFloat(offered),
				})
			}
		case KindListSubset:
			offered, ok := lists[name]
			if !ok {
				result.MissingCapabilities = append(result.MissingCapabilities, name)
				continue
			}
			if missing := missingValues(r.Values, offered); len(missing) > 0 {
				result.CapabilityMismatch = append(result.CapabilityMismatch, CapabilityViolation{
					Name:     name,
					Kind:     r.Kind,
					Required: strings.Join(normalizeAll(r.Values), ","),
					Offered:  strings.Join(sortedKeys(offered), ","),
					Missing:  missing,
				})
			}
		default:
			result.MissingCapabilities = append(result.MissingCapabilities, fmt.Sprintf("%s(unknown kind %s)", name, r.Kind))
		}
	}

	result.ResourceViolations = checkResources(req.Resources, profile, usage)
	result.ScopeViolations = missingValues(req.DataScopes, toSet(profile.DataScopes))

	sort.Strings(result.MissingCapabilities)
	return result
}

func checkResources(need Resources, profile Profile, usage Usage) []ResourceViolation {
	var violations []ResourceViolation
	check := func(resource string, required, limit, used float64) {
		if required <= 0 {
			return
		}
		available := limit - used
		if available < 0 {
			available = 0
		}
		if available < required {
			violations = append(violations, ResourceViolation{
				Resource:  resource,
				Required:  required,
				Available: available,
				Limit:     limit,
			})
		}
	}

	check("cpu_cores", need.CPUCores, profile.CPUCores, usage.CPUCores)
	check("memory_mb", float64(need.MemoryMB), float64(profile.MemoryMB), float64(usage.MemoryMB))
	check("storage_mb", float64(need.StorageMB), float64(profile.StorageMB), float64(usage.StorageMB))

	if need.GPU || need.GPUMemoryMB > 0 {
		if !profile.GPU {
			violations = append(violations, ResourceViolation{Resource: "gpu", Required: 1, Available: 0, Limit: 0})
		} else {
			check("gpu_memory_mb", float64(need.GPUMemoryMB), float64(profile.GPUMemoryMB), float64(usage.GPUMemoryMB))
		}
	}
	return violations
}

func missingValues(required []string, offered map[string]struct{}) []string {
	var missing []string
	seen := make(map[string]struct{}, len(required))
	for _, v := range required {
		n := NormalizeName(v)
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		if _, ok := offered[n]; !ok {
			missing = append(missing, n)
		}
	}
	sort.Strings(missing)
	return missing
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[NormalizeName(v)] = struct{}{}
	}
	return set
}

func normalizeAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, NormalizeName(v))
	}
	return out
}

func normalizeBoolMap(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		// a feature declared twice with different casing is enabled if any declaration enables it
		out[NormalizeName(k)] = out[NormalizeName(k)] || v
	}
	return out
}

func normalizeFloatMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		n := NormalizeName(k)
		if cur, ok := out[n]; !ok || v > cur {
			out[n] = v
		}
	}
	return out
}

func normalizeListMap(in map[string][]string) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(in))
	for k, values := range in {
		n := NormalizeName(k)
		set, ok := out[n]
		if !ok {
			set = make(map[string]struct{}, len(values))
			out[n] = set
		}
		for _, v := range values {
			set[NormalizeName(v)] = struct{}{}
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
