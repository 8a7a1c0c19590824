package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func gpuNode() Profile {
	return Profile{
		CPUCores:    8,
		MemoryMB:    16384,
		GPU:         true,
		GPUMemoryMB: 24576,
		StorageMB:   100000,
		Features:    map[string]bool{"docker": true, "wasm": false},
		Numeric:     map[string]float64{"cuda": 12.1},
		Lists:       map[string][]string{"models": {"llama-3-8b", "Mistral-7B"}},
		DataScopes:  []string{"public", "tenant-a"},
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		req     Requirements
		usage   Usage
		ok      bool
		missing []string
		check   func(t *testing.T, r ValidationResult)
	}{
		{
			name: "empty requirements always match",
			req:  Requirements{},
			ok:   true,
		},
		{
			name: "boolean feature present",
			req:  Requirements{Capabilities: []Requirement{Bool("Docker")}},
			ok:   true,
		},
		{
			name:    "boolean feature disabled counts as missing",
			req:     Requirements{Capabilities: []Requirement{Bool("wasm")}},
			missing: []string{"wasm"},
		},
		{
			name: "numeric at least satisfied",
			req:  Requirements{Capabilities: []Requirement{AtLeast("cuda", 12)}},
			ok:   true,
		},
		{
			name: "numeric below minimum",
			req:  Requirements{Capabilities: []Requirement{AtLeast("cuda", 13)}},
			check: func(t *testing.T, r ValidationResult) {
				require.Len(t, r.CapabilityMismatch, 1)
				assert.Equal(t, "cuda", r.CapabilityMismatch[0].Name)
				assert.Equal(t, ">=13", r.CapabilityMismatch[0].Required)
			},
		},
		{
			name: "list subset case insensitive",
			req:  Requirements{Capabilities: []Requirement{Subset("MODELS", "mistral-7b")}},
			ok:   true,
		},
		{
			name: "list subset missing value",
			req:  Requirements{Capabilities: []Requirement{Subset("models", "llama-3-8b", "gpt-j")}},
			check: func(t *testing.T, r ValidationResult) {
				require.Len(t, r.CapabilityMismatch, 1)
				assert.Equal(t, []string{"gpt-j"}, r.CapabilityMismatch[0].Missing)
			},
		},
		{
			name:    "unknown numeric capability is missing",
			req:     Requirements{Capabilities: []Requirement{AtLeast("tpu", 1)}},
			missing: []string{"tpu"},
		},
		{
			name:  "memory accounts for usage",
			req:   Requirements{Resources: Resources{MemoryMB: 8000}},
			usage: Usage{MemoryMB: 10000},
			check: func(t *testing.T, r ValidationResult) {
				require.Len(t, r.ResourceViolations, 1)
				v := r.ResourceViolations[0]
				assert.Equal(t, "memory_mb", v.Resource)
				assert.Equal(t, float64(8000), v.Required)
				assert.Equal(t, float64(6384), v.Available)
				assert.Equal(t, float64(16384), v.Limit)
			},
		},
		{
			name: "scope not granted",
			req:  Requirements{DataScopes: []string{"tenant-b", "public"}},
			check: func(t *testing.T, r ValidationResult) {
				assert.Equal(t, []string{"tenant-b"}, r.ScopeViolations)
			},
		},
		{
			name: "reports every violation",
			req: Requirements{
				Capabilities: []Requirement{Bool("sgx"), AtLeast("cuda", 20)},
				Resources:    Resources{CPUCores: 16},
				DataScopes:   []string{"secret"},
			},
			check: func(t *testing.T, r ValidationResult) {
				assert.Equal(t, []string{"sgx"}, r.MissingCapabilities)
				assert.Len(t, r.CapabilityMismatch, 1)
				assert.Len(t, r.ResourceViolations, 1)
				assert.Len(t, r.ScopeViolations, 1)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Match(tt.req, gpuNode(), tt.usage)
			assert.Equal(t, tt.ok, result.OK(), result.Summary())
			if tt.missing != nil {
				assert.Equal(t, tt.missing, result.MissingCapabilities)
			}
			if tt.check != nil {
				tt.check(t, result)
			}
		})
	}
}

func TestMatch_GPURequiredOnCPUNode(t *testing.T) {
	node := Profile{CPUCores: 4, MemoryMB: 4096}
	result := Match(Requirements{Resources: Resources{GPU: true}}, node, Usage{})

	require.False(t, result.OK())
	assert.Equal(t, "gpu", result.ResourceViolations[0].Resource)
}

func TestRequirementsValidate(t *testing.T) {
	assert.NoError(t, Requirements{Capabilities: []Requirement{Bool("docker")}}.Validate())
	assert.Error(t, Requirements{Capabilities: []Requirement{{Name: "", Kind: KindBoolean}}}.Validate())
	assert.Error(t, Requirements{Capabilities: []Requirement{{Name: "x", Kind: "fuzzy"}}}.Validate())
	assert.Error(t, Requirements{Capabilities: []Requirement{{Name: "x", Kind: KindListSubset}}}.Validate())
	assert.Error(t, Requirements{Resources: Resources{MemoryMB: -1}}.Validate())
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "docker", NormalizeName("  DOCKER "))
	assert.Equal(t, NormalizeName("Llama-3"), NormalizeName("llama-3"))
	// fullwidth forms fold under NFKC
	assert.Equal(t, "gpu", NormalizeName("ＧＰＵ"))
}

func TestMatch_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cores := rapid.Float64Range(0, 64).Draw(t, "cores")
		used := rapid.Float64Range(0, 64).Draw(t, "used")
		need := rapid.Float64Range(0, 64).Draw(t, "need")
		names := rapid.SliceOfDistinct(rapid.StringMatching(`[a-z]{1,8}`), rapid.ID[string]).Draw(t, "features")

		features := make(map[string]bool, len(names))
		reqs := make([]Requirement, 0, len(names))
		for _, n := range names {
			features[n] = true
			reqs = append(reqs, Bool(n))
		}
		profile := Profile{CPUCores: cores, Features: features}
		req := Requirements{Capabilities: reqs, Resources: Resources{CPUCores: need}}

		first := Match(req, profile, Usage{CPUCores: used})
		second := Match(req, profile, Usage{CPUCores: used})
		if first.Summary() != second.Summary() {
			t.Fatalf("match is not deterministic")
		}

		// a node that declares every requested feature never reports them missing
		if len(first.MissingCapabilities) != 0 {
			t.Fatalf("declared features reported missing: %v", first.MissingCapabilities)
		}

		fits := need <= 0 || cores-used >= need
		if fits != (len(first.ResourceViolations) == 0) {
			t.Fatalf("cpu need=%g cores=%g used=%g: violations=%v", need, cores, used, first.ResourceViolations)
		}
	})
}
