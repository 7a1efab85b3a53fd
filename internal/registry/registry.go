// Package registry maps each agent type to its configured model versions
// and performs weighted-random version assignment for A/B testing.
//
// The registry is read-only after construction, so selection is safe to call
// from concurrent request handlers. Randomness is injected so tests can
// assert exact selections.
package registry

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/opuscorpus/ocd/internal/model"
)

// FineTunedPrefix marks self-trained model identifiers. Anything else is a
// vendor base model. Used purely for reporting.
const FineTunedPrefix = "ocd-"

// VersionConfig is one configured model version for an agent type.
type VersionConfig struct {
	Version     string
	Weight      float64
	Description string
}

// RandSource yields uniform values in [0, 1). *rand.Rand satisfies it via
// Float64; tests inject fixed sequences.
type RandSource interface {
	Float64() float64
}

// Registry holds the per-agent version lists. The first entry of each list
// is the primary version, used whenever A/B testing is off.
type Registry struct {
	versions map[model.AgentType][]VersionConfig
	rnd      RandSource
}

// Default returns the registry with the current production configuration.
func Default() *Registry {
	r, _ := New(map[model.AgentType][]VersionConfig{
		model.AgentFiler: {
			{Version: "gpt-4.1-mini-20250929", Weight: 1.0, Description: "Base model"},
		},
		model.AgentLibrarian: {
			{Version: "gpt-4.1-mini-20250929", Weight: 1.0, Description: "Base model"},
		},
		model.AgentPrioritizer: {
			{Version: "ocd-prioritizer-v2", Weight: 1.0, Description: "Fine-tuned v2"},
		},
		model.AgentStorer: {
			{Version: "gpt-4.1-mini-20250929", Weight: 1.0, Description: "Base model"},
		},
		model.AgentRetriever: {
			{Version: "gpt-4o-20250929", Weight: 1.0, Description: "GPT-4o base model"},
		},
		model.AgentGuardrail: {
			{Version: "gpt-4.1-mini-20250929", Weight: 1.0, Description: "Base model"},
		},
	}, nil)
	return r
}

// New builds a registry from an explicit configuration. Every agent type
// must have at least one version. A nil rnd falls back to the shared
// math/rand/v2 generator.
func New(versions map[model.AgentType][]VersionConfig, rnd RandSource) (*Registry, error) {
	for _, at := range model.AgentTypes {
		if len(versions[at]) == 0 {
			return nil, fmt.Errorf("registry: no versions configured for %s", at)
		}
	}
	if rnd == nil {
		rnd = globalRand{}
	}
	return &Registry{versions: versions, rnd: rnd}, nil
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// AvailableVersions returns the configured versions for an agent type, in
// registry order.
func (r *Registry) AvailableVersions(agentType model.AgentType) []VersionConfig {
	return r.versions[agentType]
}

// PrimaryVersion returns the first configured version, used when A/B
// testing is disabled.
func (r *Registry) PrimaryVersion(agentType model.AgentType) string {
	vs := r.versions[agentType]
	if len(vs) == 0 {
		return "unknown"
	}
	return vs[0].Version
}

// IsABTestingEnabled reports whether more than one version is configured
// for an agent type.
func (r *Registry) IsABTestingEnabled(agentType model.AgentType) bool {
	return len(r.versions[agentType]) > 1
}

// SelectVersion picks the model version for a new decision. With A/B
// testing off (or a single configured version) it returns the primary
// version; otherwise it draws a uniform value over the cumulative weights.
// A zero total weight degrades to uniform selection by index.
func (r *Registry) SelectVersion(agentType model.AgentType, useABTesting bool) string {
	vs := r.versions[agentType]
	if len(vs) == 0 {
		return "unknown"
	}
	if !useABTesting || len(vs) == 1 {
		return vs[0].Version
	}

	var total float64
	for _, v := range vs {
		total += v.Weight
	}
	if total == 0 {
		return vs[int(r.rnd.Float64()*float64(len(vs)))].Version
	}

	draw := r.rnd.Float64() * total
	for _, v := range vs {
		draw -= v.Weight
		if draw <= 0 {
			return v.Version
		}
	}
	return vs[len(vs)-1].Version
}

// IsFineTunedModel reports whether a version string names a self-trained
// model rather than a vendor base model.
func IsFineTunedModel(version string) bool {
	return strings.HasPrefix(version, FineTunedPrefix)
}
