package core

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
)

// maxSeed is the exclusive upper bound of generated seeds (signed 32-bit range).
const maxSeed = 1<<31 - 1

var (
	seedNodeTypes = map[string]struct{}{
		"KSampler":              {},
		"KSamplerAdvanced":      {},
		"SamplerCustom":         {},
		"SamplerCustomAdvanced": {},
	}
	promptNodeTypes = map[string]struct{}{
		"CLIPTextEncode":            {},
		"CLIPTextEncodeSDXL":        {},
		"CLIPTextEncodeSDXLRefiner": {},
	}
)

// seedNodePrefix marks a custom node family that always carries seeds.
const seedNodePrefix = "Zenkai"

// SeedParameter is a seed input discovered in a graph.
type SeedParameter struct {
	NodeID        string `json:"nodeId"`
	NodeName      string `json:"nodeName"`
	CurrentValue  int64  `json:"currentValue"`
	ParameterPath string `json:"parameterPath"`
}

// PromptParameter is a text input discovered in a graph.
type PromptParameter struct {
	NodeID        string `json:"nodeId"`
	NodeName      string `json:"nodeName"`
	CurrentValue  string `json:"currentValue"`
	ParameterPath string `json:"parameterPath"`
}

// ParameterAnalysis lists the editable parameters of a graph.
type ParameterAnalysis struct {
	Seeds          []SeedParameter   `json:"seeds"`
	Prompts        []PromptParameter `json:"prompts"`
	HasSeedNodes   bool              `json:"hasSeedNodes"`
	HasPromptNodes bool              `json:"hasPromptNodes"`
}

// IsSeedNode reports whether classType is known to expose a seed input.
func IsSeedNode(classType string) bool {
	if _, ok := seedNodeTypes[classType]; ok {
		return true
	}
	return strings.HasPrefix(classType, seedNodePrefix)
}

// IsPromptNode reports whether classType is known to expose a text prompt.
func IsPromptNode(classType string) bool {
	_, ok := promptNodeTypes[classType]
	return ok
}

// ExtractSeeds returns the numeric seed inputs of seed-bearing nodes, ordered by node id.
func ExtractSeeds(g Graph) []SeedParameter {
	var seeds []SeedParameter
	for _, id := range sortedNodeIDs(g) {
		node := g[id]
		if !IsSeedNode(node.ClassType) {
			continue
		}
		value, ok := numericInput(node.Inputs["seed"])
		if !ok {
			continue
		}
		seeds = append(seeds, SeedParameter{
			NodeID:        id,
			NodeName:      node.DisplayName(),
			CurrentValue:  value,
			ParameterPath: "seed",
		})
	}
	return seeds
}

// ExtractPrompts returns the text inputs of prompt-bearing nodes, ordered by node id.
func ExtractPrompts(g Graph) []PromptParameter {
	var prompts []PromptParameter
	for _, id := range sortedNodeIDs(g) {
		node := g[id]
		if !IsPromptNode(node.ClassType) {
			continue
		}
		text, ok := node.Inputs["text"].(string)
		if !ok {
			continue
		}
		prompts = append(prompts, PromptParameter{
			NodeID:        id,
			NodeName:      node.DisplayName(),
			CurrentValue:  text,
			ParameterPath: "text",
		})
	}
	return prompts
}

// AnalyzeParameters classifies the nodes of g into seed and prompt sets.
func AnalyzeParameters(g Graph) ParameterAnalysis {
	seeds := ExtractSeeds(g)
	prompts := ExtractPrompts(g)
	return ParameterAnalysis{
		Seeds:          seeds,
		Prompts:        prompts,
		HasSeedNodes:   len(seeds) > 0,
		HasPromptNodes: len(prompts) > 0,
	}
}

// HasEditableParameters reports whether g exposes any seed or prompt.
func HasEditableParameters(g Graph) bool {
	a := AnalyzeParameters(g)
	return a.HasSeedNodes || a.HasPromptNodes
}

// ApplyParameterOverrides returns a deep copy of g with prompt substitutions and
// seed randomisation applied. g itself is never modified.
func ApplyParameterOverrides(g Graph, overrides ParameterOverrides) Graph {
	out := g.Clone()

	for nodeID, text := range overrides.PromptOverrides {
		node, ok := out[nodeID]
		if !ok || node == nil || node.Inputs == nil {
			continue
		}
		if _, exists := node.Inputs["text"]; exists {
			node.Inputs["text"] = text
		}
	}

	if overrides.RandomizeSeeds {
		for _, node := range out {
			if node == nil || node.Inputs == nil {
				continue
			}
			if _, ok := numericInput(node.Inputs["seed"]); ok {
				node.Inputs["seed"] = RandomSeed()
			}
		}
	}
	return out
}

// RandomSeed draws a seed uniformly from [0, 2^31-1).
func RandomSeed() int64 {
	return rand.Int64N(maxSeed)
}

// OverridesSummary describes overrides for display.
func OverridesSummary(o *ParameterOverrides) string {
	if o == nil {
		return "No customizations"
	}
	var parts []string
	if o.RandomizeSeeds {
		parts = append(parts, "Seeds randomized")
	}
	if n := len(o.PromptOverrides); n > 0 {
		suffix := ""
		if n > 1 {
			suffix = "s"
		}
		parts = append(parts, fmt.Sprintf("%d prompt%s edited", n, suffix))
	}
	if len(parts) == 0 {
		return "No customizations"
	}
	return strings.Join(parts, ", ")
}

func numericInput(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func sortedNodeIDs(g Graph) []string {
	ids := make([]string, 0, len(g))
	for id, node := range g {
		if node != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
