package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleGraph = `{
  "3": {"class_type": "KSampler", "inputs": {"seed": 42, "steps": 20, "model": ["4", 0]}},
  "4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "base.safetensors"}},
  "6": {"class_type": "CLIPTextEncode", "inputs": {"text": "a cat", "clip": ["4", 1]}, "_meta": {"title": "Positive"}},
  "7": {"class_type": "CLIPTextEncode", "inputs": {"clip": ["4", 1]}},
  "9": {"class_type": "ZenkaiPrompt", "inputs": {"seed": 7}},
  "10": {"class_type": "SaveImage", "inputs": {"seed": 5, "filename_prefix": "out"}}
}`

func mustGraph(t *testing.T) Graph {
	t.Helper()
	g, err := ParseGraph([]byte(sampleGraph))
	require.NoError(t, err)
	return g
}

func TestAnalyzeParameters(t *testing.T) {
	a := AnalyzeParameters(mustGraph(t))

	require.Len(t, a.Seeds, 2)
	assert.Equal(t, "3", a.Seeds[0].NodeID)
	assert.Equal(t, int64(42), a.Seeds[0].CurrentValue)
	assert.Equal(t, "9", a.Seeds[1].NodeID)

	require.Len(t, a.Prompts, 1)
	assert.Equal(t, "6", a.Prompts[0].NodeID)
	assert.Equal(t, "Positive", a.Prompts[0].NodeName)
	assert.Equal(t, "a cat", a.Prompts[0].CurrentValue)

	assert.True(t, a.HasSeedNodes)
	assert.True(t, a.HasPromptNodes)
	assert.True(t, HasEditableParameters(mustGraph(t)))
	assert.False(t, HasEditableParameters(Graph{"1": {ClassType: "SaveImage", Inputs: map[string]any{}}}))
}

func TestApplyParameterOverrides(t *testing.T) {
	t.Run("PromptReplacedOnlyWhereTextExists", func(t *testing.T) {
		g := mustGraph(t)
		out := ApplyParameterOverrides(g, ParameterOverrides{PromptOverrides: map[string]string{
			"6":       "a dog",
			"7":       "ignored",
			"missing": "ignored",
		}})
		assert.Equal(t, "a dog", out["6"].Inputs["text"])
		_, created := out["7"].Inputs["text"]
		assert.False(t, created)
		_, added := out["missing"]
		assert.False(t, added)
		assert.Equal(t, "a cat", g["6"].Inputs["text"], "source graph must stay untouched")
	})

	t.Run("SeedsRandomizedOnEveryNumericSeed", func(t *testing.T) {
		g := mustGraph(t)
		changed := false
		for i := 0; i < 5 && !changed; i++ {
			out := ApplyParameterOverrides(g, ParameterOverrides{RandomizeSeeds: true})
			for _, id := range []string{"3", "9", "10"} {
				seed, ok := out[id].Inputs["seed"].(int64)
				require.True(t, ok, "node %s seed should be an int64", id)
				assert.GreaterOrEqual(t, seed, int64(0))
				assert.Less(t, seed, int64(maxSeed))
			}
			changed = out["3"].Inputs["seed"] != int64(42)
		}
		assert.True(t, changed)
		assert.Equal(t, float64(42), g["3"].Inputs["seed"])
	})

	t.Run("EmptyOverridesCopy", func(t *testing.T) {
		g := mustGraph(t)
		out := ApplyParameterOverrides(g, ParameterOverrides{})
		assert.Equal(t, g, out)
		out["3"].Inputs["model"].([]any)[0] = "99"
		assert.Equal(t, "4", g["3"].Inputs["model"].([]any)[0])
	})
}

func TestOverridesSummary(t *testing.T) {
	assert.Equal(t, "No customizations", OverridesSummary(nil))
	assert.Equal(t, "No customizations", OverridesSummary(&ParameterOverrides{}))
	assert.Equal(t, "Seeds randomized", OverridesSummary(&ParameterOverrides{RandomizeSeeds: true}))
	assert.Equal(t, "Seeds randomized, 2 prompts edited", OverridesSummary(&ParameterOverrides{
		RandomizeSeeds:  true,
		PromptOverrides: map[string]string{"6": "x", "7": "y"},
	}))
	assert.Equal(t, "1 prompt edited", OverridesSummary(&ParameterOverrides{PromptOverrides: map[string]string{"6": "x"}}))
}

func TestParseGraphRejectsNodesWithoutClass(t *testing.T) {
	_, err := ParseGraph([]byte(`{"1": {"inputs": {}}}`))
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	_, err = ParseGraph([]byte(`not json`))
	assert.Error(t, err)
}
