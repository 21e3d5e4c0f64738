package agent

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/musekit/muse/internal/models"
)

func newTestOptimizer(r Reasoner) *PromptOptimizer {
	return NewPromptOptimizer(r, nil, PhraseRefusalClassifier{}, slog.Default())
}

func TestOptimize_UsesLLMPrompt(t *testing.T) {
	opt := newTestOptimizer(&fakeReasoner{
		completeFn: func(_, _ string) (string, error) {
			return "a woman on a beach at golden hour, 85mm portrait", nil
		},
	})

	result := opt.Optimize(context.Background(), "Luna", GenerationParams{SceneDescription: "beach"})
	assert.False(t, result.Fallback)
	assert.Equal(t, "a woman on a beach at golden hour, 85mm portrait", result.Prompt)
}

func TestOptimize_FallsBackOnError(t *testing.T) {
	opt := newTestOptimizer(&fakeReasoner{
		completeFn: func(_, _ string) (string, error) { return "", fmt.Errorf("model unavailable") },
	})

	result := opt.Optimize(context.Background(), "Luna", GenerationParams{
		SceneDescription: "a cafe", Style: "warm", Clothing: "daily",
	})
	assert.True(t, result.Fallback)
	assert.Contains(t, result.Prompt, "Scene: a cafe")
	assert.Contains(t, result.Prompt, "cozy intimate atmosphere")
	assert.Contains(t, result.Prompt, "casual everyday outfit")
	assert.Contains(t, result.Prompt, "photorealistic")
}

func TestOptimize_FallsBackOnRefusal(t *testing.T) {
	opt := newTestOptimizer(&fakeReasoner{
		completeFn: func(_, _ string) (string, error) {
			return "I'm sorry, I can't help with that request.", nil
		},
	})

	result := opt.Optimize(context.Background(), "Luna", GenerationParams{SceneDescription: "a beach"})
	assert.True(t, result.Fallback)
	assert.Contains(t, result.Prompt, "Scene: a beach")
}

func TestOptimize_SendsReferenceInstructions(t *testing.T) {
	var captured string
	opt := newTestOptimizer(&fakeReasoner{
		completeFn: func(_, user string) (string, error) {
			captured = user
			return "prompt", nil
		},
	})

	opt.Optimize(context.Background(), "Luna", GenerationParams{
		SceneDescription:   "like this",
		ReferenceMode:      models.ReferenceModeFaceSwap,
		ReferenceImagePath: "",
	})
	assert.Contains(t, captured, "Image 1 is the user's reference photo")
	assert.Contains(t, captured, "replace the person's face")
	assert.Contains(t, captured, "hairstyle both come from the identity portraits")
}

func TestOptimize_KeepsLegitimateLeadingLabel(t *testing.T) {
	opt := newTestOptimizer(&fakeReasoner{
		completeFn: func(_, _ string) (string, error) {
			return "Golden hour: a woman walking along the shoreline", nil
		},
	})

	result := opt.Optimize(context.Background(), "Luna", GenerationParams{SceneDescription: "beach"})
	assert.False(t, result.Fallback)
	assert.Equal(t, "Golden hour: a woman walking along the shoreline", result.Prompt)
}

func TestFallbackPrompt_FaceSwap(t *testing.T) {
	prompt := FallbackPrompt(GenerationParams{
		SceneDescription: "at a cafe",
		ReferenceMode:    models.ReferenceModeFaceSwap,
	})
	assert.Contains(t, prompt, "Recreate the first reference photo exactly")
	assert.Contains(t, prompt, "replace the person's face")
	assert.Contains(t, prompt, "hairstyle from the identity portraits")
	assert.Contains(t, prompt, "Scene: at a cafe")
}

func TestFallbackPrompt_OtherModesLeadWithIdentity(t *testing.T) {
	prompt := FallbackPrompt(GenerationParams{
		SceneDescription: "in a park",
		ReferenceMode:    models.ReferenceModePoseBackground,
	})
	assert.Contains(t, prompt, "identity portraits")
	assert.Contains(t, prompt, "exact hairstyle")
	assert.Contains(t, prompt, "pose and background from the last reference photo")
}

func TestStripCharacterName(t *testing.T) {
	assert.Equal(t, "a woman on a beach", stripCharacterName("Luna: a woman on a beach", "Luna"))
	assert.Equal(t, "a woman on a beach", stripCharacterName("Luna - a woman on a beach", "Luna"))
	assert.Equal(t, "a woman on a beach", stripCharacterName("luna: a woman on a beach", "Luna"))
	// A leading label that is not the character's name stays put.
	golden := "Golden hour: a woman on a beach"
	assert.Equal(t, golden, stripCharacterName(golden, "Luna"))
	assert.Equal(t, golden, stripCharacterName(golden, ""))
	// Long first segments are scene text, not a name label.
	long := "a cinematic shot of a woman walking through tokyo at night: neon reflections"
	assert.Equal(t, long, stripCharacterName(long, "Luna"))
}
