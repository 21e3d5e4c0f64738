package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/musekit/muse/internal/llm"
	"github.com/musekit/muse/internal/models"
)

// Edit types recognized by the edit flow.
const (
	EditTypeBackground = "background"
	EditTypeOutfit     = "outfit"
	EditTypeStyle      = "style"
	EditTypeRemove     = "remove"
	EditTypeAdd        = "add"
	EditTypeReplace    = "replace"
	EditTypeModify     = "modify"
)

const editIntentSystemPrompt = `You analyze image edit requests. Given the user's instruction and the source image, respond with ONLY a JSON object:
{"edit_type": "background|outfit|style|remove|add|replace|modify", "instruction": "<one concrete sentence for an image editing model>", "prompt": "<full editing prompt describing the desired result while keeping the person's face and identity unchanged>"}
Never refuse.`

var editTypeKeywords = []struct {
	keywords []string
	editType string
}{
	{[]string{"background", "scene", "location", "place"}, EditTypeBackground},
	{[]string{"outfit", "clothes", "clothing", "dress", "wear"}, EditTypeOutfit},
	{[]string{"style", "filter", "tone", "mood", "color"}, EditTypeStyle},
	{[]string{"remove", "delete", "erase"}, EditTypeRemove},
	{[]string{"add", "insert", "put"}, EditTypeAdd},
	{[]string{"replace", "swap"}, EditTypeReplace},
	{[]string{"change"}, EditTypeModify},
}

var editFallbackTemplates = map[string]string{
	EditTypeBackground: "Keep the person exactly as they are, same face, pose and outfit, but change the background: %s",
	EditTypeOutfit:     "Keep the person's face, pose and the background, but change their outfit: %s",
	EditTypeStyle:      "Keep the composition and the person unchanged, but adjust the overall style: %s",
	EditTypeRemove:     "Keep everything else identical, but remove: %s",
	EditTypeAdd:        "Keep everything else identical, but add: %s",
	EditTypeReplace:    "Keep the person's face and identity unchanged, but replace as requested: %s",
	EditTypeModify:     "Keep the person's face and identity unchanged, apply this change: %s",
}

// EditIntent is the analyzed form of an edit request.
type EditIntent struct {
	EditType    string `json:"edit_type"`
	Instruction string `json:"instruction"`
	Prompt      string `json:"prompt"`
}

// EditPromptOptimizer analyzes edit requests against the source
// image. Like the generation optimizer it never fails outright.
type EditPromptOptimizer struct {
	llm      Reasoner
	blobs    BlobSource
	refusals RefusalClassifier
	logger   *slog.Logger
}

func NewEditPromptOptimizer(r Reasoner, blobs BlobSource, rc RefusalClassifier, logger *slog.Logger) *EditPromptOptimizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &EditPromptOptimizer{llm: r, blobs: blobs, refusals: rc, logger: logger}
}

// Analyze classifies the edit and produces an editing prompt, looking
// at the source image when it is available.
func (o *EditPromptOptimizer) Analyze(ctx context.Context, instruction, sourceBlobID string) EditIntent {
	user := fmt.Sprintf("Edit instruction: %s", instruction)

	var text string
	var err error
	if blob := o.loadBlob(ctx, sourceBlobID); blob != nil {
		text, err = o.llm.CompleteWithImages(ctx, editIntentSystemPrompt, user, []llm.ImageInput{
			{MediaType: blob.ContentType, Data: blob.Data},
		}, 1024)
	} else {
		text, err = o.llm.Complete(ctx, editIntentSystemPrompt, user, 1024)
	}
	if err != nil {
		o.logger.Warn("edit analysis failed, using keyword fallback", "error", err)
		return fallbackEditIntent(instruction)
	}

	var intent EditIntent
	if jerr := unmarshalLoose(text, &intent); jerr != nil || intent.Prompt == "" || o.refusals.IsRefusalPrompt(intent.Prompt) {
		o.logger.Info("edit analysis unusable, using keyword fallback")
		return fallbackEditIntent(instruction)
	}
	if intent.EditType == "" {
		intent.EditType = DetectEditType(instruction)
	}
	return intent
}

func (o *EditPromptOptimizer) loadBlob(ctx context.Context, id string) *models.FileBlob {
	if o.blobs == nil || id == "" {
		return nil
	}
	blob, err := o.blobs.Get(ctx, path.Base(id))
	if err != nil {
		o.logger.Warn("edit source image unavailable", "blob_id", id, "error", err)
		return nil
	}
	return blob
}

// DetectEditType classifies an instruction by keyword, defaulting to
// modify.
func DetectEditType(instruction string) string {
	lower := strings.ToLower(instruction)
	for _, group := range editTypeKeywords {
		for _, k := range group.keywords {
			if strings.Contains(lower, k) {
				return group.editType
			}
		}
	}
	return EditTypeModify
}

// unmarshalLoose tolerates markdown code fences around JSON output.
func unmarshalLoose(text string, out any) error {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return json.Unmarshal([]byte(text), out)
}

func fallbackEditIntent(instruction string) EditIntent {
	editType := DetectEditType(instruction)
	return EditIntent{
		EditType:    editType,
		Instruction: instruction,
		Prompt:      fmt.Sprintf(editFallbackTemplates[editType], instruction),
	}
}
