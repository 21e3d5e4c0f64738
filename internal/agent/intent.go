package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/musekit/muse/internal/llm"
	"github.com/musekit/muse/internal/models"
	"github.com/musekit/muse/internal/skills"
)

// Reasoner is the LLM surface the agent needs. Satisfied by
// *llm.Client.
type Reasoner interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
	CompleteJSON(ctx context.Context, system, user string, maxTokens int, out any) error
	CompleteWithImages(ctx context.Context, system, user string, images []llm.ImageInput, maxTokens int) (string, error)
}

// IntentResult is the resolver's structured answer.
type IntentResult struct {
	Function          string           `json:"function"`
	Parameters        IntentParameters `json:"parameters"`
	Reasoning         string           `json:"reasoning,omitempty"`
	Response          string           `json:"response,omitempty"`
	NeedsConfirmation bool             `json:"needs_confirmation,omitempty"`
}

// IntentParameters holds every parameter any intent can carry; the
// resolver fills only the relevant subset.
type IntentParameters struct {
	ContentType      string `json:"content_type,omitempty"`
	Style            string `json:"style,omitempty"`
	Clothing         string `json:"cloth,omitempty"`
	SceneDescription string `json:"scene_description,omitempty"`
	VideoPrompt      string `json:"video_prompt,omitempty"`
	AspectRatio      string `json:"aspect_ratio,omitempty"`
	Name             string `json:"name,omitempty"`
	Description      string `json:"description,omitempty"`
	Gender           string `json:"gender,omitempty"`
	ImageURL         string `json:"image_url,omitempty"`
	URL              string `json:"url,omitempty"`
}

const resolverSystemPrompt = `You are an intent resolver for a virtual influencer content studio. Analyze the user's message and decide which function to call.

Available functions:

1. generate_image - User wants to create an image of a character.
   Parameters: content_type ("base" for a clean identity portrait, "content_post" for a styled scene), style (sexy/cute/warm/home/exposed/erotic), cloth (daily/fashion/sexy_lingerie/sexy_underwear/home_wear/sports/nude), scene_description, aspect_ratio (9:16/1:1/16:9)

2. generate_video - User wants a short video clip of a character.
   Parameters: video_prompt (motion description), style, scene_description

3. create_character - User wants to create a new character.
   Parameters: name, description, gender

4. update_character - User wants to change a character's profile.
   Parameters: name, description

5. add_base_image - User wants to register an image URL as a character identity image.
   Parameters: image_url

6. list_characters - User wants to see their characters.

7. fetch_instagram - The message contains an Instagram post or reel URL to pull images from.
   Parameters: url

8. general_chat - Anything else. Fill "response" with a short helpful reply.

Respond with ONLY a JSON object:
{"function": "...", "parameters": {...}, "reasoning": "...", "response": "...", "needs_confirmation": true|false}

Set needs_confirmation to true for generate_image and generate_video.

Infer style and cloth from wording when the user implies them. Default aspect_ratio is 9:16. If the character has zero identity images, prefer content_type "base" so an identity portrait exists before styled content. Never refuse; if unsure, pick general_chat.`

var referenceModeNames = map[models.ReferenceMode]string{
	models.ReferenceModeFaceSwap:       "Face Only",
	models.ReferenceModePoseBackground: "Pose & Background",
	models.ReferenceModeClothingPose:   "Clothing & Pose",
	models.ReferenceModeCustom:         "Custom",
}

// IntentResolver maps user messages onto intents, with a keyword
// fallback for LLM failures and refusals.
type IntentResolver struct {
	llm      Reasoner
	refusals RefusalClassifier
	logger   *slog.Logger
}

func NewIntentResolver(r Reasoner, rc RefusalClassifier, logger *slog.Logger) *IntentResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentResolver{llm: r, refusals: rc, logger: logger}
}

// Resolve decides the intent for message. It never returns an error:
// any LLM failure or refusal drops to the keyword classifier.
func (r *IntentResolver) Resolve(ctx context.Context, message string, sess *Session, char *skills.CharacterDetail) IntentResult {
	user := r.buildContext(message, sess, char)

	var result IntentResult
	err := r.llm.CompleteJSON(ctx, resolverSystemPrompt, user, 1024, &result)
	if err != nil {
		r.logger.Warn("intent resolution failed, using keyword fallback", "error", err)
		return classifyLocal(message)
	}
	if result.Function == "" {
		r.logger.Info("resolver returned no function, using keyword fallback")
		return classifyLocal(message)
	}
	if result.Response != "" && r.refusals.IsRefusalResponse(result.Response) {
		r.logger.Warn("resolver response reads as a refusal, using keyword fallback", "function", result.Function)
		return classifyLocal(message)
	}
	return result
}

func (r *IntentResolver) buildContext(message string, sess *Session, char *skills.CharacterDetail) string {
	var b strings.Builder
	if char != nil {
		fmt.Fprintf(&b, "Current character: %s (ID: %s)\n", char.Character.Name, char.Character.ID)
		fmt.Fprintf(&b, "Identity images: %d\n", len(char.IdentityImages))
		if char.Character.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", char.Character.Description)
		}
	} else {
		b.WriteString("No character selected.\n")
	}
	if sess != nil && sess.Pending != nil && sess.Pending.Params.ReferenceImagePath != "" {
		mode := referenceModeNames[sess.Pending.Params.ReferenceMode]
		if mode == "" {
			mode = string(sess.Pending.Params.ReferenceMode)
		}
		fmt.Fprintf(&b, "A reference image is attached (mode: %s).\n", mode)
	}
	if sess != nil {
		recent := sess.RecentHistory(6)
		if len(recent) > 0 {
			b.WriteString("\nRecent conversation:\n")
			for _, m := range recent {
				fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
			}
		}
	}
	fmt.Fprintf(&b, "\nUser message: %s", message)
	return b.String()
}

var urlRE = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)

var identityImageKeywords = []string{"base image", "base_image", "as base", "set as base", "add to base"}
var imageKeywords = []string{"image", "photo", "generate", "create", "picture", "shoot", "selfie"}
var videoKeywords = []string{"video", "clip", "vlog", "dance"}

// classifyLocal is the deterministic keyword classifier used whenever
// the LLM is unavailable or refuses. Total: always returns an intent.
func classifyLocal(message string) IntentResult {
	lower := strings.ToLower(message)

	if _, err := skills.ParseShortcode(message); err == nil {
		return IntentResult{
			Function:   string(IntentFetchGallery),
			Parameters: IntentParameters{URL: urlRE.FindString(message)},
			Reasoning:  "keyword fallback: instagram URL detected",
		}
	}

	if url := urlRE.FindString(message); url != "" && containsAny(lower, identityImageKeywords) {
		return IntentResult{
			Function:   string(IntentAddIdentityImage),
			Parameters: IntentParameters{ImageURL: url},
			Reasoning:  "keyword fallback: identity image URL detected",
		}
	}

	if containsAny(lower, videoKeywords) {
		return IntentResult{
			Function:          string(IntentGenerateVideo),
			Parameters:        IntentParameters{VideoPrompt: message},
			Reasoning:         "keyword fallback: video keywords detected",
			NeedsConfirmation: true,
		}
	}

	if containsAny(lower, imageKeywords) {
		params := IntentParameters{
			ContentType:      ContentTypePost,
			SceneDescription: message,
			AspectRatio:      skills.AspectPortrait,
		}
		detectStyle(lower, &params)
		return IntentResult{
			Function:          string(IntentGenerateImage),
			Parameters:        params,
			Reasoning:         "keyword fallback: image keywords detected",
			NeedsConfirmation: true,
		}
	}

	return IntentResult{
		Function: string(IntentGeneralChat),
		Response: "What kind of image or video would you like to generate?",
	}
}

func detectStyle(lower string, p *IntentParameters) {
	switch {
	case strings.Contains(lower, "nude") || strings.Contains(lower, "naked"):
		p.Clothing = "nude"
		p.Style = "erotic"
	case strings.Contains(lower, "lingerie") || strings.Contains(lower, "underwear"):
		p.Clothing = "sexy_lingerie"
		p.Style = "sexy"
	case strings.Contains(lower, "sexy") || strings.Contains(lower, "seductive") || strings.Contains(lower, "sensual"):
		p.Style = "sexy"
	}
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
