package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/musekit/muse/internal/models"
	"github.com/musekit/muse/internal/skills"
	"github.com/musekit/muse/internal/tokens"
)

var modeDescriptions = map[models.ReferenceMode]string{
	models.ReferenceModeFaceSwap:       "I'll recreate your reference photo with the character's face.",
	models.ReferenceModePoseBackground: "I'll put the character into the reference photo's pose and background.",
	models.ReferenceModeClothingPose:   "I'll dress the character in the reference photo's outfit and pose.",
}

var bypassSuggestions = []string{
	"Make it sexier",
	"Change to home scene",
	"Use a different outfit",
}

// ChatRequest is one user turn.
type ChatRequest struct {
	SessionID          string               `json:"session_id,omitempty"`
	CharacterID        string               `json:"character_id,omitempty"`
	UserID             string               `json:"user_id,omitempty"`
	Message            string               `json:"message"`
	ReferenceImagePath string               `json:"reference_image_path,omitempty"`
	ReferenceMode      models.ReferenceMode `json:"reference_image_mode,omitempty"`
}

// ConfirmRequest resolves a pending generation.
type ConfirmRequest struct {
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id,omitempty"`
	Confirmed     bool   `json:"confirmed"`
	Modifications string `json:"modifications,omitempty"`
	EditedPrompt  string `json:"edited_prompt,omitempty"`
	AspectRatio   string `json:"aspect_ratio,omitempty"`

	// Revival fields: a client that lost its session can resend the
	// pending card it was shown.
	CharacterID       string             `json:"character_id,omitempty"`
	PendingGeneration *PendingGeneration `json:"pending_generation,omitempty"`
}

// EditRequest starts an image edit conversation turn.
type EditRequest struct {
	SessionID          string `json:"session_id,omitempty"`
	CharacterID        string `json:"character_id,omitempty"`
	UserID             string `json:"user_id,omitempty"`
	Message            string `json:"message"`
	SourceImagePath    string `json:"source_image_path"`
	ExtraReferencePath string `json:"additional_reference_path,omitempty"`
}

// ConfirmEditRequest resolves a pending edit.
type ConfirmEditRequest struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id,omitempty"`
	Confirmed    bool   `json:"confirmed"`
	EditedPrompt string `json:"edited_prompt,omitempty"`
	AspectRatio  string `json:"aspect_ratio,omitempty"`
}

// Agent orchestrates conversations: it resolves intents, builds
// pending cards, and hands confirmed work to the supervisor.
type Agent struct {
	sessions      SessionStore
	resolver      *IntentResolver
	optimizer     *PromptOptimizer
	editOptimizer *EditPromptOptimizer
	supervisor    *Supervisor
	characters    *skills.CharacterSkill
	gallery       *skills.GallerySkill
	editSkill     *skills.ImageEditSkill
	ledger        *tokens.Ledger
	refusals      RefusalClassifier
	logger        *slog.Logger
}

// Options bundle the agent's collaborators.
type Options struct {
	Sessions      SessionStore
	Resolver      *IntentResolver
	Optimizer     *PromptOptimizer
	EditOptimizer *EditPromptOptimizer
	Supervisor    *Supervisor
	Characters    *skills.CharacterSkill
	Gallery       *skills.GallerySkill
	EditSkill     *skills.ImageEditSkill
	Ledger        *tokens.Ledger
	Refusals      RefusalClassifier
	Logger        *slog.Logger
}

func New(opts Options) *Agent {
	if opts.Sessions == nil {
		opts.Sessions = NewMemorySessionStore()
	}
	if opts.Refusals == nil {
		opts.Refusals = PhraseRefusalClassifier{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Agent{
		sessions:      opts.Sessions,
		resolver:      opts.Resolver,
		optimizer:     opts.Optimizer,
		editOptimizer: opts.EditOptimizer,
		supervisor:    opts.Supervisor,
		characters:    opts.Characters,
		gallery:       opts.Gallery,
		editSkill:     opts.EditSkill,
		ledger:        opts.Ledger,
		refusals:      opts.Refusals,
		logger:        opts.Logger,
	}
}

// ProcessMessage handles one chat turn and returns either a direct
// answer or a pending card awaiting confirmation.
func (a *Agent) ProcessMessage(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	sess := a.sessions.GetOrCreate(req.SessionID, req.CharacterID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return a.processLocked(ctx, sess, req)
}

func (a *Agent) processLocked(ctx context.Context, sess *Session, req ChatRequest) (*ChatResponse, error) {
	sess.AddMessage("user", req.Message)
	sess.State = StateUnderstanding

	// Gallery images fetched earlier are consumed as the reference of
	// the next request, defaulting to a face swap.
	if req.ReferenceImagePath == "" && len(sess.FetchedReferenceImages) > 0 {
		req.ReferenceImagePath = sess.FetchedReferenceImages[0]
		if req.ReferenceMode == "" {
			req.ReferenceMode = models.ReferenceModeFaceSwap
		}
		sess.FetchedReferenceImages = nil
	}

	// Quick path: an attached reference with a preset mode needs no
	// intent resolution.
	if req.ReferenceImagePath != "" && req.ReferenceMode != "" && req.ReferenceMode != models.ReferenceModeCustom {
		return a.planGeneration(ctx, sess, IntentResult{
			Function: string(IntentGenerateImage),
			Parameters: IntentParameters{
				ContentType:      ContentTypePost,
				SceneDescription: req.Message,
				AspectRatio:      skills.AspectPortrait,
			},
		}, req)
	}

	char := a.currentCharacter(ctx, sess)
	intent := a.resolver.Resolve(ctx, req.Message, sess, char)
	a.logger.Info("intent resolved", "session_id", sess.ID, "function", intent.Function)

	switch Intent(intent.Function) {
	case IntentGenerateImage, IntentGenerateVideo:
		return a.planGeneration(ctx, sess, intent, req)
	case IntentCreateCharacter:
		return a.handleCreateCharacter(ctx, sess, intent)
	case IntentUpdateCharacter:
		return a.handleUpdateCharacter(ctx, sess, intent)
	case IntentAddIdentityImage:
		return a.handleAddIdentityImage(ctx, sess, intent)
	case IntentListCharacters:
		return a.handleListCharacters(ctx, sess)
	case IntentFetchGallery:
		return a.handleFetchGallery(ctx, sess, intent, req.Message)
	default:
		return a.handleGeneralChat(ctx, sess, intent, req)
	}
}

// planGeneration builds the pending card for an image or video
// request and parks the session awaiting confirmation.
func (a *Agent) planGeneration(ctx context.Context, sess *Session, intent IntentResult, req ChatRequest) (*ChatResponse, error) {
	if sess.CharacterID == "" {
		sess.State = StateIdle
		return a.reply(sess, "Please select a character first before generating."), nil
	}
	sess.State = StatePlanning

	skill := SkillImageGenerator
	if Intent(intent.Function) == IntentGenerateVideo {
		skill = SkillVideoGenerator
	}

	params := GenerationParams{
		ContentType:        intent.Parameters.ContentType,
		Style:              intent.Parameters.Style,
		Clothing:           intent.Parameters.Clothing,
		SceneDescription:   intent.Parameters.SceneDescription,
		AspectRatio:        intent.Parameters.AspectRatio,
		VideoPrompt:        intent.Parameters.VideoPrompt,
		ReferenceImagePath: req.ReferenceImagePath,
		ReferenceMode:      req.ReferenceMode,
	}
	if params.SceneDescription == "" {
		params.SceneDescription = req.Message
	}
	if params.AspectRatio == "" {
		params.AspectRatio = skills.AspectPortrait
	}

	char := a.currentCharacter(ctx, sess)
	var charName string
	if char != nil {
		charName = char.Character.Name
	}
	optimized := a.optimizer.Optimize(ctx, charName, params)

	pending := &PendingGeneration{
		Skill:           skill,
		Params:          params,
		OptimizedPrompt: optimized.Prompt,
		Reasoning:       intent.Reasoning,
	}
	sess.Pending = pending
	sess.State = StateAwaitingConfirmation

	msg := "Here's the plan. Confirm to start generating, or tell me what to change."
	if desc, ok := modeDescriptions[params.ReferenceMode]; ok && params.ReferenceImagePath != "" {
		msg = desc + " Confirm to start generating, or tell me what to change."
	}
	resp := a.reply(sess, msg)
	resp.PendingGeneration = pending
	return resp, nil
}

func (a *Agent) handleCreateCharacter(ctx context.Context, sess *Session, intent IntentResult) (*ChatResponse, error) {
	char, err := a.characters.Create(ctx, intent.Parameters.Name, intent.Parameters.Description, intent.Parameters.Gender)
	if err != nil {
		sess.State = StateIdle
		return a.reply(sess, "I couldn't create the character: "+err.Error()), nil
	}
	sess.CharacterID = char.ID
	sess.State = StateIdle
	resp := a.reply(sess, fmt.Sprintf("Character %q created. Generate a few identity portraits next so I know what they look like.", char.Name))
	resp.ActionTaken = string(IntentCreateCharacter)
	resp.Result = char
	return resp, nil
}

func (a *Agent) handleUpdateCharacter(ctx context.Context, sess *Session, intent IntentResult) (*ChatResponse, error) {
	sess.State = StateIdle
	if sess.CharacterID == "" {
		return a.reply(sess, "Please select a character first."), nil
	}
	char, err := a.characters.Update(ctx, sess.CharacterID, intent.Parameters.Name, intent.Parameters.Description, "")
	if err != nil {
		return a.reply(sess, "I couldn't update the character: "+err.Error()), nil
	}
	resp := a.reply(sess, fmt.Sprintf("Character %q updated.", char.Name))
	resp.ActionTaken = string(IntentUpdateCharacter)
	resp.Result = char
	return resp, nil
}

func (a *Agent) handleAddIdentityImage(ctx context.Context, sess *Session, intent IntentResult) (*ChatResponse, error) {
	sess.State = StateIdle
	if sess.CharacterID == "" {
		return a.reply(sess, "Please select a character first."), nil
	}
	if intent.Parameters.ImageURL == "" {
		return a.reply(sess, "I need an image URL to add as an identity image."), nil
	}
	img, err := a.characters.AddIdentityImage(ctx, sess.CharacterID, intent.Parameters.ImageURL)
	if err != nil {
		return a.reply(sess, "I couldn't add the identity image: "+err.Error()), nil
	}
	resp := a.reply(sess, "Identity image added.")
	resp.ActionTaken = string(IntentAddIdentityImage)
	resp.Result = img
	return resp, nil
}

func (a *Agent) handleListCharacters(ctx context.Context, sess *Session) (*ChatResponse, error) {
	sess.State = StateIdle
	chars, err := a.characters.List(ctx)
	if err != nil {
		return a.reply(sess, "I couldn't list your characters: "+err.Error()), nil
	}
	var b strings.Builder
	if len(chars) == 0 {
		b.WriteString("You don't have any characters yet. Say something like \"create a character named Luna\" to start.")
	} else {
		b.WriteString("Your characters:\n")
		for _, c := range chars {
			fmt.Fprintf(&b, "- %s (%s)\n", c.Name, c.ID)
		}
	}
	resp := a.reply(sess, b.String())
	resp.ActionTaken = string(IntentListCharacters)
	resp.Result = chars
	return resp, nil
}

func (a *Agent) handleFetchGallery(ctx context.Context, sess *Session, intent IntentResult, message string) (*ChatResponse, error) {
	sess.State = StateIdle
	source := intent.Parameters.URL
	if source == "" {
		source = message
	}
	images, err := a.gallery.Fetch(ctx, source)
	if err != nil {
		return a.reply(sess, "I couldn't fetch that post: "+err.Error()), nil
	}
	sess.FetchedReferenceImages = sess.FetchedReferenceImages[:0]
	for _, img := range images {
		sess.FetchedReferenceImages = append(sess.FetchedReferenceImages, img.URL)
	}
	resp := a.reply(sess, fmt.Sprintf("I pulled %d image(s) from the post. Tell me what to generate and I'll use the first one as the reference.", len(images)))
	resp.ActionTaken = string(IntentFetchGallery)
	resp.Result = images
	return resp, nil
}

// handleGeneralChat answers conversationally. When the resolver's
// reply is itself a refusal and a character is selected, the user's
// raw message is turned into a generation plan via the deterministic
// template so the conversation is never a dead end.
func (a *Agent) handleGeneralChat(ctx context.Context, sess *Session, intent IntentResult, req ChatRequest) (*ChatResponse, error) {
	if sess.CharacterID != "" && a.refusals.IsRefusalIntent(intent.Response) {
		params := GenerationParams{
			ContentType:        ContentTypePost,
			SceneDescription:   req.Message,
			AspectRatio:        skills.AspectPortrait,
			ReferenceImagePath: req.ReferenceImagePath,
			ReferenceMode:      req.ReferenceMode,
		}
		pending := &PendingGeneration{
			Skill:           SkillImageGenerator,
			Params:          params,
			OptimizedPrompt: FallbackPrompt(params),
			Reasoning:       "Using your description directly as the generation prompt.",
			Suggestions:     bypassSuggestions,
		}
		sess.Pending = pending
		sess.State = StateAwaitingConfirmation
		resp := a.reply(sess, "Here's a plan based on your description. Confirm to start generating, or tell me what to change.")
		resp.PendingGeneration = pending
		return resp, nil
	}

	sess.State = StateIdle
	msg := intent.Response
	if msg == "" {
		msg = "What kind of image or video would you like to generate?"
	}
	return a.reply(sess, msg), nil
}

// Confirm resolves a pending generation. On approval it deducts
// tokens, schedules the job and returns immediately with the active
// task.
func (a *Agent) Confirm(ctx context.Context, req ConfirmRequest) (*ChatResponse, error) {
	sess, ok := a.sessions.Get(req.SessionID)
	if !ok {
		if req.PendingGeneration == nil || req.CharacterID == "" {
			return nil, fmt.Errorf("session not found: %s", req.SessionID)
		}
		// Revive the session from the card the client was shown.
		sess = a.sessions.GetOrCreate(req.SessionID, req.CharacterID)
		sess.mu.Lock()
		sess.Pending = req.PendingGeneration
		sess.State = StateAwaitingConfirmation
		sess.mu.Unlock()
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.Pending == nil && req.PendingGeneration != nil {
		sess.Pending = req.PendingGeneration
	}
	if sess.Pending == nil {
		return a.reply(sess, "There's nothing awaiting confirmation."), nil
	}

	if !req.Confirmed {
		sess.Pending = nil
		sess.State = StateIdle
		return a.reply(sess, "Okay, cancelled. What would you like to do instead?"), nil
	}

	if req.Modifications != "" {
		// Changes requested: fold them into a fresh planning turn.
		pending := sess.Pending
		sess.Pending = nil
		message := pending.Params.SceneDescription + ". " + req.Modifications
		return a.processLocked(ctx, sess, ChatRequest{
			SessionID:          sess.ID,
			Message:            message,
			ReferenceImagePath: pending.Params.ReferenceImagePath,
			ReferenceMode:      pending.Params.ReferenceMode,
		})
	}

	pending := sess.Pending
	prompt := pending.OptimizedPrompt
	if req.EditedPrompt != "" {
		prompt = req.EditedPrompt
	}
	if req.AspectRatio != "" {
		pending.Params.AspectRatio = req.AspectRatio
	}

	hasIdentity := a.hasApprovedIdentity(ctx, sess.CharacterID)

	sess.State = StateExecuting
	task, err := a.supervisor.StartGeneration(ctx, sess, req.UserID, pending, prompt, hasIdentity)
	if err != nil {
		// The pending card survives a failed deduction so the user can
		// top up and confirm again.
		sess.State = StateAwaitingConfirmation
		return nil, err
	}

	// The pending card is consumed exactly once.
	sess.Pending = nil
	sess.State = StateIdle

	msg := "Generation started... You can continue chatting, and you'll be notified when it's done."
	if pending.Skill == SkillVideoGenerator && !hasIdentity {
		msg = "The character has no approved identity images yet, so I'm generating an identity portrait first. Approve it and then try generating the video again."
	}
	resp := a.reply(sess, msg)
	resp.ActiveTask = task.Snapshot()
	return resp, nil
}

// ProcessEditMessage analyzes an edit request against its source
// image and returns a pending edit card.
func (a *Agent) ProcessEditMessage(ctx context.Context, req EditRequest) (*ChatResponse, error) {
	sess := a.sessions.GetOrCreate(req.SessionID, req.CharacterID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.AddMessage("user", req.Message)
	if sess.CharacterID == "" {
		sess.State = StateIdle
		return a.reply(sess, "Please select a character first."), nil
	}
	if req.SourceImagePath == "" {
		sess.State = StateIdle
		return a.reply(sess, "I need a source image to edit."), nil
	}
	sess.State = StatePlanning

	intent := a.editOptimizer.Analyze(ctx, req.Message, req.SourceImagePath)

	pending := &PendingEdit{
		Skill: SkillImageEditor,
		Params: EditParams{
			SourceImagePath:    req.SourceImagePath,
			EditType:           intent.EditType,
			EditInstruction:    intent.Instruction,
			ExtraReferencePath: req.ExtraReferencePath,
		},
		OptimizedPrompt: intent.Prompt,
	}
	sess.PendingEdit = pending
	sess.State = StateAwaitingConfirmation

	resp := a.reply(sess, "Here's the edit plan. Confirm to apply it, or tell me what to change.")
	resp.PendingEdit = pending
	return resp, nil
}

// ConfirmEdit applies a pending edit synchronously.
func (a *Agent) ConfirmEdit(ctx context.Context, req ConfirmEditRequest) (*ChatResponse, error) {
	sess, ok := a.sessions.Get(req.SessionID)
	if !ok {
		return nil, fmt.Errorf("session not found: %s", req.SessionID)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.PendingEdit == nil {
		return a.reply(sess, "There's no edit awaiting confirmation."), nil
	}
	if sess.CharacterID == "" {
		return a.reply(sess, "Please select a character first."), nil
	}

	pending := sess.PendingEdit
	if !req.Confirmed {
		sess.PendingEdit = nil
		sess.State = StateIdle
		return a.reply(sess, "Okay, the edit is cancelled."), nil
	}

	prompt := pending.OptimizedPrompt
	if req.EditedPrompt != "" {
		prompt = req.EditedPrompt
	}

	sess.State = StateExecuting
	taskID := newTaskID()
	if _, err := a.ledger.Deduct(ctx, req.UserID, tokens.TypeImageGeneration, taskID); err != nil {
		sess.State = StateAwaitingConfirmation
		return nil, err
	}

	result, err := a.editSkill.Edit(ctx, skills.EditParams{
		CharacterID:       sess.CharacterID,
		Prompt:            prompt,
		SourceImageURL:    pending.Params.SourceImagePath,
		ExtraReferenceURL: pending.Params.ExtraReferencePath,
		AspectRatio:       req.AspectRatio,
		EditType:          pending.Params.EditType,
		EditInstruction:   pending.Params.EditInstruction,
		TaskID:            taskID,
	})
	sess.PendingEdit = nil
	sess.State = StateIdle
	if err != nil {
		if _, rerr := a.ledger.Refund(ctx, req.UserID, tokens.TypeImageGeneration, taskID); rerr != nil {
			a.logger.Error("token refund failed", "task_id", taskID, "error", rerr)
		}
		return a.reply(sess, "The edit failed: "+err.Error()), nil
	}
	resp := a.reply(sess, result.Message)
	resp.ActionTaken = "edit_image"
	resp.Result = result
	return resp, nil
}

// GetTask reports a task's current state. Unknown tasks and sessions
// report as failed rather than erroring, so pollers always get a
// terminal answer.
func (a *Agent) GetTask(sessionID, taskID string) *GenerationTask {
	if sess, ok := a.sessions.Get(sessionID); ok {
		sess.mu.Lock()
		task, found := sess.Task(taskID)
		sess.mu.Unlock()
		if found {
			return task.Snapshot()
		}
	}
	return &GenerationTask{
		TaskID:    taskID,
		Status:    TaskFailed,
		Stage:     "not_found",
		Error:     "task not found",
		CreatedAt: time.Now(),
	}
}

// Cancel clears any pending generation or edit.
func (a *Agent) Cancel(sessionID string) (*ChatResponse, error) {
	sess, ok := a.sessions.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.Pending = nil
	sess.PendingEdit = nil
	sess.State = StateIdle
	return a.reply(sess, "Cancelled. What would you like to do next?"), nil
}

// ClearSession discards a session entirely.
func (a *Agent) ClearSession(sessionID string) {
	a.sessions.Delete(sessionID)
}

func (a *Agent) currentCharacter(ctx context.Context, sess *Session) *skills.CharacterDetail {
	if sess.CharacterID == "" {
		return nil
	}
	char, err := a.characters.Get(ctx, sess.CharacterID)
	if err != nil {
		a.logger.Warn("character lookup failed", "character_id", sess.CharacterID, "error", err)
		return nil
	}
	return char
}

func (a *Agent) hasApprovedIdentity(ctx context.Context, characterID string) bool {
	if characterID == "" {
		return false
	}
	images, err := a.characters.IdentityImages(ctx, characterID)
	if err != nil {
		a.logger.Warn("identity image lookup failed", "character_id", characterID, "error", err)
		return false
	}
	return len(images) > 0
}

// reply records the assistant message and builds the base response.
func (a *Agent) reply(sess *Session, message string) *ChatResponse {
	sess.AddMessage("assistant", message)
	return &ChatResponse{
		Message:   message,
		SessionID: sess.ID,
		State:     sess.State,
	}
}
