// Package agent implements the conversation orchestrator: the session
// state machine, intent resolution with refusal fallback, prompt
// optimization, the confirmation gate and the background job
// supervisor with its token lifecycle.
package agent

import (
	"sync"
	"time"

	"github.com/musekit/muse/internal/models"
)

// ConversationState is the session's position in the chat workflow.
type ConversationState string

const (
	StateIdle                 ConversationState = "idle"
	StateUnderstanding        ConversationState = "understanding"
	StatePlanning             ConversationState = "planning"
	StateAwaitingConfirmation ConversationState = "awaiting_confirmation"
	StateExecuting            ConversationState = "executing"
)

// Intent is a resolved user intention.
type Intent string

const (
	IntentGenerateImage    Intent = "generate_image"
	IntentGenerateVideo    Intent = "generate_video"
	IntentCreateCharacter  Intent = "create_character"
	IntentUpdateCharacter  Intent = "update_character"
	IntentAddIdentityImage Intent = "add_base_image"
	IntentListCharacters   Intent = "list_characters"
	IntentGeneralChat      Intent = "general_chat"
	IntentFetchGallery     Intent = "fetch_instagram"
)

// Skill names referenced by pending generations.
const (
	SkillImageGenerator = "image_generator"
	SkillVideoGenerator = "video_generator"
	SkillImageEditor    = "image_editor"
)

// Content types for image generation.
const (
	ContentTypeIdentity = "base"
	ContentTypePost     = "content_post"
)

// GenerationParams are the user-facing knobs of a pending generation.
type GenerationParams struct {
	ContentType        string               `json:"content_type,omitempty"`
	Style              string               `json:"style,omitempty"`
	Clothing           string               `json:"cloth,omitempty"`
	SceneDescription   string               `json:"scene_description,omitempty"`
	AspectRatio        string               `json:"aspect_ratio,omitempty"`
	VideoPrompt        string               `json:"video_prompt,omitempty"`
	ReferenceImagePath string               `json:"reference_image_path,omitempty"`
	ReferenceMode      models.ReferenceMode `json:"reference_image_mode,omitempty"`
}

// PendingGeneration is an optimizer-produced generation awaiting
// explicit user confirmation. Consumed exactly once.
type PendingGeneration struct {
	Skill           string           `json:"skill"`
	Params          GenerationParams `json:"params"`
	OptimizedPrompt string           `json:"optimized_prompt"`
	Reasoning       string           `json:"reasoning,omitempty"`
	Suggestions     []string         `json:"suggestions,omitempty"`
}

// EditParams describe a pending image edit.
type EditParams struct {
	SourceImagePath    string `json:"source_image_path"`
	EditType           string `json:"edit_type,omitempty"`
	EditInstruction    string `json:"edit_instruction,omitempty"`
	ExtraReferencePath string `json:"additional_reference_path,omitempty"`
}

// PendingEdit is an edit awaiting confirmation.
type PendingEdit struct {
	Skill           string     `json:"skill"`
	Params          EditParams `json:"params"`
	OptimizedPrompt string     `json:"optimized_prompt"`
	Reasoning       string     `json:"reasoning,omitempty"`
	Suggestions     []string   `json:"suggestions,omitempty"`
}

// TaskStatus is a generation job's lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskGenerating TaskStatus = "GENERATING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

// GenerationTask tracks one asynchronous generation job. Progress is
// monotone and terminal states are immutable; all mutation goes
// through the methods below.
type GenerationTask struct {
	mu sync.Mutex

	TaskID            string     `json:"task_id"`
	Status            TaskStatus `json:"status"`
	Progress          int        `json:"progress"`
	Stage             string     `json:"stage"`
	Prompt            string     `json:"prompt,omitempty"`
	ReferenceImageURL string     `json:"reference_image_url,omitempty"`
	ResultURL         string     `json:"result_url,omitempty"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func (t *GenerationTask) terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// Advance moves the task into GENERATING with a new stage label.
// Progress never decreases; calls on a terminal task are ignored.
func (t *GenerationTask) Advance(stage string, progress int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal() {
		return
	}
	t.Status = TaskGenerating
	t.Stage = stage
	if progress > t.Progress {
		t.Progress = progress
	}
}

// Complete marks the task COMPLETED with its result. No-op if already
// terminal.
func (t *GenerationTask) Complete(resultURL, stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal() {
		return
	}
	t.Status = TaskCompleted
	t.Stage = stage
	t.Progress = 100
	t.ResultURL = resultURL
}

// Fail marks the task FAILED with an error message. No-op if already
// terminal.
func (t *GenerationTask) Fail(errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal() {
		return
	}
	t.Status = TaskFailed
	t.Stage = "failed"
	t.Error = errMsg
}

// Snapshot returns a copy safe to serialize while the job mutates the
// original.
func (t *GenerationTask) Snapshot() *GenerationTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &GenerationTask{
		TaskID:            t.TaskID,
		Status:            t.Status,
		Progress:          t.Progress,
		Stage:             t.Stage,
		Prompt:            t.Prompt,
		ReferenceImageURL: t.ReferenceImageURL,
		ResultURL:         t.ResultURL,
		Error:             t.Error,
		CreatedAt:         t.CreatedAt,
	}
}

// ChatResponse is the result of any agent operation.
type ChatResponse struct {
	Message           string             `json:"message"`
	SessionID         string             `json:"session_id"`
	State             ConversationState  `json:"state"`
	PendingGeneration *PendingGeneration `json:"pending_generation,omitempty"`
	PendingEdit       *PendingEdit       `json:"pending_edit,omitempty"`
	ActionTaken       string             `json:"action_taken,omitempty"`
	Result            any                `json:"result,omitempty"`
	ActiveTask        *GenerationTask    `json:"active_task,omitempty"`
}
