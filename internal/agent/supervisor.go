package agent

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/musekit/muse/internal/skills"
	"github.com/musekit/muse/internal/tokens"
)

// Dispatcher runs background jobs. Kept as an interface so tests can
// run jobs inline and the daemon can wait for in-flight work.
type Dispatcher interface {
	Go(fn func())
}

// WaitGroupDispatcher tracks in-flight jobs for graceful shutdown.
type WaitGroupDispatcher struct {
	wg sync.WaitGroup
}

func (d *WaitGroupDispatcher) Go(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// Wait blocks until all dispatched jobs have finished.
func (d *WaitGroupDispatcher) Wait() { d.wg.Wait() }

// SyncDispatcher runs jobs inline; used in tests.
type SyncDispatcher struct{}

func (SyncDispatcher) Go(fn func()) { fn() }

// Supervisor owns the generation task lifecycle: it deducts tokens up
// front, runs the skill in the background, and refunds exactly once
// on failure.
type Supervisor struct {
	imageSkill *skills.ImageGenerationSkill
	videoSkill *skills.VideoGenerationSkill
	ledger     *tokens.Ledger
	dispatcher Dispatcher
	logger     *slog.Logger

	// jobTimeout bounds a single background generation.
	jobTimeout time.Duration
}

func NewSupervisor(img *skills.ImageGenerationSkill, vid *skills.VideoGenerationSkill, ledger *tokens.Ledger, dispatcher Dispatcher, logger *slog.Logger) *Supervisor {
	if dispatcher == nil {
		dispatcher = &WaitGroupDispatcher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		imageSkill: img,
		videoSkill: vid,
		ledger:     ledger,
		dispatcher: dispatcher,
		logger:     logger,
		jobTimeout: 10 * time.Minute,
	}
}

// StartGeneration deducts tokens, registers a task on the session and
// dispatches the background job. The session lock must be held by the
// caller. hasIdentity tells whether the character has approved
// identity images; a video request without them is downgraded to an
// identity image generation and billed at the image rate.
func (sv *Supervisor) StartGeneration(ctx context.Context, sess *Session, userID string, pending *PendingGeneration, prompt string, hasIdentity bool) (*GenerationTask, error) {
	opType := tokens.TypeImageGeneration
	if pending.Skill == SkillVideoGenerator && hasIdentity {
		opType = tokens.TypeVideoGeneration
	}

	taskID := newTaskID()
	if _, err := sv.ledger.Deduct(ctx, userID, opType, taskID); err != nil {
		return nil, err
	}

	task := &GenerationTask{
		TaskID:            taskID,
		Status:            TaskPending,
		Progress:          0,
		Stage:             "preparing",
		Prompt:            prompt,
		ReferenceImageURL: pending.Params.ReferenceImagePath,
		CreatedAt:         time.Now(),
	}
	sess.RegisterTask(task)

	characterID := sess.CharacterID
	p := *pending
	sv.dispatcher.Go(func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), sv.jobTimeout)
		defer cancel()
		sv.run(jobCtx, task, userID, characterID, opType, &p, prompt, hasIdentity)
	})
	return task, nil
}

func (sv *Supervisor) run(ctx context.Context, task *GenerationTask, userID, characterID, opType string, pending *PendingGeneration, prompt string, hasIdentity bool) {
	task.Advance("preparing", 10)

	resultURL, runErr := sv.execute(ctx, task, characterID, pending, prompt, hasIdentity)
	if runErr != nil {
		sv.logger.Error("generation task failed",
			"task_id", task.TaskID, "skill", pending.Skill, "error", runErr)
		task.Fail(runErr.Error())
		if _, err := sv.ledger.Refund(ctx, userID, opType, task.TaskID); err != nil {
			sv.logger.Error("token refund failed", "task_id", task.TaskID, "error", err)
		}
		return
	}
	task.Complete(resultURL, "completed")
	sv.logger.Info("generation task completed", "task_id", task.TaskID, "result_url", resultURL)
}

func (sv *Supervisor) execute(ctx context.Context, task *GenerationTask, characterID string, pending *PendingGeneration, prompt string, hasIdentity bool) (string, error) {
	switch {
	case pending.Skill == SkillVideoGenerator && !hasIdentity:
		// No approved identity images to animate; produce an identity
		// candidate instead and tell the user how to proceed.
		task.Advance("generating image", 20)
		result, err := sv.imageSkill.GenerateIdentity(ctx, skills.IdentityParams{
			CharacterID: characterID,
			Prompt:      prompt,
			AspectRatio: pending.Params.AspectRatio,
			TaskID:      task.TaskID,
		})
		if err != nil {
			return "", err
		}
		return result.ImageURL, nil

	case pending.Skill == SkillVideoGenerator:
		task.Advance("generating video", 20)
		result, err := sv.videoSkill.GenerateWithImage(ctx, skills.VideoParams{
			CharacterID: characterID,
			ImagePrompt: prompt,
			VideoPrompt: pending.Params.VideoPrompt,
			AspectRatio: pending.Params.AspectRatio,
			Style:       pending.Params.Style,
			Clothing:    pending.Params.Clothing,
			TaskID:      task.TaskID,
		})
		if err != nil {
			return "", err
		}
		return result.VideoURL, nil

	case pending.Params.ContentType == ContentTypeIdentity:
		task.Advance("generating image", 20)
		result, err := sv.imageSkill.GenerateIdentity(ctx, skills.IdentityParams{
			CharacterID: characterID,
			Prompt:      prompt,
			AspectRatio: pending.Params.AspectRatio,
			TaskID:      task.TaskID,
		})
		if err != nil {
			return "", err
		}
		return result.ImageURL, nil

	default:
		task.Advance("generating image", 20)
		result, err := sv.imageSkill.GenerateContent(ctx, skills.ContentParams{
			CharacterID:       characterID,
			Prompt:            prompt,
			AspectRatio:       pending.Params.AspectRatio,
			Style:             pending.Params.Style,
			Clothing:          pending.Params.Clothing,
			ReferenceImageURL: pending.Params.ReferenceImagePath,
			ReferenceMode:     pending.Params.ReferenceMode,
			TaskID:            task.TaskID,
		})
		if err != nil {
			return "", err
		}
		return result.ImageURL, nil
	}
}

func newTaskID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
