package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musekit/muse/internal/llm"
	"github.com/musekit/muse/internal/models"
	"github.com/musekit/muse/internal/providers"
	"github.com/musekit/muse/internal/skills"
	"github.com/musekit/muse/internal/store"
	"github.com/musekit/muse/internal/tokens"
)

// fakeReasoner scripts LLM behavior per test.
type fakeReasoner struct {
	mu          sync.Mutex
	completeFn  func(system, user string) (string, error)
	jsonFn      func(system, user string, out any) error
	imagesFn    func(system, user string, images []llm.ImageInput) (string, error)
	jsonCalls   int
	visionCalls int
}

func (f *fakeReasoner) Complete(_ context.Context, system, user string, _ int) (string, error) {
	if f.completeFn == nil {
		return "a detailed generation prompt", nil
	}
	return f.completeFn(system, user)
}

func (f *fakeReasoner) CompleteJSON(_ context.Context, system, user string, _ int, out any) error {
	f.mu.Lock()
	f.jsonCalls++
	f.mu.Unlock()
	if f.jsonFn == nil {
		return fmt.Errorf("no scripted JSON response")
	}
	return f.jsonFn(system, user, out)
}

func (f *fakeReasoner) CompleteWithImages(_ context.Context, system, user string, images []llm.ImageInput, _ int) (string, error) {
	f.mu.Lock()
	f.visionCalls++
	f.mu.Unlock()
	if f.imagesFn == nil {
		return "", fmt.Errorf("no scripted vision response")
	}
	return f.imagesFn(system, user, images)
}

// intentJSON scripts the resolver to always return one intent.
func intentJSON(result IntentResult) func(string, string, any) error {
	return func(_, _ string, out any) error {
		*out.(*IntentResult) = result
		return nil
	}
}

type fakeImageProvider struct {
	mu    sync.Mutex
	calls []providers.GenerateParams
	err   error
}

func (f *fakeImageProvider) Generate(_ context.Context, params providers.GenerateParams) (*providers.GenerateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, params)
	return &providers.GenerateResult{ImageURL: fmt.Sprintf("https://img.example/out-%d.png", len(f.calls))}, nil
}

func (f *fakeImageProvider) lastCall(t *testing.T) providers.GenerateParams {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

type fakeVideoProvider struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeVideoProvider) CreateImageToVideo(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls++
	return fmt.Sprintf("vid-%d", f.calls), nil
}

func (f *fakeVideoProvider) WaitForVideo(_ context.Context, videoID string) (*providers.VideoStatus, error) {
	return &providers.VideoStatus{Status: "completed", VideoURL: "https://vid.example/" + videoID + ".mp4"}, nil
}

// fakeMedia avoids network downloads when pinning results.
type fakeMedia struct {
	mu   sync.Mutex
	next int
}

func (f *fakeMedia) Save(_ context.Context, filename, contentType string, data []byte) (*models.FileBlob, string, error) {
	return f.blob(filename, contentType, data)
}

func (f *fakeMedia) SaveFromURL(_ context.Context, srcURL string) (*models.FileBlob, string, error) {
	return f.blob(filepath.Base(srcURL), "image/png", []byte("pinned"))
}

func (f *fakeMedia) blob(filename, contentType string, data []byte) (*models.FileBlob, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("blob-%d", f.next)
	return &models.FileBlob{ID: id, Filename: filename, ContentType: contentType, Data: data}, "/uploads/" + id, nil
}

func (f *fakeMedia) URL(id string) string { return "/uploads/" + id }

type fakeFetcher struct {
	images []string
	err    error
}

func (f *fakeFetcher) FetchPostImages(_ context.Context, _ string) ([]string, error) {
	return f.images, f.err
}

type testHarness struct {
	agent    *Agent
	store    *store.SQLiteStore
	reasoner *fakeReasoner
	imgProv  *fakeImageProvider
	vidProv  *fakeVideoProvider
	ledger   *tokens.Ledger
	userID   string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "muse.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	user := &models.User{Username: "tester", TokenBalance: 10}
	require.NoError(t, st.CreateUser(context.Background(), user))

	logger := slog.Default()
	media := &fakeMedia{}
	reasoner := &fakeReasoner{}
	imgProv := &fakeImageProvider{}
	vidProv := &fakeVideoProvider{}
	refusals := PhraseRefusalClassifier{}

	imageSkill := skills.NewImageGenerationSkill(imgProv, st, media, logger)
	videoSkill := skills.NewVideoGenerationSkill(vidProv, imageSkill, st, media, logger)
	characters := skills.NewCharacterSkill(st, media)
	gallery := skills.NewGallerySkill(&fakeFetcher{}, media, logger)
	editSkill := skills.NewImageEditSkill(imgProv, st, media)
	ledger := tokens.NewLedger(st)

	ag := New(Options{
		Resolver:      NewIntentResolver(reasoner, refusals, logger),
		Optimizer:     NewPromptOptimizer(reasoner, nil, refusals, logger),
		EditOptimizer: NewEditPromptOptimizer(reasoner, nil, refusals, logger),
		Supervisor:    NewSupervisor(imageSkill, videoSkill, ledger, SyncDispatcher{}, logger),
		Characters:    characters,
		Gallery:       gallery,
		EditSkill:     editSkill,
		Ledger:        ledger,
		Refusals:      refusals,
		Logger:        logger,
	})
	return &testHarness{agent: ag, store: st, reasoner: reasoner, imgProv: imgProv, vidProv: vidProv, ledger: ledger, userID: user.ID}
}

func (h *testHarness) seedCharacter(t *testing.T, approvedIdentity int) string {
	t.Helper()
	ctx := context.Background()
	char := &models.Character{Name: "Luna", Status: models.CharacterStatusActive}
	require.NoError(t, h.store.CreateCharacter(ctx, char))
	for i := 0; i < approvedIdentity; i++ {
		img := &models.Image{
			CharacterID: char.ID,
			Type:        models.ImageTypeIdentity,
			Status:      models.ImageStatusCompleted,
			URL:         fmt.Sprintf("/uploads/identity-%d", i),
			Approved:    true,
		}
		require.NoError(t, h.store.CreateImage(ctx, img))
	}
	return char.ID
}

func (h *testHarness) balance(t *testing.T) int {
	t.Helper()
	bal, err := h.ledger.Balance(context.Background(), h.userID)
	require.NoError(t, err)
	return bal
}

func (h *testHarness) plan(t *testing.T, charID, message string) *ChatResponse {
	t.Helper()
	h.reasoner.jsonFn = intentJSON(IntentResult{
		Function: string(IntentGenerateImage),
		Parameters: IntentParameters{
			ContentType:      ContentTypePost,
			SceneDescription: message,
			AspectRatio:      skills.AspectPortrait,
		},
	})
	resp, err := h.agent.ProcessMessage(context.Background(), ChatRequest{
		CharacterID: charID,
		UserID:      h.userID,
		Message:     message,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.PendingGeneration)
	return resp
}

func TestProcessMessage_PlansGeneration(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)

	resp := h.plan(t, charID, "a photo at the beach")

	assert.Equal(t, StateAwaitingConfirmation, resp.State)
	assert.Equal(t, SkillImageGenerator, resp.PendingGeneration.Skill)
	assert.Equal(t, "a detailed generation prompt", resp.PendingGeneration.OptimizedPrompt)
	assert.NotEmpty(t, resp.SessionID)
}

func TestProcessMessage_RequiresCharacter(t *testing.T) {
	h := newTestHarness(t)
	h.reasoner.jsonFn = intentJSON(IntentResult{Function: string(IntentGenerateImage)})

	resp, err := h.agent.ProcessMessage(context.Background(), ChatRequest{Message: "a selfie"})
	require.NoError(t, err)

	assert.Equal(t, "Please select a character first before generating.", resp.Message)
	assert.Nil(t, resp.PendingGeneration)
	assert.Equal(t, StateIdle, resp.State)
}

func TestProcessMessage_CreateCharacter(t *testing.T) {
	h := newTestHarness(t)
	h.reasoner.jsonFn = intentJSON(IntentResult{
		Function:   string(IntentCreateCharacter),
		Parameters: IntentParameters{Name: "Luna", Description: "a virtual influencer", Gender: "female"},
	})

	resp, err := h.agent.ProcessMessage(context.Background(), ChatRequest{Message: "create a character named Luna"})
	require.NoError(t, err)

	assert.Equal(t, string(IntentCreateCharacter), resp.ActionTaken)
	char, ok := resp.Result.(*models.Character)
	require.True(t, ok)
	assert.Equal(t, "Luna", char.Name)

	// The new character is bound to the session.
	sess, ok := h.agent.sessions.Get(resp.SessionID)
	require.True(t, ok)
	assert.Equal(t, char.ID, sess.CharacterID)
}

func TestProcessMessage_ResolverErrorFallsBackToKeywords(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	h.reasoner.jsonFn = func(_, _ string, _ any) error {
		return fmt.Errorf("model unavailable")
	}

	resp, err := h.agent.ProcessMessage(context.Background(), ChatRequest{
		CharacterID: charID, UserID: h.userID, Message: "generate a sexy photo at the beach",
	})
	require.NoError(t, err)

	require.NotNil(t, resp.PendingGeneration)
	assert.Equal(t, SkillImageGenerator, resp.PendingGeneration.Skill)
	assert.Equal(t, "sexy", resp.PendingGeneration.Params.Style)
}

func TestProcessMessage_RefusalBypass(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	h.reasoner.jsonFn = intentJSON(IntentResult{
		Function: string(IntentGeneralChat),
		Response: "抱歉，我無法生成這個內容。",
	})

	resp, err := h.agent.ProcessMessage(context.Background(), ChatRequest{
		CharacterID: charID, UserID: h.userID, Message: "her in lingerie on a bed",
	})
	require.NoError(t, err)

	require.NotNil(t, resp.PendingGeneration)
	assert.Equal(t, StateAwaitingConfirmation, resp.State)
	assert.Equal(t, bypassSuggestions, resp.PendingGeneration.Suggestions)
	assert.Contains(t, resp.PendingGeneration.OptimizedPrompt, "her in lingerie on a bed")
}

func TestProcessMessage_RefusedResolutionFallsBackToKeywords(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	h.reasoner.jsonFn = intentJSON(IntentResult{
		Function: string(IntentGeneralChat),
		Response: "I'm sorry, I cannot help with that request.",
	})

	resp, err := h.agent.ProcessMessage(context.Background(), ChatRequest{
		CharacterID: charID, UserID: h.userID, Message: "make a sexy dance video of her",
	})
	require.NoError(t, err)

	require.NotNil(t, resp.PendingGeneration)
	assert.Equal(t, SkillVideoGenerator, resp.PendingGeneration.Skill)
	assert.NotContains(t, resp.Message, "I'm sorry")
}

func TestProcessMessage_RefusedResolutionWithoutCharacter(t *testing.T) {
	h := newTestHarness(t)
	h.reasoner.jsonFn = intentJSON(IntentResult{
		Function: string(IntentGeneralChat),
		Response: "I'm sorry, I cannot help with that request.",
	})

	resp, err := h.agent.ProcessMessage(context.Background(), ChatRequest{
		UserID: h.userID, Message: "make a sexy dance video of her",
	})
	require.NoError(t, err)

	assert.Nil(t, resp.PendingGeneration)
	assert.NotContains(t, resp.Message, "I'm sorry")
	assert.Contains(t, resp.Message, "select a character")
}

func TestProcessMessage_GeneralChatWithoutRefusal(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	h.reasoner.jsonFn = intentJSON(IntentResult{
		Function: string(IntentGeneralChat),
		Response: "Hi! Tell me what you'd like to create.",
	})

	resp, err := h.agent.ProcessMessage(context.Background(), ChatRequest{
		CharacterID: charID, Message: "hello",
	})
	require.NoError(t, err)

	assert.Nil(t, resp.PendingGeneration)
	assert.Equal(t, "Hi! Tell me what you'd like to create.", resp.Message)
}

func TestProcessMessage_QuickPathSkipsResolver(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)

	resp, err := h.agent.ProcessMessage(context.Background(), ChatRequest{
		CharacterID:        charID,
		UserID:             h.userID,
		Message:            "like this photo",
		ReferenceImagePath: "/uploads/ref-1",
		ReferenceMode:      models.ReferenceModeFaceSwap,
	})
	require.NoError(t, err)

	require.NotNil(t, resp.PendingGeneration)
	assert.Equal(t, models.ReferenceModeFaceSwap, resp.PendingGeneration.Params.ReferenceMode)
	assert.Zero(t, h.reasoner.jsonCalls, "quick path must not call the resolver")
}

func TestProcessMessage_FetchGalleryThenConsumeReference(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	h.agent.gallery = skills.NewGallerySkill(&fakeFetcher{
		images: []string{"https://cdn.example/a.jpg", "https://cdn.example/b.jpg"},
	}, &fakeMedia{}, slog.Default())
	h.reasoner.jsonFn = intentJSON(IntentResult{
		Function:   string(IntentFetchGallery),
		Parameters: IntentParameters{URL: "https://instagram.com/p/ABC123/"},
	})

	resp, err := h.agent.ProcessMessage(context.Background(), ChatRequest{
		CharacterID: charID, UserID: h.userID, Message: "use https://instagram.com/p/ABC123/",
	})
	require.NoError(t, err)
	assert.Equal(t, string(IntentFetchGallery), resp.ActionTaken)

	// The next generation request consumes the first fetched image as
	// a face swap reference without the caller attaching anything.
	resp2 := h.planWithSession(t, resp.SessionID, "a cafe scene")
	assert.Equal(t, "/uploads/blob-1", resp2.PendingGeneration.Params.ReferenceImagePath)
	assert.Equal(t, models.ReferenceModeFaceSwap, resp2.PendingGeneration.Params.ReferenceMode)

	sess, _ := h.agent.sessions.Get(resp.SessionID)
	assert.Empty(t, sess.FetchedReferenceImages, "fetched references are consumed once")
}

func (h *testHarness) planWithSession(t *testing.T, sessionID, message string) *ChatResponse {
	t.Helper()
	h.reasoner.jsonFn = intentJSON(IntentResult{
		Function:   string(IntentGenerateImage),
		Parameters: IntentParameters{ContentType: ContentTypePost, SceneDescription: message},
	})
	resp, err := h.agent.ProcessMessage(context.Background(), ChatRequest{
		SessionID: sessionID, UserID: h.userID, Message: message,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.PendingGeneration)
	return resp
}

func TestConfirm_StartsGenerationAndDeductsOnce(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	resp := h.plan(t, charID, "a photo at the beach")

	confirmed, err := h.agent.Confirm(context.Background(), ConfirmRequest{
		SessionID: resp.SessionID, UserID: h.userID, Confirmed: true,
	})
	require.NoError(t, err)

	require.NotNil(t, confirmed.ActiveTask)
	assert.Equal(t, TaskCompleted, confirmed.ActiveTask.Status)
	assert.Contains(t, confirmed.Message, "Generation started")
	assert.Equal(t, 9, h.balance(t))

	// The pending card is consumed exactly once.
	again, err := h.agent.Confirm(context.Background(), ConfirmRequest{
		SessionID: resp.SessionID, UserID: h.userID, Confirmed: true,
	})
	require.NoError(t, err)
	assert.Nil(t, again.ActiveTask)
	assert.Equal(t, 9, h.balance(t))
}

func TestConfirm_AspectRatioOverride(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	resp := h.plan(t, charID, "a photo at the beach")

	_, err := h.agent.Confirm(context.Background(), ConfirmRequest{
		SessionID: resp.SessionID, UserID: h.userID, Confirmed: true,
		AspectRatio: skills.AspectSquare,
	})
	require.NoError(t, err)

	call := h.imgProv.lastCall(t)
	assert.Equal(t, 1024, call.Width)
	assert.Equal(t, 1024, call.Height)
}

func TestConfirm_Declined(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	resp := h.plan(t, charID, "a photo at the beach")

	declined, err := h.agent.Confirm(context.Background(), ConfirmRequest{
		SessionID: resp.SessionID, UserID: h.userID, Confirmed: false,
	})
	require.NoError(t, err)

	assert.Equal(t, StateIdle, declined.State)
	assert.Equal(t, 10, h.balance(t))
	sess, _ := h.agent.sessions.Get(resp.SessionID)
	assert.Nil(t, sess.Pending)
}

func TestConfirm_ModificationsReplan(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	resp := h.plan(t, charID, "a photo at the beach")

	replanned, err := h.agent.Confirm(context.Background(), ConfirmRequest{
		SessionID: resp.SessionID, UserID: h.userID, Confirmed: true, Modifications: "make it at sunset",
	})
	require.NoError(t, err)

	require.NotNil(t, replanned.PendingGeneration)
	assert.Equal(t, StateAwaitingConfirmation, replanned.State)
	assert.Contains(t, replanned.PendingGeneration.Params.SceneDescription, "make it at sunset")
	assert.Equal(t, 10, h.balance(t), "replanning must not charge tokens")
}

func TestConfirm_EditedPromptWins(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	resp := h.plan(t, charID, "a photo at the beach")

	_, err := h.agent.Confirm(context.Background(), ConfirmRequest{
		SessionID: resp.SessionID, UserID: h.userID, Confirmed: true, EditedPrompt: "my own prompt",
	})
	require.NoError(t, err)

	assert.Equal(t, "my own prompt", h.imgProv.lastCall(t).Prompt)
}

func TestConfirm_InsufficientTokensKeepsPending(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	resp := h.plan(t, charID, "a photo at the beach")

	// Drain the balance.
	_, err := h.ledger.Deduct(context.Background(), h.userID, tokens.TypeVideoGeneration, "t1")
	require.NoError(t, err)
	for h.balance(t) > 0 {
		_, err = h.ledger.Deduct(context.Background(), h.userID, tokens.TypeVideoGeneration, "t2")
		require.NoError(t, err)
	}

	_, err = h.agent.Confirm(context.Background(), ConfirmRequest{
		SessionID: resp.SessionID, UserID: h.userID, Confirmed: true,
	})
	var insufficient *tokens.InsufficientTokensError
	require.ErrorAs(t, err, &insufficient)

	sess, _ := h.agent.sessions.Get(resp.SessionID)
	assert.NotNil(t, sess.Pending, "pending survives a failed deduction")
	assert.Equal(t, StateAwaitingConfirmation, sess.State)
}

func TestConfirm_FailureRefundsExactlyOnce(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	resp := h.plan(t, charID, "a photo at the beach")
	h.imgProv.err = fmt.Errorf("backend down")

	confirmed, err := h.agent.Confirm(context.Background(), ConfirmRequest{
		SessionID: resp.SessionID, UserID: h.userID, Confirmed: true,
	})
	require.NoError(t, err)

	require.NotNil(t, confirmed.ActiveTask)
	task := h.agent.GetTask(resp.SessionID, confirmed.ActiveTask.TaskID)
	assert.Equal(t, TaskFailed, task.Status)
	assert.Contains(t, task.Error, "backend down")
	assert.Equal(t, 10, h.balance(t), "failed task refunds the deduction")

	txs, err := h.store.ListTokenTransactions(context.Background(), h.userID, 0)
	require.NoError(t, err)
	refunds := 0
	for _, tx := range txs {
		if tx.Type == tokens.TypeImageGeneration+"_refund" {
			refunds++
		}
	}
	assert.Equal(t, 1, refunds)
}

func TestConfirm_VideoWithoutIdentityDowngrades(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 0)
	h.reasoner.jsonFn = intentJSON(IntentResult{
		Function:   string(IntentGenerateVideo),
		Parameters: IntentParameters{VideoPrompt: "dancing"},
	})

	resp, err := h.agent.ProcessMessage(context.Background(), ChatRequest{
		CharacterID: charID, UserID: h.userID, Message: "make a dance video",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.PendingGeneration)
	require.Equal(t, SkillVideoGenerator, resp.PendingGeneration.Skill)

	confirmed, err := h.agent.Confirm(context.Background(), ConfirmRequest{
		SessionID: resp.SessionID, UserID: h.userID, Confirmed: true,
	})
	require.NoError(t, err)

	assert.Contains(t, confirmed.Message, "identity portrait first")
	assert.Equal(t, 9, h.balance(t), "downgraded video bills the image rate")
	assert.Equal(t, 0, h.vidProv.calls, "video backend must not be called")
	assert.Equal(t, TaskCompleted, confirmed.ActiveTask.Status)
}

func TestConfirm_VideoWithIdentityBillsVideoRate(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 2)
	h.reasoner.jsonFn = intentJSON(IntentResult{
		Function:   string(IntentGenerateVideo),
		Parameters: IntentParameters{VideoPrompt: "dancing", SceneDescription: "in a studio"},
	})

	resp, err := h.agent.ProcessMessage(context.Background(), ChatRequest{
		CharacterID: charID, UserID: h.userID, Message: "make a dance video",
	})
	require.NoError(t, err)

	confirmed, err := h.agent.Confirm(context.Background(), ConfirmRequest{
		SessionID: resp.SessionID, UserID: h.userID, Confirmed: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 8, h.balance(t))
	assert.Equal(t, 1, h.vidProv.calls)
	assert.Equal(t, TaskCompleted, confirmed.ActiveTask.Status)
	assert.Contains(t, confirmed.ActiveTask.ResultURL, "/uploads/")
}

func TestConfirm_RevivesSessionFromRequest(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	pending := &PendingGeneration{
		Skill:           SkillImageGenerator,
		Params:          GenerationParams{ContentType: ContentTypePost, SceneDescription: "a beach"},
		OptimizedPrompt: "a beach prompt",
	}

	confirmed, err := h.agent.Confirm(context.Background(), ConfirmRequest{
		SessionID:         "lost-session",
		UserID:            h.userID,
		Confirmed:         true,
		CharacterID:       charID,
		PendingGeneration: pending,
	})
	require.NoError(t, err)

	require.NotNil(t, confirmed.ActiveTask)
	assert.Equal(t, TaskCompleted, confirmed.ActiveTask.Status)
	assert.Equal(t, "a beach prompt", h.imgProv.lastCall(t).Prompt)
}

func TestConfirm_UnknownSessionWithoutRevival(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.agent.Confirm(context.Background(), ConfirmRequest{SessionID: "nope", Confirmed: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
}

func TestGetTask_NotFound(t *testing.T) {
	h := newTestHarness(t)
	task := h.agent.GetTask("no-session", "no-task")
	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, "not_found", task.Stage)
}

func TestCancel_ClearsPending(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	resp := h.plan(t, charID, "a photo")

	cancelled, err := h.agent.Cancel(resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, cancelled.State)

	sess, _ := h.agent.sessions.Get(resp.SessionID)
	assert.Nil(t, sess.Pending)
	assert.Nil(t, sess.PendingEdit)
}

func TestClearSession(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	resp := h.plan(t, charID, "a photo")

	h.agent.ClearSession(resp.SessionID)
	_, ok := h.agent.sessions.Get(resp.SessionID)
	assert.False(t, ok)
}

func TestEditFlow_ConfirmAppliesSynchronously(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	h.reasoner.completeFn = func(_, _ string) (string, error) {
		return `{"edit_type": "background", "instruction": "move to a rooftop", "prompt": "same person, rooftop background"}`, nil
	}

	resp, err := h.agent.ProcessEditMessage(context.Background(), EditRequest{
		CharacterID:     charID,
		UserID:          h.userID,
		Message:         "change the background to a rooftop",
		SourceImagePath: "/uploads/source-1",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.PendingEdit)
	assert.Equal(t, EditTypeBackground, resp.PendingEdit.Params.EditType)

	confirmed, err := h.agent.ConfirmEdit(context.Background(), ConfirmEditRequest{
		SessionID: resp.SessionID, UserID: h.userID, Confirmed: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "edit_image", confirmed.ActionTaken)
	assert.Equal(t, StateIdle, confirmed.State)
	assert.Equal(t, 9, h.balance(t))
	call := h.imgProv.lastCall(t)
	assert.Equal(t, "same person, rooftop background", call.Prompt)
	require.NotEmpty(t, call.ReferenceImages)
	assert.Equal(t, "/uploads/source-1", call.ReferenceImages[0])
}

func TestEditFlow_FailureRefunds(t *testing.T) {
	h := newTestHarness(t)
	charID := h.seedCharacter(t, 1)
	h.reasoner.completeFn = func(_, _ string) (string, error) {
		return `{"edit_type": "outfit", "instruction": "red dress", "prompt": "same person, red dress"}`, nil
	}

	resp, err := h.agent.ProcessEditMessage(context.Background(), EditRequest{
		CharacterID:     charID,
		UserID:          h.userID,
		Message:         "change the outfit to a red dress",
		SourceImagePath: "/uploads/source-1",
	})
	require.NoError(t, err)

	h.imgProv.err = fmt.Errorf("backend down")
	confirmed, err := h.agent.ConfirmEdit(context.Background(), ConfirmEditRequest{
		SessionID: resp.SessionID, UserID: h.userID, Confirmed: true,
	})
	require.NoError(t, err)

	assert.Contains(t, confirmed.Message, "edit failed")
	assert.Equal(t, 10, h.balance(t))
}
