package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/viper"

	"github.com/musekit/muse/internal/agent"
	"github.com/musekit/muse/internal/llm"
	"github.com/musekit/muse/internal/models"
	"github.com/musekit/muse/internal/providers"
	"github.com/musekit/muse/internal/skills"
	"github.com/musekit/muse/internal/storage"
	"github.com/musekit/muse/internal/store"
	"github.com/musekit/muse/internal/tokens"
)

// app bundles the fully wired service graph shared by serve and mcp.
type app struct {
	store      store.Store
	storage    *storage.Storage
	agent      *agent.Agent
	characters *skills.CharacterSkill
	ledger     *tokens.Ledger
	seedream   *providers.SeedreamClient
	parrot     *providers.ParrotClient
	dispatcher *agent.WaitGroupDispatcher
	userID     string
	logger     *slog.Logger
}

// newLLMClient creates an LLM client from config/env, or returns nil
// if no API key is configured.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}

// buildApp wires the full agent stack from config.
func buildApp(ctx context.Context) (*app, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))

	llmClient := newLLMClient()
	if llmClient == nil {
		return nil, fmt.Errorf("no Anthropic API key configured (set MUSE_ANTHROPIC_API_KEY or ANTHROPIC_API_KEY)")
	}

	baseURL := viper.GetString("base_url")
	media := storage.New(s, baseURL)

	seedream := providers.NewSeedreamClient(providers.SeedreamOptions{
		BaseURL:       viper.GetString("seedream.base_url"),
		APIKey:        viper.GetString("seedream.api_key"),
		AuthHeader:    viper.GetString("seedream.auth_header"),
		AuthScheme:    viper.GetString("seedream.auth_scheme"),
		PublicBaseURL: baseURL,
		Logger:        logger,
	})
	parrot := providers.NewParrotClient(providers.ParrotOptions{
		BaseURL: viper.GetString("parrot.base_url"),
		APIKey:  viper.GetString("parrot.api_key"),
		Logger:  logger,
	})
	galleryClient := providers.NewGalleryClient(
		viper.GetString("gallery.base_url"),
		viper.GetString("gallery.api_key"),
	)

	imageSkill := skills.NewImageGenerationSkill(seedream, s, media, logger)
	videoSkill := skills.NewVideoGenerationSkill(parrot, imageSkill, s, media, logger)
	characters := skills.NewCharacterSkill(s, media)
	gallery := skills.NewGallerySkill(galleryClient, media, logger)
	editSkill := skills.NewImageEditSkill(seedream, s, media)
	ledger := tokens.NewLedger(s)

	userID, err := ensureDefaultUser(ctx, s, ledger)
	if err != nil {
		return nil, err
	}

	refusals := agent.PhraseRefusalClassifier{}
	dispatcher := &agent.WaitGroupDispatcher{}

	ag := agent.New(agent.Options{
		Resolver:      agent.NewIntentResolver(llmClient, refusals, logger),
		Optimizer:     agent.NewPromptOptimizer(llmClient, media, refusals, logger),
		EditOptimizer: agent.NewEditPromptOptimizer(llmClient, media, refusals, logger),
		Supervisor:    agent.NewSupervisor(imageSkill, videoSkill, ledger, dispatcher, logger),
		Characters:    characters,
		Gallery:       gallery,
		EditSkill:     editSkill,
		Ledger:        ledger,
		Refusals:      refusals,
		Logger:        logger,
	})

	return &app{
		store:      s,
		storage:    media,
		agent:      ag,
		characters: characters,
		ledger:     ledger,
		seedream:   seedream,
		parrot:     parrot,
		dispatcher: dispatcher,
		userID:     userID,
		logger:     logger,
	}, nil
}

// ensureDefaultUser creates the configured default user on first run
// and grants it the initial token balance.
func ensureDefaultUser(ctx context.Context, s store.Store, ledger *tokens.Ledger) (string, error) {
	username := viper.GetString("default_user")
	if u, err := s.GetUserByUsername(ctx, username); err == nil {
		return u.ID, nil
	}

	u := &models.User{Username: username}
	if err := s.CreateUser(ctx, u); err != nil {
		return "", fmt.Errorf("create default user: %w", err)
	}
	if grant := viper.GetInt("tokens.initial_grant"); grant > 0 {
		if _, err := ledger.Grant(ctx, u.ID, grant); err != nil {
			return "", fmt.Errorf("grant initial tokens: %w", err)
		}
	}
	return u.ID, nil
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
