// Package api exposes the agent and its supporting resources over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/musekit/muse/internal/agent"
	"github.com/musekit/muse/internal/models"
	"github.com/musekit/muse/internal/skills"
	"github.com/musekit/muse/internal/storage"
	"github.com/musekit/muse/internal/store"
	"github.com/musekit/muse/internal/tokens"
)

// HealthChecker reports whether a generation backend is reachable.
type HealthChecker interface {
	Health(ctx context.Context) bool
}

// Server wires HTTP routes to the agent and skills.
type Server struct {
	agent         *agent.Agent
	characters    *skills.CharacterSkill
	ledger        *tokens.Ledger
	storage       *storage.Storage
	store         store.Store
	imageBackend  HealthChecker
	videoBackend  HealthChecker
	defaultUserID string
	logger        *slog.Logger
}

// Options bundle the server's collaborators.
type Options struct {
	Agent         *agent.Agent
	Characters    *skills.CharacterSkill
	Ledger        *tokens.Ledger
	Storage       *storage.Storage
	Store         store.Store
	ImageBackend  HealthChecker
	VideoBackend  HealthChecker
	DefaultUserID string
	Logger        *slog.Logger
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		agent:         opts.Agent,
		characters:    opts.Characters,
		ledger:        opts.Ledger,
		storage:       opts.Storage,
		store:         opts.Store,
		imageBackend:  opts.ImageBackend,
		videoBackend:  opts.VideoBackend,
		defaultUserID: opts.DefaultUserID,
		logger:        opts.Logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/agent/chat", s.handleChat)
	mux.HandleFunc("POST /api/v1/agent/confirm", s.handleConfirm)
	mux.HandleFunc("POST /api/v1/agent/edit", s.handleEdit)
	mux.HandleFunc("POST /api/v1/agent/edit/confirm", s.handleConfirmEdit)
	mux.HandleFunc("POST /api/v1/agent/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/v1/agent/clear", s.handleClearSession)
	mux.HandleFunc("GET /api/v1/agent/tasks/{id}", s.handleGetTask)

	mux.HandleFunc("GET /api/v1/characters", s.handleListCharacters)
	mux.HandleFunc("POST /api/v1/characters", s.handleCreateCharacter)
	mux.HandleFunc("GET /api/v1/characters/{id}", s.handleGetCharacter)
	mux.HandleFunc("PUT /api/v1/characters/{id}", s.handleUpdateCharacter)
	mux.HandleFunc("DELETE /api/v1/characters/{id}", s.handleDeleteCharacter)
	mux.HandleFunc("GET /api/v1/characters/{id}/images", s.handleListCharacterImages)
	mux.HandleFunc("POST /api/v1/characters/{id}/images", s.handleAddIdentityImage)
	mux.HandleFunc("POST /api/v1/images/{id}/approve", s.handleApproveImage)
	mux.HandleFunc("DELETE /api/v1/images/{id}", s.handleRemoveIdentityImage)

	mux.HandleFunc("GET /api/v1/tokens/balance", s.handleTokenBalance)
	mux.HandleFunc("GET /api/v1/tokens/history", s.handleTokenTransactions)
	mux.HandleFunc("POST /api/v1/tokens/grant", s.handleTokenGrant)

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /uploads/{id}", s.handleUpload)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req agent.ChatRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = s.defaultUserID
	}
	resp, err := s.agent.ProcessMessage(r.Context(), req)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req agent.ConfirmRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = s.defaultUserID
	}
	resp, err := s.agent.Confirm(r.Context(), req)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req agent.EditRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = s.defaultUserID
	}
	resp, err := s.agent.ProcessEditMessage(r.Context(), req)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfirmEdit(w http.ResponseWriter, r *http.Request) {
	var req agent.ConfirmEditRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = s.defaultUserID
	}
	resp, err := s.agent.ConfirmEdit(r.Context(), req)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.agent.Cancel(req.SessionID)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.agent.ClearSession(req.SessionID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	sessionID := r.URL.Query().Get("session_id")
	task := s.agent.GetTask(sessionID, taskID)
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	chars, err := s.characters.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, chars)
}

func (s *Server) handleCreateCharacter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Gender      string `json:"gender"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	char, err := s.characters.Create(r.Context(), req.Name, req.Description, req.Gender)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, char)
}

func (s *Server) handleGetCharacter(w http.ResponseWriter, r *http.Request) {
	detail, err := s.characters.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"character":       detail.Character,
		"identity_images": detail.IdentityImages,
	})
}

func (s *Server) handleUpdateCharacter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Status      string `json:"status"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	char, err := s.characters.Update(r.Context(), r.PathValue("id"), req.Name, req.Description, models.CharacterStatus(req.Status))
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, char)
}

func (s *Server) handleDeleteCharacter(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCharacter(r.Context(), r.PathValue("id")); err != nil {
		s.writeAgentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCharacterImages(w http.ResponseWriter, r *http.Request) {
	filter := store.ImageListFilter{CharacterID: r.PathValue("id")}
	if t := r.URL.Query().Get("type"); t != "" {
		filter.Type = models.ImageType(t)
	}
	images, err := s.store.ListImages(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, images)
}

func (s *Server) handleAddIdentityImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImageURL string `json:"image_url"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	img, err := s.characters.AddIdentityImage(r.Context(), r.PathValue("id"), req.ImageURL)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, img)
}

func (s *Server) handleApproveImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.characters.ApproveImage(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, img)
}

func (s *Server) handleRemoveIdentityImage(w http.ResponseWriter, r *http.Request) {
	if err := s.characters.RemoveIdentityImage(r.Context(), r.PathValue("id")); err != nil {
		s.writeAgentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	balance, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

func (s *Server) handleTokenTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	txs, err := s.store.ListTokenTransactions(r.Context(), s.userID(r), limit)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleTokenGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Amount int    `json:"amount"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = s.defaultUserID
	}
	tx, err := s.ledger.Grant(r.Context(), req.UserID, req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.imageBackend != nil {
		resp["image_backend"] = s.imageBackend.Health(r.Context())
	}
	if s.videoBackend != nil {
		resp["video_backend"] = s.videoBackend.Health(r.Context())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	blob, err := s.storage.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(blob.Size, 10))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Write(blob.Data)
}

func (s *Server) userID(r *http.Request) string {
	if id := r.URL.Query().Get("user_id"); id != "" {
		return id
	}
	return s.defaultUserID
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// writeAgentError maps domain errors onto HTTP status codes.
func (s *Server) writeAgentError(w http.ResponseWriter, err error) {
	var insufficient *tokens.InsufficientTokensError
	switch {
	case errors.As(err, &insufficient):
		s.writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     err.Error(),
			"required":  insufficient.Required,
			"available": insufficient.Available,
		})
	case strings.Contains(err.Error(), "not found"):
		s.writeError(w, http.StatusNotFound, err.Error())
	case strings.Contains(err.Error(), "is required") || strings.Contains(err.Error(), "limit reached"):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
