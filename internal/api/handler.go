package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dealsense/dealsense/internal/db"
	"github.com/dealsense/dealsense/internal/models"
	"github.com/dealsense/dealsense/internal/session"
	"go.uber.org/zap"
)

type Handler struct {
	db      *db.Database
	service *session.Service
	logger  *zap.Logger
}

func NewHandler(database *db.Database, svc *session.Service, logger *zap.Logger) *Handler {
	return &Handler{
		db:      database,
		service: svc,
		logger:  logger,
	}
}

type MessageRequest struct {
	AgentID string `json:"agent_id"`
	Content string `json:"content"`
}

type MessageResponse struct {
	Message   models.Message          `json:"message"`
	Documents []models.DocumentRecord `json:"documents,omitempty"`
	Synced    bool                    `json:"synced"`
}

type ContextRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || req.Content == "" {
		http.Error(w, "agent_id and content are required", http.StatusBadRequest)
		return
	}

	result, err := h.service.Send(r.Context(), req.AgentID, req.Content, nil)
	if err != nil {
		h.logger.Error("Failed to process message", zap.Error(err))
		http.Error(w, fmt.Sprintf("Failed to process message: %v", err), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(MessageResponse{
		Message:   result.Message,
		Documents: result.Documents,
		Synced:    h.service.Synced(),
	}); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) GetStore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.service.Store()); err != nil {
		h.logger.Error("Failed to encode store", zap.Error(err))
	}
}

func (h *Handler) ExportTranscript(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	transcript, err := h.service.ExportTranscript(agentID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to export transcript: %v", err), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, transcript)
}

func (h *Handler) ExportDump(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	dump, err := h.service.ExportDump(agentID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to export session: %v", err), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(dump); err != nil {
		h.logger.Error("Failed to encode session dump", zap.Error(err))
	}
}

func (h *Handler) UpdateContext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.service.UpdateSharedContext(req.Field, req.Value)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AddInsight(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var insight models.Insight
	if err := json.NewDecoder(r.Body).Decode(&insight); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.service.AddInsight(insight)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ClearSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		h.service.ClearAll()
	} else {
		h.service.ClearSession(agentID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := h.service.FullSync(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if encErr := json.NewEncoder(w).Encode(map[string]bool{
		"synced": err == nil,
	}); encErr != nil {
		h.logger.Error("Failed to encode sync status", zap.Error(encErr))
	}
}

func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := h.db.ListDocuments(userID, limit)
	if err != nil {
		h.logger.Error("Failed to list documents", zap.Error(err))
		http.Error(w, fmt.Sprintf("Failed to list documents: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		h.logger.Error("Failed to encode documents", zap.Error(err))
	}
}
