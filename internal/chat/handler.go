package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	myMiddleware "go-chat-sync/internal/middleware"
	"go-chat-sync/internal/protocol"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Handler struct {
	hub     *Hub
	service *Service
	log     *zap.Logger
}

func NewHandler(hub *Hub, service *Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{hub: hub, service: service, log: log}
}

// Routes mounts the protected chat endpoints. Authentication middleware must
// already be applied to r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.ServeWs)

	r.Route("/api/messages", func(r chi.Router) {
		r.Post("/send", h.SendMessage)
		r.Get("/", h.GetChatHistory)
		r.Put("/read/{id}", h.MarkRead)
		r.Get("/unread/count", h.UnreadCount)
		r.Delete("/conversation/{key}", h.DeleteConversation)
		r.Delete("/{id}", h.DeleteMessage)
	})

	r.Route("/api/groups", func(r chi.Router) {
		r.Post("/", h.CreateGroup)
		r.Get("/", h.ListGroups)
		r.Get("/{id}", h.GetGroup)
	})
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.hub.Upgrade(w, r, userID, username); err != nil {
		h.log.Debug("websocket upgrade failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// POST /api/messages/send
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid body", http.StatusBadRequest)
		return
	}
	msg, err := h.service.Send(r.Context(), userID, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// GET /api/messages?conversation=direct:1:2&limit=50
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	key, err := protocol.ParseConversationKey(r.URL.Query().Get("conversation"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
	}
	msgs, err := h.service.Fetch(r.Context(), userID, key, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// PUT /api/messages/read/{id}
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.MarkRead(r.Context(), id, userID); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Message marked as read"})
}

// GET /api/messages/unread/count
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	n, err := h.service.UnreadCount(r.Context(), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UnreadCount{UnreadCount: n})
}

// DELETE /api/messages/{id}?scope=everyone|me
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	scope, err := ParseDeleteScope(r.URL.Query().Get("scope"))
	if err != nil {
		http.Error(w, "Invalid scope", http.StatusBadRequest)
		return
	}
	if err := h.service.DeleteMessage(r.Context(), id, userID, scope); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": id, "scope": scope})
}

// DELETE /api/messages/conversation/{key}?scope=everyone|me
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	key, err := protocol.ParseConversationKey(chi.URLParam(r, "key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	scope, err := ParseDeleteScope(r.URL.Query().Get("scope"))
	if err != nil {
		http.Error(w, "Invalid scope", http.StatusBadRequest)
		return
	}
	ids, err := h.service.DeleteConversation(r.Context(), key, userID, scope)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ConversationDeleted{
		Conversation: key,
		MessageIDs:   ids,
		DeletedBy:    userID,
	})
}

// POST /api/groups
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid body", http.StatusBadRequest)
		return
	}
	g, err := h.service.CreateGroup(r.Context(), userID, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// GET /api/groups
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	groups, err := h.service.ListGroups(r.Context(), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

// GET /api/groups/{id}
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	g, err := h.service.GetGroup(r.Context(), id, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, _, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return userID, ok
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.log.Error("request failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
