package chat

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	chatService "github.com/zhouzirui/relaychat/backend/internal/service/chat"
	"github.com/zhouzirui/relaychat/backend/pkg/utils"
)

const maxBodyBytes = 64 << 10

// Handler 聊天会话的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats", h.handleListSessions)
	r.Post("/chat", h.handleCreateSession)
	r.Get("/chat/{chatID}", h.handleListMessages)
	r.Patch("/chat/{chatID}/title", h.handleRenameSession)
	r.Delete("/chat/{chatID}", h.handleDeleteSession)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.chatSvc.ListSessions(r.Context())
	if err != nil {
		respondServiceError(w, "list sessions", err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sessions)
}

// handleCreateSession 创建会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.CreateSession(r.Context())
	if err != nil {
		respondServiceError(w, "create session", err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleListMessages 返回会话的消息，按时间先后排列
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.chatSvc.ListMessages(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		respondServiceError(w, "list messages", err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

func (h *Handler) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title string `json:"title"`
	}
	if err := utils.DecodeJSON(w, r, maxBodyBytes, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.chatSvc.RenameSession(r.Context(), chi.URLParam(r, "chatID"), payload.Title)
	if err != nil {
		respondServiceError(w, "rename session", err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleDeleteSession 删除会话及其全部消息
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if err := h.chatSvc.DeleteSession(r.Context(), chatID); err != nil {
		respondServiceError(w, "delete session", err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Chat deleted successfully."})
}

func respondServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, chatService.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, "chat not found")
	case errors.Is(err, chatService.ErrTitleRequired):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("[chat] %s failed: %v", op, err)
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
