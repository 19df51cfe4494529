// Package stream serves generation turns: the streaming message post, the
// stop request and the websocket variant of both.
package stream

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/relaychat/backend/internal/middleware"
	chatService "github.com/zhouzirui/relaychat/backend/internal/service/chat"
	"github.com/zhouzirui/relaychat/backend/internal/service/relay"
	"github.com/zhouzirui/relaychat/backend/pkg/utils"
)

const maxMessageBytes = 256 << 10

// TurnRunner runs and stops relay turns. *relay.Relay implements it.
type TurnRunner interface {
	Run(ctx context.Context, sink relay.Sink, sessionID, prompt string) (relay.Result, error)
	Stop(sessionID string) bool
}

// Handler 负责流式回复、停止请求与WebSocket连接
type Handler struct {
	chatSvc *chatService.Service
	relay   TurnRunner
	limiter *middleware.RateLimiter
	ws      *WebSocketHandler
}

// New creates a stream handler. limiter may be nil.
func New(chatSvc *chatService.Service, runner TurnRunner, limiter *middleware.RateLimiter) *Handler {
	h := &Handler{
		chatSvc: chatSvc,
		relay:   runner,
		limiter: limiter,
	}
	h.ws = newWebSocketHandler(h)
	return h
}

// RegisterRoutes 注册流式相关路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	post := r
	if h.limiter != nil {
		post = r.With(h.limiter.Limit(chatIDKey))
	}
	post.Post("/chat/{chatID}/message", h.handleMessage)
	r.Post("/chat/{chatID}/stop", h.handleStop)
	r.Get("/chat/{chatID}/ws", h.ws.handleWebSocket)
}

func chatIDKey(r *http.Request) string {
	return chi.URLParam(r, "chatID")
}

// handleMessage relays one turn. The body is the upstream byte stream,
// forwarded verbatim as application/octet-stream.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var payload struct {
		Content string `json:"content"`
	}
	if err := utils.DecodeJSON(w, r, maxMessageBytes, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	prompt, err := h.chatSvc.PrepareTurn(r.Context(), chatID, payload.Content)
	if err != nil {
		respondTurnError(w, chatID, err)
		return
	}

	sink, err := utils.NewByteStream(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if _, err := h.relay.Run(r.Context(), sink, chatID, prompt); err != nil {
		if r.Context().Err() != nil {
			return
		}
		respondTurnError(w, chatID, err)
	}
}

// handleStop 停止会话正在进行的生成
func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if !h.relay.Stop(chatID) {
		utils.RespondError(w, http.StatusNotFound, "no active stream")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

func turnErrorStatus(err error) int {
	switch {
	case errors.Is(err, chatService.ErrContentRequired):
		return http.StatusBadRequest
	case errors.Is(err, chatService.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondTurnError(w http.ResponseWriter, chatID string, err error) {
	status := turnErrorStatus(err)
	switch status {
	case http.StatusBadRequest:
		utils.RespondError(w, status, err.Error())
	case http.StatusNotFound:
		utils.RespondError(w, status, "chat not found")
	case http.StatusBadGateway:
		// A failed turn ends the response without a body.
		log.Printf("[stream] upstream unavailable chat=%s: %v", chatID, err)
		w.WriteHeader(status)
	default:
		log.Printf("[stream] turn failed chat=%s: %v", chatID, err)
		utils.RespondError(w, status, "internal error")
	}
}
