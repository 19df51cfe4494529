package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/relaychat/backend/internal/service/relay"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsWriteWait  = 10 * time.Second
)

// WebSocketHandler 通过WebSocket转发生成流
type WebSocketHandler struct {
	stream   *Handler
	upgrader websocket.Upgrader
}

func newWebSocketHandler(stream *Handler) *WebSocketHandler {
	return &WebSocketHandler{
		stream: stream,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 32 * 1024,
		},
	}
}

type inboundMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// outgoingMessage is a control frame. Turn numbers the turns of one
// connection so start and end frames of overlapping turns can be paired.
type outgoingMessage struct {
	Type    string `json:"type"`
	Turn    uint64 `json:"turn,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Message string `json:"message,omitempty"`
}

// wsConn serialises writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

// wsSink sends each upstream chunk as one binary frame.
type wsSink struct {
	conn *wsConn
	turn uint64
}

func (s wsSink) Begin() error {
	return s.conn.writeJSON(outgoingMessage{Type: "start", Turn: s.turn})
}

func (s wsSink) Write(p []byte) error {
	return s.conn.write(websocket.BinaryMessage, p)
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	if _, err := h.stream.chatSvc.GetSession(r.Context(), chatID); err != nil {
		respondTurnError(w, chatID, err)
		return
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}

	log.Printf("[websocket] new connection chat=%s", chatID)

	ctx, cancel := context.WithCancel(r.Context())
	var turns sync.WaitGroup
	defer func() {
		cancel()
		turns.Wait()
	}()

	raw.SetReadDeadline(time.Now().Add(wsPongWait))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go h.pingLoop(ctx, conn)

	h.sendInfo(conn, "connected")

	var turn uint64
	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error chat=%s: %v", chatID, err)
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(conn, "invalid message")
			continue
		}

		switch msg.Type {
		case "message":
			turn++
			h.startTurn(ctx, conn, &turns, chatID, turn, msg.Content)
		case "stop":
			if !h.stream.relay.Stop(chatID) {
				h.sendError(conn, "no active stream")
			}
		default:
			h.sendError(conn, "unsupported message type: "+msg.Type)
		}
	}
}

// startTurn runs a turn in the background so the read loop keeps serving
// stop requests. A second message supersedes the running turn.
func (h *WebSocketHandler) startTurn(ctx context.Context, conn *wsConn, turns *sync.WaitGroup, chatID string, turn uint64, content string) {
	if h.stream.limiter != nil && !h.stream.limiter.Allow(chatID) {
		h.sendError(conn, "too many messages, slow down")
		return
	}

	prompt, err := h.stream.chatSvc.PrepareTurn(ctx, chatID, content)
	if err != nil {
		h.sendError(conn, err.Error())
		return
	}

	turns.Add(1)
	go func() {
		defer turns.Done()

		res, err := h.stream.relay.Run(ctx, wsSink{conn: conn, turn: turn}, chatID, prompt)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[websocket] turn not started chat=%s: %v", chatID, err)
				msg := outgoingMessage{Type: "error", Turn: turn, Message: http.StatusText(turnErrorStatus(err))}
				if err := conn.writeJSON(msg); err != nil {
					log.Printf("[websocket] write error failed: %v", err)
				}
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err := conn.writeJSON(outgoingMessage{Type: "end", Turn: turn, Outcome: string(res.Outcome)}); err != nil {
			log.Printf("[websocket] write end failed chat=%s: %v", chatID, err)
		}
	}()
}

func (h *WebSocketHandler) sendInfo(conn *wsConn, info string) {
	if err := conn.writeJSON(outgoingMessage{Type: info}); err != nil {
		log.Printf("[websocket] write info failed: %v", err)
	}
}

func (h *WebSocketHandler) sendError(conn *wsConn, message string) {
	if err := conn.writeJSON(outgoingMessage{Type: "error", Message: message}); err != nil {
		log.Printf("[websocket] write error failed: %v", err)
	}
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ relay.Sink = wsSink{}
