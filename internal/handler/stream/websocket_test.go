package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, f *fixture, chatID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/chat/" + chatID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readControl(t *testing.T, conn *websocket.Conn) outgoingMessage {
	t.Helper()
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind, "unexpected frame %q", data)
	var msg outgoingMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocketTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.gen.body = helloStream
	session := f.session(t)
	conn := dial(t, f, session.ID)

	assert.Equal(t, "connected", readControl(t, conn).Type)
	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "message", Content: "Hi"}))
	start := readControl(t, conn)
	assert.Equal(t, "start", start.Type)
	assert.Equal(t, uint64(1), start.Turn)

	var streamed []byte
	for {
		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if kind == websocket.BinaryMessage {
			streamed = append(streamed, data...)
			continue
		}
		var msg outgoingMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "end", msg.Type)
		assert.Equal(t, "completed", msg.Outcome)
		assert.Equal(t, uint64(1), msg.Turn)
		break
	}
	assert.Equal(t, helloStream, string(streamed))
}

func TestWebSocketStop(t *testing.T) {
	f := newFixture(t, nil)
	session := f.session(t)
	conn := dial(t, f, session.ID)
	readControl(t, conn)

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "stop"}))
	msg := readControl(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "no active stream", msg.Message)

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "message", Content: "Hi"}))
	pw := f.nextWriter(t)
	assert.Equal(t, "start", readControl(t, conn).Type)

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "stop"}))
	end := readControl(t, conn)
	assert.Equal(t, "end", end.Type)
	assert.Equal(t, "cancelled", end.Outcome)
	pw.Close()
}

func TestWebSocketUnknownChat(t *testing.T) {
	f := newFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/chat/missing/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketInvalidFrameKeepsConnection(t *testing.T) {
	f := newFixture(t, nil)
	session := f.session(t)
	conn := dial(t, f, session.ID)
	readControl(t, conn)

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "message", Content: "Hi"}))
	pw := f.nextWriter(t)
	assert.Equal(t, "start", readControl(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := readControl(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "invalid message", msg.Message)

	// The turn survives the bad frame and still reaches the end.
	_, err := pw.Write([]byte(`{"response":"Hello"}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, `{"response":"Hello"}`+"\n", string(data))

	end := readControl(t, conn)
	assert.Equal(t, "end", end.Type)
	assert.Equal(t, "completed", end.Outcome)

	messages, err := f.store.ListMessages(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "Hello", messages[1].Content)
}

func TestWebSocketSecondMessageSupersedesTurn(t *testing.T) {
	f := newFixture(t, nil)
	session := f.session(t)
	conn := dial(t, f, session.ID)
	readControl(t, conn)

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "message", Content: "one"}))
	first := f.nextWriter(t)
	start := readControl(t, conn)
	require.Equal(t, "start", start.Type)
	require.Equal(t, uint64(1), start.Turn)

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "message", Content: "two"}))
	second := f.nextWriter(t)

	// The old turn's end and the new turn's start may arrive in either order.
	frames := map[string]outgoingMessage{}
	for i := 0; i < 2; i++ {
		msg := readControl(t, conn)
		frames[msg.Type] = msg
	}
	require.Contains(t, frames, "end")
	require.Contains(t, frames, "start")
	assert.Equal(t, uint64(1), frames["end"].Turn)
	assert.Equal(t, "cancelled", frames["end"].Outcome)
	assert.Equal(t, uint64(2), frames["start"].Turn)

	_, err := first.Write([]byte(`{"response":"late"}` + "\n"))
	assert.Error(t, err)

	_, err = second.Write([]byte(`{"response":"two"}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, second.Close())

	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, `{"response":"two"}`+"\n", string(data))

	end := readControl(t, conn)
	assert.Equal(t, "end", end.Type)
	assert.Equal(t, uint64(2), end.Turn)
	assert.Equal(t, "completed", end.Outcome)
}
