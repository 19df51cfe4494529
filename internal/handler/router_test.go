package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/relaychat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/relaychat/backend/internal/service/chat"
	"github.com/zhouzirui/relaychat/backend/internal/service/relay"
)

type staticGenerator string

func (g staticGenerator) Generate(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(g))), nil
}

func TestRouterServesAPI(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := model.NewMemoryStore()
	rl := relay.New(store, staticGenerator("{\"response\":\"ok\"}\n"), relay.NewRegistry(),
		relay.Options{Metrics: relay.NewMetrics(reg)})
	router := NewRouter(chatService.NewService(store), rl, Options{AllowedOrigin: "*", Gatherer: reg})

	server := httptest.NewServer(router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(server.URL+"/api/chat", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	sessions, err := store.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	resp, err = http.Post(server.URL+"/api/chat/"+sessions[0].ID+"/message", "application/json",
		strings.NewReader(`{"content":"ping"}`))
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `relaychat_relay_turns_total{outcome="completed"} 1`)
}
