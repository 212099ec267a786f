package server

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adriannoes/asap-protocol/internal/config"
	"github.com/adriannoes/asap-protocol/internal/envelope"
	"github.com/adriannoes/asap-protocol/internal/task"
)

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + WebSocketPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsRoundTrip(t *testing.T, conn *websocket.Conn, env *envelope.Envelope) []byte {
	t.Helper()
	body, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, body))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func TestWebSocketEchoTask(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialWS(t, f)

	env := newRequestEnvelope(t, envelope.TaskRequest{
		TaskID:  "ws-task-1",
		SkillID: "echo",
		Input:   json.RawMessage(`{"message":"hi"}`),
	})
	data := wsRoundTrip(t, conn, env)

	out, err := envelope.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, out.CorrelationID)

	p, err := out.DecodePayload()
	require.NoError(t, err)
	tr := p.(*envelope.TaskResponse)
	assert.Equal(t, string(task.StatusCompleted), tr.Status)
	assert.JSONEq(t, `{"message":"hi"}`, string(tr.Output))
}

func TestWebSocketMultipleFramesOneConnection(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialWS(t, f)

	for i := 0; i < 3; i++ {
		env := newRequestEnvelope(t, envelope.Ping{Echo: "hello"})
		data := wsRoundTrip(t, conn, env)
		out, err := envelope.Decode(data)
		require.NoError(t, err)
		p, err := out.DecodePayload()
		require.NoError(t, err)
		assert.Equal(t, "hello", p.(*envelope.Ping).Echo)
	}
}

func TestWebSocketReplayRejected(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialWS(t, f)

	env := newRequestEnvelope(t, envelope.Ping{})
	first := wsRoundTrip(t, conn, env)
	_, err := envelope.Decode(first)
	require.NoError(t, err)

	second := wsRoundTrip(t, conn, env)
	var ep envelope.ErrorPayload
	require.NoError(t, json.Unmarshal(second, &ep))
	assert.Equal(t, "replay_rejected", ep.Code)
}

func TestWebSocketRequiresAuthAtUpgrade(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Auth = config.AuthConfig{
			Schemes: []string{"api-key"},
			APIKeys: map[string]string{"client": "sekret"},
		}
	})

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + WebSocketPath
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, map[string][]string{"X-API-Key": {"sekret"}})
	require.NoError(t, err)
	defer conn.Close()

	env := newRequestEnvelope(t, envelope.Ping{})
	data := wsRoundTrip(t, conn, env)
	_, err = envelope.Decode(data)
	assert.NoError(t, err)
}
