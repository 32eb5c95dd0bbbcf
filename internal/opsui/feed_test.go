package opsui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv/internal/common"
	"github.com/lsst/qserv/internal/dispatch"
)

func dialFeed(t *testing.T, f *Feed) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(f.handleClient))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return f.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestQueryProgressBroadcast(t *testing.T) {
	f := NewFeed(&common.WebSocketConfig{Port: 0}, common.GetLogger())
	conn := dialFeed(t, f)

	f.QueryObserver()(dispatch.QueryID(314), 2, dispatch.StateFinished)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string        `json:"type"`
		Payload QueryProgress `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "query_progress", msg.Type)
	assert.Equal(t, int64(314), msg.Payload.QueryID)
	assert.Equal(t, 2, msg.Payload.JobID)
	assert.Equal(t, "FINISHED", msg.Payload.State)
}

func TestJobProgressBroadcast(t *testing.T) {
	f := NewFeed(&common.WebSocketConfig{Port: 0}, common.GetLogger())
	conn := dialFeed(t, f)

	f.NotifyJob("job_abc", "VERIFY", "FINISHED", "SUCCESS")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string      `json:"type"`
		Payload JobProgress `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "job_progress", msg.Type)
	assert.Equal(t, "VERIFY", msg.Payload.Kind)
	assert.Equal(t, "SUCCESS", msg.Payload.ExtendedState)
}

func TestBroadcastWithNoClients(t *testing.T) {
	f := NewFeed(&common.WebSocketConfig{Port: 0}, common.GetLogger())
	// Must not panic or block.
	f.NotifyJob("job_abc", "VERIFY", "IN_PROGRESS", "")
	assert.Equal(t, 0, f.ClientCount())
}
