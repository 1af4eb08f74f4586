package main

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/handstand-coach/posture-service/modelcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialSession(t *testing.T, app *AppState, user string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(app.routes())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session?user_id=" + user
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads server messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) serverMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg serverMessage
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", typ)
		if msg.Type == typ {
			return msg
		}
	}
}

func TestLiveSession_DetectsAndSaves(t *testing.T) {
	app := newTestApp(t, positiveModels())
	conn := dialSession(t, app, "u1")

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "start"}))
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "frame", Data: dataURL(pngBytes(t, 64, 48))}))

	first := readUntil(t, conn, "detection")
	require.NotNil(t, first.IsHandstand)
	assert.True(t, *first.IsHandstand)
	assert.NotEmpty(t, first.SessionID)
	readUntil(t, conn, "detection")

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "stop"}))
	stats := readUntil(t, conn, "stats")
	require.NotNil(t, stats.Stats)
	assert.GreaterOrEqual(t, stats.Stats.Positive, 2)

	saved := readUntil(t, conn, "saved")
	assert.Greater(t, saved.Duration, 0.0)

	page, err := app.History.List(context.Background(), "u1", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.InDelta(t, saved.Duration, page.Records[0].Duration, 1e-6)
}

func TestLiveSession_ManualMode(t *testing.T) {
	app := newTestApp(t, positiveModels())
	conn := dialSession(t, app, "u1")

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "start"}))
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "camera_error", Message: "NotAllowedError"}))

	errMsg := readUntil(t, conn, "error")
	assert.Equal(t, "camera_unavailable", errMsg.Code)
	assert.Equal(t, MsgCameraUnavailable, errMsg.Message)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "manual", Active: true}))
	state := readUntil(t, conn, "state")
	assert.Equal(t, "active", state.Phase)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "manual", Active: false}))
	state = readUntil(t, conn, "state")
	assert.Equal(t, "idle", state.Phase)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "stop"}))
	saved := readUntil(t, conn, "saved")
	assert.GreaterOrEqual(t, saved.Duration, 0.05)
}

func TestLiveSession_ModelLoadErrorLeavesConnectionUsable(t *testing.T) {
	models := &stubModels{err: &modelcache.ModelLoadError{Op: "fetch", Source: "test", Cause: errors.New("offline")}}
	app := newTestApp(t, models)
	conn := dialSession(t, app, "u1")

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "start"}))
	msg := readUntil(t, conn, "error")
	assert.Equal(t, "model_load_error", msg.Code)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "retry_save"}))
	msg = readUntil(t, conn, "error")
	assert.Equal(t, "nothing_pending", msg.Code)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "bogus"}))
	msg = readUntil(t, conn, "error")
	assert.Equal(t, "unknown_message", msg.Code)
}

func TestLiveSession_RejectsSecondStart(t *testing.T) {
	app := newTestApp(t, positiveModels())
	conn := dialSession(t, app, "u1")

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "start"}))
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "start"}))
	msg := readUntil(t, conn, "error")
	assert.Equal(t, "session_running", msg.Code)
}

func TestLiveSession_UnsavedSessionBlocksStartUntilRetrySaves(t *testing.T) {
	app := newTestApp(t, positiveModels())
	conn := dialSession(t, app, "u1")

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "start"}))
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "frame", Data: dataURL(pngBytes(t, 64, 48))}))
	readUntil(t, conn, "detection")
	readUntil(t, conn, "detection")

	// Without its table the store rejects every insert.
	require.NoError(t, app.History.MigrateDown())
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "stop"}))

	failed := readUntil(t, conn, "error")
	assert.Equal(t, "persistence_error", failed.Code)
	assert.Equal(t, MsgSaveFailed, failed.Message)
	assert.Greater(t, failed.Duration, 0.0)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "start"}))
	blocked := readUntil(t, conn, "error")
	assert.Equal(t, "unsaved_session", blocked.Code)
	assert.Equal(t, MsgUnsavedSession, blocked.Message)

	require.NoError(t, app.History.MigrateUp())
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "retry_save"}))
	saved := readUntil(t, conn, "saved")
	assert.InDelta(t, failed.Duration, saved.Duration, 1e-6)

	page, err := app.History.List(context.Background(), "u1", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.InDelta(t, saved.Duration, page.Records[0].Duration, 1e-6)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "retry_save"}))
	msg := readUntil(t, conn, "error")
	assert.Equal(t, "nothing_pending", msg.Code)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "start"}))
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "frame", Data: dataURL(pngBytes(t, 64, 48))}))
	next := readUntil(t, conn, "detection")
	assert.NotEqual(t, saved.SessionID, next.SessionID)
}
