package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/handstand-coach/posture-service/detections"
	"github.com/handstand-coach/posture-service/tracker"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	modelWait      = 2 * time.Minute
	maxMessageSize = 8 << 20
	frameMaxAge    = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow connections from any origin
	},
}

// clientMessage is what the browser sends: start, frame, camera_error,
// manual, stop, retry_save.
type clientMessage struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Active  bool   `json:"active,omitempty"`
}

type serverMessage struct {
	Type        string         `json:"type"`
	SessionID   string         `json:"session_id,omitempty"`
	Phase       string         `json:"phase,omitempty"`
	Elapsed     int            `json:"elapsed"`
	Duration    float64        `json:"duration,omitempty"`
	IsHandstand *bool          `json:"is_handstand,omitempty"`
	Probability *float64       `json:"probability,omitempty"`
	Code        string         `json:"code,omitempty"`
	Message     string         `json:"message,omitempty"`
	Stats       *tracker.Stats `json:"stats,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// wsWriter serializes writes; session events and replies come from
// different goroutines.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(msg serverMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(msg)
}

// liveConn is one WebSocket connection. It runs at most one session at a
// time; the last session stays around so retry_save can reach it.
type liveConn struct {
	app    *AppState
	out    *wsWriter
	userID string
	logger *zap.Logger

	frames  *tracker.LatestFrame
	session *tracker.Session
}

func (s *AppState) handleLiveSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Error("Failed to upgrade to websocket", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	s.sessions.Add(1)
	s.active.Add(1)
	defer func() {
		s.active.Add(-1)
		s.sessions.Done()
	}()

	lc := &liveConn{
		app:    s,
		out:    &wsWriter{conn: conn},
		userID: userID,
		logger: s.Logger.With(zap.String("user_id", userID)),
	}
	lc.logger.Info("live connection opened")

	// Shutdown closes the socket so the read loop below returns.
	stopWatch := context.AfterFunc(s.baseCtx, func() { conn.Close() })
	defer stopWatch()

	lc.listen(conn)
	lc.stopSession()
	if lc.session != nil {
		if rec, ok := lc.session.Pending(); ok {
			lc.logger.Warn("live connection closed with unsaved session",
				zap.String("session_id", lc.session.ID()),
				zap.Duration("duration", rec.Duration))
		}
	}
	lc.logger.Info("live connection closed")
}

func (lc *liveConn) listen(conn *websocket.Conn) {
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				lc.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "start":
			lc.start()
		case "frame":
			lc.frame(msg.Data)
		case "camera_error":
			if lc.running() {
				lc.frames.Fail(errors.New(msg.Message))
			}
		case "manual":
			lc.manual(msg.Active)
		case "stop":
			lc.stopSession()
		case "retry_save":
			lc.retrySave()
		default:
			lc.sendError("unknown_message", "unknown message type "+msg.Type)
		}
	}
}

func (lc *liveConn) running() bool {
	if lc.session == nil {
		return false
	}
	select {
	case <-lc.session.Done():
		return false
	default:
		return true
	}
}

func (lc *liveConn) start() {
	if lc.running() {
		lc.sendError("session_running", "a session is already running")
		return
	}
	// A failed save stays on the previous session until retry_save lands it.
	if lc.hasPending() {
		lc.sendError("unsaved_session", MsgUnsavedSession)
		return
	}

	// Make sure the model is usable before the timer starts; a failed load
	// leaves the connection idle so the client can send start again.
	ctx, cancel := context.WithTimeout(lc.app.baseCtx, modelWait)
	_, err := lc.app.Models.Get(ctx)
	cancel()
	if err != nil {
		lc.logger.Error("model load failed", zap.Error(err))
		lc.sendError("model_load_error", MsgModelUnavailable)
		return
	}

	cfg := lc.app.Config
	lc.frames = tracker.NewLatestFrame(lc.app.Clock, frameMaxAge)
	lc.session = tracker.NewSession(lc.frames, lc.app.Detector, lc.persister(), tracker.Config{
		SampleInterval: cfg.SampleInterval,
		Cooldown:       cfg.Cooldown,
		Clock:          lc.app.Clock,
		Logger:         lc.logger,
		OnEvent:        lc.forward,
	})

	session, logger := lc.session, lc.logger.With(zap.String("session_id", lc.session.ID()))
	go func() {
		if err := session.Run(lc.app.baseCtx); err != nil {
			logger.Warn("session ended with unsaved time", zap.Error(err))
		}
	}()
}

func (lc *liveConn) hasPending() bool {
	if lc.session == nil {
		return false
	}
	_, ok := lc.session.Pending()
	return ok
}

func (lc *liveConn) persister() tracker.Persister {
	store, userID := lc.app.History, lc.userID
	return tracker.PersisterFunc(func(ctx context.Context, rec tracker.Record) error {
		_, err := store.SaveSession(ctx, userID, rec.Duration, rec.At)
		return err
	})
}

func (lc *liveConn) frame(data string) {
	if !lc.running() {
		return
	}
	raw, err := decodeDataURL(data)
	if err != nil {
		lc.sendError("invalid_frame", err.Error())
		return
	}
	img, err := decodeImage(raw)
	if err != nil {
		lc.sendError("invalid_frame", "failed to decode frame")
		return
	}
	lc.frames.Put(detections.FrameFromImage(img))
}

func (lc *liveConn) manual(active bool) {
	if !lc.running() {
		lc.sendError("no_session", "no session is running")
		return
	}
	if err := lc.session.SetManual(active); err != nil {
		lc.sendError("no_session", err.Error())
	}
}

// stopSession ends the running session and waits for its final save.
func (lc *liveConn) stopSession() {
	if !lc.running() {
		return
	}
	lc.session.Stop()
	<-lc.session.Done()
}

func (lc *liveConn) retrySave() {
	if lc.session == nil {
		lc.sendError("nothing_pending", tracker.ErrNothingPending.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), tracker.DefaultSaveTimeout)
	defer cancel()

	// Success and failure are both reported through session events.
	err := lc.session.RetrySave(ctx)
	switch {
	case errors.Is(err, tracker.ErrNothingPending):
		lc.sendError("nothing_pending", err.Error())
	case errors.Is(err, tracker.ErrSessionRunning):
		lc.sendError("session_running", err.Error())
	}
}

func (lc *liveConn) sendError(code, message string) {
	lc.write(serverMessage{Type: "error", Code: code, Message: message})
}

func (lc *liveConn) write(msg serverMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = lc.app.Clock.Now()
	}
	if err := lc.out.send(msg); err != nil {
		lc.logger.Debug("websocket write failed", zap.String("type", msg.Type), zap.Error(err))
	}
}

// forward turns a session event into a client message.
func (lc *liveConn) forward(ev tracker.Event) {
	msg := serverMessage{
		Type:      string(ev.Type),
		SessionID: ev.SessionID,
		Phase:     ev.Phase.String(),
		Elapsed:   ev.Elapsed,
		Duration:  ev.Duration.Seconds(),
		Timestamp: ev.At,
	}

	switch ev.Type {
	case tracker.EventDetection:
		if ev.Result == nil {
			return
		}
		msg.IsHandstand = &ev.Result.IsHandstand
		msg.Probability = &ev.Result.Probability
	case tracker.EventError:
		msg.Code = ev.Code
		switch ev.Code {
		case tracker.CodeCameraUnavailable:
			msg.Message = MsgCameraUnavailable
		case tracker.CodePersistence:
			msg.Message = MsgSaveFailed
		default:
			if ev.Err != nil {
				msg.Message = ev.Err.Error()
			}
		}
	case tracker.EventStats:
		msg.Stats = ev.Stats
	}
	lc.write(msg)
}
