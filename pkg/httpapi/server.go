// Package httpapi is the orchestrator-facing HTTP surface of voice-orderd:
// device session control, the UI event stream and the device audio link.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/lifecycle"
	"github.com/vango-go/vai-order/pkg/orchestrator"
	"github.com/vango-go/vai-order/pkg/uistream"
)

const (
	maxBodyBytes       = 64 << 10
	maxAudioFrameBytes = 64 << 10
)

type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Hub          *uistream.Hub
	Lifecycle    *lifecycle.Lifecycle
	// Metrics serves /metrics when set.
	Metrics http.Handler

	CORSAllowedOrigins []string
	// EndTimeout bounds how long DELETE waits for the session to close.
	EndTimeout   time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration

	Logger *slog.Logger
}

type Server struct {
	deps     Deps
	logger   *slog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.EndTimeout <= 0 {
		deps.EndTimeout = 6 * time.Second
	}
	if deps.WriteTimeout <= 0 {
		deps.WriteTimeout = 5 * time.Second
	}
	if deps.PingInterval <= 0 {
		deps.PingInterval = 20 * time.Second
	}
	s := &Server{
		deps:     deps,
		logger:   deps.Logger,
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.readyz).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/devices", s.listDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{device}/session", s.startSession).Methods(http.MethodPost)
	api.HandleFunc("/devices/{device}/session", s.getSession).Methods(http.MethodGet)
	api.HandleFunc("/devices/{device}/session", s.endSession).Methods(http.MethodDelete)
	api.HandleFunc("/devices/{device}/talk/start", s.talk(true)).Methods(http.MethodPost)
	api.HandleFunc("/devices/{device}/talk/stop", s.talk(false)).Methods(http.MethodPost)
	api.HandleFunc("/devices/{device}/snapshot", s.deviceSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/devices/{device}/events", s.events).Methods(http.MethodGet)
	api.HandleFunc("/devices/{device}/audio", s.audio).Methods(http.MethodGet)
	api.HandleFunc("/snapshots/{session}", s.storedSnapshot).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorStatus(w, r, core.New(core.KindInvalidArguments, "no such route").WithParam(r.URL.Path), http.StatusNotFound)
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	if len(s.deps.CORSAllowedOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins:   s.deps.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           600,
		}).Handler(h)
	}
	h = recoverPanics(s.logger, h)
	h = accessLog(s.logger, h)
	h = withRequestID(h)
	return h
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	type readyResp struct {
		OK       bool       `json:"ok"`
		Draining bool       `json:"draining"`
		Since    *time.Time `json:"draining_since,omitempty"`
		Sessions int        `json:"sessions"`
	}
	resp := readyResp{OK: true, Sessions: s.deps.Orchestrator.Count()}
	status := http.StatusOK
	if s.deps.Lifecycle.IsDraining() {
		since := s.deps.Lifecycle.DrainingSince()
		resp.OK, resp.Draining, resp.Since = false, true, &since
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.deps.Orchestrator.Devices()})
}

type startRequest struct {
	ResumeSessionID string `json:"resume_session_id,omitempty"`
	TargetSeat      *int   `json:"target_seat,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lifecycle.IsDraining() {
		writeError(w, r, core.New(core.KindSessionClosed, "orchestrator is shutting down"))
		return
	}
	var req startRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	info, err := s.deps.Orchestrator.Start(r.Context(), mux.Vars(r)["device"], orchestrator.StartOptions{
		ResumeSessionID: strings.TrimSpace(req.ResumeSessionID),
		TargetSeat:      req.TargetSeat,
		Notes:           req.Notes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Orchestrator.Session(mux.Vars(r)["device"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.deps.EndTimeout)
	defer cancel()
	info, err := s.deps.Orchestrator.End(ctx, mux.Vars(r)["device"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) talk(start bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device := mux.Vars(r)["device"]
		var err error
		if start {
			err = s.deps.Orchestrator.StartTalking(device)
		} else {
			err = s.deps.Orchestrator.StopTalking(device)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) deviceSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Orchestrator.Snapshot(mux.Vars(r)["device"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) storedSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Orchestrator.StoredSnapshot(r.Context(), mux.Vars(r)["session"])
	if err != nil {
		status := 0
		if core.IsKind(err, core.KindInvalidArguments) {
			status = http.StatusNotFound
		}
		writeErrorStatus(w, r, err, status)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, r, core.New(core.KindSessionClosed, "ui stream disabled"))
		return
	}
	s.deps.Hub.ServeWS(w, r, mux.Vars(r)["device"])
}

// audio links the device's microphone and speaker to its live session:
// binary frames in are captured audio, binary frames out are response audio.
func (s *Server) audio(w http.ResponseWriter, r *http.Request) {
	device := mux.Vars(r)["device"]
	bridge, err := s.deps.Orchestrator.Audio(device)
	if err != nil {
		writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxAudioFrameBytes)

	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			bridge.Push(data)
		}
	}()

	ping := time.NewTicker(s.deps.PingInterval)
	defer ping.Stop()
	deadline := func() time.Time { return time.Now().Add(s.deps.WriteTimeout) }

	for {
		select {
		case <-peerGone:
			return
		case <-bridge.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"), deadline())
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline()); err != nil {
				return
			}
		case frame := <-bridge.Playback():
			_ = conn.SetWriteDeadline(deadline())
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.logger.Debug("audio write failed", "device_id", device, "error", err)
				return
			}
		}
	}
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return core.Newf(core.KindInvalidArguments, "invalid request body: %v", err).WithParam("body")
	}
	return nil
}
