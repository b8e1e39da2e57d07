// Package restapi implements the optional local admin surface of
// spec.md §6.7: JSON over a unix-domain socket, listing
// sessions/apps/paired-clients, creating sessions programmatically
// (bypassing the Moonlight pairing/launch flow), and a server-sent-
// events stream of session lifecycle notifications.
//
// The listener lifecycle — net.Listen, a goroutine that closes it
// when the context is cancelled, then an Accept loop — is grounded on
// _examples/flarexio-game/service.go's `listen` method, which already
// branches on network family (it special-cases "udp*" before falling
// to the generic net.Listen path); a unix-domain socket is simply
// another member of that same generic branch.
package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flarexio/wolfstream/internal/config"
	"github.com/flarexio/wolfstream/internal/eventbus"
	"github.com/flarexio/wolfstream/internal/model"
)

// SessionLister exposes the live session set; satisfied by
// *session.Coordinator.
type SessionLister interface {
	Snapshot() map[string]*model.StreamSession
}

// SessionLauncher creates a session programmatically, bypassing the
// Moonlight pairing/launch HTTP flow (spec.md §6.7).
type SessionLauncher interface {
	CreateSession(sessionID string, app *model.App, clientIP net.IP, enc model.EncryptionMaterial, defaultJoypads int) (*model.StreamSession, error)
}

// Server hosts the UDS JSON+SSE admin API.
type Server struct {
	config   *config.Store
	sessions SessionLister
	launcher SessionLauncher
	bus      *eventbus.Bus
	log      *zap.Logger
}

// New builds a Server.
func New(cfg *config.Store, sessions SessionLister, launcher SessionLauncher, bus *eventbus.Bus, log *zap.Logger) *Server {
	return &Server{
		config:   cfg,
		sessions: sessions,
		launcher: launcher,
		bus:      bus,
		log:      log.With(zap.String("component", "restapi")),
	}
}

// Handler builds the admin API's http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/apps", s.handleApps)
	mux.HandleFunc("/paired-clients", s.handlePairedClients)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// Serve listens on a unix-domain socket at socketPath and serves the
// admin API until ctx is cancelled. Any stale socket file left behind
// by a prior crashed run is removed before binding, matching the
// teacher's "socket opened"/"socket closed" listener lifecycle.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("restapi: remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("restapi: listen on %s: %w", socketPath, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
		os.RemoveAll(socketPath)
	}()

	srv := &http.Server{Handler: s.Handler()}
	if err := srv.Serve(listener); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
		return fmt.Errorf("restapi: serve: %w", err)
	}
	return nil
}

type sessionView struct {
	SessionID string `json:"session_id"`
	AppTitle  string `json:"app_title"`
	ClientIP  string `json:"client_ip"`
	VideoPort int    `json:"video_port"`
	AudioPort int    `json:"audio_port"`
	CreatedAt string `json:"created_at"`
}

func toSessionView(s *model.StreamSession) sessionView {
	view := sessionView{
		SessionID: s.SessionID,
		ClientIP:  s.ClientIP.String(),
		VideoPort: s.VideoPort,
		AudioPort: s.AudioPort,
		CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
	}
	if s.App != nil {
		view.AppTitle = s.App.Title
	}
	return view
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snapshot := s.sessions.Snapshot()
		views := make([]sessionView, 0, len(snapshot))
		for _, session := range snapshot {
			views = append(views, toSessionView(session))
		}
		writeJSON(w, http.StatusOK, views)

	case http.MethodPost:
		s.handleCreateSession(w, r)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type createSessionRequest struct {
	AppID     int    `json:"app_id"`
	ClientIP  string `json:"client_ip"`
	AESKeyHex string `json:"aes_key_hex"`
	AESIVHex  string `json:"aes_iv_hex"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	doc := s.config.Snapshot()
	if req.AppID < 1 || req.AppID > len(doc.Apps) {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("restapi: unknown app_id %d", req.AppID))
		return
	}
	appEntry := doc.Apps[req.AppID-1]

	app := &model.App{
		ID:         req.AppID,
		Title:      appEntry.Title,
		SupportHDR: appEntry.SupportHDR,
		RenderNode: appEntry.RenderNode,
		RunnerName: appEntry.Runner.Name,
	}

	ip := net.ParseIP(req.ClientIP)
	if ip == nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("restapi: invalid client_ip %q", req.ClientIP))
		return
	}

	sessionID := fmt.Sprintf("admin-%s-%d", req.ClientIP, time.Now().UnixNano())

	session, err := s.launcher.CreateSession(sessionID, app, ip, model.EncryptionMaterial{}, 4)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionView(session))
}

type appView struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	doc := s.config.Snapshot()
	views := make([]appView, 0, len(doc.Apps))
	for i, app := range doc.Apps {
		views = append(views, appView{ID: i + 1, Title: app.Title})
	}
	writeJSON(w, http.StatusOK, views)
}

type pairedClientView struct {
	ID             string `json:"id"`
	AppStateFolder string `json:"app_state_folder"`
	PairedAt       string `json:"paired_at"`
}

func (s *Server) handlePairedClients(w http.ResponseWriter, r *http.Request) {
	doc := s.config.Snapshot()
	views := make([]pairedClientView, 0, len(doc.PairedClients))
	for _, entry := range doc.PairedClients {
		views = append(views, pairedClientView{
			ID:             entry.ID,
			AppStateFolder: entry.AppStateFolder,
			PairedAt:       entry.PairedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// handleEvents streams session lifecycle notifications as
// server-sent events until the client disconnects (spec.md §6.7).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := make(chan sseEvent, 16)
	emit := func(kind string) eventbus.Handler {
		return func(data any) {
			sessionID, ok := data.(string)
			if !ok {
				return
			}
			select {
			case events <- sseEvent{kind: kind, sessionID: sessionID}:
			default:
			}
		}
	}

	subs := []*eventbus.Subscription{
		s.bus.Subscribe(eventbus.TopicSessionCreated, emit("session_created")),
		s.bus.Subscribe(eventbus.TopicSessionStopped, emit("session_stopped")),
		s.bus.Subscribe(eventbus.TopicPauseStream, emit("session_paused")),
		s.bus.Subscribe(eventbus.TopicResumeStream, emit("session_resumed")),
	}
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.kind, ev.sessionID)
			flusher.Flush()
		}
	}
}

type sseEvent struct {
	kind      string
	sessionID string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
