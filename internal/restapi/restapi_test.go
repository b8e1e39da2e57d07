package restapi

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flarexio/wolfstream/internal/config"
	"github.com/flarexio/wolfstream/internal/eventbus"
	"github.com/flarexio/wolfstream/internal/model"
)

type fakeSessions struct {
	sessions map[string]*model.StreamSession
	created  *model.App
}

func (f *fakeSessions) Snapshot() map[string]*model.StreamSession { return f.sessions }

func (f *fakeSessions) CreateSession(sessionID string, app *model.App, clientIP net.IP, enc model.EncryptionMaterial, defaultJoypads int) (*model.StreamSession, error) {
	f.created = app
	session := &model.StreamSession{SessionID: sessionID, App: app, ClientIP: clientIP}
	f.sessions[sessionID] = session
	return session, nil
}

func newTestServer(t *testing.T) (*Server, *fakeSessions) {
	dir := t.TempDir()
	configPath := dir + "/config.toml"
	seed := "uuid = \"seed\"\nconfig_version = 1\n\n[[apps]]\ntitle = \"Desktop\"\n"
	require.NoError(t, os.WriteFile(configPath, []byte(seed), 0o644))

	store, err := config.Load(configPath)
	require.NoError(t, err)

	sessions := &fakeSessions{sessions: make(map[string]*model.StreamSession)}
	bus := eventbus.New()

	return New(store, sessions, sessions, bus, zap.NewNop()), sessions
}

func TestListSessionsReturnsLiveSessions(t *testing.T) {
	srv, sessions := newTestServer(t)
	sessions.sessions["s1"] = &model.StreamSession{SessionID: "s1", ClientIP: net.ParseIP("127.0.0.1"), App: &model.App{Title: "Desktop"}}

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()

	srv.handleSessions(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var views []sessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "s1", views[0].SessionID)
	assert.Equal(t, "Desktop", views[0].AppTitle)
}

func TestCreateSessionBypassesMoonlight(t *testing.T) {
	srv, sessions := newTestServer(t)

	body, err := json.Marshal(createSessionRequest{AppID: 1, ClientIP: "10.0.0.5"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	srv.handleSessions(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	require.NotNil(t, sessions.created)
	assert.Equal(t, "Desktop", sessions.created.Title)
}

func TestListAppsReturnsConfiguredCatalog(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/apps", nil)
	w := httptest.NewRecorder()

	srv.handleApps(w, req)

	var views []appView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "Desktop", views[0].Title)
}

func TestCreateSessionRejectsUnknownApp(t *testing.T) {
	srv, _ := newTestServer(t)

	body, err := json.Marshal(createSessionRequest{AppID: 99, ClientIP: "10.0.0.5"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	srv.handleSessions(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
