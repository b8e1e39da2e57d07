// Package httpapi implements the two GameStream HTTP surfaces of
// spec.md §6.1 (plaintext, port 47989) and §6.2 (mTLS, port 47984):
// /serverinfo, /pair, /unpair, /pin/, /applist, /launch, /resume,
// /cancel.
//
// The mux-per-listener, XML-response shape follows
// _examples/flarexio-game/nvstream/http.go's client-side request
// building inverted into server-side response building; the teacher
// never runs an HTTP *server* for this protocol (it's a client SDK),
// so the net/http.ServeMux wiring itself is plain standard-library
// `http.Server` construction (explicit Addr/Handler/TLSConfig); the
// servers are stopped with Close, not a graceful Shutdown.
package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"math/bits"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/flarexio/wolfstream/internal/config"
	"github.com/flarexio/wolfstream/internal/model"
)

// Pairing is the subset of pairing.Manager the HTTP layer drives.
type Pairing interface {
	BeginPhase1(ctx context.Context, uniqueID, clientIP, saltHex, clientCertHex string) (string, error)
	Phase2(uniqueID, clientIP, clientChallengeHex string) (string, error)
	Phase3(uniqueID, clientIP, serverChallengeRespHex string) (string, error)
	Phase4(uniqueID, clientIP, clientPairingSecretHex string) error
	Phase5(uniqueID, clientIP string, presentedCert *x509.Certificate) error
}

// ClientStore resolves a presented mTLS certificate to a paired
// client record (spec.md §6.2).
type ClientStore interface {
	FindByCert(cert *x509.Certificate) (*model.PairedClient, bool)
	FindByUniqueID(uniqueID string) (*model.PairedClient, bool)
	RemovePairedClient(certFingerprint [32]byte) error
}

// SessionLauncher creates a StreamSession for a /launch request
// (spec.md §6.2).
type SessionLauncher interface {
	CreateSession(sessionID string, app *model.App, clientIP net.IP, enc model.EncryptionMaterial, defaultJoypads int) (*model.StreamSession, error)
}

// LiveSessions reports the coordinator's live-session set, driving the
// dynamic `state`/`currentgame` fields of `/serverinfo` (spec.md §6.1;
// scenario S1 expects `SUNSHINE_SERVER_BUSY`/the live app's id once a
// session exists).
type LiveSessions interface {
	Snapshot() map[string]*model.StreamSession
}

// Server hosts both the plaintext and mTLS GameStream HTTP surfaces.
type Server struct {
	config   *config.Store
	pairing  Pairing
	clients  ClientStore
	sessions SessionLauncher
	live     LiveSessions
	pin      *PinBroker

	rtspPort  int
	httpsPort int
	httpPort  int

	log *zap.Logger
}

// New builds a Server.
func New(cfg *config.Store, pairing Pairing, clients ClientStore, sessions SessionLauncher, live LiveSessions, pin *PinBroker, rtspPort, httpsPort, httpPort int, log *zap.Logger) *Server {
	return &Server{
		config:    cfg,
		pairing:   pairing,
		clients:   clients,
		sessions:  sessions,
		live:      live,
		pin:       pin,
		rtspPort:  rtspPort,
		httpsPort: httpsPort,
		httpPort:  httpPort,
		log:       log.With(zap.String("component", "httpapi")),
	}
}

// PlaintextHandler builds the unauthenticated HTTP mux (spec.md §6.1).
func (s *Server) PlaintextHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/serverinfo", s.handleServerInfo)
	mux.HandleFunc("/pair", s.handlePairPlaintext)
	mux.HandleFunc("/unpair", s.handleUnpair)
	mux.HandleFunc("/pin/", s.handlePin)
	return mux
}

// TLSHandler builds the mTLS-authenticated HTTPS mux (spec.md §6.2).
func (s *Server) TLSHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/serverinfo", s.withClientAuth(s.handleServerInfo))
	mux.HandleFunc("/pair", s.withClientAuth(s.handlePairPhase5))
	mux.HandleFunc("/applist", s.withClientAuth(s.handleAppList))
	mux.HandleFunc("/launch", s.withClientAuth(s.handleLaunch))
	mux.HandleFunc("/resume", s.withClientAuth(s.handleResume))
	mux.HandleFunc("/cancel", s.withClientAuth(s.handleCancel))
	return mux
}

// withClientAuth enforces spec.md §6.2: a client certificate must be
// presented at the TLS layer and match a persisted PairedClient.
func (s *Server) withClientAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(r.TLS.PeerCertificates) == 0 {
			writeUnauthorized(w)
			return
		}
		presented := r.TLS.PeerCertificates[0]
		if _, ok := s.clients.FindByCert(presented); !ok {
			writeUnauthorized(w)
			return
		}
		next(w, r)
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	writeXML(w, struct {
		XMLName    xml.Name `xml:"root"`
		StatusCode int      `xml:"status_code,attr"`
	}{StatusCode: 401})
}

func writeXML(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "text/xml")
	data, err := xml.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Write([]byte(xml.Header))
	w.Write(data)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	doc := s.config.Snapshot()
	uniqueID := r.URL.Query().Get("uniqueid")

	pairStatus := 0
	if uniqueID != "" {
		if _, ok := s.clients.FindByUniqueID(uniqueID); ok {
			pairStatus = 1
		}
	}

	busy, currentGame := s.liveState()

	info := ServerInfo{
		StatusCode:             200,
		Hostname:               doc.Hostname,
		AppVersion:             appVersion,
		GfeVersion:             gfeVersion,
		UniqueID:                doc.UUID,
		MaxLumaPixelsHEVC:      maxLumaPixelsHEVCIf(doc.SupportHEVC),
		ServerCodecModeSupport: codecModeSupport(doc.SupportHEVC, doc.SupportAV1),
		HTTPSPort:              s.httpsPort,
		ExternalPort:           s.httpPort,
		LocalIP:                localIP(r),
		DisplayModes:           displayModesFromConfig(doc.DisplayModes),
		PairStatus:             pairStatus,
		CurrentGame:            currentGame,
		State:                  serverState(busy),
	}

	writeXML(w, info)
}

// liveState reports whether any session is live and, if so, the app id
// of the first one found (spec.md §6.1's `state`/`currentgame`). The
// coordinator can hold several live sessions; map iteration order is
// unspecified, so with more than one the reported app id comes from
// any one of them.
func (s *Server) liveState() (busy bool, currentGame int) {
	if s.live == nil {
		return false, 0
	}
	for _, session := range s.live.Snapshot() {
		if session.App != nil {
			return true, session.App.ID
		}
		return true, 0
	}
	return false, 0
}

func displayModesFromConfig(entries []config.DisplayModeEntry) []DisplayMode {
	if len(entries) == 0 {
		return nil
	}
	modes := make([]DisplayMode, 0, len(entries))
	for _, e := range entries {
		modes = append(modes, DisplayMode{Width: e.Width, Height: e.Height, FPS: e.FPS})
	}
	return modes
}

func maxLumaPixelsHEVCIf(supportHEVC bool) int {
	if supportHEVC {
		return maxLumaPixelsHEVC
	}
	return 0
}

func localIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		return r.Host
	}
	return host
}

// handlePairPlaintext drives pairing phases 1-4 (spec.md §4.6); phase
// 5 requires mTLS and is handled by handlePairPhase5.
func (s *Server) handlePairPlaintext(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	uniqueID := query.Get("uniqueid")
	ip := clientIP(r)

	switch {
	case query.Get("phrase") == "getservercert":
		serverCertHex, err := s.pairing.BeginPhase1(r.Context(), uniqueID, ip, query.Get("salt"), query.Get("clientcert"))
		if err != nil {
			s.log.Warn("pairing phase 1 failed", zap.Error(err))
			writePairResult(w, "", 0)
			return
		}
		writePairResult(w, serverCertHex, 1)

	case query.Has("clientchallenge"):
		resp, err := s.pairing.Phase2(uniqueID, ip, query.Get("clientchallenge"))
		if err != nil {
			s.log.Warn("pairing phase 2 failed", zap.Error(err))
			writePairResult(w, "", 0)
			return
		}
		writeChallengeResponse(w, resp)

	case query.Has("serverchallengeresp"):
		secret, err := s.pairing.Phase3(uniqueID, ip, query.Get("serverchallengeresp"))
		if err != nil {
			s.log.Warn("pairing phase 3 failed", zap.Error(err))
			writePairResult(w, "", 0)
			return
		}
		writePairingSecret(w, secret)

	case query.Has("clientpairingsecret"):
		if err := s.pairing.Phase4(uniqueID, ip, query.Get("clientpairingsecret")); err != nil {
			s.log.Warn("pairing phase 4 failed", zap.Error(err))
			writePairResult(w, "", 0)
			return
		}
		writePairResult(w, "", 1)

	default:
		writePairResult(w, "", 0)
	}
}

func (s *Server) handlePairPhase5(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("phrase") != "pairchallenge" {
		writePairResult(w, "", 0)
		return
	}

	uniqueID := r.URL.Query().Get("uniqueid")
	presented := r.TLS.PeerCertificates[0]

	if err := s.pairing.Phase5(uniqueID, clientIP(r), presented); err != nil {
		writePairResult(w, "", 0)
		return
	}
	writePairResult(w, "", 1)
}

func writePairResult(w http.ResponseWriter, plaincertHex string, paired int) {
	writeXML(w, struct {
		XMLName    xml.Name `xml:"root"`
		StatusCode int      `xml:"status_code,attr"`
		PlainCert  string   `xml:"plaincert,omitempty"`
		Paired     int      `xml:"paired"`
	}{StatusCode: 200, PlainCert: plaincertHex, Paired: paired})
}

func writeChallengeResponse(w http.ResponseWriter, responseHex string) {
	writeXML(w, struct {
		XMLName           xml.Name `xml:"root"`
		StatusCode        int      `xml:"status_code,attr"`
		ChallengeResponse string   `xml:"challengeresponse"`
		Paired            int      `xml:"paired"`
	}{StatusCode: 200, ChallengeResponse: responseHex, Paired: 1})
}

func writePairingSecret(w http.ResponseWriter, secretHex string) {
	writeXML(w, struct {
		XMLName       xml.Name `xml:"root"`
		StatusCode    int      `xml:"status_code,attr"`
		PairingSecret string   `xml:"pairingsecret"`
		Paired        int      `xml:"paired"`
	}{StatusCode: 200, PairingSecret: secretHex, Paired: 1})
}

func (s *Server) handleUnpair(w http.ResponseWriter, r *http.Request) {
	uniqueID := r.URL.Query().Get("uniqueid")
	client, ok := s.clients.FindByUniqueID(uniqueID)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.clients.RemovePairedClient(certFingerprintFromClient(client)); err != nil {
		s.log.Warn("unpair failed", zap.Error(err))
	}

	w.WriteHeader(http.StatusOK)
}

func certFingerprintFromClient(client *model.PairedClient) [32]byte {
	if client.Cert == nil {
		return [32]byte{}
	}
	return sha256.Sum256(client.Cert.Raw)
}

// handlePin serves the operator PIN-entry page (GET) and resolves the
// PIN promise (POST), spec.md §6.1.
func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(pinPageHTML))
	case http.MethodPost:
		var body struct {
			PIN    string `json:"pin"`
			Secret string `json:"secret"`
		}
		if err := decodeJSONBody(r, &body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := s.pin.Resolve(body.Secret, body.PIN); err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

const pinPageHTML = `<!DOCTYPE html><html><body>
<form id="pin-form"><input name="pin" placeholder="PIN"><input type="hidden" name="secret"><button type="submit">Pair</button></form>
</body></html>`

func (s *Server) handleAppList(w http.ResponseWriter, r *http.Request) {
	doc := s.config.Snapshot()

	type appXML struct {
		AppTitle string `xml:"AppTitle"`
		ID       int    `xml:"ID"`
	}
	apps := make([]appXML, 0, len(doc.Apps))
	for i, app := range doc.Apps {
		apps = append(apps, appXML{AppTitle: app.Title, ID: i + 1})
	}

	writeXML(w, struct {
		XMLName    xml.Name `xml:"root"`
		StatusCode int      `xml:"status_code,attr"`
		Apps       []appXML `xml:"App"`
	}{StatusCode: 200, Apps: apps})
}

// handleLaunch creates a StreamSession per spec.md §6.2: `?appid=…&
// mode=WxHxF&rikey=<hex>&rikeyid=<hex>&remoteControllersBitmap=…`.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	appID, err := strconv.Atoi(query.Get("appid"))
	if err != nil {
		writeLaunchError(w)
		return
	}

	doc := s.config.Snapshot()
	if appID < 1 || appID > len(doc.Apps) {
		writeLaunchError(w)
		return
	}
	appEntry := doc.Apps[appID-1]

	app := &model.App{
		ID:         appID,
		Title:      appEntry.Title,
		SupportHDR: appEntry.SupportHDR,
		RenderNode: appEntry.RenderNode,
		RunnerName: appEntry.Runner.Name,
	}

	rikey, err := decodeHexKey16(query.Get("rikey"))
	if err != nil {
		writeLaunchError(w)
		return
	}
	rikeyID, err := decodeHexKey16(query.Get("rikeyid"))
	if err != nil {
		writeLaunchError(w)
		return
	}

	enc := model.EncryptionMaterial{AESKey: rikey, AESIV: rikeyID}

	sessionID := fmt.Sprintf("%s-%d", query.Get("uniqueid"), appID)
	ip := net.ParseIP(clientIP(r))

	joypads := joypadCountFromBitmap(query.Get("remoteControllersBitmap"))

	if _, err := s.sessions.CreateSession(sessionID, app, ip, enc, joypads); err != nil {
		s.log.Warn("launch failed", zap.Error(err))
		writeLaunchError(w)
		return
	}

	writeXML(w, struct {
		XMLName    xml.Name `xml:"root"`
		StatusCode int      `xml:"status_code,attr"`
		SessionURL string   `xml:"sessionUrl0"`
		GameSession int     `xml:"gamesession"`
	}{StatusCode: 200, SessionURL: fmt.Sprintf("rtsp://%s:%d", localIP(r), s.rtspPort), GameSession: 1})
}

func writeLaunchError(w http.ResponseWriter) {
	writeXML(w, struct {
		XMLName    xml.Name `xml:"root"`
		StatusCode int      `xml:"status_code,attr"`
		GameSession int     `xml:"gamesession"`
	}{StatusCode: 400, GameSession: 0})
}

// defaultJoypadCount is used when a /launch request omits
// remoteControllersBitmap or sends an unparseable value.
const defaultJoypadCount = 4

// joypadCountFromBitmap decodes the `remoteControllersBitmap` query
// parameter documented in spec.md §6.2: one set bit per connected
// controller the client wants plugged in at launch.
func joypadCountFromBitmap(raw string) int {
	if raw == "" {
		return defaultJoypadCount
	}
	bitmap, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return defaultJoypadCount
	}
	return bits.OnesCount32(uint32(bitmap))
}

func decodeHexKey16(s string) ([16]byte, error) {
	var out [16]byte
	decoded, err := hex.DecodeString(s)
	if err != nil || len(decoded) != 16 {
		return out, fmt.Errorf("httpapi: expected 16-byte hex key, got %d bytes", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	writeXML(w, struct {
		XMLName    xml.Name `xml:"root"`
		StatusCode int      `xml:"status_code,attr"`
		Resume     int      `xml:"resume"`
	}{StatusCode: 200, Resume: 1})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	writeXML(w, struct {
		XMLName    xml.Name `xml:"root"`
		StatusCode int      `xml:"status_code,attr"`
		Cancel     int      `xml:"cancel"`
	}{StatusCode: 200, Cancel: 1})
}

// ServeTLS starts the mTLS HTTPS listener. Client certificates are
// requested but verified in application code (withClientAuth) rather
// than by tls.Config, matching spec.md §4.1's lenient policy (self-
// signed client certs with no CA chain are the norm).
func ServeTLS(ctx context.Context, addr string, serverCert tls.Certificate, handler http.Handler) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			ClientAuth:   tls.RequireAnyClientCert,
		},
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.ListenAndServeTLS("", ""); err != nil && !strings.Contains(err.Error(), "Server closed") {
		return err
	}
	return nil
}

// ServePlaintext starts the unauthenticated HTTP listener.
func ServePlaintext(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && !strings.Contains(err.Error(), "Server closed") {
		return err
	}
	return nil
}

func decodeJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
