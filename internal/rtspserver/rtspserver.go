// Package rtspserver implements the RTSP session server of spec.md
// §4.7: a TCP listener, one receive/dispatch/respond cycle per
// connection, command handlers for OPTIONS/DESCRIBE/SETUP/ANNOUNCE/PLAY,
// and ANNOUNCE's SDP-attribute parse into VideoSession/AudioSession
// events published on the event bus.
//
// The per-connection accept loop and graceful half-close/drain idiom
// is grounded on _examples/flarexio-game/service.go's goroutine
// lifecycle management (a cancel-context owning a set of background
// workers); zap logging follows the same package's logging.go
// middleware idiom (a per-action *zap.Logger built with log.With).
package rtspserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flarexio/wolfstream/internal/eventbus"
	"github.com/flarexio/wolfstream/internal/model"
	"github.com/flarexio/wolfstream/internal/rtspcodec"
)

// ReadDeadline is the per-read timeout from spec.md §4.7: an unreached
// read cancels the connection.
const ReadDeadline = 2500 * time.Millisecond

// ControlPort is the fixed UDP port advertised for SETUP streamid=control.
const ControlPort = 47999

// SessionLookup resolves the live StreamSession for a connecting
// client, matching spec.md §4.7's "looks up the StreamSession by peer
// IP" and §4.9's port-allocation ownership (the coordinator is the
// sole writer; this server only reads).
type SessionLookup interface {
	ByClientIP(ip net.IP) (*model.StreamSession, bool)
}

// Server accepts RTSP connections and drives the per-connection state
// machine.
type Server struct {
	lookup SessionLookup
	bus    *eventbus.Bus
	log    *zap.Logger
}

// New builds a Server.
func New(lookup SessionLookup, bus *eventbus.Bus, log *zap.Logger) *Server {
	return &Server{lookup: lookup, bus: bus, log: log.With(zap.String("component", "rtspserver"))}
}

// Serve accepts connections on ln until ctx is cancelled or ln is
// closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("rtspserver: accept: %w", err)
			}
		}

		go s.handleConn(conn)
	}
}

// handleConn runs exactly one receive/dispatch/respond cycle then
// closes the connection, matching Moonlight's own RTSP client
// behaviour (spec.md §4.7).
func (s *Server) handleConn(conn net.Conn) {
	defer s.drainAndClose(conn)

	remoteIP := peerIP(conn)
	log := s.log.With(zap.String("peer", remoteIP.String()))

	if err := conn.SetReadDeadline(time.Now().Add(ReadDeadline)); err != nil {
		log.Warn("set read deadline", zap.Error(err))
		return
	}

	r := bufio.NewReader(conn)
	msg, err := rtspcodec.ReadMessage(r)
	if err != nil {
		log.Debug("read message", zap.Error(err))
		return
	}

	session, hasSession := s.lookup.ByClientIP(remoteIP)

	cseq, _ := msg.CSeq()
	headers := []rtspcodec.HeaderField{{Key: "CSeq", Value: strconv.Itoa(cseq)}}

	if !hasSession && msg.Method != "OPTIONS" {
		rtspcodec.WriteResponse(conn, 404, "NOT FOUND", headers, "")
		return
	}

	switch msg.Method {
	case "OPTIONS":
		rtspcodec.WriteResponse(conn, 200, "OK", headers, "")

	case "DESCRIBE":
		body := describeBody(session)
		headers = append(headers, rtspcodec.HeaderField{Key: "Content-length", Value: strconv.Itoa(len(body))})
		rtspcodec.WriteResponse(conn, 200, "OK", headers, body)

	case "SETUP":
		s.handleSetup(conn, msg, session, headers, log)

	case "ANNOUNCE":
		s.handleAnnounce(msg, session, log)
		rtspcodec.WriteResponse(conn, 200, "OK", headers, "")

	case "PLAY":
		rtspcodec.WriteResponse(conn, 200, "OK", headers, "")

	default:
		rtspcodec.WriteResponse(conn, 404, "NOT FOUND", headers, "")
	}
}

func (s *Server) handleSetup(conn net.Conn, msg *rtspcodec.Message, session *model.StreamSession, headers []rtspcodec.HeaderField, log *zap.Logger) {
	target, ok := rtspcodec.ParseStreamTarget(msg.Target)
	if !ok {
		rtspcodec.WriteResponse(conn, 404, "NOT FOUND", headers, "")
		return
	}

	var port int
	switch target.Type {
	case "audio":
		port = session.AudioPort
	case "video":
		port = session.VideoPort
	case "control":
		port = ControlPort
	default:
		rtspcodec.WriteResponse(conn, 404, "NOT FOUND", headers, "")
		return
	}

	headers = append(headers,
		rtspcodec.HeaderField{Key: "Transport", Value: fmt.Sprintf("server_port=%d", port)},
		rtspcodec.HeaderField{Key: "Session", Value: "DEADBEEFCAFE;timeout = 90"},
	)
	rtspcodec.WriteResponse(conn, 200, "OK", headers, "")

	log.Debug("setup", zap.String("type", target.Type), zap.Int("port", port))
}

// handleAnnounce parses the ANNOUNCE SDP-style a= attribute lines and
// publishes VideoSession/AudioSession events per spec.md §4.7.
func (s *Server) handleAnnounce(msg *rtspcodec.Message, session *model.StreamSession, log *zap.Logger) {
	attrs := parseAnnounceAttrs(msg.Body)

	video := buildVideoSession(session.SessionID, attrs)
	audio := buildAudioSession(session.SessionID, attrs)

	s.bus.Publish(eventbus.TopicVideoSession, video)
	s.bus.Publish(eventbus.TopicAudioSession, audio)

	log.Info("announce", zap.Int("bitrate_kbps", video.BitrateKbps), zap.Bool("hevc", video.HEVC))
}

// drainAndClose half-closes the write side and waits for the peer's
// FIN before fully closing, per spec.md §4.7's "must gracefully
// shutdown on completion... to avoid dropping the last response".
func (s *Server) drainAndClose(conn net.Conn) {
	defer conn.Close()

	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := conn.(closeWriter); ok {
		cw.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(ReadDeadline))
	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func peerIP(conn net.Conn) net.IP {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return net.IP{}
	}
	return net.ParseIP(host)
}

// describeBody enumerates the payloads of spec.md §4.2's DESCRIBE
// command: sprop-parameter-sets stub for HEVC, AV1 rtpmap when AV1 is
// in play, one fmtp surround-params line per advertised audio
// configuration, and the pen/controller-touch feature flag.
func describeBody(session *model.StreamSession) string {
	var b strings.Builder

	b.WriteString("a=x-ss-general.featureFlags: 3\r\n")

	if session != nil && session.App != nil {
		if session.App.EncoderTemplateHEVC != "" {
			b.WriteString("a=sprop-parameter-sets:\r\n")
		}
		if session.App.EncoderTemplateAV1 != "" {
			b.WriteString("a=rtpmap:98 AV1/90000\r\n")
		}
	}

	for _, cfg := range surroundConfigs(session) {
		b.WriteString(fmt.Sprintf("a=fmtp:97 surround-params=%s\r\n", rotateSpeakerMapping(cfg)))
	}

	return b.String()
}

// surroundConfigs returns the advertised audio-channel configurations
// for the session (stereo, 5.1, 7.1), keyed by channel count.
func surroundConfigs(session *model.StreamSession) []string {
	if session == nil {
		return []string{"stereo"}
	}
	switch session.AudioChannelCount {
	case 6:
		return []string{"5.1"}
	case 8:
		return []string{"7.1"}
	default:
		return []string{"stereo"}
	}
}

// rotateSpeakerMapping rotates the speaker-mapping string left by one
// from index 3, working around the client-side bug spec.md §4.2
// documents.
func rotateSpeakerMapping(mapping string) string {
	if len(mapping) <= 3 {
		return mapping
	}
	head := mapping[:3]
	tail := mapping[3:]
	if len(tail) <= 1 {
		return mapping
	}
	return head + tail[1:] + tail[:1]
}

// parseAnnounceAttrs reassembles spec.md §4.2's "a=key:value" SDP
// attribute lines. rtspcodec's generic body parser splits each line on
// its first "=", so a line like "a=x-nv-video[0].maxFPS:60" arrives as
// Pair{Key: "a", Value: "x-nv-video[0].maxFPS:60"}; this splits the
// Value on its first ":" to recover the real attribute name.
func parseAnnounceAttrs(body []rtspcodec.Pair) map[string]string {
	attrs := make(map[string]string, len(body))
	for _, p := range body {
		if p.Key != "a" {
			continue
		}
		key, value, ok := strings.Cut(p.Value, ":")
		if !ok {
			continue
		}
		attrs[key] = value
	}
	return attrs
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

// buildVideoSession maps ANNOUNCE attributes to a VideoSession per
// spec.md §4.7's "ANNOUNCE → VideoSession mapping".
func buildVideoSession(sessionID string, attrs map[string]string) model.VideoSession {
	bitStreamFormat := atoiOr(attrs["x-nv-video[0].bitStreamFormat"], 0)
	maxBitrate := atoiOr(attrs["x-nv-vqos[0].bw.maximumBitrateKbps"], 0)
	configuredBitrate := atoiOr(attrs["x-ml-video.configuredBitrateKbps"], 0)
	fecPct := atoiOr(attrs["x-nv-vqos[0].fec.percentage"], 20)
	minFEC := atoiOr(attrs["x-nv-vqos[0].fec.minRequiredFecPackets"], 0)
	slices := atoiOr(attrs["x-nv-video[0].videoEncoderSlicesPerFrame"], 1)
	cscMode := atoiOr(attrs["x-nv-video[0].encoderCscMode"], 0)

	bitrate := maxBitrate
	if configuredBitrate > bitrate {
		bitrate = configuredBitrate
	}

	if configuredBitrate > 0 {
		if fecPct > 0 && fecPct <= 80 {
			bitrate = bitrate * (100 - fecPct) / 100
		}

		channels := atoiOr(attrs["x-nv-audio.surround.numChannels"], 2)
		audioOverhead := 96 * channels
		if audioCap := bitrate * 20 / 100; audioOverhead > audioCap {
			audioOverhead = audioCap
		}
		bitrate -= audioOverhead

		packetOverhead := 500
		if packetCap := bitrate * 10 / 100; packetOverhead > packetCap {
			packetOverhead = packetCap
		}
		bitrate -= packetOverhead
	}

	colorRange := 0 // MPEG
	if cscMode&1 != 0 {
		colorRange = 1 // JPEG
	}

	return model.VideoSession{
		SessionID:      sessionID,
		Width:          atoiOr(attrs["x-nv-video[0].clientViewportWd"], 1920),
		Height:         atoiOr(attrs["x-nv-video[0].clientViewportHt"], 1080),
		FPS:            atoiOr(attrs["x-nv-video[0].maxFPS"], 60),
		BitrateKbps:    bitrate,
		PacketSize:     atoiOr(attrs["x-nv-video[0].packetSize"], 1024),
		FECPercentage:  fecPct,
		MinRequiredFEC: minFEC,
		SlicesPerFrame: slices,
		ColorSpace:     cscMode >> 1,
		ColorRange:     colorRange,
		HEVC:           bitStreamFormat == 1,
		AV1:            bitStreamFormat == 2,
	}
}

func buildAudioSession(sessionID string, attrs map[string]string) model.AudioSession {
	return model.AudioSession{
		SessionID:    sessionID,
		ChannelCount: atoiOr(attrs["x-nv-audio.surround.numChannels"], 2),
		ChannelMask:  atoiOr(attrs["x-nv-audio.surround.channelMask"], 0x3),
		Quality:      atoiOr(attrs["x-nv-audio.surround.AudioQuality"], 0),
	}
}
