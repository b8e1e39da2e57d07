// Package pipeline implements the default PipelineManager collaborator
// of spec.md §6.5: it substitutes a session's negotiated parameters
// into the configured GStreamer pipeline template string and launches
// `gst-launch-1.0` as a child process. Per spec.md §6.5 the core never
// parses the template — substitution is a pure string replace, and the
// resulting pipeline description is opaque to this package too.
package pipeline

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/flarexio/wolfstream/internal/model"
)

// Manager launches and tracks one gst-launch-1.0 process per
// (session, video|audio) pair.
type Manager struct {
	mu    sync.Mutex
	procs map[string]*exec.Cmd
	log   *zap.Logger
}

// New builds a Manager.
func New(log *zap.Logger) *Manager {
	return &Manager{
		procs: make(map[string]*exec.Cmd),
		log:   log.With(zap.String("component", "pipeline")),
	}
}

// StartVideo implements session.PipelineManager.
func (m *Manager) StartVideo(session *model.StreamSession, vs model.VideoSession) error {
	template := session.App.EncoderTemplateH264
	if vs.HEVC {
		template = session.App.EncoderTemplateHEVC
	}
	if vs.AV1 {
		template = session.App.EncoderTemplateAV1
	}

	substituted := substitute(template, map[string]string{
		"width":                     strconv.Itoa(vs.Width),
		"height":                    strconv.Itoa(vs.Height),
		"fps":                       strconv.Itoa(vs.FPS),
		"bitrate":                   strconv.Itoa(vs.BitrateKbps),
		"payload_size":              strconv.Itoa(vs.PacketSize),
		"fec_percentage":            strconv.Itoa(vs.FECPercentage),
		"min_required_fec_packets":  strconv.Itoa(vs.MinRequiredFEC),
		"slices_per_frame":          strconv.Itoa(vs.SlicesPerFrame),
		"color_space":               strconv.Itoa(vs.ColorSpace),
		"color_range":               strconv.Itoa(vs.ColorRange),
		"client_port":               strconv.Itoa(session.VideoPort),
		"client_ip":                 session.ClientIP.String(),
		"host_port":                 strconv.Itoa(session.VideoPort),
		"aes_key":                   hex.EncodeToString(session.Encryption.AESKey[:]),
		"aes_iv":                    hex.EncodeToString(session.Encryption.AESIV[:]),
		"encrypt":                   strconv.FormatBool(session.Encryption.AESKey != [16]byte{}),
	})

	return m.start(session.SessionID+"|video", substituted)
}

// StartAudio implements session.PipelineManager.
func (m *Manager) StartAudio(session *model.StreamSession, as model.AudioSession) error {
	substituted := substitute(session.App.AudioTemplate, map[string]string{
		"client_port": strconv.Itoa(session.AudioPort),
		"client_ip":   session.ClientIP.String(),
		"host_port":   strconv.Itoa(session.AudioPort),
		"aes_key":     hex.EncodeToString(session.Encryption.AESKey[:]),
		"aes_iv":      hex.EncodeToString(session.Encryption.AESIV[:]),
		"encrypt":     strconv.FormatBool(session.Encryption.AESKey != [16]byte{}),
	})

	return m.start(session.SessionID+"|audio", substituted)
}

// Stop implements session.PipelineManager: it terminates both the
// video and audio pipeline processes for sessionID, if running.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range []string{sessionID + "|video", sessionID + "|audio"} {
		cmd, ok := m.procs[key]
		if !ok {
			continue
		}
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		delete(m.procs, key)
	}
	return nil
}

func (m *Manager) start(key, pipelineDescription string) error {
	if pipelineDescription == "" {
		return fmt.Errorf("pipeline: empty template for %s", key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.procs[key]; ok && existing.Process != nil {
		existing.Process.Kill()
	}

	cmd := exec.CommandContext(context.Background(), "gst-launch-1.0", strings.Fields(pipelineDescription)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("pipeline: start %s: %w", key, err)
	}
	m.procs[key] = cmd

	m.log.Info("pipeline started", zap.String("key", key))

	go func() {
		cmd.Wait()
		m.mu.Lock()
		delete(m.procs, key)
		m.mu.Unlock()
	}()

	return nil
}

// substitute replaces every `{name}` placeholder in template with its
// value from fields. Unknown placeholders are left untouched — this
// package never validates the template shape (spec.md §6.5: "the core
// does not parse the template; it only substitutes").
func substitute(template string, fields map[string]string) string {
	replacer := make([]string, 0, len(fields)*2)
	for name, value := range fields {
		replacer = append(replacer, "{"+name+"}", value)
	}
	return strings.NewReplacer(replacer...).Replace(template)
}
