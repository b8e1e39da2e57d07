// Package session implements the session coordinator of spec.md §4.9:
// port allocation, Runner lifecycle, first-RTP-ping gating before
// encoder pipelines start, and the Pause/Resume/Stop event-driven
// teardown lifecycle. It is the sole writer of the live-session set;
// every other component (RTSP, control, REST) reads an atomic
// snapshot (spec.md §5 "Shared resources").
//
// The atomic-snapshot ownership discipline follows
// _examples/flarexio-game/service.go's sync.RWMutex-guarded service
// struct, generalized to a CAS-swapped immutable map per spec.md §5's
// stronger "lock-free snapshot" requirement; the per-session worker
// goroutine (one per StreamSession driving the Runner) follows the
// same file's `go svc.listen(ctx, track)` per-resource goroutine
// idiom.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flarexio/wolfstream/internal/eventbus"
	"github.com/flarexio/wolfstream/internal/model"
)

const (
	videoPortBase = 48100
	audioPortBase = 48200

	// RTPPingTimeout is the wait for the first RTP ping from the
	// client before the encoder pipeline is started (spec.md §4.9).
	RTPPingTimeout = 4000 * time.Millisecond
)

// HotplugEvent is posted to a running application's hotplug queue
// when a controller arrives mid-session (spec.md §6.5).
type HotplugEvent struct {
	DevicePath string
	Index      int
}

// Runner launches an application for the lifetime of a StreamSession
// (spec.md §6.5). Run blocks until the application exits or ctx is
// cancelled.
type Runner interface {
	Run(ctx context.Context, sessionID, appStateFolder string, hotplug <-chan HotplugEvent, inputDevicePaths, mountPaths []string, environment map[string]string, renderNode string) error
}

// DeviceSink owns the virtual-input-device lifecycle that a
// StreamSession's JoypadHandles reference (spec.md §1 Non-goals: the
// coordinator only tracks handles, the concrete device emulation is
// external).
type DeviceSink interface {
	PlugJoypad(sessionID string, index, controllerType, capabilities int) (*model.JoypadHandle, error)
	UnplugJoypad(sessionID string, handle *model.JoypadHandle) error
}

// PipelineManager starts/stops the encoder pipelines for a session;
// an external collaborator per spec.md §6.5's templated-string
// contract (the coordinator never parses the template itself).
type PipelineManager interface {
	StartVideo(session *model.StreamSession, vs model.VideoSession) error
	StartAudio(session *model.StreamSession, as model.AudioSession) error
	Stop(sessionID string) error
}

// Coordinator is the session coordinator.
type Coordinator struct {
	bus       *eventbus.Bus
	runner    Runner
	devices   DeviceSink
	pipelines PipelineManager
	log       *zap.Logger

	videoPool *portPool
	audioPool *portPool

	mu       sync.Mutex
	sessions atomic.Pointer[map[string]*model.StreamSession]

	pendingPings map[string]context.CancelFunc
	hotplugQs    map[string]chan HotplugEvent
	runnerCancel map[string]context.CancelFunc
}

// New builds a Coordinator and subscribes it to the event bus.
func New(bus *eventbus.Bus, runner Runner, devices DeviceSink, pipelines PipelineManager, log *zap.Logger) *Coordinator {
	c := &Coordinator{
		bus:          bus,
		runner:       runner,
		devices:      devices,
		pipelines:    pipelines,
		log:          log.With(zap.String("component", "session")),
		videoPool:    newPortPool(videoPortBase),
		audioPool:    newPortPool(audioPortBase),
		pendingPings: make(map[string]context.CancelFunc),
		hotplugQs:    make(map[string]chan HotplugEvent),
		runnerCancel: make(map[string]context.CancelFunc),
	}

	empty := make(map[string]*model.StreamSession)
	c.sessions.Store(&empty)

	bus.Subscribe(eventbus.TopicVideoSession, c.onVideoSession)
	bus.Subscribe(eventbus.TopicAudioSession, c.onAudioSession)
	bus.Subscribe(eventbus.TopicStopStream, c.onStopStream)
	bus.Subscribe(eventbus.TopicPauseStream, c.onPauseStream)
	bus.Subscribe(eventbus.TopicResumeStream, c.onResumeStream)

	return c
}

// Snapshot returns the current immutable live-session map. Callers
// must not mutate it.
func (c *Coordinator) Snapshot() map[string]*model.StreamSession {
	return *c.sessions.Load()
}

// ByClientIP implements rtspserver.SessionLookup and control.SessionLookup.
func (c *Coordinator) ByClientIP(ip net.IP) (*model.StreamSession, bool) {
	for _, s := range c.Snapshot() {
		if s.ClientIP.Equal(ip) {
			return s, true
		}
	}
	return nil, false
}

// AttachControlPeer records the ENet peer address for a session,
// implementing control.SessionLookup's write hook. Like publishSession
// and onStopStream, it clones the session and CAS-swaps a new map
// rather than mutating the published *StreamSession in place, so
// lock-free readers of Snapshot()/ByClientIP never observe a partially
// written session (spec.md §5).
func (c *Coordinator) AttachControlPeer(sessionID string, addr *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := c.Snapshot()
	s, ok := snapshot[sessionID]
	if !ok {
		return
	}

	clone := cloneSession(s)
	clone.ControlPeer = addr
	c.publishSession(clone)
}

// CreateSession reserves video/audio ports, starts the application via
// Runner, plugs the session's default input devices, and publishes the
// new session into the live set (spec.md §4.9, §6.2's /launch).
func (c *Coordinator) CreateSession(sessionID string, app *model.App, clientIP net.IP, enc model.EncryptionMaterial, defaultJoypads int) (*model.StreamSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	videoPort := c.videoPool.allocate()
	audioPort := c.audioPool.allocate()

	session := &model.StreamSession{
		SessionID:  sessionID,
		Encryption: enc,
		ClientIP:   clientIP,
		App:        app,
		VideoPort:  videoPort,
		AudioPort:  audioPort,
		Joypads:    make(map[int]*model.JoypadHandle),
		CreatedAt:  time.Now(),
	}

	for i := 0; i < defaultJoypads; i++ {
		handle, err := c.devices.PlugJoypad(sessionID, i, 0, 0)
		if err != nil {
			c.log.Warn("plug default joypad failed", zap.Error(err))
			continue
		}
		session.Joypads[i] = handle
	}

	hotplug := make(chan HotplugEvent, 8)
	c.hotplugQs[sessionID] = hotplug

	runnerCtx, cancel := context.WithCancel(context.Background())
	c.runnerCancel[sessionID] = cancel

	go func() {
		env := buildEnvironment(app, session)
		if err := c.runner.Run(runnerCtx, sessionID, app.RunnerName, hotplug, nil, nil, env, app.RenderNode); err != nil {
			c.log.Warn("runner exited", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()

	c.publishSession(session)
	c.bus.Publish(eventbus.TopicSessionCreated, sessionID)

	c.log.Info("session created", zap.String("session_id", sessionID), zap.Int("video_port", videoPort), zap.Int("audio_port", audioPort))

	return session, nil
}

func buildEnvironment(app *model.App, session *model.StreamSession) map[string]string {
	return map[string]string{
		"WOLF_SESSION_ID":  session.SessionID,
		"WOLF_RENDER_NODE": app.RenderNode,
	}
}

func (c *Coordinator) publishSession(session *model.StreamSession) {
	snapshot := c.Snapshot()
	next := make(map[string]*model.StreamSession, len(snapshot)+1)
	for k, v := range snapshot {
		next[k] = v
	}
	next[session.SessionID] = session
	c.sessions.Store(&next)
}

// cloneSession shallow-copies a StreamSession along with its Joypads
// map, so a caller can mutate fields on the clone and republish it
// through publishSession without touching the *StreamSession value
// lock-free readers may be holding (spec.md §5).
func cloneSession(s *model.StreamSession) *model.StreamSession {
	clone := *s
	clone.Joypads = make(map[int]*model.JoypadHandle, len(s.Joypads))
	for k, v := range s.Joypads {
		clone.Joypads[k] = v
	}
	return &clone
}

// onVideoSession waits asynchronously up to RTPPingTimeout for the
// first RTP ping on the session's video port before starting the
// video pipeline; a newer VideoSession for the same session cancels
// the previous wait (spec.md §4.9).
func (c *Coordinator) onVideoSession(event any) {
	vs, ok := event.(model.VideoSession)
	if !ok {
		return
	}
	c.waitThenStart(vs.SessionID, "video", func(session *model.StreamSession) int { return session.VideoPort }, func(session *model.StreamSession) error {
		return c.pipelines.StartVideo(session, vs)
	})
}

func (c *Coordinator) onAudioSession(event any) {
	as, ok := event.(model.AudioSession)
	if !ok {
		return
	}
	c.waitThenStart(as.SessionID, "audio", func(session *model.StreamSession) int { return session.AudioPort }, func(session *model.StreamSession) error {
		return c.pipelines.StartAudio(session, as)
	})
}

func (c *Coordinator) waitThenStart(sessionID, kind string, portOf func(*model.StreamSession) int, start func(*model.StreamSession) error) {
	c.mu.Lock()
	key := sessionID + "|" + kind
	if cancel, ok := c.pendingPings[key]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.pendingPings[key] = cancel
	c.mu.Unlock()

	session, ok := c.Snapshot()[sessionID]
	if !ok {
		cancel()
		return
	}

	go func() {
		defer cancel()

		if err := waitForRTPPing(ctx, portOf(session), RTPPingTimeout); err != nil {
			c.log.Debug("rtp ping wait ended", zap.String("session_id", sessionID), zap.String("kind", kind), zap.Error(err))
			return
		}

		if err := start(session); err != nil {
			c.log.Warn("pipeline start failed", zap.String("session_id", sessionID), zap.String("kind", kind), zap.Error(err))
		}
	}()
}

// waitForRTPPing blocks until a UDP datagram arrives on port or ctx is
// cancelled or timeout elapses.
func waitForRTPPing(ctx context.Context, port int, timeout time.Duration) error {
	addr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("session: listen for rtp ping: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 16)
	_, _, err = conn.ReadFromUDP(buf)
	if err != nil {
		select {
		case <-ctx.Done():
			return fmt.Errorf("session: cancelled")
		default:
			return fmt.Errorf("session: rtp ping timeout: %w", err)
		}
	}
	return nil
}

// onStopStream tears down a session completely: pipelines, virtual
// devices, runner, and removes it from the live set (spec.md §4.9).
func (c *Coordinator) onStopStream(event any) {
	sessionID, ok := event.(string)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := c.Snapshot()
	session, ok := snapshot[sessionID]
	if !ok {
		return
	}

	c.pipelines.Stop(sessionID)

	for _, handle := range session.Joypads {
		c.devices.UnplugJoypad(sessionID, handle)
	}

	if cancel, ok := c.runnerCancel[sessionID]; ok {
		cancel()
		delete(c.runnerCancel, sessionID)
	}
	delete(c.hotplugQs, sessionID)

	c.videoPool.release(session.VideoPort)
	c.audioPool.release(session.AudioPort)

	next := make(map[string]*model.StreamSession, len(snapshot))
	for k, v := range snapshot {
		if k != sessionID {
			next[k] = v
		}
	}
	c.sessions.Store(&next)

	c.bus.Publish(eventbus.TopicSessionStopped, sessionID)
	c.log.Info("session stopped", zap.String("session_id", sessionID))
}

// onPauseStream shuts down the media pipelines but keeps the
// application process and virtual devices alive (spec.md §4.9).
func (c *Coordinator) onPauseStream(event any) {
	sessionID, ok := event.(string)
	if !ok {
		return
	}
	c.pipelines.Stop(sessionID)
	c.log.Debug("session paused", zap.String("session_id", sessionID))
}

// onResumeStream is a no-op placeholder hook fired when an ENet peer
// attaches to a previously-paused session; pipelines are re-created by
// the next RTSP ANNOUNCE, which republishes VideoSession/AudioSession.
func (c *Coordinator) onResumeStream(event any) {
	sessionID, ok := event.(string)
	if !ok {
		return
	}
	c.log.Debug("session resume signalled", zap.String("session_id", sessionID))
}

// HotplugController creates a new joypad for a live session and
// forwards the device-add event to the running application (spec.md
// §4.9's hot-plug handling). Mutates a clone of the session and
// CAS-swaps it in, matching AttachControlPeer's discipline.
func (c *Coordinator) HotplugController(sessionID string, controllerType, capabilities int) (*model.JoypadHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := c.Snapshot()
	session, ok := snapshot[sessionID]
	if !ok {
		return nil, fmt.Errorf("session: unknown session %s", sessionID)
	}

	clone := cloneSession(session)

	index := len(clone.Joypads)
	if existing, ok := clone.Joypads[index]; ok {
		c.devices.UnplugJoypad(sessionID, existing)
	}

	handle, err := c.devices.PlugJoypad(sessionID, index, controllerType, capabilities)
	if err != nil {
		return nil, err
	}
	clone.Joypads[index] = handle

	c.publishSession(clone)

	if q, ok := c.hotplugQs[sessionID]; ok {
		select {
		case q <- HotplugEvent{DevicePath: fmt.Sprintf("/dev/input/js%d", index), Index: index}:
		default:
		}
	}

	return handle, nil
}
