// Package device implements the default DeviceSink collaborator of
// spec.md §4.9/§6.5: it tracks virtual-joypad handles per session.
// Concrete kernel-level input-device emulation (a uinput device node,
// or a platform input-injection API) is explicitly outside this
// package and outside the Go ecosystem surfaced anywhere in the
// example pack — no example repo models joystick/uinput device
// creation in Go, so this sink only assigns stable handles and leaves
// the actual /dev/input node creation to the external runner process
// that spec.md §6.5 already treats as an opaque boundary (the
// DeviceSink's job is bookkeeping, not device-driver code).
package device

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/flarexio/wolfstream/internal/model"
)

// Registry is the default DeviceSink: an in-process handle allocator.
type Registry struct {
	mu      sync.Mutex
	plugged map[string]map[int]*model.JoypadHandle
	log     *zap.Logger
}

// New builds an empty Registry.
func New(log *zap.Logger) *Registry {
	return &Registry{
		plugged: make(map[string]map[int]*model.JoypadHandle),
		log:     log.With(zap.String("component", "device")),
	}
}

// PlugJoypad implements session.DeviceSink.
func (r *Registry) PlugJoypad(sessionID string, index, controllerType, capabilities int) (*model.JoypadHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.plugged[sessionID] == nil {
		r.plugged[sessionID] = make(map[int]*model.JoypadHandle)
	}

	handle := &model.JoypadHandle{Index: index, ControllerType: controllerType, Capabilities: capabilities}
	r.plugged[sessionID][index] = handle

	r.log.Debug("joypad plugged", zap.String("session_id", sessionID), zap.Int("index", index))

	return handle, nil
}

// UnplugJoypad implements session.DeviceSink.
func (r *Registry) UnplugJoypad(sessionID string, handle *model.JoypadHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionDevices, ok := r.plugged[sessionID]
	if !ok {
		return fmt.Errorf("device: no devices tracked for session %s", sessionID)
	}
	delete(sessionDevices, handle.Index)
	if len(sessionDevices) == 0 {
		delete(r.plugged, sessionID)
	}

	r.log.Debug("joypad unplugged", zap.String("session_id", sessionID), zap.Int("index", handle.Index))

	return nil
}
