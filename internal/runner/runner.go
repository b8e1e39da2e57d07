// Package runner implements the default Runner collaborator of
// spec.md §6.5: a plain OS-process launch, environment substitution,
// and hot-plug forwarding via an inherited file-descriptor-free
// channel (the hotplug queue never crosses process boundaries; it
// only drives spec.md §4.9's in-process controller arrival handling).
//
// The process-supervision shape — os/exec.CommandContext, explicit
// env slice construction, Stdout/Stderr wired to the parent, and
// context-cancellation as the kill signal — is grounded on
// _examples/helixml-helix/api/cmd/mutter-lease-launcher/main.go's
// child-process launch sequence, the closest analogue in the example
// pack to "launch a desktop/game process and keep it supervised for
// the caller".
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/flarexio/wolfstream/internal/session"
)

// ProcessRunner launches the app_state_folder's executable as a child
// process, forwarding the session environment and render node as
// environment variables.
type ProcessRunner struct {
	log *zap.Logger
}

// New builds a ProcessRunner.
func New(log *zap.Logger) *ProcessRunner {
	return &ProcessRunner{log: log.With(zap.String("component", "runner"))}
}

// Run implements session.Runner. It blocks until the child process
// exits or ctx is cancelled, in which case the child is killed.
func (r *ProcessRunner) Run(ctx context.Context, sessionID, appStateFolder string, hotplug <-chan session.HotplugEvent, inputDevicePaths, mountPaths []string, environment map[string]string, renderNode string) error {
	if appStateFolder == "" {
		return fmt.Errorf("runner: session %s has no runner configured", sessionID)
	}

	cmd := exec.CommandContext(ctx, appStateFolder)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = buildEnv(environment, renderNode, inputDevicePaths, mountPaths)

	go r.drainHotplug(ctx, sessionID, hotplug)

	r.log.Info("launching app", zap.String("session_id", sessionID), zap.String("runner", appStateFolder))

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("runner: %s exited: %w", appStateFolder, err)
	}
	return nil
}

func buildEnv(environment map[string]string, renderNode string, inputDevicePaths, mountPaths []string) []string {
	env := os.Environ()
	for k, v := range environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	if renderNode != "" {
		env = append(env, fmt.Sprintf("WOLF_RENDER_NODE=%s", renderNode))
	}
	for i, path := range inputDevicePaths {
		env = append(env, fmt.Sprintf("WOLF_INPUT_DEVICE_%d=%s", i, path))
	}
	for i, path := range mountPaths {
		env = append(env, fmt.Sprintf("WOLF_MOUNT_%d=%s", i, path))
	}
	return env
}

// drainHotplug logs controller arrivals while the app runs; a real
// desktop-session shim would forward these as uinput device-node
// paths into the container/namespace the app runs in, which is
// outside this package's scope (spec.md §1 Non-goals: device
// emulation belongs to the DeviceSink collaborator, not the Runner).
func (r *ProcessRunner) drainHotplug(ctx context.Context, sessionID string, hotplug <-chan session.HotplugEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-hotplug:
			if !ok {
				return
			}
			r.log.Debug("hotplug device forwarded", zap.String("session_id", sessionID), zap.String("device_path", ev.DevicePath), zap.Int("index", ev.Index))
		}
	}
}
