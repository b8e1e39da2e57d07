// Command wolfd is the server entrypoint: it loads the TOML
// configuration, generates or reuses the server's X.509 identity,
// wires the pairing/session/input/control/RTSP/HTTP(S)/REST
// components together, and serves until a termination signal arrives.
//
// The cli.App/Flags/Action shape and the os/signal graceful-shutdown
// loop are grounded on
// _examples/flarexio-game/cmd/surveillance/main.go, the teacher's own
// server-process entrypoint (as opposed to cmd/game, which is a CLI
// client command).
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/flarexio/wolfstream/internal/config"
	"github.com/flarexio/wolfstream/internal/control"
	"github.com/flarexio/wolfstream/internal/device"
	"github.com/flarexio/wolfstream/internal/eventbus"
	"github.com/flarexio/wolfstream/internal/httpapi"
	"github.com/flarexio/wolfstream/internal/identity"
	"github.com/flarexio/wolfstream/internal/input"
	"github.com/flarexio/wolfstream/internal/pairing"
	"github.com/flarexio/wolfstream/internal/pipeline"
	"github.com/flarexio/wolfstream/internal/restapi"
	"github.com/flarexio/wolfstream/internal/rtspserver"
	"github.com/flarexio/wolfstream/internal/runner"
	"github.com/flarexio/wolfstream/internal/session"
)

const (
	rtspPort  = 48010
	httpPort  = 47989
	httpsPort = 47984
)

func main() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err.Error())
	}
	defaultPath := filepath.Join(homeDir, ".wolfstream")

	app := &cli.App{
		Name:  "wolfd",
		Usage: "Moonlight-compatible game-streaming server.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "path",
				Usage:   "Working directory for configuration, identity, and the admin socket.",
				EnvVars: []string{"WOLFD_PATH"},
				Value:   defaultPath,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	path := c.String("path")
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("wolfd: create working directory: %w", err)
	}

	cfg, err := config.Load(filepath.Join(path, "config.toml"))
	if err != nil {
		return fmt.Errorf("wolfd: load config: %w", err)
	}

	id, err := identity.LoadOrGenerate(path)
	if err != nil {
		return fmt.Errorf("wolfd: load server identity: %w", err)
	}

	bus := eventbus.New()

	pin := httpapi.NewPinBroker()
	pairingMgr := pairing.New(id.Cert, id.CertPEM, id.Key, pin, cfg, logger)

	devices := device.New(logger)
	pipelines := pipeline.New(logger)
	procRunner := runner.New(logger)
	coordinator := session.New(bus, procRunner, devices, pipelines, logger)

	sink := input.NewLogSink(logger)
	interpreter := input.New(sink, logger)

	controlChannel := control.New(coordinator, bus, func(sessionID string, payload []byte) {
		interpreter.Dispatch(payload)
	}, logger)

	rtspSrv := rtspserver.New(coordinator, bus, logger)

	httpSrv := httpapi.New(cfg, pairingMgr, cfg, coordinator, coordinator, pin, rtspPort, httpsPort, httpPort, logger)

	restSrv := restapi.New(cfg, coordinator, coordinator, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 8)

	go func() {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", rtspPort))
		if err != nil {
			errCh <- fmt.Errorf("wolfd: rtsp listen: %w", err)
			return
		}
		errCh <- rtspSrv.Serve(ctx, ln)
	}()

	go func() {
		errCh <- controlChannel.Serve(ctx, &net.UDPAddr{Port: rtspserver.ControlPort})
	}()

	go func() {
		errCh <- httpapi.ServePlaintext(ctx, fmt.Sprintf(":%d", httpPort), httpSrv.PlaintextHandler())
	}()

	go func() {
		tlsCert, err := id.TLSCertificate()
		if err != nil {
			errCh <- fmt.Errorf("wolfd: build tls certificate: %w", err)
			return
		}
		errCh <- httpapi.ServeTLS(ctx, fmt.Sprintf(":%d", httpsPort), tlsCert, httpSrv.TLSHandler())
	}()

	go func() {
		errCh <- restSrv.Serve(ctx, filepath.Join(path, "admin.sock"))
	}()

	logger.Info("wolfd listening",
		zap.Int("rtsp_port", rtspPort),
		zap.Int("http_port", httpPort),
		zap.Int("https_port", httpsPort),
		zap.String("path", path),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("graceful shutdown", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("listener failed", zap.Error(err))
		}
	}

	cancel()
	return nil
}
