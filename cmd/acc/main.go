// Package main implements the Arm Control Container entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/arm-control/acc/internal/api"
	"github.com/arm-control/acc/internal/audit"
	"github.com/arm-control/acc/internal/auth"
	"github.com/arm-control/acc/internal/channel"
	"github.com/arm-control/acc/internal/config"
	"github.com/arm-control/acc/internal/dashboard"
	"github.com/arm-control/acc/internal/jog"
	"github.com/arm-control/acc/internal/logging"
	"github.com/arm-control/acc/internal/realtime"
	"github.com/arm-control/acc/internal/safety"
	"github.com/arm-control/acc/internal/telemetry"
)

const version = "1.0.0"

func main() {
	app := &cli.App{
		Name:    "acc",
		Usage:   "arm control container: jog and supervise a UR-series robot arm",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML configuration file",
				EnvVars: []string{"ACC_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "robot controller host, overrides the configured value",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "HTTP listen address, overrides the configured value",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level: debug, info, warn, or error",
			},
			&cli.StringFlag{
				Name:  "log-dir",
				Usage: "directory for the audit log",
				Value: "logs",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if host := c.String("host"); host != "" {
		cfg.Robot.Host = host
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if level := c.String("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	log, err := logging.New(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Info("starting arm control container",
		zap.String("version", version),
		zap.String("robot", cfg.Robot.Host))

	hub := telemetry.NewHub(cfg.Server.EventBufferSize, time.Duration(cfg.Server.HeartbeatInterval))

	auditLogger, err := audit.NewLogger(c.String("log-dir"))
	if err != nil {
		return fmt.Errorf("audit logger: %w", err)
	}

	manager := channel.NewManager(channel.Config{
		Host:           cfg.Robot.Host,
		CommandPort:    cfg.Robot.CommandPort,
		TelemetryPort:  cfg.Robot.TelemetryPort,
		DashboardPort:  cfg.Robot.DashboardPort,
		DialTimeout:    time.Duration(cfg.Channels.DialTimeout),
		ReceiveTimeout: time.Duration(cfg.Channels.ReceiveTimeout),
		RetryCount:     cfg.Channels.RetryCount,
		RetryBackoff:   time.Duration(cfg.Channels.RetryBackoff),
		BackoffFactor:  cfg.Channels.BackoffFactor,
		MaxBackoff:     time.Duration(cfg.Channels.MaxBackoff),
	}, log)

	dash := dashboard.NewClient(manager)
	monitor := safety.NewMonitor(dash, time.Duration(cfg.Safety.DashboardPollInterval), log)
	receiver := realtime.NewReceiver(manager, log)

	engine := jog.New(manager, monitor, jog.Params{
		MaxLinearSpeed:       cfg.Jog.MaxLinearSpeed,
		MaxAngularSpeed:      cfg.Jog.MaxAngularSpeed,
		MaxJointSpeed:        cfg.Jog.MaxJointSpeed,
		LinearAcceleration:   cfg.Jog.LinearAcceleration,
		JointAcceleration:    cfg.Jog.JointAcceleration,
		StopDeceleration:     cfg.Jog.StopDeceleration,
		DefaultSpeedFraction: cfg.Jog.DefaultSpeedFraction,
		LinearStep:           cfg.Jog.LinearStep,
		AngularStep:          cfg.Jog.AngularStep,
		Cadence:              time.Duration(cfg.Jog.Cadence),
		StaleWindow:          time.Duration(cfg.Jog.StaleWindow),
	}, log)

	wireEvents(hub, manager, monitor, receiver, engine)

	verifier, err := buildVerifier(cfg.Server)
	if err != nil {
		return err
	}
	if verifier == nil {
		log.Warn("bearer auth disabled, API runs open")
	}

	server := api.NewServer(api.Deps{
		Engine:    engine,
		Hub:       hub,
		Robot:     dash,
		Channels:  manager,
		Safety:    monitor,
		Snapshots: receiver,
		Audit:     auditLogger,
		Auth:      auth.NewMiddleware(verifier),
	}, time.Duration(cfg.Server.ReadTimeout), time.Duration(cfg.Server.WriteTimeout))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// First connection round; the supervisors keep retrying whatever fails.
	if err := manager.OpenAll(ctx); err != nil {
		log.Warn("initial connect incomplete", zap.Error(err))
	}

	go manager.Run(ctx)
	go receiver.Run(ctx)
	go monitor.Run(ctx)
	go engine.Run(ctx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.Server.Addr)
	}()
	log.Info("serving", zap.String("addr", cfg.Server.Addr))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	hub.Stop()
	manager.CloseAll()
	if err := auditLogger.Close(); err != nil {
		log.Warn("audit close", zap.Error(err))
	}
	log.Info("shutdown complete")
	return nil
}

// wireEvents connects the internal callbacks and fans state changes out to
// SSE subscribers. Snapshot publication is throttled so the hub is not asked
// to fan out the full 125 Hz stream.
func wireEvents(hub *telemetry.Hub, manager *channel.Manager, monitor *safety.Monitor, receiver *realtime.Receiver, engine *jog.Engine) {
	receiver.AddSink(monitor.Observe)
	receiver.AddSink(engine.OnSnapshot)

	var lastPublished time.Time
	receiver.AddSink(func(snap realtime.Snapshot) {
		if time.Since(lastPublished) < 100*time.Millisecond {
			return
		}
		lastPublished = time.Now()
		hub.Publish(telemetry.Event{Type: telemetry.EventSnapshot, Data: map[string]interface{}{
			"time":            snap.Time,
			"tcpPose":         snap.TCPPose,
			"jointPositions":  snap.JointPositions,
			"jointVelocities": snap.JointVelocities,
			"robotMode":       snap.RobotMode.String(),
			"safetyMode":      snap.SafetyMode.String(),
			"speedScaling":    snap.SpeedScaling,
			"session":         snap.Session,
		}})
	})

	monitor.OnTransition(func(tr safety.Transition) {
		engine.OnSafetyTransition(tr)
		hub.Publish(telemetry.Event{Type: telemetry.EventSafetyTransition, Data: map[string]interface{}{
			"old": tr.Old.String(),
			"new": tr.New.String(),
			"at":  tr.At.Format(time.RFC3339Nano),
		}})
	})

	manager.OnStateChange(func(sc channel.StateChange) {
		engine.OnConnectionState(sc)
		data := map[string]interface{}{
			"channel": sc.Channel.String(),
			"old":     sc.Old.String(),
			"new":     sc.New.String(),
			"at":      sc.At.Format(time.RFC3339Nano),
		}
		if sc.Err != nil {
			data["error"] = sc.Err.Error()
		}
		hub.Publish(telemetry.Event{Type: telemetry.EventConnectionState, Data: data})
	})

	engine.OnStateChange(func(ch jog.StateChange) {
		hub.Publish(telemetry.Event{Type: telemetry.EventEngineState, Data: map[string]interface{}{
			"old":    ch.Old.String(),
			"new":    ch.New.String(),
			"reason": ch.Reason,
			"at":     ch.At.Format(time.RFC3339Nano),
		}})
		if ch.New == jog.Faulted {
			hub.Publish(telemetry.Event{Type: telemetry.EventFault, Data: map[string]interface{}{
				"reason": ch.Reason,
			}})
		}
	})
}

// buildVerifier returns nil when no key material is configured.
func buildVerifier(cfg config.ServerConfig) (*auth.Verifier, error) {
	switch {
	case cfg.JWTSecret != "":
		return auth.NewVerifier(auth.VerifierConfig{SecretKey: cfg.JWTSecret})
	case cfg.JWTPublicKeyPath != "":
		pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read JWT public key: %w", err)
		}
		return auth.NewVerifier(auth.VerifierConfig{PublicKeyPEM: string(pem)})
	default:
		return nil, nil
	}
}
