package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gdamore/tcell/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"eipscan/api"
	"eipscan/config"
	"eipscan/kafka"
	"eipscan/logging"
	"eipscan/mqtt"
	"eipscan/plcman"
	"eipscan/ssh"
	"eipscan/tui"
	"eipscan/valkey"
)

// gateway is the registry with every configured outer surface.
type gateway struct {
	cfg    *config.Config
	log    *zap.Logger
	reg    *plcman.Registry
	api    *api.Server
	mqtt   []*mqtt.Publisher
	valkey *valkey.Manager
	kafka  *kafka.Manager
	ssh    *ssh.Server
}

func newGateway(cfg *config.Config, log *zap.Logger) (*gateway, error) {
	log = logging.OrNop(log)
	reg := plcman.NewRegistry(plcman.WithLogger(log))
	if err := cfg.Apply(reg); err != nil {
		return nil, err
	}
	g := &gateway{
		cfg:    cfg,
		log:    log,
		reg:    reg,
		api:    api.NewServer(reg, cfg, log),
		valkey: valkey.NewManager(cfg, reg, log),
		kafka:  kafka.NewManager(cfg, reg, log),
	}
	for i := range cfg.MQTT {
		if cfg.MQTT[i].Enabled {
			g.mqtt = append(g.mqtt, mqtt.NewPublisher(&cfg.MQTT[i], cfg.Namespace, reg, cfg.Writable, log))
		}
	}
	if cfg.SSH.Enabled {
		g.ssh = ssh.NewServer(&cfg.SSH, func(screen tcell.Screen) ssh.Monitor {
			return tui.NewAppWithScreen(reg, cfg, g.services, screen)
		}, log)
	}
	return g, nil
}

// start starts polling and the outer surfaces. A surface that fails to
// start is logged and left stopped.
func (g *gateway) start(ctx context.Context) {
	n := g.reg.Start(ctx)
	g.log.Info("scanners started", zap.Int("controllers", n))

	if g.cfg.API.Enabled {
		if err := g.api.Start(ctx, g.cfg.API.Listen); err != nil {
			g.log.Error("API server failed to start", zap.Error(err))
		}
	}
	for _, p := range g.mqtt {
		if err := p.Start(ctx); err != nil {
			g.log.Error("MQTT publisher failed to start", zap.Error(err))
		}
	}
	g.valkey.StartAll(ctx)
	g.kafka.StartAll(ctx)
	if g.ssh != nil {
		if err := g.ssh.Start(); err != nil {
			g.log.Error("SSH monitor failed to start", zap.Error(err))
		}
	}
}

func (g *gateway) stop() {
	if g.ssh != nil {
		g.ssh.Stop()
	}
	for _, p := range g.mqtt {
		p.Stop()
	}
	g.valkey.StopAll()
	g.kafka.StopAll()
	if err := g.api.Stop(); err != nil {
		g.log.Warn("API server stop", zap.Error(err))
	}
	g.reg.Stop()
}

// services describes the outer surfaces for the monitor.
func (g *gateway) services() []tui.ServiceStatus {
	var out []tui.ServiceStatus
	if g.cfg.API.Enabled {
		out = append(out, tui.ServiceStatus{
			Kind:    "API",
			Name:    "rest",
			Address: g.cfg.API.Listen,
			Running: g.api.IsRunning(),
			Detail:  fmt.Sprintf("%d websocket clients", g.api.Hub().Clients()),
		})
	}
	for _, p := range g.mqtt {
		out = append(out, tui.ServiceStatus{
			Kind:    "MQTT",
			Name:    p.Name(),
			Address: p.Address(),
			Running: p.IsRunning(),
			Detail:  fmt.Sprintf("%d published, %d writes", p.Published(), p.Writes()),
		})
	}
	for _, p := range g.valkey.List() {
		out = append(out, tui.ServiceStatus{
			Kind:    "Valkey",
			Name:    p.Name(),
			Address: p.Address(),
			Running: p.IsRunning(),
			Detail:  fmt.Sprintf("%d published, %d writes", p.Published(), p.Writes()),
		})
	}
	for _, p := range g.kafka.List() {
		sent, errs, writes := p.Stats()
		detail := fmt.Sprintf("%d sent, %d errors, %d writes", sent, errs, writes)
		if err := p.LastError(); err != nil {
			detail += ": " + err.Error()
		}
		out = append(out, tui.ServiceStatus{
			Kind:    "Kafka",
			Name:    p.Name(),
			Address: p.Topic(),
			Running: p.IsRunning(),
			Detail:  detail,
		})
	}
	if g.ssh != nil {
		out = append(out, tui.ServiceStatus{
			Kind:    "SSH",
			Name:    "monitor",
			Address: g.cfg.SSH.Listen,
			Running: g.ssh.IsRunning(),
			Detail:  fmt.Sprintf("%d sessions", g.ssh.Sessions()),
		})
	}
	return out
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the configured controllers and serve their values",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		g, err := newGateway(appConfig, logger)
		if err != nil {
			return err
		}
		logger.Info("starting eipscan",
			zap.String("version", Version),
			zap.Int("plcs", len(appConfig.PLCs)),
			zap.String("namespace", appConfig.Namespace))
		g.start(ctx)

		<-ctx.Done()
		logger.Info("shutting down")
		g.stop()
		return nil
	},
}
