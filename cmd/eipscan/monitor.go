package main

import (
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"eipscan/logging"
	"eipscan/tui"
)

// switchWriter forwards to a writer that can be replaced once the monitor
// exists.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *switchWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

// monitorLogger logs console lines to sink; the terminal belongs to the UI.
func monitorLogger(level string, sink io.Writer) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		var err error
		if lvl, err = zapcore.ParseLevel(level); err != nil {
			return nil, err
		}
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(sink), lvl)
	return zap.New(core), nil
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the scanner with a terminal monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sink := &switchWriter{w: io.Discard}
		var err error
		logger, err = monitorLogger(appConfig.Log.Level, sink)
		if err != nil {
			return err
		}

		g, err := newGateway(appConfig, logger)
		if err != nil {
			return err
		}
		app := tui.NewApp(g.reg, appConfig, g.services)
		sink.set(app.Debug())

		switch appConfig.Log.DebugFile {
		case "":
		case "-":
			debugLog = logging.NewDebugWriter(app.Debug())
		default:
			if debugLog, err = logging.NewDebugLogger(appConfig.Log.DebugFile); err != nil {
				return err
			}
		}
		if debugLog != nil {
			debugLog.SetFilter(appConfig.Log.DebugFilter)
			logging.SetGlobalDebugLogger(debugLog)
		}

		g.start(ctx)
		defer g.stop()

		go func() {
			<-ctx.Done()
			app.Stop()
		}()
		return app.Run()
	},
}
