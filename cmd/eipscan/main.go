// eipscan polls tags from EtherNet/IP controllers on fixed periods and
// republishes them over a REST API, websockets, MQTT, Valkey and Kafka.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"eipscan/config"
	"eipscan/logging"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	logger    *zap.Logger
	appConfig *config.Config
	debugLog  *logging.DebugLogger
)

var rootCmd = &cobra.Command{
	Use:           "eipscan",
	Short:         "EtherNet/IP tag scanner",
	Long:          "Polls tags from ControlLogix/CompactLogix controllers on fixed periods and republishes their values.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		var err error
		appConfig, err = config.Load(viper.GetString("config"))
		if err != nil {
			return err
		}
		overrideFromViper(appConfig)

		// The monitor owns the terminal and sets up its own logging.
		if cmd.Name() == "monitor" {
			return nil
		}
		logger, err = logging.NewLogger(appConfig.Log.Level, appConfig.Log.Format, "stderr")
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		if appConfig.Log.DebugFile != "" {
			if appConfig.Log.DebugFile == "-" {
				debugLog = logging.NewDebugWriter(os.Stderr)
			} else if debugLog, err = logging.NewDebugLogger(appConfig.Log.DebugFile); err != nil {
				return err
			}
			debugLog.SetFilter(appConfig.Log.DebugFilter)
			logging.SetGlobalDebugLogger(debugLog)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		if debugLog != nil {
			logging.SetGlobalDebugLogger(nil)
			debugLog.Close()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("eipscan %s\n", Version)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", config.DefaultPath(), "configuration file")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: console or json")
	pf.String("debug-log", "", "protocol debug log file, - for stderr")
	pf.String("debug-filter", "", "comma-separated protocols for the debug log (eip,cip,scan,mqtt,valkey,kafka,api,ssh)")
	pf.String("api-listen", "", "REST API listen address")

	for _, name := range []string{"config", "log-level", "log-format", "debug-log", "debug-filter", "api-listen"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
	viper.SetEnvPrefix("EIPSCAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(versionCmd, runCmd, readCmd, reportCmd, monitorCmd, simulateCmd)
}

// overrideFromViper applies flags and EIPSCAN_* variables over the file.
func overrideFromViper(cfg *config.Config) {
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if v := viper.GetString("debug-log"); v != "" {
		cfg.Log.DebugFile = v
	}
	if v := viper.GetString("debug-filter"); v != "" {
		cfg.Log.DebugFilter = v
	}
	if v := viper.GetString("api-listen"); v != "" {
		cfg.API.Listen = v
		cfg.API.Enabled = true
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
