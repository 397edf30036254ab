package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"eipscan/cip"
	"eipscan/plcman"
	"eipscan/plcsim"
)

var readCmd = &cobra.Command{
	Use:   "read ADDRESS TAG",
	Short: "Read a tag once and print its type and values",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, _ := cmd.Flags().GetUint8("slot")
		elements, _ := cmd.Flags().GetInt("elements")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		data, err := plcman.ReadTag(cmd.Context(), args[0], slot, args[1], elements, timeout, logger)
		if err != nil {
			return err
		}
		t, _, err := cip.TypeHeader(data)
		if err != nil {
			return err
		}
		values, err := cip.Decode(data)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s (%d bytes)\n", args[1], t, len(data))
		for i, v := range values {
			fmt.Printf("  [%d] %s\n", i, v)
		}
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Poll the configured controllers once and print a report",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetInt("level")
		wait, _ := cmd.Flags().GetDuration("wait")
		dump, _ := cmd.Flags().GetBool("dump")

		reg := plcman.NewRegistry(plcman.WithLogger(logger))
		if err := appConfig.Apply(reg); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), wait)
		defer cancel()
		reg.Start(ctx)
		waitPolled(ctx, reg)

		reg.Report(os.Stdout, level)
		if dump {
			reg.Dump(os.Stdout)
		}
		reg.Stop()
		return nil
	},
}

// waitPolled returns once every tag has data or failed, or ctx is done.
func waitPolled(ctx context.Context, reg *plcman.Registry) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		done := true
		for _, st := range reg.Status() {
			if st.Errors > 0 {
				continue
			}
			for _, tv := range reg.Controller(st.Name).Values() {
				if !tv.Valid && tv.Error == "" {
					done = false
				}
			}
		}
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Serve simulated controller tags for testing",
	Example: `  eipscan simulate --listen 127.0.0.1:44818 \
    --tag Speed=REAL:12.5 --tag Counts=DINT:1,2,3 --tag Name=STRING:line1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		defs, _ := cmd.Flags().GetStringArray("tag")

		sim := plcsim.New(logger)
		for _, def := range defs {
			name, values, err := parseSimTag(def)
			if err != nil {
				return err
			}
			if err := sim.SetTag(name, values...); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := sim.Start(ctx, listen); err != nil {
			return err
		}
		logger.Info("simulator listening", zap.String("address", sim.Addr()), zap.Strings("tags", sim.TagNames()))
		<-ctx.Done()
		return sim.Close()
	},
}

var simTypes = map[string]cip.TypeCode{
	"BOOL":  cip.TypeBOOL,
	"SINT":  cip.TypeSINT,
	"INT":   cip.TypeINT,
	"DINT":  cip.TypeDINT,
	"REAL":  cip.TypeREAL,
	"DWORD": cip.TypeBITS,
}

// parseSimTag parses NAME=TYPE:v1,v2,...
func parseSimTag(def string) (string, []cip.Value, error) {
	name, rest, ok := strings.Cut(def, "=")
	if !ok || name == "" {
		return "", nil, fmt.Errorf("tag %q: want NAME=TYPE:VALUES", def)
	}
	typ, list, ok := strings.Cut(rest, ":")
	if !ok || list == "" {
		return "", nil, fmt.Errorf("tag %q: want NAME=TYPE:VALUES", def)
	}
	typ = strings.ToUpper(typ)
	if typ == "STRING" {
		var values []cip.Value
		for _, s := range strings.Split(list, ",") {
			values = append(values, cip.String(s))
		}
		return name, values, nil
	}
	code, ok := simTypes[typ]
	if !ok {
		return "", nil, fmt.Errorf("tag %q: unknown type %s", def, typ)
	}
	var values []cip.Value
	for _, s := range strings.Split(list, ",") {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			if b, berr := strconv.ParseBool(s); berr == nil && code == cip.TypeBOOL {
				f = 0
				if b {
					f = 1
				}
			} else {
				return "", nil, fmt.Errorf("tag %q: %w", def, err)
			}
		}
		v, err := cip.Convert(code, f)
		if err != nil {
			return "", nil, fmt.Errorf("tag %q: %w", def, err)
		}
		values = append(values, v)
	}
	return name, values, nil
}

func init() {
	readCmd.Flags().Uint8("slot", 0, "controller slot in the backplane")
	readCmd.Flags().Int("elements", 1, "number of elements to read")
	readCmd.Flags().Duration("timeout", 5*time.Second, "connect and reply timeout")

	reportCmd.Flags().Int("level", 3, "report detail, 0..3")
	reportCmd.Flags().Duration("wait", 10*time.Second, "how long to wait for the first scan")
	reportCmd.Flags().Bool("dump", false, "also print every tag value")

	simulateCmd.Flags().String("listen", "127.0.0.1:44818", "listen address")
	simulateCmd.Flags().StringArray("tag", nil, "tag as NAME=TYPE:v1,v2 (repeatable)")
}
