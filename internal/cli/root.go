// Package cli implements the memgov command line tool.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/memgov"
	"github.com/hupe1980/memgov/codec"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:          "memgov",
		Short:        "Adaptive memory and cache governor",
		Long:         "Runs the memory governor: pool accounting, level-of-detail control, clustering, SOM caching and usage prediction.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "YAML configuration file (default: $MEMGOV_CONFIG or built-in defaults)")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&f.logFormat, "log-format", "text", "Log format: text or json")

	cmd.AddCommand(newConfigCmd(f), newRunCmd(f), newSimulateCmd(f))
	return cmd
}

func (f *rootFlags) loadConfig() (memgov.Config, error) {
	path := f.configPath
	if path == "" {
		path = os.Getenv("MEMGOV_CONFIG")
	}
	if path == "" {
		return memgov.DefaultConfig(), nil
	}
	return memgov.LoadConfig(path)
}

func (f *rootFlags) logger(w io.Writer) (*memgov.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", f.logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(f.logFormat) {
	case "text":
		return memgov.NewLogger(slog.NewTextHandler(w, opts)), nil
	case "json":
		return memgov.NewLogger(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", f.logFormat)
	}
}

func printJSON(w io.Writer, v any, indent bool) error {
	enc := codec.GoJSON{}
	marshal := enc.Marshal
	if indent {
		marshal = enc.MarshalIndent
	}
	b, err := marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
