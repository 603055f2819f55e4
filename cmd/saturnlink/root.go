package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mzyy94/saturnlink/internal/config"
	"github.com/mzyy94/saturnlink/internal/engine"
	"github.com/mzyy94/saturnlink/internal/registry"
)

// cfg merges flags with SATURNLINK_* environment variables.
var cfg = viper.New()

var rootCmd = &cobra.Command{
	Use:   "saturnlink",
	Short: "Discover, control and upload to SDCP resin printers",
	Long: `SaturnLink talks to SDCP resin printers on the local network.

The printer is invited to connect back to a broker run by this process,
and uploads are served to it from a short-lived HTTP file server.

Every flag can also be set through the environment, for example
SATURNLINK_LOG_LEVEL=debug or SATURNLINK_DATA_DIR=/var/lib/saturnlink.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := parseLogLevel(cfg.GetString("log-level"))
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

func init() {
	home, _ := os.UserHomeDir()
	pf := rootCmd.PersistentFlags()
	pf.String("data-dir", filepath.Join(home, ".saturnlink"), "Directory for settings and the printer registry")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.Int("listen", 8080, "Control API port (serve)")
	pf.String("bind", "", "Local IP offered to the printer; empty picks one per printer")
	pf.String("mdns-name", "SaturnLink", "mDNS instance name (serve)")
	pf.Bool("no-persist", false, "Keep settings in memory and skip the printer registry")

	cfg.SetEnvPrefix("SATURNLINK")
	cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cfg.AutomaticEnv()
	if err := cfg.BindPFlags(pf); err != nil {
		panic(err)
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runtime holds what every subcommand opens.
type runtime struct {
	settings *config.Store
	registry *registry.Registry // nil with --no-persist
	engine   *engine.Engine
}

func openRuntime() (*runtime, error) {
	rt := &runtime{}
	if cfg.GetBool("no-persist") {
		rt.settings = config.NewMemoryStore()
	} else {
		dir := cfg.GetString("data-dir")
		s, err := config.NewStore(dir)
		if err != nil {
			return nil, fmt.Errorf("open settings: %w", err)
		}
		reg, err := registry.Open(filepath.Join(dir, "printers.db"))
		if err != nil {
			return nil, err
		}
		rt.settings, rt.registry = s, reg
	}

	s := rt.settings.Get()
	opts := engine.Options{
		BindIP:       cfg.GetString("bind"),
		BrokerPort:   s.BrokerPort,
		FilePort:     s.FilePort,
		StatusPeriod: s.StatusPeriodMs,
		EventBuffer:  256,
	}
	if rt.registry != nil {
		opts.Store = rt.registry
	}
	rt.engine = engine.New(opts)
	return rt, nil
}

func (rt *runtime) Close() {
	if err := rt.engine.Close(); err != nil {
		slog.Warn("engine close failed", "err", err)
	}
	if rt.registry != nil {
		rt.registry.Close()
	}
}
