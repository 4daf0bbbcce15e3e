package commands

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/smbdirect/internal/config"
)

// GlobalFlags holds the flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	Provider   string
	Debug      bool
	Simulated  bool
}

// Register adds the flags to cmd as persistent flags.
func (f *GlobalFlags) Register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.ConfigPath, "config", "", "Path to configuration file")
	pf.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&f.Provider, "provider", "", "RDMA provider (auto, infiniband, roce, iwarp, tcp)")
	pf.BoolVar(&f.Debug, "debug", false, "Enable debug logging")
	pf.BoolVar(&f.Simulated, "simulated", false, "Use the in-process simulated RDMA fabric")
}

// Load reads the configuration with the flag overrides applied and
// reapplies the configured log level.
func (f *GlobalFlags) Load() (*config.Config, error) {
	cfg, err := config.Load(f.ConfigPath, config.Options{
		Provider:  f.Provider,
		LogLevel:  f.LogLevel,
		Simulated: f.Simulated,
	})
	if err != nil {
		return nil, err
	}

	SetupLogging(cfg.LogLevel, f.Debug)

	return cfg, nil
}

// SetupLogging configures the global zerolog logger.
func SetupLogging(level string, debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

		return
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)
}
