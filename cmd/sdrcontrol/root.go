package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/banshee-data/sdrcontrol/internal/config"
	"github.com/banshee-data/sdrcontrol/internal/monitoring"
)

// app carries state shared by every subcommand. cfg is populated in the
// root PersistentPreRunE.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{v: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:           "sdrcontrol",
		Short:         "Control and stream from RTL-SDR receivers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := a.setupFlags(rootCmd); err != nil {
		panic(err)
	}

	versionCmd := versionCommand()
	rootCmd.AddCommand(
		a.devicesCommand(),
		a.infoCommand(),
		a.setCommand(),
		a.streamCommand(),
		a.serveCommand(),
		a.migrateCommand(),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd == versionCmd {
			return nil
		}
		return a.initialize()
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if a.log != nil {
			_ = a.log.Sync()
		}
	}

	return rootCmd
}

// setupFlags defines the global flags and binds them to their config keys.
func (a *app) setupFlags(rootCmd *cobra.Command) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "Config file (default ./sdrcontrol.yaml or /etc/sdrcontrol/sdrcontrol.yaml)")
	flags.String("driver", a.v.GetString("driver"), "Receiver driver: librtlsdr, rtltcp or mock")
	flags.StringSlice("rtltcp", nil, "rtl_tcp server addresses, used with --driver rtltcp")
	flags.String("db", a.v.GetString("db.path"), "Path to the SQLite database")
	flags.String("log-level", a.v.GetString("log.level"), "Log level: debug, info, warn or error")
	flags.Bool("log-json", a.v.GetBool("log.json"), "Log in JSON")

	for key, name := range map[string]string{
		"driver":           "driver",
		"rtltcp.addresses": "rtltcp",
		"db.path":          "db",
		"log.level":        "log-level",
		"log.json":         "log-json",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", name, err)
		}
	}
	return nil
}

// initialize loads the configuration and installs the process logger.
func (a *app) initialize() error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, err := monitoring.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return err
	}
	a.log = log
	monitoring.SetLogger(log)
	if used := a.v.ConfigFileUsed(); used != "" {
		log.Debug("loaded config", zap.String("file", used))
	}
	return nil
}
