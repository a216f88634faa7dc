package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/adw/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "adw",
	Short:   "AI developer workflow orchestration server",
	Long: `Serves the ADW control plane: a WebSocket trigger channel for dashboard
clients, an HTTP intake bridge for workflow workers, and a REST API over the
durable workflow state store. Running adw with no subcommand starts the server.`,
	Version: version,
	RunE:    runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .adw/config.yaml, then ~/.config/adw/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging (same as ADW_DEBUG=1)")
	rootCmd.PersistentFlags().String("root", "",
		"project root anchoring the agents/ and specs/ trees")

	rootCmd.PersistentFlags().Int("backend-port", 0, "HTTP intake and API port (overrides config)")
	rootCmd.PersistentFlags().Int("websocket-port", 0, "WebSocket trigger port (overrides config)")

	_ = viper.BindPFlag("project_root", rootCmd.PersistentFlags().Lookup("root"))
	_ = viper.BindPFlag("server.backend_port", rootCmd.PersistentFlags().Lookup("backend-port"))
	_ = viper.BindPFlag("server.websocket_port", rootCmd.PersistentFlags().Lookup("websocket-port"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("server.backend_port", defaults.Server.BackendPort)
	viper.SetDefault("server.websocket_port", defaults.Server.WebSocketPort)
	viper.SetDefault("server.heartbeat_interval", defaults.Server.HeartbeatInterval)
	viper.SetDefault("server.idle_timeout", defaults.Server.IdleTimeout)
	viper.SetDefault("server.stuck_threshold", defaults.Server.StuckThreshold)
	viper.SetDefault("store.path", defaults.Store.Path)
	viper.SetDefault("store.db_only", defaults.Store.DBOnly)
	viper.SetDefault("launcher.script", defaults.Launcher.Script)
	viper.SetDefault("launcher.env_file", defaults.Launcher.EnvFile)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("project_root", defaults.ProjectRoot)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .adw/config.yaml (current directory)
		// 2. ~/.config/adw/config.yaml (user config)
		if _, err := os.Stat(".adw/config.yaml"); err == nil {
			viper.SetConfigFile(".adw/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "adw"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults and env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			cobra.CheckErr(err)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
