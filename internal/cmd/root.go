package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nadavbarak14/agentide/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "agentide",
	Short: "Session scheduler for interactive coding agents",
	Long: `agentide runs interactive coding-agent sessions under a capacity limit.

Sessions beyond the limit wait in a queue. An idle session that has already
received input is suspended when queued work could use its slot, and resumes
in continuation mode when a slot frees up again.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/agentide/config.yaml)")
	rootCmd.PersistentFlags().String("addr", "", "server address (default from server.addr)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("server.addr", rootCmd.PersistentFlags().Lookup("addr"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("AGENTIDE")
	// Replace dots with underscores for nested keys in env vars
	// e.g., AGENTIDE_SCHEDULER_MAX_CONCURRENT_SESSIONS for scheduler.max_concurrent_sessions
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
