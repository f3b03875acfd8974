// Package commands builds the wardenctl command tree.
package commands

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultServer = "http://localhost:3700"

// Config holds CLI runtime configuration.
type Config struct {
	Server  string `mapstructure:"server"`
	Timeout time.Duration
}

// NewRootCmd builds the root command with shared flags.
func NewRootCmd() *cobra.Command {
	cobra.OnInitialize(initConfig)

	cfg := &Config{
		Server:  defaultServer,
		Timeout: 10 * time.Second,
	}

	cmd := &cobra.Command{
		Use:           "wardenctl",
		Short:         "Operator CLI for the warden mediation daemon",
		Long:          "Inspect and decide the permission queue of a running warden daemon.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.Unmarshal(cfg)
		},
	}

	cmd.PersistentFlags().StringP("server", "s", defaultServer, "Warden server base URL")
	cmd.PersistentFlags().Duration("timeout", 10*time.Second, "HTTP request timeout")

	viper.BindPFlag("server", cmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("timeout", cmd.PersistentFlags().Lookup("timeout"))

	cmd.AddCommand(NewListCmd(cfg))
	cmd.AddCommand(NewApproveCmd(cfg))
	cmd.AddCommand(NewDenyCmd(cfg))
	cmd.AddCommand(NewWatchCmd(cfg))
	cmd.AddCommand(NewRulesCmd(cfg))
	cmd.AddCommand(NewAllowCmd(cfg))

	return cmd
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.warden")

	viper.SetEnvPrefix("SANDBOX")
	viper.AutomaticEnv()
	// The in-container agent convention: SANDBOX_API points at the server.
	viper.BindEnv("server", "SANDBOX_API")

	_ = viper.ReadInConfig()
}
