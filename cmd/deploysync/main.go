package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/deploysync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "deploysync",
		Short:         "Collaborative deployment checklists",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newDeviceCommand(),
		newCreateCommand(),
		newUpdateCommand(),
		newDeleteCommand(),
		newListCommand(),
		newShowCommand(),
		newStepCommand(),
		newPrerequisiteCommand(),
		newNoteCommand(),
		newWatchCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("client.database_path"), "Local SQLite store path")
	cmd.PersistentFlags().String("relay-url", defaults.GetString("client.relay_url"), "Relay WebSocket URL")
	cmd.PersistentFlags().String("user-name", defaults.GetString("client.user_name"), "Display name announced to collaborators")
	cmd.PersistentFlags().Int("throttle-ms", defaults.GetInt("client.throttle_ms"), "Minimum interval between delta sends per deployment")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "client.database_path", "database-path")
	bindFlag(cmd, "client.relay_url", "relay-url")
	bindFlag(cmd, "client.user_name", "user-name")
	bindFlag(cmd, "client.throttle_ms", "throttle-ms")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	config.LoadDotEnv(".")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
