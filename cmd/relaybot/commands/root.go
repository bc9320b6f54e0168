// Package commands holds the relaybot command tree.
package commands

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"relaybot/internal/config"
)

type rootOptions struct {
	configPath string
	envFile    string
}

// NewRootCmd builds the command tree. Without a subcommand it runs the bot.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "relaybot",
		Short:         "Chat relay bot: routing-group fan-out and day-scoped authorization",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(opts.envFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd, opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config (json or yaml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config; missing is fine")

	root.AddCommand(
		newRunCmd(opts),
		newLedgerCmd(opts),
		newRoutesCmd(opts),
		newVersionCmd(),
	)
	return root
}

func Execute() error { return NewRootCmd().Execute() }

// loadEnv fills the environment from a dotenv file without overriding
// variables that are already set.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.NewConfigManager(o.configPath).Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
