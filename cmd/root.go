package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chhz0/actionq/config"
	"github.com/chhz0/actionq/logging"
)

// 构建时通过 -ldflags "-X main.Version=..." 注入
var Version = "dev"

type rootOptions struct {
	logLevel  string
	logPretty bool
	cfg       config.Config
}

// NewRootCmd creates the actionq command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:     "actionq",
		Short:   "Action-routed task queue",
		Long:    "actionq dispatches queued tasks to handlers registered by action name and runs them on named executors.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// 命令行参数优先于环境变量
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = opts.logLevel
			}
			if cmd.Flags().Changed("log-pretty") {
				cfg.LogPretty = opts.logPretty
			}
			opts.cfg = cfg

			logging.Setup(cfg.LogLevel, cfg.LogPretty)
			log.Debug().Str("command", cmd.Name()).Msg("Command started")
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return fmt.Errorf("no command specified")
		},
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&opts.logPretty, "log-pretty", false, "human readable console logs")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newActionsCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "actionq %s\n", Version)
			return err
		},
	}
}
