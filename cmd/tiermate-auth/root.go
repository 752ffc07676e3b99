package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tiermate/tiermate-auth/internal"
	"github.com/tiermate/tiermate-auth/internal/config"
	"github.com/tiermate/tiermate-auth/internal/envutil"
	"github.com/tiermate/tiermate-auth/internal/log"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "tiermate-auth",
		Short:         "Sign in to TierMate from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logLevel != "" {
				if err := log.SetLogLevel(opts.logLevel); err != nil {
					return err
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", envutil.ConfigPath(), "path to config file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (error, warn, info, debug, trace)")

	cmd.AddCommand(
		newConfigCmd(opts),
		newLoginCmd(opts),
		newSignupCmd(opts),
		newLogoutCmd(opts),
		newWhoamiCmd(opts),
		newRefreshCmd(opts),
		newAuthorizeURLCmd(opts),
		newCallbackCmd(opts),
		newMarkCmd(opts),
		newAgentCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig reads the config file named by --config, or defaults plus
// environment overrides when none is given
func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) newApp() (*internal.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return internal.NewApp(cfg)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}
