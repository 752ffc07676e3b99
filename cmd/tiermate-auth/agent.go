package main

import (
	"github.com/spf13/cobra"

	"github.com/tiermate/tiermate-auth/internal"
)

func newAgentCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the local agent that serves callbacks and session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Agent.Addr = addr
			}

			app, err := internal.NewApp(cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signalContext(cmd)
			defer stop()

			return app.RunAgent(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides agent.addr)")
	return cmd
}
