package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMarkCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mark <login-id>",
		Short: "Write a QR login completion marker",
		Long: `Writes a signed completion marker for login-id into the shared store.
A waiting "tiermate-auth login" or agent using the same store and
qrLogin.markerKey treats the login as completed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if app.Config.QRLogin.MarkerKey == "" {
				return fmt.Errorf("qrLogin.markerKey must be configured to write markers")
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			if err := app.Markers.Put(ctx, args[0]); err != nil {
				return fmt.Errorf("writing marker: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %s as completed\n", args[0])
			return nil
		},
	}
}
