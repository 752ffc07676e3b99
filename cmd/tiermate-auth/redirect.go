package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tiermate/tiermate-auth/internal/session"
)

func newAuthorizeURLCmd(opts *rootOptions) *cobra.Command {
	var (
		provider   string
		returnPath string
		bind       bool
	)

	cmd := &cobra.Command{
		Use:   "authorize-url",
		Short: "Start a redirect login and print the provider URL to open",
		Long: `Stores a fresh PKCE attempt and prints the authorize URL. Open it in a
browser; the provider redirects to the configured redirectUri, which the
agent serves, or pass the final URL to "tiermate-auth callback".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signalContext(cmd)
			defer stop()

			var authURL string
			if bind {
				app.Controller.Initialize(ctx)
				authURL, err = app.Controller.BeginWeChatBind(ctx, returnPath)
			} else {
				authURL, err = app.Controller.BeginRedirectLogin(ctx, provider, returnPath)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), authURL)
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "wechat", "identity provider (wechat or google)")
	cmd.Flags().StringVar(&returnPath, "return-path", "", "path to return to after login")
	cmd.Flags().BoolVar(&bind, "bind", false, "bind WeChat to the signed-in account instead of signing in")
	return cmd
}

func newCallbackCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "callback <url>",
		Short: "Complete a redirect login from the URL the provider redirected to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := session.ParseCallbackURL(args[0])
			if err != nil {
				return err
			}

			app, err := opts.newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signalContext(cmd)
			defer stop()

			result := app.Controller.HandleRedirectCallback(ctx, params)
			if !result.Success {
				return fmt.Errorf("login failed: %w", result.Err)
			}

			out := cmd.OutOrStdout()
			if state := app.Controller.State(); state.SignedIn() {
				printSignedIn(out, state.User)
			}
			if result.Bind {
				fmt.Fprintln(out, "WeChat account bound")
			}
			fmt.Fprintf(out, "Return path: %s\n", result.ReturnPath)
			return nil
		},
	}
}
