package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/tiermate/tiermate-auth/internal/idp"
	"github.com/tiermate/tiermate-auth/internal/qrlogin"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var (
		scopes []string
		noQR   bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in by scanning a QR code with WeChat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signalContext(cmd)
			defer stop()

			// the subscriber writes from the manager goroutine
			out := &syncWriter{w: cmd.OutOrStdout()}
			unsubscribe := app.QR.Subscribe(func(s qrlogin.Snapshot) {
				fmt.Fprintf(out, "  %s\n", s.State)
			})
			defer unsubscribe()

			login, err := app.QR.Start(ctx, scopes)
			if err != nil {
				return fmt.Errorf("starting QR login: %w", err)
			}

			fmt.Fprintln(out, "Scan with WeChat to sign in:")
			if !noQR {
				qrterminal.GenerateHalfBlock(login.QRURL, qrterminal.L, out)
			}
			fmt.Fprintln(out, login.QRURL)
			fmt.Fprintf(out, "Expires in %s\n", login.ExpiresIn)

			snap, err := app.QR.Wait(ctx)
			if err != nil {
				app.QR.Cancel()
				return fmt.Errorf("waiting for QR login: %w", err)
			}

			if snap.State != qrlogin.StateSuccess {
				return fmt.Errorf("QR login %s: %w", strings.ToLower(string(snap.State)), snap.Err)
			}

			state := app.Controller.RefreshUser(ctx)
			if !state.SignedIn() {
				return errors.New("QR login finished but no user could be loaded")
			}
			printSignedIn(out, state.User)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to request (defaults to the configured scopes)")
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "print only the QR URL")

	cmd.AddCommand(newPasswordLoginCmd(opts))
	return cmd
}

func newPasswordLoginCmd(opts *rootOptions) *cobra.Command {
	var (
		email         string
		password      string
		passwordStdin bool
	)

	cmd := &cobra.Command{
		Use:   "password",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if passwordStdin {
				p, err := readPassword(cmd.InOrStdin())
				if err != nil {
					return err
				}
				password = p
			}

			app, err := opts.newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signalContext(cmd)
			defer stop()

			result := app.Controller.SignInWithPassword(ctx, email, password)
			if result.Err != nil {
				return result.Err
			}
			printSignedIn(cmd.OutOrStdout(), result.User)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	_ = cmd.MarkFlagRequired("email")
	cmd.MarkFlagsMutuallyExclusive("password", "password-stdin")
	return cmd
}

func newSignupCmd(opts *rootOptions) *cobra.Command {
	var (
		email         string
		password      string
		passwordStdin bool
		displayName   string
	)

	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an email account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if passwordStdin {
				p, err := readPassword(cmd.InOrStdin())
				if err != nil {
					return err
				}
				password = p
			}

			app, err := opts.newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signalContext(cmd)
			defer stop()

			result := app.Controller.SignUp(ctx, email, password, displayName)
			if result.Err != nil {
				return result.Err
			}
			printSignedIn(cmd.OutOrStdout(), result.User)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	cmd.Flags().StringVar(&displayName, "display-name", "", "display name (defaults to the email local part)")
	_ = cmd.MarkFlagRequired("email")
	cmd.MarkFlagsMutuallyExclusive("password", "password-stdin")
	return cmd
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printSignedIn(w io.Writer, user *idp.User) {
	name := user.DisplayName
	if name == "" {
		name = string(user.ID)
	}
	if user.Email != "" {
		fmt.Fprintf(w, "Signed in as %s <%s>\n", name, user.Email)
		return
	}
	fmt.Fprintf(w, "Signed in as %s\n", name)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
