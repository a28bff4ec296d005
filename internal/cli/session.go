package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/engine"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/remote"
)

// SessionView is the printable outcome of a session command.
type SessionView struct {
	State       engine.State       `json:"state"`
	Online      bool               `json:"online"`
	Subject     string             `json:"subject,omitempty"`
	DisplayName string             `json:"display_name,omitempty"`
	Roles       []string           `json:"roles,omitempty"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
	Drained     engine.DrainReport `json:"drained"`
}

func newSessionView(res engine.Result) SessionView {
	v := SessionView{State: res.State, Online: res.Online, Drained: res.Drain}
	if res.Session != nil {
		v.Subject = res.Session.Subject
		v.DisplayName = res.Session.DisplayName
		v.Roles = res.Session.Roles
		v.ExpiresAt = res.Session.ExpiresAt
	}
	return v
}

func (v SessionView) String() string {
	var b strings.Builder
	mode := "offline"
	if v.Online {
		mode = "online"
	}
	fmt.Fprintf(&b, "state:   %s (%s)\n", v.State, mode)
	if v.Subject != "" {
		fmt.Fprintf(&b, "subject: %s", v.Subject)
		if v.DisplayName != "" {
			fmt.Fprintf(&b, " (%s)", v.DisplayName)
		}
		b.WriteString("\n")
		if len(v.Roles) > 0 {
			fmt.Fprintf(&b, "roles:   %s\n", strings.Join(v.Roles, ", "))
		}
		if v.ExpiresAt != nil {
			fmt.Fprintf(&b, "expires: %s\n", v.ExpiresAt.Format(time.RFC3339))
		}
	}
	if v.Drained.Attempted > 0 {
		fmt.Fprintf(&b, "queue:   %d sent, %d failed\n", v.Drained.Completed, v.Drained.Failed)
	}
	return b.String()
}

// LogoutAllView is the printable outcome of logout-all.
type LogoutAllView struct {
	Subject             string `json:"subject"`
	SessionsInvalidated int    `json:"sessions_invalidated"`
}

func (v LogoutAllView) String() string {
	return fmt.Sprintf("ended %d session(s) of %s\n", v.SessionsInvalidated, v.Subject)
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Reconcile the local session",
		Long: `Run the reconciliation sequence: probe, drain the queue when online,
then verify or trust the stored session.

Example:
  fieldops resume --db ./device.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				res, err := app.Sessions.OnResume(ctx)
				if err != nil {
					return sessionError(err)
				}
				return app.Out.Success(newSessionView(res))
			})
		},
	}
}

// LoginOptions holds flags for the login command.
type LoginOptions struct {
	*RootOptions
	User     string
	Password string
	Force    bool
}

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoginOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in against the server",
		Long: `Log in. Any stored session is cleared first.

When the account is active on another device the login is refused; pass
--force to end those sessions and log in.

Examples:
  fieldops login --user jose --password s3cret
  fieldops login --user jose --password s3cret --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts.RootOptions, cmd, func(ctx context.Context, app *App) error {
				login := app.Sessions.OnLogin
				if opts.Force {
					login = app.Sessions.ForceLogin
				}
				res, err := login(ctx, opts.User, opts.Password)
				if err != nil {
					return sessionError(err)
				}
				return app.Out.Success(newSessionView(res))
			})
		},
	}

	cmd.Flags().StringVarP(&opts.User, "user", "u", "", "username (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().StringVarP(&opts.Password, "password", "p", "", "password (required)")
	_ = cmd.MarkFlagRequired("password")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "end sessions on other devices first")

	return cmd
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out; never waits for the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				res, err := app.Sessions.OnLogout(ctx)
				if err != nil {
					return sessionError(err)
				}
				return app.Out.Success(newSessionView(res))
			})
		},
	}
}

// NewLogoutAllCommand creates the logout-all command.
func NewLogoutAllCommand(rootOpts *RootOptions) *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "logout-all",
		Short: "End every session of a subject",
		Long: `End every session of a subject on every device.

The command fails unless the server confirms. When offline the request is
queued and sent by a later command.

Example:
  fieldops logout-all --subject jose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				result, err := app.Sessions.OnLogoutAll(ctx, subject)
				if err != nil {
					return sessionError(err)
				}
				return app.Out.Success(LogoutAllView{Subject: subject, SessionsInvalidated: result.SessionsInvalidated})
			})
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "subject whose sessions end (required)")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

// NewWhoamiCommand creates the whoami command.
func NewWhoamiCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity this device acts as",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				_, res, err := app.identity(ctx)
				if err != nil {
					return err
				}
				if res.State == engine.NoSession {
					return NewExitError(ExitFailure, "NO_SESSION", "not logged in")
				}
				return app.Out.Success(newSessionView(res))
			})
		},
	}
}

// sessionError maps engine and remote errors to exit errors.
func sessionError(err error) error {
	switch {
	case engine.IsNotConfirmed(err):
		return WrapExitError(ExitUnavailable, "NOT_CONFIRMED",
			"server did not confirm; the request is queued if it could not be sent", err)
	case remote.IsBadCredentials(err):
		return WrapExitError(ExitFailure, "BAD_CREDENTIALS", "invalid username or password", err)
	case remote.IsSessionConflict(err):
		return WrapExitError(ExitFailure, "SESSION_CONFLICT",
			"account is active on another device; retry with --force", err)
	case remote.IsUnreachable(err):
		return WrapExitError(ExitUnavailable, "OFFLINE", "server unreachable; nothing changed", err)
	case engine.IsOffline(err):
		return WrapExitError(ExitUnavailable, "OFFLINE", "server unreachable", err)
	case engine.IsStorage(err):
		return WrapExitError(ExitCommandError, "STORE", "local store failed", err)
	}
	return WrapExitError(ExitFailure, "REJECTED", "request rejected", err)
}
