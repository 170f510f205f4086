package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/ghdevice/internal/app"
	"github.com/florianilch/ghdevice/internal/auth"
	"github.com/florianilch/ghdevice/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "ghdevice",
		Usage: "GitHub device-flow login and token manager",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelWarn.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "log-exporter",
				Usage: "export logs through OpenTelemetry (stdout|otlp-http|otlp-grpc)",
			},
			&cli.StringFlag{
				Name:  "github--client-id",
				Usage: "OAuth app client id",
			},
			&cli.StringSliceFlag{
				Name:  "github--scopes",
				Usage: "OAuth scopes to request",
			},
			&cli.StringFlag{
				Name:  "auth--storage",
				Usage: "token storage (file|keyring|env)",
				Value: string(app.DefaultConfigAuthStorage),
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			logoutCommand(),
			statusCommand(),
			tokenCommand(),
			proxyCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "authenticate with GitHub using the device flow",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, shutdown, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer shutdown()

			errOut := cmd.Root().ErrWriter
			identity, err := application.Login(ctx, func(v auth.Verification) {
				printVerification(errOut, isTerminal(errOut), v)
			})
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			_, _ = fmt.Fprintf(errOut, "Logged in as %s\n", identity.Login)
			return nil
		},
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "revoke the stored token and remove it",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, shutdown, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer shutdown()

			if err := application.Logout(ctx); err != nil {
				return fmt.Errorf("logout failed: %w", err)
			}

			_, _ = fmt.Fprintln(cmd.Root().ErrWriter, "Logged out")
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the authenticated account and API quota",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, shutdown, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer shutdown()

			status, err := application.Status(ctx)
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}

			printStatus(cmd.Root().Writer, status)
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "print a valid access token, refreshing it if needed",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, shutdown, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer shutdown()

			tok, err := application.TokenSource().Token()
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(cmd.Root().Writer, tok.AccessToken)
			return nil
		},
	}
}

func proxyCommand() *cli.Command {
	return &cli.Command{
		Name:  "proxy",
		Usage: "serve the GitHub API on a local address using the stored token",
		Commands: []*cli.Command{
			{
				Name: "start",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "server--host",
						Usage: "server host",
						Value: app.DefaultConfigServerHost,
					},
					&cli.IntFlag{
						Name:  "server--port",
						Usage: "server port",
						Value: int(app.DefaultConfigServerPort),
					},
				},
				Action: proxyStartAction,
			},
		},
	}
}

func proxyStartAction(ctx context.Context, cmd *cli.Command) error {
	application, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer shutdown()

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

// setup loads the configuration, installs logging and builds the app.
// The returned func flushes the log pipeline.
func setup(ctx context.Context, cmd *cli.Command) (*app.App, func(), error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdownObservability, err := observability.Instrument(ctx, observability.Options{
		Level:    cfg.LogLevel,
		Format:   string(cfg.LogFormat),
		Exporter: cfg.LogExporter,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	shutdown := func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Shutdown.Timeout)
		defer cancel()
		if err := shutdownObservability(flushCtx); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "flushing logs:", err)
		}
	}

	application, err := app.New(cfg)
	if err != nil {
		shutdown()
		return nil, nil, fmt.Errorf("failed to create app: %w", err)
	}

	return application, shutdown, nil
}

// printVerification tells the user where to enter the code.
func printVerification(w io.Writer, styled bool, v auth.Verification) {
	code := v.UserCode
	if styled {
		code = "\x1b[1m" + code + "\x1b[0m"
	}
	_, _ = fmt.Fprintf(w, "! First copy your one-time code: %s\n", code)
	_, _ = fmt.Fprintf(w, "Then open %s in your browser (code expires at %s)\n",
		v.VerificationURI, v.ExpiresAt.Local().Format(time.Kitchen))
}

func printStatus(w io.Writer, s app.Status) {
	if !s.Authenticated {
		_, _ = fmt.Fprintln(w, "Not logged in. Run `ghdevice login` to authenticate.")
		return
	}

	_, _ = fmt.Fprintf(w, "Logged in as %s\n", s.Login)

	expiry := "does not expire"
	if !s.ExpiresAt.IsZero() {
		expiry = "expires " + s.ExpiresAt.Local().Format(time.RFC1123)
	}
	renewal := "cannot be renewed"
	if s.Refreshable {
		renewal = "renews automatically"
	}
	_, _ = fmt.Fprintf(w, "Token %s, %s\n", expiry, renewal)

	if s.Quota.Limit > 0 {
		_, _ = fmt.Fprintf(w, "API quota: %d of %d remaining, resets %s\n",
			s.Quota.Remaining, s.Quota.Limit, s.Quota.ResetAt.Local().Format(time.Kitchen))
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
