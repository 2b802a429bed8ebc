// Command grantctl drives the grant engine from the command line against a
// memory, Valkey or PostgreSQL backend.
//
// The memory backend lives only for a single invocation; use valkey or
// postgres to run a flow across several commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/security"
)

// shutdownTimeout bounds cleanup after a command finished
const shutdownTimeout = 10 * time.Second

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	requestID  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var oauthErr *oauth.OAuthError
		if errors.As(err, &oauthErr) {
			b, _ := json.Marshal(oauth.ToErrorResponse(oauthErr))
			fmt.Fprintln(os.Stderr, string(b))
		} else {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{
		configPath: envOr("GRANTCTL_CONFIG", ""),
		envFile:    envOr("GRANTCTL_ENV_FILE", ".env"),
		logLevel:   envOr("GRANTCTL_LOG_LEVEL", "warn"),
	}

	root := &cobra.Command{
		Use:           "grantctl",
		Short:         "Issue, refresh and revoke OAuth2 grants",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", opts.configPath, "path to the YAML configuration (env GRANTCTL_CONFIG)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", opts.envFile, ".env file loaded before the configuration")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&opts.requestID, "request-id", "", "correlation ID attached to logs and audit events, generated when empty")

	root.AddCommand(
		newKeysCommand(),
		newTokenCommand(opts),
		newCodeCommand(opts),
		newDeviceCommand(opts),
		newRevokeCommand(opts),
		newMetadataCommand(opts),
		newMigrateCommand(opts),
		newPurgeCommand(opts),
	)
	return root
}

// withApp loads the configuration, wires the engine and runs fn against it
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.configPath, opts.envFile)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, requestID := security.EnsureRequestID(ctx, opts.requestID)
	logger.Debug("Running command", "command", cmd.CommandPath(), "request_id", requestID)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.Close(shutdownCtx)
	}()

	return fn(ctx, a)
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

// printJSON writes v indented to the command's output
func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
