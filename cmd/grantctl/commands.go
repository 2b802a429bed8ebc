package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/server"
	"github.com/giantswarm/oauth-grants/signer"
	"github.com/giantswarm/oauth-grants/storage/postgres"
)

// slowDownStep is added to the polling interval on slow_down (RFC 8628 Section 3.5)
const slowDownStep = 5 * time.Second

type clientFlags struct {
	id     string
	secret string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "client-id", "", "client identifier")
	cmd.Flags().StringVar(&f.secret, "client-secret", envOr("GRANTCTL_CLIENT_SECRET", ""), "client secret, empty for public clients (env GRANTCTL_CLIENT_SECRET)")
	_ = cmd.MarkFlagRequired("client-id")
}

func (f *clientFlags) authenticate(ctx context.Context, a *app) (server.ClientPrincipal, error) {
	return a.srv.AuthenticateClient(ctx, f.id, f.secret)
}

func newKeysCommand() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Generate key material"}

	var out, kind string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate an Ed25519 signing key (PEM) or a storage encryption key (base64)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			switch kind {
			case "signing":
				key, err := signer.GenerateEd25519Key()
				if err != nil {
					return err
				}
				if data, err = signer.EncodeEd25519PrivateKeyPEM(key); err != nil {
					return err
				}
			case "encryption":
				key, err := security.GenerateKey()
				if err != nil {
					return err
				}
				data = []byte(security.KeyToBase64(key) + "\n")
			default:
				return fmt.Errorf("unknown key type %q (signing|encryption)", kind)
			}

			if out == "" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o600)
		},
	}
	generate.Flags().StringVar(&kind, "type", "signing", "key type: signing|encryption")
	generate.Flags().StringVar(&out, "out", "", "write the key to this file instead of stdout")

	keys.AddCommand(generate)
	return keys
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	token := &cobra.Command{Use: "token", Short: "Token endpoint grants"}

	var ccClient clientFlags
	var ccScope string
	clientCredentials := &cobra.Command{
		Use:   "client-credentials",
		Short: "Obtain an access token for the client itself",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				principal, err := ccClient.authenticate(ctx, a)
				if err != nil {
					return err
				}
				resp, err := a.srv.Token(ctx, principal, &oauth.GrantRequest{
					GrantType: oauth.GrantTypeClientCredentials.String(),
					Scope:     ccScope,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			})
		},
	}
	ccClient.register(clientCredentials)
	clientCredentials.Flags().StringVar(&ccScope, "scope", "", "space-delimited scope, defaults to every registered scope")

	var rtClient clientFlags
	var refreshToken, rtScope string
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Exchange a refresh token for a new access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				principal, err := rtClient.authenticate(ctx, a)
				if err != nil {
					return err
				}
				resp, err := a.srv.Token(ctx, principal, &oauth.GrantRequest{
					GrantType:    oauth.GrantTypeRefreshToken.String(),
					RefreshToken: refreshToken,
					Scope:        rtScope,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			})
		},
	}
	rtClient.register(refresh)
	refresh.Flags().StringVar(&refreshToken, "refresh-token", "", "refresh token")
	refresh.Flags().StringVar(&rtScope, "scope", "", "narrower scope for the new access token")
	_ = refresh.MarkFlagRequired("refresh-token")

	token.AddCommand(clientCredentials, refresh)
	return token
}

func newCodeCommand(opts *rootOptions) *cobra.Command {
	code := &cobra.Command{Use: "code", Short: "Authorization code grant"}

	var req oauth.AuthorizationRequest
	var user string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an authorization code for a consenting resource owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				resp, err := a.srv.IssueAuthorizationCode(ctx, user, &req)
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			})
		},
	}
	issue.Flags().StringVar(&req.ClientID, "client-id", "", "client identifier")
	issue.Flags().StringVar(&user, "user", "", "resource owner")
	issue.Flags().StringVar(&req.RedirectURI, "redirect-uri", "", "registered redirect URI")
	issue.Flags().StringVar(&req.Scope, "scope", "", "space-delimited scope")
	issue.Flags().StringVar(&req.State, "state", "", "opaque client state")
	issue.Flags().StringVar(&req.CodeChallenge, "code-challenge", "", "PKCE code challenge")
	issue.Flags().StringVar(&req.CodeChallengeMethod, "code-challenge-method", "", "PKCE method: S256|plain")
	_ = issue.MarkFlagRequired("client-id")
	_ = issue.MarkFlagRequired("user")

	var exClient clientFlags
	var exCode, exRedirect, exVerifier string
	exchange := &cobra.Command{
		Use:   "exchange",
		Short: "Redeem an authorization code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				principal, err := exClient.authenticate(ctx, a)
				if err != nil {
					return err
				}
				resp, err := a.srv.Token(ctx, principal, &oauth.GrantRequest{
					GrantType:    oauth.GrantTypeAuthorizationCode.String(),
					Code:         exCode,
					RedirectURI:  exRedirect,
					CodeVerifier: exVerifier,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			})
		},
	}
	exClient.register(exchange)
	exchange.Flags().StringVar(&exCode, "code", "", "authorization code")
	exchange.Flags().StringVar(&exRedirect, "redirect-uri", "", "redirect URI sent with the authorization request")
	exchange.Flags().StringVar(&exVerifier, "code-verifier", "", "PKCE code verifier")
	_ = exchange.MarkFlagRequired("code")

	code.AddCommand(issue, exchange)
	return code
}

func newDeviceCommand(opts *rootOptions) *cobra.Command {
	device := &cobra.Command{Use: "device", Short: "Device authorization grant"}

	var azClient clientFlags
	var azScope string
	authorize := &cobra.Command{
		Use:   "authorize",
		Short: "Start a device authorization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				principal, err := azClient.authenticate(ctx, a)
				if err != nil {
					return err
				}
				resp, err := a.srv.AuthorizeDevice(ctx, principal, azScope)
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			})
		},
	}
	azClient.register(authorize)
	authorize.Flags().StringVar(&azScope, "scope", "", "space-delimited scope")

	var userCode, user string
	var deny bool
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Approve or deny a device authorization by user code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.srv.VerifyDevice(ctx, userCode, user, !deny); err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"user_code": userCode, "approved": !deny})
			})
		},
	}
	verify.Flags().StringVar(&userCode, "user-code", "", "user code shown on the device")
	verify.Flags().StringVar(&user, "user", "", "resource owner")
	verify.Flags().BoolVar(&deny, "deny", false, "deny instead of approve")
	_ = verify.MarkFlagRequired("user-code")
	_ = verify.MarkFlagRequired("user")

	var pollClient clientFlags
	var deviceCode string
	var wait bool
	var interval time.Duration
	poll := &cobra.Command{
		Use:   "poll",
		Short: "Poll for the tokens of a device authorization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				principal, err := pollClient.authenticate(ctx, a)
				if err != nil {
					return err
				}
				req := &oauth.GrantRequest{
					GrantType:  oauth.GrantTypeDeviceCode.String(),
					DeviceCode: deviceCode,
				}
				resp, err := pollDevice(ctx, a.srv, principal, req, wait, interval, a.logger)
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			})
		},
	}
	pollClient.register(poll)
	poll.Flags().StringVar(&deviceCode, "device-code", "", "device code")
	poll.Flags().BoolVar(&wait, "wait", false, "keep polling until the authorization completes")
	poll.Flags().DurationVar(&interval, "interval", server.DefaultDevicePollInterval, "polling interval with --wait")
	_ = poll.MarkFlagRequired("device-code")

	device.AddCommand(authorize, verify, poll)
	return device
}

// pollDevice polls once, or with wait until the authorization leaves the
// pending state. slow_down widens the interval.
func pollDevice(
	ctx context.Context,
	srv *server.Server,
	principal server.ClientPrincipal,
	req *oauth.GrantRequest,
	wait bool,
	interval time.Duration,
	logger *slog.Logger,
) (*oauth.TokenResponse, error) {
	for {
		resp, err := srv.Token(ctx, principal, req)
		if err == nil || !wait {
			return resp, err
		}
		switch {
		case oauth.IsErrorCode(err, oauth.ErrorCodeAuthorizationPending):
		case oauth.IsErrorCode(err, oauth.ErrorCodeSlowDown):
			interval += slowDownStep
		default:
			return nil, err
		}
		logger.Debug("Waiting for device authorization", "interval", interval)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func newRevokeCommand(opts *rootOptions) *cobra.Command {
	var client clientFlags
	var token, hint string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an access or refresh token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				principal, err := client.authenticate(ctx, a)
				if err != nil {
					return err
				}
				if err := a.srv.RevokeToken(ctx, principal, token, hint); err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"revoked": true})
			})
		},
	}
	client.register(revoke)
	revoke.Flags().StringVar(&token, "token", "", "token to revoke")
	revoke.Flags().StringVar(&hint, "hint", "", "token type hint: access_token|refresh_token")
	_ = revoke.MarkFlagRequired("token")
	return revoke
}

func newMetadataCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metadata",
		Short: "Print the authorization server metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(_ context.Context, a *app) error {
				return printJSON(cmd, a.srv.Metadata())
			})
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts.configPath, opts.envFile)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != driverPostgres {
				return errors.New("migrate requires the postgres storage driver")
			}

			ctx := cmd.Context()
			pc := cfg.Storage.Postgres
			store, err := postgres.New(ctx, postgres.Config{DSN: pc.DSN, MaxConns: pc.MaxConns, Logger: logger})
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"migrated": true})
		},
	}
}

func newPurgeCommand(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete dormant authorizations from PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if a.postgres == nil {
					return errors.New("purge requires the postgres storage driver")
				}
				n, err := a.postgres.Purge(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"purged": n})
			})
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "purge authorizations inactive for longer than this")
	return purge
}
