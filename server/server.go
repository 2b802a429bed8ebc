package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/signer"
	"github.com/giantswarm/oauth-grants/storage"
)

// tokenLogLength is the number of characters to include when logging credential values
const tokenLogLength = 8

// PollPacer decides whether a device may poll again. key identifies the
// device authorization and interval is the minimum spacing announced to it.
type PollPacer interface {
	AllowPoll(key string, interval time.Duration) bool
}

// PollForgetter is optionally implemented by a PollPacer. Forget is called
// with the authorization ID once its device code has been exchanged.
type PollForgetter interface {
	Forget(key string)
}

// AuthLimiter locks out clients after repeated failed authentications
type AuthLimiter interface {
	Allow(clientID string) bool
	RecordFailure(clientID string)
	Reset(clientID string)
}

// grantHandler processes a token request for one grant type after the
// client was resolved and allowed the grant
type grantHandler func(ctx context.Context, gr *grantRequest) (*oauth.TokenResponse, error)

// grantRequest is a token request bound to its resolved client
type grantRequest struct {
	principal ClientPrincipal
	client    *storage.Client
	grantType oauth.GrantType
	req       *oauth.GrantRequest
}

// Server is the grant engine. It issues and tracks credentials for
// registered clients and commits every state change through the
// AuthorizationStore.
type Server struct {
	store    storage.AuthorizationStore
	registry storage.ClientRegistry
	signer   signer.Signer
	handlers map[oauth.GrantType]grantHandler
	pacer    PollPacer
	limiter  AuthLimiter
	now      func() time.Time

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics
}

// New creates a grant engine. The configuration is defaulted and validated once here.
func New(
	store storage.AuthorizationStore,
	registry storage.ClientRegistry,
	tokenSigner signer.Signer,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("authorization store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("client registry is required")
	}
	if tokenSigner == nil {
		return nil, fmt.Errorf("token signer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	applyDefaults(config)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := validateHTTPSEnforcement(config, logger); err != nil {
		return nil, err
	}
	logSecurityWarnings(config, logger)

	s := &Server{
		store:    store,
		registry: registry,
		signer:   tokenSigner,
		now:      time.Now,
		Logger:   logger,
		Config:   config,
		tracer:   noop.NewTracerProvider().Tracer("server"),
	}
	s.handlers = map[oauth.GrantType]grantHandler{
		oauth.GrantTypeAuthorizationCode: s.exchangeAuthorizationCode,
		oauth.GrantTypeClientCredentials: s.clientCredentials,
		oauth.GrantTypeRefreshToken:      s.refreshToken,
		oauth.GrantTypeDeviceCode:        s.pollDeviceCode,
	}
	return s, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetPollPacer sets the device polling pacer. Without one, slow_down is never returned.
func (s *Server) SetPollPacer(p PollPacer) {
	s.pacer = p
}

// SetAuthLimiter sets the client authentication limiter. nil disables lockout.
func (s *Server) SetAuthLimiter(l AuthLimiter) {
	s.limiter = l
}

// SetClock overrides the time source
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// SetInstrumentation enables tracing and metrics. nil disables them.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		s.tracer = noop.NewTracerProvider().Tracer("server")
		s.metrics = nil
		return
	}
	s.tracer = inst.Tracer("server")
	s.metrics = inst.Metrics()
}

// Token processes a token endpoint request for an authenticated (or public)
// client. Every returned error is an *oauth.OAuthError.
func (s *Server) Token(ctx context.Context, principal ClientPrincipal, req *oauth.GrantRequest) (*oauth.TokenResponse, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "oauth.token")
	defer span.End()

	if req == nil {
		return nil, s.fail(ctx, span, "", start, oauth.ErrInvalidRequest("missing token request"))
	}
	instrumentation.AddGrantAttributes(span, req.GrantType, principal.ClientID, req.Scope)

	grantType, err := oauth.ParseGrantType(req.GrantType)
	if err != nil {
		return nil, s.fail(ctx, span, req.GrantType, start,
			oauth.ErrUnsupportedGrantType(fmt.Sprintf("grant_type %q is not supported", req.GrantType)))
	}
	handler, ok := s.handlers[grantType]
	if !ok {
		return nil, s.fail(ctx, span, req.GrantType, start,
			oauth.ErrUnsupportedGrantType(fmt.Sprintf("grant_type %q is not supported", req.GrantType)))
	}

	if req.ClientID != "" && req.ClientID != principal.ClientID {
		return nil, s.fail(ctx, span, req.GrantType, start, oauth.ErrInvalidClient("client_id does not match the authenticated client"))
	}
	client, err := s.resolveClient(ctx, principal)
	if err != nil {
		return nil, s.fail(ctx, span, req.GrantType, start, err)
	}
	if !client.AllowsGrant(grantType) {
		return nil, s.fail(ctx, span, req.GrantType, start,
			oauth.ErrUnauthorizedClient(fmt.Sprintf("client is not authorized for grant_type %q", grantType)))
	}

	resp, err := handler(ctx, &grantRequest{
		principal: principal,
		client:    client,
		grantType: grantType,
		req:       req,
	})
	if err != nil {
		return nil, s.fail(ctx, span, req.GrantType, start, err)
	}

	instrumentation.SetSpanSuccess(span)
	if s.metrics != nil {
		s.metrics.RecordGrantRequest(ctx, req.GrantType, "success", float64(time.Since(start).Milliseconds()))
	}
	return resp, nil
}

// fail normalizes err to an *oauth.OAuthError and records it
func (s *Server) fail(ctx context.Context, span trace.Span, grantType string, start time.Time, err error) *oauth.OAuthError {
	oauthErr := oauth.AsOAuthError(err)

	instrumentation.AddErrorAttributes(span, oauthErr.Code, oauthErr.Description)
	instrumentation.SetSpanError(span, oauthErr.Code)
	if s.metrics != nil && grantType != "" {
		s.metrics.RecordGrantRequest(ctx, grantType, oauthErr.Code, float64(time.Since(start).Milliseconds()))
	}

	if cause := errors.Unwrap(oauthErr); cause != nil {
		s.Logger.Error("Grant request failed",
			"grant_type", grantType,
			"error", oauthErr.Code,
			"cause", cause)
	} else {
		s.Logger.Debug("Grant request rejected",
			"grant_type", grantType,
			"error", oauthErr.Code,
			"description", oauthErr.Description)
	}
	return oauthErr
}

// accessTokenTTL returns the client's access token lifetime or the engine default
func (s *Server) accessTokenTTL(client *storage.Client) time.Duration {
	if ttl := client.TokenSettings.AccessTokenTTL; ttl > 0 {
		return ttl
	}
	return s.Config.AccessTokenTTL
}

func (s *Server) refreshTokenTTL(client *storage.Client) time.Duration {
	if ttl := client.TokenSettings.RefreshTokenTTL; ttl > 0 {
		return ttl
	}
	return s.Config.RefreshTokenTTL
}

func (s *Server) authorizationCodeTTL(client *storage.Client) time.Duration {
	if ttl := client.TokenSettings.AuthorizationCodeTTL; ttl > 0 {
		return ttl
	}
	return s.Config.AuthorizationCodeTTL
}

func (s *Server) deviceCodeTTL(client *storage.Client) time.Duration {
	if ttl := client.TokenSettings.DeviceCodeTTL; ttl > 0 {
		return ttl
	}
	return s.Config.DeviceCodeTTL
}
