package server

import (
	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/storage"
)

// Metadata returns the authorization server metadata (RFC 8414)
func (s *Server) Metadata() *oauth.AuthorizationServerMetadata {
	issuer := s.Config.Issuer
	endpoints := s.Config.Endpoints

	grantTypes := make([]string, 0, len(s.handlers))
	for _, gt := range oauth.GrantTypes {
		if _, ok := s.handlers[gt]; ok {
			grantTypes = append(grantTypes, gt.String())
		}
	}

	pkceMethods := []string{PKCEMethodS256}
	if s.Config.AllowPKCEPlain {
		pkceMethods = append(pkceMethods, PKCEMethodPlain)
	}

	return &oauth.AuthorizationServerMetadata{
		Issuer:                      issuer,
		AuthorizationEndpoint:       resolveEndpoint(issuer, endpoints.Authorization),
		TokenEndpoint:               resolveEndpoint(issuer, endpoints.Token),
		DeviceAuthorizationEndpoint: resolveEndpoint(issuer, endpoints.DeviceAuthorization),
		JWKSURI:                     resolveEndpoint(issuer, endpoints.JWKS),
		RevocationEndpoint:          resolveEndpoint(issuer, endpoints.Revocation),
		IntrospectionEndpoint:       resolveEndpoint(issuer, endpoints.Introspection),
		ScopesSupported:             append([]string(nil), s.Config.ScopesSupported...),
		ResponseTypesSupported:      []string{"code"},
		GrantTypesSupported:         grantTypes,
		TokenEndpointAuthMethodsSupported: []string{
			storage.AuthMethodClientSecretBasic,
			storage.AuthMethodClientSecretPost,
			storage.AuthMethodNone,
		},
		CodeChallengeMethodsSupported: pkceMethods,
	}
}
