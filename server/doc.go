// Package server implements the grant engine.
//
// The Server issues and tracks credentials for registered clients. Every
// token endpoint request goes through Token, which resolves the client and
// dispatches on the grant type to one handler:
//   - authorization_code: redeem a code issued by IssueAuthorizationCode (PKCE S256)
//   - client_credentials: the client acts on its own behalf
//   - refresh_token: new access token, refresh token rotated or reused per client
//   - urn:ietf:params:oauth:grant-type:device_code: RFC 8628 polling
//
// State lives in a single aggregate, storage.Authorization. Handlers follow
// fetch-validate-mutate-commit against the AuthorizationStore and re-fetch
// when a concurrent commit wins, so single-use credentials stay single-use
// across replicas. Errors returned to callers are always *oauth.OAuthError.
//
// Example usage:
//
//	store := memory.New()
//	tokenSigner, _ := signer.NewEd25519Signer("key-1", privateKey)
//
//	srv, err := server.New(store, store, tokenSigner, &server.Config{
//	    Issuer:         "https://auth.example.com",
//	    AccessTokenTTL: 15 * time.Minute,
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	principal, err := srv.AuthenticateClient(ctx, clientID, clientSecret)
//	resp, err := srv.Token(ctx, principal, &oauth.GrantRequest{
//	    GrantType: "client_credentials",
//	    Scope:     "read",
//	})
package server
