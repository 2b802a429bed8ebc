package server

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCE constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

var (
	errVerifierRequired = errors.New("code_verifier is required when code_challenge is present")
	errVerifierMismatch = errors.New("code_verifier does not match code_challenge")
)

// validatePKCEParameter checks the shape of a code_challenge or code_verifier
// (43-128 characters of [A-Za-z0-9-._~])
func validatePKCEParameter(name, value string) error {
	if len(value) < MinCodeVerifierLength {
		return fmt.Errorf("%s must be at least %d characters", name, MinCodeVerifierLength)
	}
	if len(value) > MaxCodeVerifierLength {
		return fmt.Errorf("%s must be at most %d characters", name, MaxCodeVerifierLength)
	}
	for _, ch := range value {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("%s contains invalid characters (must be [A-Za-z0-9-._~])", name)
		}
	}
	return nil
}

// resolveChallengeMethod returns the effective challenge method. An absent
// method means plain (RFC 7636 Section 4.3).
func (s *Server) resolveChallengeMethod(method string) (string, error) {
	if method == "" {
		method = PKCEMethodPlain
	}
	switch method {
	case PKCEMethodS256:
		return method, nil
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return "", fmt.Errorf("code_challenge_method %q is not allowed", PKCEMethodPlain)
		}
		s.Logger.Warn("Using insecure 'plain' PKCE method",
			"recommendation", "Upgrade client to use S256")
		return method, nil
	default:
		return "", fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
}

// verifyPKCE checks verifier against the stored challenge in constant time
func verifyPKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return errVerifierRequired
	}
	if err := validatePKCEParameter("code_verifier", verifier); err != nil {
		return err
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case PKCEMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return errVerifierMismatch
	}
	return nil
}
