package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
)

// requestIDContextKey is the context key for storing request IDs
type requestIDContextKey struct{}

// requestIDPattern accepts alphanumeric, hyphens and underscores (1-128 chars)
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// GenerateRequestID generates a cryptographically secure random request ID:
// 16 bytes encoded as a 22-character base64url string without padding.
//
// Request IDs correlate the audit events and log lines of one operation.
// The function panics if the system's random number generator fails.
func GenerateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return requestID
	}
	return ""
}

// EnsureRequestID returns ctx carrying a request ID. An upstream ID is kept
// when it is valid; otherwise a new one is generated.
func EnsureRequestID(ctx context.Context, upstream string) (context.Context, string) {
	if upstream == "" {
		upstream = GetRequestID(ctx)
	}
	if !isValidRequestID(upstream) {
		upstream = GenerateRequestID()
	}
	return WithRequestID(ctx, upstream), upstream
}

// isValidRequestID rejects IDs with characters that could forge log fields
// or exceed 128 characters
func isValidRequestID(requestID string) bool {
	return requestIDPattern.MatchString(requestID)
}
