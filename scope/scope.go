package scope

import (
	"errors"
	"strings"
)

var (
	// ErrNotRegistered is returned when a requested scope is not registered for the client
	ErrNotRegistered = errors.New("client is not authorized for one or more requested scopes")

	// ErrExceedsGrant is returned when a refresh requests a scope outside the original grant
	ErrExceedsGrant = errors.New("requested scope exceeds the scope originally granted")
)

// Parse splits a space-delimited scope parameter (RFC 6749 Section 3.3).
// Duplicates are dropped, keeping the first occurrence.
func Parse(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Format joins scopes into a space-delimited scope parameter
func Format(scopes []string) string {
	return strings.Join(scopes, " ")
}

// Negotiate returns the scopes to grant for a new authorization.
//
// An empty request grants the full registered set in registration order.
// Otherwise every requested scope must be registered and the result keeps the
// request order.
func Negotiate(requested, registered []string) ([]string, error) {
	if len(requested) == 0 {
		return clone(registered), nil
	}
	if !subset(requested, registered) {
		return nil, ErrNotRegistered
	}
	return clone(requested), nil
}

// Narrow returns the scopes for a refreshed access token. An empty request
// keeps the full authorized set.
func Narrow(requested, authorized []string) ([]string, error) {
	if len(requested) == 0 {
		return clone(authorized), nil
	}
	if !subset(requested, authorized) {
		return nil, ErrExceedsGrant
	}
	return clone(requested), nil
}

// Contains reports whether every scope in want is present in have
func Contains(have, want []string) bool {
	return subset(want, have)
}

func subset(requested, allowed []string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		set[s] = struct{}{}
	}
	for _, r := range requested {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

func clone(s []string) []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
