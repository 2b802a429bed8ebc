package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrAuthorizationNotFound is returned when no Authorization matches a lookup
	ErrAuthorizationNotFound = errors.New("authorization not found")

	// ErrConflict is returned by Save when the stored Authorization was committed
	// by someone else since it was fetched
	ErrConflict = errors.New("authorization was modified concurrently")

	// ErrClientNotFound is returned when a client id is not registered
	ErrClientNotFound = errors.New("client not found")
)

// AuthorizationStore persists Authorizations.
//
// Save is a compare-and-commit on Version:
//   - Version 0 inserts a new Authorization. Inserting an ID that already exists
//     returns ErrConflict.
//   - Otherwise the stored Version must equal a.Version or ErrConflict is returned.
//   - On success the store records a.CommitID as the last applied commit and
//     increments a.Version.
//   - Saving again with a CommitID the store already applied at a.Version+1 is a
//     no-op success, so a retried Save after a lost reply never double-applies.
//
// FindByToken matches current and invalidated token values so callers can
// detect replay. A non-empty kind restricts the match to that token kind.
// Returned Authorizations are independent copies.
type AuthorizationStore interface {
	Save(ctx context.Context, a *Authorization) error
	FindByID(ctx context.Context, id string) (*Authorization, error)
	FindByToken(ctx context.Context, value string, kind TokenKind) (*Authorization, error)
}

// ClientRegistry resolves registered clients. It is read-only to the engine.
type ClientRegistry interface {
	FindByClientID(ctx context.Context, clientID string) (*Client, error)
}

// ClientStore is a ClientRegistry that also accepts registrations
type ClientStore interface {
	ClientRegistry
	SaveClient(ctx context.Context, client *Client) error
}

// HashToken returns the hex SHA-256 of a token value. Stores index tokens by
// hash so raw values never appear in keys.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// CheckCommit applies the compare-and-commit rules to the stored version and
// last commit of an existing Authorization. It reports whether the save was
// already applied.
func CheckCommit(storedVersion int64, storedCommitID string, a *Authorization) (applied bool, err error) {
	switch {
	case storedVersion == a.Version:
		return false, nil
	case a.CommitID != "" && storedCommitID == a.CommitID && storedVersion == a.Version+1:
		return true, nil
	default:
		return false, ErrConflict
	}
}
