// Package valkey provides a Valkey storage backend for authorizations and
// registered clients.
//
// Valkey is wire-compatible with Redis, so the store also runs against Redis
// deployments. It implements [storage.AuthorizationStore] and
// [storage.ClientStore].
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth2:"):
//
//	{prefix}authorization:{id}     -> HASH {data, version, commit}
//	{prefix}token:{sha256(value)}  -> authorization id
//	{prefix}client:{clientID}      -> JSON(Client)
//
// Token values never appear in keys; the index is keyed by their SHA-256.
// Invalidated tokens stay indexed so replays resolve to their authorization.
//
// # Compare-and-commit
//
// Save runs a Lua script that compares the stored version with the version
// the caller read, writes the record and refreshes every token index key in
// one step. A concurrent writer that loses the race gets [storage.ErrConflict].
// A retried Save carrying a commit id that is already stored one version
// ahead succeeds without writing again.
//
// # Retention
//
// Authorization and index keys expire at the latest token expiry plus
// Config.Retention, so dormant grants disappear without a sweeper.
//
// # Encryption at Rest
//
// The serialized authorization (token values included) can be sealed with
// AES-256-GCM:
//
//	key, _ := security.GenerateKey()
//	encryptor, _ := security.NewEncryptor(key)
//	store.SetEncryptor(encryptor)
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address: "localhost:6379",
//	    TLS:     &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//	defer store.Close()
package valkey
