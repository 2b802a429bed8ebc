// Package postgres provides a PostgreSQL storage backend for authorizations
// and registered clients, built on pgx connection pools.
//
// # Schema
//
// Migrate creates three tables:
//
//	oauth2_authorization        one row per Authorization: the serialized
//	                            aggregate, version, last commit id and the
//	                            last activity time used by Purge
//	oauth2_authorization_token  SHA-256 of every token value -> authorization id
//	oauth2_registered_client    client registrations as JSONB
//
// # Compare-and-commit
//
// Save runs in a transaction. Inserts use ON CONFLICT DO NOTHING and updates
// are conditioned on the version the caller read; when no row is affected the
// stored version and commit id decide between ErrConflict and an idempotent
// retry. Token index rows are written in the same transaction with a pgx
// batch.
//
// # Retention
//
// The engine never deletes. Purge removes authorizations whose last activity
// is older than a cutoff; index rows follow through ON DELETE CASCADE.
package postgres
