// Package storage defines the Authorization aggregate and the persistence
// contracts the grant engine relies on.
//
// The storage package defines:
//   - Authorization: the aggregate shared by every grant flow. It holds the
//     current token per kind, the invalidated token history and a generic
//     attribute map that handlers translate to and from typed grant states.
//   - AuthorizationStore: compare-and-commit persistence of Authorizations
//     with token lookup.
//   - ClientRegistry / ClientStore: read access to registered clients.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage
//   - storage/postgres: PostgreSQL storage via pgx
//   - storage/cached: caching ClientRegistry decorator
//   - storage/mock: Mock storage for unit testing
package storage
