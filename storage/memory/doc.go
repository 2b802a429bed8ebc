// Package memory provides an in-memory implementation of the storage interfaces.
//
// This package implements AuthorizationStore and ClientStore using Go's built-in
// maps with mutex protection. Compare-and-commit is enforced under a single
// write lock, so it is suitable for development, testing, and single-instance
// deployments where persistence is not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Token index covering current and invalidated token values
//   - Background removal of dormant authorizations after a retention period
//   - OpenTelemetry spans and storage metrics via SetInstrumentation
//
// For multi-instance deployments use storage/valkey or storage/postgres.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(store, store, signer, cfg, logger)
package memory
