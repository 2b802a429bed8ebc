// Package security holds the security plumbing shared by the grant engine
// and the persistent stores: the audit log with request correlation,
// encryption of authorization records at rest, the device-poll rate limiter
// and the client authentication lockout.
//
// # Audit log
//
// Auditor writes one "security_audit" record per event through log/slog.
// Principal names are hashed before they reach the log; client identifiers
// are logged as-is. Event names are the constants in events.go. A request ID
// attached with WithRequestID or EnsureRequestID is added to every record.
//
// # Encryption at rest
//
// Encryptor seals serialized authorizations with AES-256-GCM. The
// authorization ID is bound as additional data, so a ciphertext copied onto
// another record fails to open. An Encryptor built from an empty key is a
// pass-through.
//
//	key, _ := security.GenerateKey()
//	enc, _ := security.NewEncryptor(key)
//	sealed, _ := enc.Seal([]byte(payload), authorizationID)
//
// # Device poll pacing
//
// PollRateLimiter keeps one token bucket per device code. A poll is allowed
// once per interval; faster polls are answered with slow_down by the engine.
// Memory is bounded by LRU eviction and an idle cleanup loop.
//
//	limiter := security.NewPollRateLimiter(10000, logger)
//	defer limiter.Stop()
//	srv.SetPollPacer(limiter)
//
// # Client authentication lockout
//
// ClientAuthLimiter counts failed authentications per client_id in a sliding
// window. Once a client reaches the limit, AuthenticateClient refuses it with
// invalid_client until failures age out. A successful authentication clears
// the count.
package security
