package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/storage"
)

// Hash fields of an authorization key
const (
	fieldData    = "data"
	fieldVersion = "version"
	fieldCommit  = "commit"
)

// Script replies
const (
	replyOK       = "OK"
	replyApplied  = "APPLIED"
	replyConflict = "CONFLICT"
)

var errInputTooLarge = errors.New("input exceeds maximum allowed size")

// luaCompareAndCommit atomically commits an authorization if the stored
// version still equals the version the caller read.
//
// KEYS[1]    = authorization key (e.g. "oauth2:authorization:<id>")
// KEYS[2..n] = token index keys, one per current or invalidated token
// ARGV[1]    = expected stored version (0 = insert)
// ARGV[2]    = commit id
// ARGV[3]    = serialized (optionally sealed) authorization
// ARGV[4]    = authorization id, value of every token index key
// ARGV[5]    = TTL in seconds applied to all keys
//
// Returns:
//   - "OK" when the commit was applied now
//   - "APPLIED" when the stored version is expected+1 and carries the same
//     commit id (retry of a commit whose reply was lost)
//   - "CONFLICT" otherwise
const luaCompareAndCommit = `
local stored = redis.call('HMGET', KEYS[1], 'version', 'commit')
local expected = tonumber(ARGV[1])

if stored[1] then
    local version = tonumber(stored[1])
    if version ~= expected then
        if ARGV[2] ~= '' and stored[2] == ARGV[2] and version == expected + 1 then
            return 'APPLIED'
        end
        return 'CONFLICT'
    end
elseif expected ~= 0 then
    return 'CONFLICT'
end

local ttl = tonumber(ARGV[5])
redis.call('HSET', KEYS[1], 'data', ARGV[3], 'version', expected + 1, 'commit', ARGV[2])
redis.call('EXPIRE', KEYS[1], ttl)

for i = 2, #KEYS do
    redis.call('SET', KEYS[i], ARGV[4], 'EX', ttl)
end

return 'OK'
`

var compareAndCommit = valkeygo.NewLuaScript(luaCompareAndCommit)

// Save commits an Authorization using compare-and-commit on its Version
func (s *Store) Save(ctx context.Context, a *storage.Authorization) error {
	ctx, span := s.observer.Start(ctx, "save_authorization")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.observer.Done(ctx, span, "save_authorization", err, startTime)
	}()

	if a == nil || a.ID == "" {
		err = fmt.Errorf("authorization ID cannot be empty")
		return err
	}

	var data string
	data, err = s.marshalAuthorization(ctx, a)
	if err != nil {
		return err
	}

	tokens := a.AllTokens()
	keys := make([]string, 0, len(tokens)+1)
	keys = append(keys, s.authorizationKey(a.ID))
	for _, t := range tokens {
		keys = append(keys, s.tokenKey(t.Value))
	}

	ttl := int64(s.keyTTL(a) / time.Second)
	args := []string{
		strconv.FormatInt(a.Version, 10),
		a.CommitID,
		data,
		a.ID,
		strconv.FormatInt(ttl, 10),
	}

	var reply string
	reply, err = compareAndCommit.Exec(ctx, s.client, keys, args).ToString()
	if err != nil {
		err = fmt.Errorf("failed to commit authorization: %w", err)
		return err
	}

	switch reply {
	case replyOK, replyApplied:
		a.Version++
	case replyConflict:
		s.logger.Debug("Rejected stale authorization commit",
			"authorization_id", a.ID,
			"version", a.Version)
		err = storage.ErrConflict
		return err
	default:
		err = fmt.Errorf("unexpected commit reply %q", reply)
		return err
	}

	s.logger.Debug("Saved authorization",
		"authorization_id", a.ID,
		"client_id", a.ClientID,
		"version", a.Version,
		"retried", reply == replyApplied)

	return nil
}

// FindByID returns the Authorization with the given ID
func (s *Store) FindByID(ctx context.Context, id string) (*storage.Authorization, error) {
	ctx, span := s.observer.Start(ctx, "find_authorization_by_id")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.observer.Done(ctx, span, "find_authorization_by_id", err, startTime)
	}()

	var a *storage.Authorization
	a, err = s.load(ctx, id)
	return a, err
}

// FindByToken returns the Authorization holding the token value
func (s *Store) FindByToken(ctx context.Context, value string, kind storage.TokenKind) (*storage.Authorization, error) {
	ctx, span := s.observer.Start(ctx, "find_authorization_by_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.observer.Done(ctx, span, "find_authorization_by_token", err, startTime)
	}()

	if value == "" {
		err = storage.ErrAuthorizationNotFound
		return nil, err
	}

	var id string
	id, err = s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(value)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			err = storage.ErrAuthorizationNotFound
			return nil, err
		}
		err = fmt.Errorf("failed to resolve token: %w", err)
		return nil, err
	}

	var a *storage.Authorization
	a, err = s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	// Index keys outlive tokens dropped from the bounded history.
	if a.FindToken(value, kind) == nil {
		s.logger.Debug("Token index miss",
			"token_prefix", util.SafeTruncate(value, tokenLogLength),
			"kind", kind)
		err = storage.ErrAuthorizationNotFound
		return nil, err
	}

	return a, nil
}

// load reads and decodes an authorization hash
func (s *Store) load(ctx context.Context, id string) (*storage.Authorization, error) {
	if id == "" {
		return nil, storage.ErrAuthorizationNotFound
	}

	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.authorizationKey(id)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization: %w", err)
	}

	data, ok := fields[fieldData]
	if !ok {
		return nil, storage.ErrAuthorizationNotFound
	}

	a, err := s.unmarshalAuthorization(ctx, id, data)
	if err != nil {
		return nil, err
	}

	a.Version, err = strconv.ParseInt(fields[fieldVersion], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid stored version for authorization %s: %w", id, err)
	}
	a.CommitID = fields[fieldCommit]

	return a, nil
}

func (s *Store) marshalAuthorization(ctx context.Context, a *storage.Authorization) (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to marshal authorization: %w", err)
	}

	enc := s.getEncryptor()
	start := time.Now()
	data, err := enc.Seal(raw, a.ID)
	if enc.IsEnabled() {
		s.observer.Encrypted(ctx, "encrypt", start)
	}
	if err != nil {
		return "", fmt.Errorf("failed to encrypt authorization: %w", err)
	}

	if len(data) > MaxAuthorizationDataSize {
		return "", errInputTooLarge
	}
	return data, nil
}

func (s *Store) unmarshalAuthorization(ctx context.Context, id, data string) (*storage.Authorization, error) {
	enc := s.getEncryptor()
	start := time.Now()
	raw, err := enc.Open(data, id)
	if enc.IsEnabled() {
		s.observer.Encrypted(ctx, "decrypt", start)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt authorization %s: %w", id, err)
	}

	var a storage.Authorization
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization: %w", err)
	}
	return &a, nil
}
