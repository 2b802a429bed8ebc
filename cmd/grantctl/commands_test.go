package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/server"
	"github.com/giantswarm/oauth-grants/signer"
)

const memoryConfigYAML = `
server:
  issuer: https://auth.example.com
  access_token_ttl: 10m
storage:
  driver: memory
signing:
  algorithm: %s
  key_file: %s
  secret: 0123456789abcdef0123456789abcdef
clients:
  - client_id: backend
    secret: backend-secret
    grant_types: [client_credentials]
    scopes: [read, write]
`

// run executes grantctl with args and returns stdout
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func memoryConfig(t *testing.T, algorithm, keyFile string) string {
	t.Helper()
	return writeConfig(t, fmt.Sprintf(memoryConfigYAML, algorithm, keyFile))
}

func TestKeysGenerate_Signing(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "signing.pem")

	_, err := run(t, "keys", "generate", "--out", keyFile)
	require.NoError(t, err)

	data, err := os.ReadFile(keyFile)
	require.NoError(t, err)
	_, err = signer.ParseEd25519PrivateKeyPEM(data)
	require.NoError(t, err)
}

func TestKeysGenerate_Encryption(t *testing.T) {
	out, err := run(t, "keys", "generate", "--type", "encryption")
	require.NoError(t, err)

	key, err := security.KeyFromBase64(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Len(t, key, security.KeySize)
}

func TestKeysGenerate_UnknownType(t *testing.T) {
	_, err := run(t, "keys", "generate", "--type", "ssh")
	require.Error(t, err)
}

func TestTokenClientCredentials(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "signing.pem")
	_, err := run(t, "keys", "generate", "--out", keyFile)
	require.NoError(t, err)
	config := memoryConfig(t, algEd25519, keyFile)

	out, err := run(t, "--config", config, "token", "client-credentials",
		"--client-id", "backend", "--client-secret", "backend-secret", "--scope", "read")
	require.NoError(t, err)

	var resp oauth.TokenResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, oauth.TokenTypeBearer, resp.TokenType)
	assert.Equal(t, "read", resp.Scope)
	assert.Equal(t, int64(600), resp.ExpiresIn)
}

func TestTokenClientCredentials_WrongSecret(t *testing.T) {
	config := memoryConfig(t, algHMAC, "")

	_, err := run(t, "--config", config, "token", "client-credentials",
		"--client-id", "backend", "--client-secret", "wrong")
	require.Error(t, err)

	var oauthErr *oauth.OAuthError
	require.True(t, errors.As(err, &oauthErr))
	assert.Equal(t, oauth.ErrorCodeInvalidClient, oauthErr.Code)
}

func TestMetadata(t *testing.T) {
	config := memoryConfig(t, algHMAC, "")

	out, err := run(t, "--config", config, "metadata")
	require.NoError(t, err)

	var md oauth.AuthorizationServerMetadata
	require.NoError(t, json.Unmarshal([]byte(out), &md))
	assert.Equal(t, "https://auth.example.com", md.Issuer)
	assert.Equal(t, "https://auth.example.com/oauth2/token", md.TokenEndpoint)
}

func TestPurge_RequiresPostgres(t *testing.T) {
	config := memoryConfig(t, algHMAC, "")

	_, err := run(t, "--config", config, "purge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestMigrate_RequiresPostgres(t *testing.T) {
	config := memoryConfig(t, algHMAC, "")

	_, err := run(t, "--config", config, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

// deviceFlowEnv wires an app from testConfigYAML on the memory driver
func deviceFlowEnv(t *testing.T) *app {
	t.Helper()
	t.Setenv("TEST_SIGNING_SECRET", "0123456789abcdef0123456789abcdef")
	cfg, err := loadConfig(writeConfig(t, testConfigYAML), "")
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func TestPollDevice_WaitsForApproval(t *testing.T) {
	a := deviceFlowEnv(t)
	ctx := context.Background()
	principal := server.ClientPrincipal{ClientID: "cli"}

	device, err := a.srv.AuthorizeDevice(ctx, principal, "read")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = a.srv.VerifyDevice(ctx, device.UserCode, "alice", true)
	}()

	// Without a pacer every poll reaches the grant state
	a.srv.SetPollPacer(nil)
	resp, err := pollDevice(ctx, a.srv, principal, &oauth.GrantRequest{
		GrantType:  oauth.GrantTypeDeviceCode.String(),
		DeviceCode: device.DeviceCode,
	}, true, 10*time.Millisecond, a.logger)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestPollDevice_StopsOnTerminalError(t *testing.T) {
	a := deviceFlowEnv(t)
	ctx := context.Background()
	principal := server.ClientPrincipal{ClientID: "cli"}

	device, err := a.srv.AuthorizeDevice(ctx, principal, "")
	require.NoError(t, err)
	require.NoError(t, a.srv.VerifyDevice(ctx, device.UserCode, "alice", false))

	_, err = pollDevice(ctx, a.srv, principal, &oauth.GrantRequest{
		GrantType:  oauth.GrantTypeDeviceCode.String(),
		DeviceCode: device.DeviceCode,
	}, true, time.Millisecond, a.logger)
	assert.True(t, oauth.IsErrorCode(err, oauth.ErrorCodeAccessDenied))
}

func TestPollDevice_HonoursContext(t *testing.T) {
	a := deviceFlowEnv(t)
	principal := server.ClientPrincipal{ClientID: "cli"}

	device, err := a.srv.AuthorizeDevice(context.Background(), principal, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	a.srv.SetPollPacer(nil)
	_, err = pollDevice(ctx, a.srv, principal, &oauth.GrantRequest{
		GrantType:  oauth.GrantTypeDeviceCode.String(),
		DeviceCode: device.DeviceCode,
	}, true, 5*time.Millisecond, a.logger)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestIDReachesAuditLog(t *testing.T) {
	config := memoryConfig(t, algHMAC, "")

	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"--env-file", "", "--log-level", "info", "--request-id", "req-cli-1",
		"--config", config, "token", "client-credentials",
		"--client-id", "backend", "--client-secret", "backend-secret"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.Contains(t, stderr.String(), "security_audit")
	assert.Contains(t, stderr.String(), "request_id=req-cli-1")
}
