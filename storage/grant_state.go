package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	oauth "github.com/giantswarm/oauth-grants"
)

// Attribute keys used to persist grant states
const (
	AttrAuthorizationRequest = "authorization_request"
	AttrCodeChallenge        = "code_challenge"
	AttrCodeChallengeMethod  = "code_challenge_method"
	AttrDeviceStatus         = "device_status"
	AttrDeviceInterval       = "device_interval"
)

// DeviceStatus is the verification status of a device authorization
type DeviceStatus string

// Device authorization statuses
const (
	DeviceStatusPending  DeviceStatus = "pending"
	DeviceStatusApproved DeviceStatus = "approved"
	DeviceStatusDenied   DeviceStatus = "denied"
)

// GrantState is the typed, grant-specific state of an Authorization. It is one
// of *CodeGrantState, *DeviceGrantState or *ClientCredentialsState.
type GrantState interface {
	GrantType() oauth.GrantType
	encode(attrs map[string]string) error
}

// CodeGrantState is the authorization code grant state
type CodeGrantState struct {
	// Request is the authorization request snapshot taken when the code was issued
	Request oauth.AuthorizationRequest

	// CodeChallenge and CodeChallengeMethod are empty when PKCE was not used
	CodeChallenge       string
	CodeChallengeMethod string
}

// GrantType implements GrantState
func (*CodeGrantState) GrantType() oauth.GrantType { return oauth.GrantTypeAuthorizationCode }

func (s *CodeGrantState) encode(attrs map[string]string) error {
	req, err := json.Marshal(s.Request)
	if err != nil {
		return fmt.Errorf("failed to encode authorization request: %w", err)
	}
	attrs[AttrAuthorizationRequest] = string(req)
	setOrDelete(attrs, AttrCodeChallenge, s.CodeChallenge)
	setOrDelete(attrs, AttrCodeChallengeMethod, s.CodeChallengeMethod)
	return nil
}

// DeviceGrantState is the device authorization grant state
type DeviceGrantState struct {
	Status DeviceStatus

	// Interval is the minimum polling interval announced to the device
	Interval time.Duration
}

// GrantType implements GrantState
func (*DeviceGrantState) GrantType() oauth.GrantType { return oauth.GrantTypeDeviceCode }

func (s *DeviceGrantState) encode(attrs map[string]string) error {
	switch s.Status {
	case DeviceStatusPending, DeviceStatusApproved, DeviceStatusDenied:
	default:
		return fmt.Errorf("invalid device status %q", s.Status)
	}
	attrs[AttrDeviceStatus] = string(s.Status)
	attrs[AttrDeviceInterval] = strconv.FormatInt(int64(s.Interval/time.Second), 10)
	return nil
}

// ClientCredentialsState is the (empty) client credentials grant state
type ClientCredentialsState struct{}

// GrantType implements GrantState
func (*ClientCredentialsState) GrantType() oauth.GrantType { return oauth.GrantTypeClientCredentials }

func (*ClientCredentialsState) encode(map[string]string) error { return nil }

// GrantState decodes the typed state matching a.GrantType from the attributes.
// Refresh tokens are issued under the grant that created the Authorization, so
// there is no refresh variant.
func (a *Authorization) GrantState() (GrantState, error) {
	attrs := a.Attributes
	switch a.GrantType {
	case oauth.GrantTypeAuthorizationCode:
		s := &CodeGrantState{
			CodeChallenge:       attrs[AttrCodeChallenge],
			CodeChallengeMethod: attrs[AttrCodeChallengeMethod],
		}
		raw, ok := attrs[AttrAuthorizationRequest]
		if !ok {
			return nil, fmt.Errorf("authorization %s has no request snapshot", a.ID)
		}
		if err := json.Unmarshal([]byte(raw), &s.Request); err != nil {
			return nil, fmt.Errorf("failed to decode authorization request: %w", err)
		}
		return s, nil

	case oauth.GrantTypeDeviceCode:
		status := DeviceStatus(attrs[AttrDeviceStatus])
		switch status {
		case DeviceStatusPending, DeviceStatusApproved, DeviceStatusDenied:
		default:
			return nil, fmt.Errorf("authorization %s has invalid device status %q", a.ID, status)
		}
		secs, err := strconv.ParseInt(attrs[AttrDeviceInterval], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("authorization %s has invalid device interval: %w", a.ID, err)
		}
		return &DeviceGrantState{Status: status, Interval: time.Duration(secs) * time.Second}, nil

	case oauth.GrantTypeClientCredentials:
		return &ClientCredentialsState{}, nil

	default:
		return nil, fmt.Errorf("authorization %s has unknown grant type %q", a.ID, a.GrantType)
	}
}

// SetGrantState encodes s into the attributes. The variant must match a.GrantType.
func (a *Authorization) SetGrantState(s GrantState) error {
	if s.GrantType() != a.GrantType {
		return fmt.Errorf("grant state %s does not match authorization grant type %s", s.GrantType(), a.GrantType)
	}
	if a.Attributes == nil {
		a.Attributes = make(map[string]string)
	}
	return s.encode(a.Attributes)
}

func setOrDelete(attrs map[string]string, key, value string) {
	if value == "" {
		delete(attrs, key)
		return
	}
	attrs[key] = value
}
