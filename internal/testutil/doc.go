// Package testutil provides testing utilities and fixtures for the oauth-grants
// packages: a controllable clock, random values, PKCE pairs and registered
// client fixtures.
package testutil
