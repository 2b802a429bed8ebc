// Package util provides small helpers shared across the oauth-grants packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - TimeToSeconds: Converts a remaining lifetime into an expires_in value
package util
