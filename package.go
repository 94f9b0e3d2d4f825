// Package cloudapi is a client library for a SmartDataCenter-style cloud
// management API. A DataCenter is an authenticated session against one
// region's endpoint; every call issues a signed HTTPS request and decodes the
// JSON answer into lightweight entity objects (machines, datasets, packages,
// networks, keys).
//
// The library deliberately performs no retries, holds no caches, and does no
// internal locking: each call maps to exactly one round trip (polling helpers
// excepted), and every failure surfaces to the caller as a typed error.
// Callers needing parallel fan-out over many machines should use Each or
// independent DataCenter values.
package cloudapi

import "time"

const (
	// VersionString is the client version reported in the User-Agent header.
	VersionString = "1.0.0"

	apiVersion = "7.0"

	userAgent = "gosdc-cloudapi (" + VersionString + ")"

	// DefaultPollInterval is the sleep between status fetches when a polling
	// helper is given a non-positive interval.
	DefaultPollInterval = 2 * time.Second
)

// Resource is anything exposing a canonical identifier. Resolution logic
// operates generically over it.
type Resource interface {
	// CanonicalID returns the unique, stable identifier the server uses for
	// the resource (URN or UUID). It never changes across the resource's
	// lifetime, even as other fields go stale.
	CanonicalID() string
}
