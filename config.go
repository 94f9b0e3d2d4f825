package cloudapi

import (
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config carries everything needed to construct a DataCenter. Zero values
// fall back to sane defaults; KeyID plus one key material source are the
// only practically required fields.
type Config struct {
	// Location is a datacenter short name resolved against KnownLocations,
	// or an FQDN for non-standard deployments.
	Location string

	// KeyID is the account key reference, "/<account>/keys/<name>".
	KeyID string

	// KeyPath points at a PEM private key file. Ignored when KeyMaterial is
	// set.
	KeyPath string

	// KeyMaterial is raw PEM private key bytes.
	KeyMaterial []byte

	// UseAgent delegates signing to the SSH agent at SSH_AUTH_SOCK instead
	// of reading key material.
	UseAgent bool

	// Login is the account path on the API, defaulting to "my".
	Login string

	// KnownLocations overrides the built-in location table when non-nil.
	KnownLocations map[string]string

	// Insecure disables TLS certificate verification.
	Insecure bool

	// Verbose echoes every request and response status through the logger
	// at debug level.
	Verbose bool

	// HTTPClient overrides the transport. Insecure is ignored when set.
	HTTPClient *http.Client

	// PollInterval is the default sleep between polling fetches.
	PollInterval time.Duration
}

// ConfigFromEnviron dynamically builds a *Config from the environment by
// loading values from keys with the given prefix (default "SDC"), e.g.
//
//	env: SDC_LOCATION=us-sw-1 SDC_KEY_ID=/acct/keys/dev SDC_KEY_PATH=~/.ssh/id_rsa
func ConfigFromEnviron(prefix string) *Config {
	if prefix == "" {
		prefix = "SDC"
	}

	vals := map[string]string{}
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, prefix+"_") {
			continue
		}
		pair := strings.SplitN(e, "=", 2)

		key := strings.ToLower(strings.TrimPrefix(pair[0], prefix+"_"))
		value := pair[1]
		unescapedValue, err := url.QueryUnescape(value)
		if err == nil {
			value = unescapedValue
		}

		vals[key] = value
	}

	cfg := &Config{
		Location: vals["location"],
		KeyID:    vals["key_id"],
		KeyPath:  vals["key_path"],
		Login:    vals["login"],
		UseAgent: asBool(vals["agent"]),
		Insecure: asBool(vals["insecure"]),
		Verbose:  asBool(vals["verbose"]),
	}

	if interval, err := time.ParseDuration(vals["poll_interval"]); err == nil {
		cfg.PollInterval = interval
	}

	return cfg
}

func asBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
