package cloudapi

import "strings"

// DefaultLocation is used when a Config names no location.
const DefaultLocation = "us-west-1"

// DefaultKnownLocations maps the publicly known datacenter short names to
// their endpoints. It is merged in only when a Config supplies no
// KnownLocations of its own; private deployments override it wholesale.
var DefaultKnownLocations = map[string]string{
	"us-east-1": "https://us-east-1.api.joyentcloud.com",
	"us-sw-1":   "https://us-sw-1.api.joyentcloud.com",
	"us-west-1": "https://us-west-1.api.joyentcloud.com",
	"eu-ams-1":  "https://eu-ams-1.api.joyentcloud.com",
}

// endpointForLocation turns a location into a base endpoint URL. A location
// is notionally a short datacenter name resolved against the table, but an
// FQDN or "localhost" passes through untouched. Any other bare name is
// unknown.
func endpointForLocation(location string, table map[string]string) (string, bool) {
	if endpoint, ok := table[location]; ok {
		return endpoint, true
	}
	if strings.Contains(location, ".") || strings.HasPrefix(location, "localhost") {
		if strings.Contains(location, "://") {
			return location, true
		}
		return "https://" + location, true
	}
	return "", false
}
