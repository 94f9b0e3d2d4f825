package cloudapi

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	gocontext "context"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/jtacoma/uritemplates"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/smartdc/cloudapi/auth"
	"github.com/smartdc/cloudapi/context"
	"github.com/smartdc/cloudapi/metrics"
)

var machineNameRegexp = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]*[a-zA-Z0-9])?$`)

// DataCenter is the basic connection unit with the cloud API: an
// authenticated endpoint context for one region. It holds configuration
// only and no mutable state, so it never goes stale; it touches the REST
// API on method calls, never on field access.
//
// A DataCenter does no internal locking. Concurrent use from multiple
// goroutines is safe insofar as the underlying http.Client is; callers
// needing true parallel fan-out should prefer Each or independent
// DataCenter values.
type DataCenter struct {
	location       string
	login          string
	endpoint       *url.URL
	knownLocations map[string]string
	signer         auth.Signer
	httpClient     *http.Client
	verbose        bool
	pollInterval   time.Duration
}

// NewDataCenter validates cfg and builds a session. No request is issued;
// credentials are first exercised on the first call.
func NewDataCenter(cfg *Config) (*DataCenter, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	location := cfg.Location
	if location == "" {
		location = DefaultLocation
	}

	knownLocations := cfg.KnownLocations
	if knownLocations == nil {
		knownLocations = DefaultKnownLocations
	}

	endpointStr, ok := endpointForLocation(location, knownLocations)
	if !ok {
		return nil, &ConfigurationError{
			Setting: "location",
			Message: fmt.Sprintf("unknown location %q and no matching locations table entry", location),
		}
	}

	endpoint, err := url.Parse(endpointStr)
	if err != nil {
		return nil, &ConfigurationError{
			Setting: "location",
			Message: fmt.Sprintf("endpoint %q is not a valid URL: %v", endpointStr, err),
		}
	}

	var signer auth.Signer
	if cfg.KeyID != "" {
		if _, _, err := auth.ParseKeyID(cfg.KeyID); err != nil {
			return nil, &ConfigurationError{Setting: "key_id", Message: err.Error()}
		}

		switch {
		case cfg.UseAgent:
			signer, err = auth.NewAgentSigner(cfg.KeyID)
		case cfg.KeyMaterial != nil:
			signer, err = auth.NewKeySigner(cfg.KeyID, cfg.KeyMaterial)
		case cfg.KeyPath != "":
			signer, err = auth.NewKeySignerFromFile(cfg.KeyID, cfg.KeyPath)
		}
		if err != nil {
			return nil, err
		}
	}

	login := cfg.Login
	if login == "" {
		login = "my"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
		if cfg.Insecure {
			httpClient = &http.Client{
				Transport: &http.Transport{
					TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
				},
			}
		}
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	return &DataCenter{
		location:       location,
		login:          login,
		endpoint:       endpoint,
		knownLocations: knownLocations,
		signer:         signer,
		httpClient:     httpClient,
		verbose:        cfg.Verbose,
		pollInterval:   pollInterval,
	}, nil
}

// Location returns the location this session was constructed with.
func (d *DataCenter) Location() string { return d.location }

// Login returns the account path used in request URLs.
func (d *DataCenter) Login() string { return d.login }

// SameEndpoint reports whether two sessions resolve to the same underlying
// endpoint identity. Sessions reached by different vanity hostnames of one
// deployment compare unequal; this is a documented limitation for
// non-standard deployments.
func (d *DataCenter) SameEndpoint(other *DataCenter) bool {
	return other != nil && d.endpoint.String() == other.endpoint.String() && d.login == other.login
}

// Datacenter returns a new session for another location, carrying over
// credentials, login, verification policy, and the locations table. When
// the name is not locally known and is not an FQDN, the server's
// datacenters listing is consulted first.
func (d *DataCenter) Datacenter(ctx gocontext.Context, name string) (*DataCenter, error) {
	table := d.knownLocations
	if _, ok := endpointForLocation(name, table); !ok {
		fetched, err := d.Datacenters(ctx)
		if err != nil {
			return nil, err
		}
		table = fetched
	}

	endpointStr, ok := endpointForLocation(name, table)
	if !ok {
		return nil, &ConfigurationError{
			Setting: "location",
			Message: fmt.Sprintf("unknown location %q and no matching locations table entry", name),
		}
	}

	endpoint, err := url.Parse(endpointStr)
	if err != nil {
		return nil, &ConfigurationError{
			Setting: "location",
			Message: fmt.Sprintf("endpoint %q is not a valid URL: %v", endpointStr, err),
		}
	}

	derived := *d
	derived.location = name
	derived.endpoint = endpoint
	derived.knownLocations = table
	return &derived, nil
}

// urlFor joins the endpoint, login, and a relative resource path.
func (d *DataCenter) urlFor(path string) (*url.URL, error) {
	base := *d.endpoint
	if path == "" {
		base.Path = "/" + d.login
		return &base, nil
	}
	rel, err := url.Parse(path)
	if err != nil {
		return nil, errors.Wrapf(err, "bad resource path %q", path)
	}
	base.Path = "/" + d.login + "/" + rel.Path
	base.RawQuery = rel.RawQuery
	return &base, nil
}

// expandPath fills a URI template such as "machines/{machine}" with
// percent-encoding of the values.
func expandPath(template string, vars map[string]interface{}) (string, error) {
	t, err := uritemplates.Parse(template)
	if err != nil {
		return "", errors.Wrapf(err, "couldn't parse path template %q", template)
	}
	expanded, err := t.Expand(vars)
	if err != nil {
		return "", errors.Wrapf(err, "couldn't expand path template %q", template)
	}
	return expanded, nil
}

func withQuery(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}

// Request issues one signed request and decodes the JSON response. Non-2xx
// responses become *APIError carrying the server's machine-readable code;
// failures before a response is obtained become *TransportError. Request
// never retries: retry policy belongs to the caller.
func (d *DataCenter) Request(ctx gocontext.Context, method, path string, body interface{}) (*simplejson.Json, *http.Response, error) {
	u, err := d.urlFor(path)
	if err != nil {
		return nil, nil, err
	}

	var bodyReader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, nil, errors.Wrap(err, "couldn't marshal request body to JSON")
		}
		bodyReader = bytes.NewReader(encoded)
	}

	ctx = context.FromDatacenter(ctx, d.location)
	ctx = context.FromRequestID(ctx, uuid.NewRandom().String())

	var req *http.Request
	if bodyReader != nil {
		req, err = http.NewRequest(method, u.String(), bodyReader)
	} else {
		req, err = http.NewRequest(method, u.String(), nil)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "couldn't create request")
	}
	req = req.WithContext(ctx)

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Api-Version", apiVersion)
	req.Header.Set("User-Agent", userAgent)

	if d.signer != nil {
		if err := auth.SignRequest(req, d.signer); err != nil {
			return nil, nil, err
		}
	}

	logger := context.LoggerFromContext(ctx).WithField("self", "datacenter")
	if d.verbose {
		logger.WithFields(logrus.Fields{
			"method": method,
			"url":    u.String(),
		}).Debug("issuing request")
	}

	metrics.Mark("cloudapi.request")
	start := time.Now()

	resp, err := d.httpClient.Do(req)
	if err != nil {
		metrics.Mark("cloudapi.request.transport_error")
		return nil, nil, &TransportError{Method: method, URL: u.String(), Err: err}
	}
	defer resp.Body.Close()

	metrics.TimeSince("cloudapi.request.duration", start)

	if d.verbose {
		logger.WithField("status", resp.StatusCode).Debug("received response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.Mark(fmt.Sprintf("cloudapi.request.error.%d", resp.StatusCode))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if payload, err := simplejson.NewFromReader(resp.Body); err == nil {
			apiErr.Code, _ = payload.Get("code").String()
			apiErr.Message, _ = payload.Get("message").String()
		}
		return nil, resp, apiErr
	}

	if method == "HEAD" || resp.StatusCode == http.StatusNoContent || resp.ContentLength == 0 {
		return nil, resp, nil
	}

	payload, err := simplejson.NewFromReader(resp.Body)
	if err != nil {
		return nil, resp, errors.Wrap(err, "couldn't decode response body")
	}
	return payload, resp, nil
}

// Me returns basic information about the authenticated account.
func (d *DataCenter) Me(ctx gocontext.Context) (*Entity, error) {
	payload, _, err := d.Request(ctx, "GET", "", nil)
	if err != nil {
		return nil, err
	}
	return newEntity("account", payload)
}

// UpdateAccount changes account fields (email, company, ...) and returns
// the updated account.
func (d *DataCenter) UpdateAccount(ctx gocontext.Context, fields map[string]interface{}) (*Entity, error) {
	payload, _, err := d.Request(ctx, "POST", "", fields)
	if err != nil {
		return nil, err
	}
	return newEntity("account", payload)
}

// Keys returns all public keys on record for the authenticated account.
func (d *DataCenter) Keys(ctx gocontext.Context) ([]*Key, error) {
	payload, _, err := d.Request(ctx, "GET", "keys", nil)
	if err != nil {
		return nil, err
	}
	entities, err := entitiesFromList("key", payload)
	if err != nil {
		return nil, err
	}
	return keysFrom(entities), nil
}

// Key returns one key record by name.
func (d *DataCenter) Key(ctx gocontext.Context, name string) (*Key, error) {
	path, err := expandPath("keys/{name}", map[string]interface{}{"name": name})
	if err != nil {
		return nil, err
	}
	payload, _, err := d.Request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	e, err := newEntity("key", payload)
	if err != nil {
		return nil, err
	}
	return &Key{*e}, nil
}

// AddKey uploads a public key to be added to the account's credentials.
func (d *DataCenter) AddKey(ctx gocontext.Context, name, publicKey string) (*Key, error) {
	payload, _, err := d.Request(ctx, "POST", "keys", map[string]string{
		"name": name,
		"key":  publicKey,
	})
	if err != nil {
		return nil, err
	}
	e, err := newEntity("key", payload)
	if err != nil {
		return nil, err
	}
	return &Key{*e}, nil
}

// DeleteKey removes a key record by name.
func (d *DataCenter) DeleteKey(ctx gocontext.Context, name string) error {
	path, err := expandPath("keys/{name}", map[string]interface{}{"name": name})
	if err != nil {
		return err
	}
	_, _, err = d.Request(ctx, "DELETE", path, nil)
	return err
}

// Datacenters returns every datacenter this cloud is aware of, as a mapping
// from short location key to endpoint URL.
func (d *DataCenter) Datacenters(ctx gocontext.Context) (map[string]string, error) {
	payload, _, err := d.Request(ctx, "GET", "datacenters", nil)
	if err != nil {
		return nil, err
	}

	raw, err := payload.Map()
	if err != nil {
		return nil, errors.Wrap(err, "expected a JSON object of datacenters")
	}

	table := make(map[string]string, len(raw)+len(d.knownLocations))
	for k, v := range d.knownLocations {
		table[k] = v
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			table[k] = s
		}
	}
	return table, nil
}

// Datasets returns the operating system templates available in this
// datacenter, optionally filtered locally by a regular expression over
// description and URN.
func (d *DataCenter) Datasets(ctx gocontext.Context, search string) ([]*Dataset, error) {
	payload, _, err := d.Request(ctx, "GET", "datasets", nil)
	if err != nil {
		return nil, err
	}
	entities, err := entitiesFromList("dataset", payload)
	if err != nil {
		return nil, err
	}
	if search != "" {
		entities, err = FilterByPattern(entities, search, "description", "urn")
		if err != nil {
			return nil, err
		}
	}
	return datasetsFrom(entities), nil
}

// Dataset fetches a single dataset by id, URN, name, or URN prefix. Loose
// references are resolved against the dataset listing, latest-created first.
func (d *DataCenter) Dataset(ctx gocontext.Context, ref interface{}) (*Dataset, error) {
	id, err := refID(ref, "id", "urn")
	if err != nil {
		return nil, err
	}

	payload, getErr := d.getByPath(ctx, "datasets/{id}", id)
	if getErr != nil {
		if !IsNotFound(getErr) {
			return nil, getErr
		}
		datasets, err := d.Datasets(ctx, "")
		if err != nil {
			return nil, err
		}
		resolved, err := ResolveRef(id, entitiesOf(len(datasets), func(i int) *Entity { return &datasets[i].Entity }))
		if err != nil {
			return nil, err
		}
		payload, err = d.getByPath(ctx, "datasets/{id}", resolved)
		if err != nil {
			return nil, err
		}
	}

	e, err := newEntity("dataset", payload)
	if err != nil {
		return nil, err
	}
	return &Dataset{*e}, nil
}

// PackageFilter narrows a package listing server-side.
type PackageFilter struct {
	Name    string
	Memory  int
	Disk    int
	Swap    int
	Version string
	VCPUs   int
	Group   string
}

func (f *PackageFilter) query() url.Values {
	q := url.Values{}
	if f == nil {
		return q
	}
	if f.Name != "" {
		q.Set("name", f.Name)
	}
	if f.Memory > 0 {
		q.Set("memory", strconv.Itoa(f.Memory))
	}
	if f.Disk > 0 {
		q.Set("disk", strconv.Itoa(f.Disk))
	}
	if f.Swap > 0 {
		q.Set("swap", strconv.Itoa(f.Swap))
	}
	if f.Version != "" {
		q.Set("version", f.Version)
	}
	if f.VCPUs > 0 {
		q.Set("vcpus", strconv.Itoa(f.VCPUs))
	}
	if f.Group != "" {
		q.Set("group", f.Group)
	}
	return q
}

// Packages returns the machine "sizes" available in this datacenter.
func (d *DataCenter) Packages(ctx gocontext.Context, filter *PackageFilter) ([]*Package, error) {
	payload, _, err := d.Request(ctx, "GET", withQuery("packages", filter.query()), nil)
	if err != nil {
		return nil, err
	}
	entities, err := entitiesFromList("package", payload)
	if err != nil {
		return nil, err
	}
	return packagesFrom(entities), nil
}

// Package fetches a single package by name.
func (d *DataCenter) Package(ctx gocontext.Context, ref interface{}) (*Package, error) {
	name, err := refID(ref, "name", "id")
	if err != nil {
		return nil, err
	}
	payload, err := d.getByPath(ctx, "packages/{name}", name)
	if err != nil {
		return nil, err
	}
	e, err := newEntity("package", payload)
	if err != nil {
		return nil, err
	}
	return &Package{*e}, nil
}

// DefaultPackage returns the package the server flags as default for this
// datacenter, or a *NotFoundError when none is flagged.
func (d *DataCenter) DefaultPackage(ctx gocontext.Context) (*Package, error) {
	packages, err := d.Packages(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, p := range packages {
		if isDefaultFlagged(&p.Entity) {
			return p, nil
		}
	}
	return nil, &NotFoundError{Kind: "package", Ref: "default"}
}

// DefaultDataset returns the dataset flagged as default, or a
// *NotFoundError when none is flagged.
func (d *DataCenter) DefaultDataset(ctx gocontext.Context) (*Dataset, error) {
	datasets, err := d.Datasets(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, ds := range datasets {
		if isDefaultFlagged(&ds.Entity) {
			return ds, nil
		}
	}
	return nil, &NotFoundError{Kind: "dataset", Ref: "default"}
}

// The server reports the default flag as a boolean on newer versions and
// the string "true" on older ones.
func isDefaultFlagged(e *Entity) bool {
	if b, err := e.Field("default").Bool(); err == nil {
		return b
	}
	return e.StringField("default") == "true"
}

// Networks returns the networks available in this datacenter.
func (d *DataCenter) Networks(ctx gocontext.Context) ([]*Network, error) {
	payload, _, err := d.Request(ctx, "GET", "networks", nil)
	if err != nil {
		return nil, err
	}
	entities, err := entitiesFromList("network", payload)
	if err != nil {
		return nil, err
	}
	return networksFrom(entities), nil
}

// Network fetches a single network by id.
func (d *DataCenter) Network(ctx gocontext.Context, ref interface{}) (*Network, error) {
	id, err := refID(ref, "id")
	if err != nil {
		return nil, err
	}
	payload, err := d.getByPath(ctx, "networks/{id}", id)
	if err != nil {
		return nil, err
	}
	e, err := newEntity("network", payload)
	if err != nil {
		return nil, err
	}
	return &Network{*e}, nil
}

// ImageFilter narrows an image listing server-side.
type ImageFilter struct {
	Name    string
	OS      string
	Version string
}

func (f *ImageFilter) query() url.Values {
	q := url.Values{}
	if f == nil {
		return q
	}
	if f.Name != "" {
		q.Set("name", f.Name)
	}
	if f.OS != "" {
		q.Set("os", f.OS)
	}
	if f.Version != "" {
		q.Set("version", f.Version)
	}
	return q
}

// Images returns the machine images available in this datacenter. Images
// are the successor naming for datasets on newer API versions.
func (d *DataCenter) Images(ctx gocontext.Context, filter *ImageFilter) ([]*Image, error) {
	payload, _, err := d.Request(ctx, "GET", withQuery("images", filter.query()), nil)
	if err != nil {
		return nil, err
	}
	entities, err := entitiesFromList("image", payload)
	if err != nil {
		return nil, err
	}
	return imagesFrom(entities), nil
}

// Image fetches a single image by id.
func (d *DataCenter) Image(ctx gocontext.Context, ref interface{}) (*Image, error) {
	id, err := refID(ref, "id")
	if err != nil {
		return nil, err
	}
	payload, err := d.getByPath(ctx, "images/{id}", id)
	if err != nil {
		return nil, err
	}
	e, err := newEntity("image", payload)
	if err != nil {
		return nil, err
	}
	return &Image{*e}, nil
}

func (d *DataCenter) getByPath(ctx gocontext.Context, template, id string) (*simplejson.Json, error) {
	path, err := expandPath(template, map[string]interface{}{"id": id, "name": id})
	if err != nil {
		return nil, err
	}
	payload, _, err := d.Request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func entitiesOf(n int, at func(int) *Entity) []*Entity {
	out := make([]*Entity, n)
	for i := range out {
		out[i] = at(i)
	}
	return out
}
