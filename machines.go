package cloudapi

import (
	"net/url"
	"os"
	"strconv"

	gocontext "context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/smartdc/cloudapi/context"
)

const defaultMachinesPageLimit = 1000

// MachinesOpts narrows a machine listing. Tag filtering is attempted
// server-side first; when the server rejects tag parameters the listing
// fails over to an unfiltered fetch plus local filtering.
type MachinesOpts struct {
	Type        string
	Name        string
	State       string
	Dataset     interface{}
	Memory      int
	Tombstone   int
	Tags        map[string]string
	Credentials bool
	Limit       int
	Offset      int

	// Paged returns a single page instead of collecting everything.
	Paged bool
}

func (o *MachinesOpts) query() (url.Values, error) {
	q := url.Values{}
	if o == nil {
		return q, nil
	}
	if o.Type != "" {
		q.Set("type", o.Type)
	}
	if o.Name != "" {
		q.Set("name", o.Name)
	}
	if o.State != "" {
		q.Set("state", o.State)
	}
	if o.Dataset != nil {
		id, err := refID(o.Dataset, "urn", "id")
		if err != nil {
			return nil, err
		}
		q.Set("dataset", id)
	}
	if o.Memory > 0 {
		q.Set("memory", strconv.Itoa(o.Memory))
	}
	if o.Tombstone > 0 {
		q.Set("tombstone", strconv.Itoa(o.Tombstone))
	}
	for k, v := range o.Tags {
		q.Set("tag."+k, v)
	}
	if o.Credentials {
		q.Set("credentials", "true")
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	return q, nil
}

// Machines queries for machines in this datacenter matching the given
// criteria. Unless Paged is set, successive pages are collected by
// following the X-Query-Limit and X-Resource-Count response headers.
func (d *DataCenter) Machines(ctx gocontext.Context, opts *MachinesOpts) ([]*Machine, error) {
	machines, err := d.listMachines(ctx, opts)
	if err == nil {
		return machines, nil
	}

	// Deployments predating server-side tag filtering reject the tag
	// params themselves; fetch unfiltered and filter here instead. Every
	// other failure surfaces untouched.
	apiErr, ok := errors.Cause(err).(*APIError)
	if !ok || opts == nil || len(opts.Tags) == 0 || !tagFilterUnsupported(apiErr) {
		return nil, err
	}

	context.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"self": "datacenter",
		"code": apiErr.Code,
	}).Debug("server rejected tag filter, filtering locally")

	unfiltered := *opts
	unfiltered.Tags = nil
	machines, err = d.listMachines(ctx, &unfiltered)
	if err != nil {
		return nil, err
	}

	var out []*Machine
	for _, m := range machines {
		if m.HasTags(opts.Tags) {
			out = append(out, m)
		}
	}
	return out, nil
}

// tagFilterUnsupported reports whether the server rejected the tag query
// parameters themselves, the one listing failure recoverable by filtering
// locally. Anything else (auth, rate limits, server faults) stays fatal.
func tagFilterUnsupported(apiErr *APIError) bool {
	switch apiErr.Code {
	case "InvalidArgument", "InvalidParameter", "UnknownParameter":
		return true
	}
	return false
}

func (d *DataCenter) listMachines(ctx gocontext.Context, opts *MachinesOpts) ([]*Machine, error) {
	q, err := opts.query()
	if err != nil {
		return nil, err
	}

	limit := defaultMachinesPageLimit
	if opts != nil && opts.Limit > 0 {
		limit = opts.Limit
	}
	offset := 0
	if opts != nil && opts.Offset > 0 {
		offset = opts.Offset
	}

	var machines []*Machine
	for {
		payload, resp, err := d.Request(ctx, "GET", withQuery("machines", q), nil)
		if err != nil {
			return nil, err
		}

		entities, err := entitiesFromList("machine", payload)
		if err != nil {
			return nil, err
		}
		for _, e := range entities {
			machines = append(machines, &Machine{Entity: *e, dc: d})
		}

		if opts != nil && opts.Paged {
			return machines, nil
		}

		queryLimit := headerInt(resp.Header.Get("X-Query-Limit"), limit)
		resourceCount := headerInt(resp.Header.Get("X-Resource-Count"), len(machines))
		if resourceCount <= queryLimit || len(entities) == 0 || len(machines) >= resourceCount {
			return machines, nil
		}

		offset += queryLimit
		q.Set("offset", strconv.Itoa(offset))
	}
}

func headerInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

// NumMachines counts the machines matching the given tags without fetching
// their bodies, via HEAD and the X-Resource-Count header.
func (d *DataCenter) NumMachines(ctx gocontext.Context, tags map[string]string) (int, error) {
	q := url.Values{}
	for k, v := range tags {
		q.Set("tag."+k, v)
	}
	_, resp, err := d.Request(ctx, "HEAD", withQuery("machines", q), nil)
	if err != nil {
		return 0, err
	}
	return headerInt(resp.Header.Get("X-Resource-Count"), 0), nil
}

// Machine fetches a single machine by id or representation.
func (d *DataCenter) Machine(ctx gocontext.Context, ref interface{}) (*Machine, error) {
	id, err := refID(ref, "id")
	if err != nil {
		return nil, err
	}
	payload, err := d.getByPath(ctx, "machines/{id}", id)
	if err != nil {
		return nil, err
	}
	return machineFrom(d, payload)
}

// CreateMachineOpts describes a machine to provision. Every field is
// optional: the server assigns defaults, including the name. Dataset,
// Image, Package, and Networks accept canonical ids or previously fetched
// representations.
type CreateMachineOpts struct {
	Name     string
	Package  interface{}
	Dataset  interface{}
	Image    interface{}
	Networks []interface{}
	Metadata map[string]string
	Tags     map[string]string

	// BootScript is a local file path whose contents are uploaded as the
	// machine's user-script metadata.
	BootScript string
}

// CreateMachine provisions a machine in this datacenter. The returned
// Machine's state typically reads "provisioning"; observe "running" with
// PollUntil.
func (d *DataCenter) CreateMachine(ctx gocontext.Context, opts *CreateMachineOpts) (*Machine, error) {
	if opts == nil {
		opts = &CreateMachineOpts{}
	}

	body := map[string]interface{}{}

	if opts.Name != "" {
		if !machineNameRegexp.MatchString(opts.Name) {
			return nil, &ConfigurationError{
				Setting: "name",
				Message: "machine names are alphanumeric with interior dashes and dots",
			}
		}
		body["name"] = opts.Name
	}

	if opts.Package != nil {
		name, err := refID(opts.Package, "name", "id")
		if err != nil {
			return nil, err
		}
		body["package"] = name
	}

	if opts.Image != nil {
		id, err := refID(opts.Image, "id")
		if err != nil {
			return nil, err
		}
		body["image"] = id
	}

	if opts.Dataset != nil && opts.Image == nil {
		id, err := refID(opts.Dataset, "id", "urn")
		if err != nil {
			return nil, err
		}
		body["dataset"] = id
	}

	for k, v := range opts.Metadata {
		body["metadata."+k] = v
	}
	for k, v := range opts.Tags {
		body["tag."+k] = v
	}

	if opts.BootScript != "" {
		script, err := os.ReadFile(opts.BootScript)
		if err != nil {
			return nil, errors.Wrap(err, "couldn't read boot script")
		}
		body["metadata.user-script"] = string(script)
	}

	if len(opts.Networks) > 0 {
		networks := make([]string, len(opts.Networks))
		for i, n := range opts.Networks {
			id, err := refID(n, "id")
			if err != nil {
				return nil, err
			}
			networks[i] = id
		}
		body["networks"] = networks
	}

	payload, _, err := d.Request(ctx, "POST", "machines", body)
	if err != nil {
		return nil, err
	}

	machine, err := machineFrom(d, payload)
	if err != nil {
		return nil, err
	}

	context.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"self":       "datacenter",
		"datacenter": d.location,
		"machine":    machine.CanonicalID(),
		"state":      machine.State(),
	}).Info("created machine")

	return machine, nil
}
