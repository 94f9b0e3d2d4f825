package cloudapi

import (
	"net/url"

	gocontext "context"

	simplejson "github.com/bitly/go-simplejson"
)

// Machine is an entity bound to the DataCenter it was fetched from. Its
// state field is server-driven; the client only observes transitions
// (provisioning → running → stopping → stopped → starting → running, with
// deleted and failed as terminal observations) and never asserts their
// legality.
type Machine struct {
	Entity
	dc *DataCenter
}

func machineFrom(d *DataCenter, payload *simplejson.Json) (*Machine, error) {
	e, err := newEntity("machine", payload)
	if err != nil {
		return nil, err
	}
	return &Machine{Entity: *e, dc: d}, nil
}

// DataCenter returns the session this machine was fetched through.
func (m *Machine) DataCenter() *DataCenter { return m.dc }

// State returns the machine's state as of the response this entity was
// built from. It may be stale; Status re-fetches.
func (m *Machine) State() string { return m.StringField("state") }

// IPs returns the machine's addresses as of the last fetch.
func (m *Machine) IPs() []string {
	arr, err := m.Field("ips").Array()
	if err != nil {
		return nil
	}
	ips := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			ips = append(ips, s)
		}
	}
	return ips
}

// Metadata returns the machine's metadata mapping.
func (m *Machine) Metadata() map[string]interface{} {
	return m.Field("metadata").MustMap()
}

// Tags returns the machine's tag mapping.
func (m *Machine) Tags() map[string]interface{} {
	return m.Field("tags").MustMap()
}

// HasTags reports whether every given key/value pair is present on the
// machine.
func (m *Machine) HasTags(tags map[string]string) bool {
	mine := m.Tags()
	for k, v := range tags {
		if s, ok := mine[k].(string); !ok || s != v {
			return false
		}
	}
	return true
}

// Refresh re-fetches the machine and returns an updated copy. The receiver
// is never mutated, so a stale caller holding two copies cannot race a
// partial update.
func (m *Machine) Refresh(ctx gocontext.Context) (*Machine, error) {
	return m.dc.Machine(ctx, m.CanonicalID())
}

// Status performs a fresh fetch and returns the current state string.
func (m *Machine) Status(ctx gocontext.Context) (string, error) {
	refreshed, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return refreshed.State(), nil
}

func (m *Machine) path(extra string) (string, error) {
	vars := map[string]interface{}{"machine": m.CanonicalID()}
	if extra == "" {
		return expandPath("machines/{machine}", vars)
	}
	return expandPath("machines/{machine}/"+extra, vars)
}

func (m *Machine) action(ctx gocontext.Context, q url.Values) error {
	path, err := m.path("")
	if err != nil {
		return err
	}
	_, _, err = m.dc.Request(ctx, "POST", withQuery(path, q), nil)
	return err
}

// Start requests a transition to running.
func (m *Machine) Start(ctx gocontext.Context) error {
	return m.action(ctx, url.Values{"action": []string{"start"}})
}

// Stop requests a transition to stopped.
func (m *Machine) Stop(ctx gocontext.Context) error {
	return m.action(ctx, url.Values{"action": []string{"stop"}})
}

// Reboot requests a restart.
func (m *Machine) Reboot(ctx gocontext.Context) error {
	return m.action(ctx, url.Values{"action": []string{"reboot"}})
}

// Resize moves the machine to another package, given by name or
// representation.
func (m *Machine) Resize(ctx gocontext.Context, pkg interface{}) error {
	name, err := refID(pkg, "name", "id")
	if err != nil {
		return err
	}
	return m.action(ctx, url.Values{
		"action":  []string{"resize"},
		"package": []string{name},
	})
}

// Delete destroys the machine. The server requires it stopped first.
func (m *Machine) Delete(ctx gocontext.Context) error {
	path, err := m.path("")
	if err != nil {
		return err
	}
	_, _, err = m.dc.Request(ctx, "DELETE", path, nil)
	return err
}

// AddTags appends tags to the machine's tag space.
func (m *Machine) AddTags(ctx gocontext.Context, tags map[string]string) error {
	path, err := m.path("tags")
	if err != nil {
		return err
	}
	_, _, err = m.dc.Request(ctx, "POST", path, tags)
	return err
}

// ReplaceTags substitutes the machine's entire tag space.
func (m *Machine) ReplaceTags(ctx gocontext.Context, tags map[string]string) error {
	path, err := m.path("tags")
	if err != nil {
		return err
	}
	_, _, err = m.dc.Request(ctx, "PUT", path, tags)
	return err
}

// RemoveTags deletes the machine's entire tag space.
func (m *Machine) RemoveTags(ctx gocontext.Context) error {
	path, err := m.path("tags")
	if err != nil {
		return err
	}
	_, _, err = m.dc.Request(ctx, "DELETE", path, nil)
	return err
}

// RemoveTag deletes a single tag by name.
func (m *Machine) RemoveTag(ctx gocontext.Context, name string) error {
	path, err := expandPath("machines/{machine}/tags/{tag}", map[string]interface{}{
		"machine": m.CanonicalID(),
		"tag":     name,
	})
	if err != nil {
		return err
	}
	_, _, err = m.dc.Request(ctx, "DELETE", path, nil)
	return err
}

// GetMetadata fetches the machine's current metadata mapping.
func (m *Machine) GetMetadata(ctx gocontext.Context) (map[string]interface{}, error) {
	path, err := m.path("metadata")
	if err != nil {
		return nil, err
	}
	payload, _, err := m.dc.Request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	return payload.MustMap(), nil
}

// UpdateMetadata merges the given keys into the machine's metadata.
func (m *Machine) UpdateMetadata(ctx gocontext.Context, metadata map[string]string) error {
	path, err := m.path("metadata")
	if err != nil {
		return err
	}
	_, _, err = m.dc.Request(ctx, "POST", path, metadata)
	return err
}

// DeleteMetadata removes a single metadata key.
func (m *Machine) DeleteMetadata(ctx gocontext.Context, key string) error {
	path, err := expandPath("machines/{machine}/metadata/{key}", map[string]interface{}{
		"machine": m.CanonicalID(),
		"key":     key,
	})
	if err != nil {
		return err
	}
	_, _, err = m.dc.Request(ctx, "DELETE", path, nil)
	return err
}

// Snapshots lists the machine's snapshots.
func (m *Machine) Snapshots(ctx gocontext.Context) ([]*Snapshot, error) {
	path, err := m.path("snapshots")
	if err != nil {
		return nil, err
	}
	payload, _, err := m.dc.Request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	entities, err := entitiesFromList("snapshot", payload)
	if err != nil {
		return nil, err
	}
	return snapshotsFrom(entities), nil
}

// CreateSnapshot captures the machine's current state under the given name.
func (m *Machine) CreateSnapshot(ctx gocontext.Context, name string) (*Snapshot, error) {
	path, err := m.path("snapshots")
	if err != nil {
		return nil, err
	}
	payload, _, err := m.dc.Request(ctx, "POST", path, map[string]string{"name": name})
	if err != nil {
		return nil, err
	}
	e, err := newEntity("snapshot", payload)
	if err != nil {
		return nil, err
	}
	return &Snapshot{*e}, nil
}

// Snapshot fetches one snapshot by name.
func (m *Machine) Snapshot(ctx gocontext.Context, name string) (*Snapshot, error) {
	path, err := m.snapshotPath(name)
	if err != nil {
		return nil, err
	}
	payload, _, err := m.dc.Request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	e, err := newEntity("snapshot", payload)
	if err != nil {
		return nil, err
	}
	return &Snapshot{*e}, nil
}

// StartFromSnapshot boots the machine from the named snapshot.
func (m *Machine) StartFromSnapshot(ctx gocontext.Context, name string) error {
	path, err := m.snapshotPath(name)
	if err != nil {
		return err
	}
	_, _, err = m.dc.Request(ctx, "POST", path, nil)
	return err
}

// DeleteSnapshot removes the named snapshot.
func (m *Machine) DeleteSnapshot(ctx gocontext.Context, name string) error {
	path, err := m.snapshotPath(name)
	if err != nil {
		return err
	}
	_, _, err = m.dc.Request(ctx, "DELETE", path, nil)
	return err
}

func (m *Machine) snapshotPath(name string) (string, error) {
	return expandPath("machines/{machine}/snapshots/{name}", map[string]interface{}{
		"machine": m.CanonicalID(),
		"name":    name,
	})
}
