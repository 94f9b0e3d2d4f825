package cloudapi

import (
	"hash/fnv"
	"time"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/pkg/errors"
)

// Entity is a value object wrapping one server-side resource exactly as the
// API returned it. Entities are constructed only from server responses,
// never hand-built. An Entity goes stale the instant any server-side
// mutation occurs; identity-based equality stays safe regardless because the
// canonical id never changes.
type Entity struct {
	kind   string
	id     string
	fields *simplejson.Json
}

func newEntity(kind string, fields *simplejson.Json) (*Entity, error) {
	id := canonicalID(fields)
	if id == "" {
		return nil, errors.Errorf("%s response carries no id, urn, or name field", kind)
	}
	return &Entity{kind: kind, id: id, fields: fields}, nil
}

// canonicalID derives the stable identifier from a response payload: the
// server's id when present, else the URN, else the name (keys and snapshots
// are name-addressed).
func canonicalID(fields *simplejson.Json) string {
	for _, field := range []string{"id", "urn", "name"} {
		if v, err := fields.Get(field).String(); err == nil && v != "" {
			return v
		}
	}
	return ""
}

// CanonicalID returns the identifier the server uses for this resource.
func (e *Entity) CanonicalID() string { return e.id }

// Kind names the resource type ("machine", "dataset", ...).
func (e *Entity) Kind() string { return e.kind }

// Field returns the raw value at the given path in the response payload.
func (e *Entity) Field(path ...string) *simplejson.Json {
	return e.fields.GetPath(path...)
}

// StringField returns the named top-level field as a string, or "".
func (e *Entity) StringField(name string) string {
	v, _ := e.fields.Get(name).String()
	return v
}

// Name returns the human-readable label, if the resource has one.
func (e *Entity) Name() string { return e.StringField("name") }

// Created parses the resource's creation timestamp. The second return is
// false when the payload carries none.
func (e *Entity) Created() (time.Time, bool) {
	v := e.StringField("created")
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Equal reports identity equality: two entities are equal iff their
// canonical identifiers are equal, even if every other field differs.
func (e *Entity) Equal(other *Entity) bool {
	return other != nil && e.id == other.id
}

// Hash returns a hash derived from the canonical identifier only, so that
// stale and fresh copies of the same resource hash alike.
func (e *Entity) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(e.id))
	return h.Sum64()
}

// Raw exposes the verbatim response payload.
func (e *Entity) Raw() *simplejson.Json { return e.fields }

func (e *Entity) String() string { return e.id }

// entitiesFromList wraps each element of a JSON array response.
func entitiesFromList(kind string, list *simplejson.Json) ([]*Entity, error) {
	arr, err := list.Array()
	if err != nil {
		return nil, errors.Wrapf(err, "expected a JSON array of %ss", kind)
	}

	entities := make([]*Entity, 0, len(arr))
	for i := range arr {
		e, err := newEntity(kind, list.GetIndex(i))
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// Dataset is an operating system template available for provisioning.
type Dataset struct{ Entity }

// URN returns the dataset's URN, which doubles as its canonical id on older
// API versions.
func (d *Dataset) URN() string { return d.StringField("urn") }

// Package is a named cluster of resource values (memory, disk, swap).
type Package struct{ Entity }

// Memory returns the provisioned RAM in MiB.
func (p *Package) Memory() int { return p.Field("memory").MustInt() }

// Disk returns the provisioned disk in MiB.
func (p *Package) Disk() int { return p.Field("disk").MustInt() }

// Network is a network machines may be attached to at provisioning time.
type Network struct{ Entity }

// Key is a named public key registered on the account.
type Key struct{ Entity }

// PublicKey returns the full SSH public key material.
func (k *Key) PublicKey() string { return k.StringField("key") }

// Image is the successor naming for datasets on newer API versions.
type Image struct{ Entity }

// Snapshot is a point-in-time capture of a machine, addressed by name.
type Snapshot struct{ Entity }

// State returns the snapshot's current state string.
func (s *Snapshot) State() string { return s.StringField("state") }

func datasetsFrom(list []*Entity) []*Dataset {
	out := make([]*Dataset, len(list))
	for i, e := range list {
		out[i] = &Dataset{*e}
	}
	return out
}

func packagesFrom(list []*Entity) []*Package {
	out := make([]*Package, len(list))
	for i, e := range list {
		out[i] = &Package{*e}
	}
	return out
}

func networksFrom(list []*Entity) []*Network {
	out := make([]*Network, len(list))
	for i, e := range list {
		out[i] = &Network{*e}
	}
	return out
}

func keysFrom(list []*Entity) []*Key {
	out := make([]*Key, len(list))
	for i, e := range list {
		out[i] = &Key{*e}
	}
	return out
}

func imagesFrom(list []*Entity) []*Image {
	out := make([]*Image, len(list))
	for i, e := range list {
		out[i] = &Image{*e}
	}
	return out
}

func snapshotsFrom(list []*Entity) []*Snapshot {
	out := make([]*Snapshot, len(list))
	for i, e := range list {
		out[i] = &Snapshot{*e}
	}
	return out
}
