package cloudapi

import (
	"regexp"
	"sort"
	"strings"
	"time"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/pkg/errors"
)

// refID extracts an identifier out of a reference without consulting any
// candidate list. References may be canonical id strings, previously fetched
// resources, raw payloads, or plain maps. The fields list orders which
// payload fields count as the identifier ("id" then "urn" for datasets,
// "name" for packages, ...).
func refID(ref interface{}, fields ...string) (string, error) {
	if len(fields) == 0 {
		fields = []string{"id", "urn", "name"}
	}

	switch r := ref.(type) {
	case nil:
		return "", errors.New("nil resource reference")
	case string:
		return r, nil
	case Resource:
		return r.CanonicalID(), nil
	case *simplejson.Json:
		for _, f := range fields {
			if v, err := r.Get(f).String(); err == nil && v != "" {
				return v, nil
			}
		}
		return "", errors.Errorf("reference payload carries none of %v", fields)
	case map[string]interface{}:
		for _, f := range fields {
			if v, ok := r[f].(string); ok && v != "" {
				return v, nil
			}
		}
		return "", errors.Errorf("reference map carries none of %v", fields)
	default:
		return "", errors.Errorf("unsupported reference type %T", ref)
	}
}

// ResolveRef turns a loosely specified reference into the canonical
// identifier of exactly one candidate. Accepted forms, in match order:
// exact canonical id, previously fetched representation (its id is
// extracted), exact name, and id/URN prefix. When several candidates share
// a prefix the most recently created wins, matching the server's own
// "latest wins" semantics for ambiguous dataset URNs; the match fails as
// ambiguous only when no creation-timestamp tiebreak is possible.
func ResolveRef(ref interface{}, candidates []*Entity) (string, error) {
	id, err := refID(ref)
	if err != nil {
		return "", err
	}

	if len(candidates) == 0 {
		if _, isString := ref.(string); isString {
			return "", &NotFoundError{Kind: "resource", Ref: id}
		}
		// A representation carries its own canonical id.
		return id, nil
	}

	// Exact canonical id passes through.
	for _, c := range candidates {
		if c.CanonicalID() == id || c.StringField("urn") == id {
			return c.CanonicalID(), nil
		}
	}

	if byName := matching(candidates, func(c *Entity) bool { return c.Name() == id }); len(byName) > 0 {
		return pickLatest(id, byName)
	}

	byPrefix := matching(candidates, func(c *Entity) bool {
		return strings.HasPrefix(c.CanonicalID(), id) || strings.HasPrefix(c.StringField("urn"), id)
	})
	if len(byPrefix) > 0 {
		return pickLatest(id, byPrefix)
	}

	kind := "resource"
	if len(candidates) > 0 {
		kind = candidates[0].Kind()
	}
	return "", &NotFoundError{Kind: kind, Ref: id}
}

func matching(candidates []*Entity, pred func(*Entity) bool) []*Entity {
	var out []*Entity
	for _, c := range candidates {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}

// pickLatest selects the single match, or the strictly most recently
// created one. Matches without timestamps cannot be ranked and make the
// reference ambiguous.
func pickLatest(ref string, matches []*Entity) (string, error) {
	if len(matches) == 1 {
		return matches[0].CanonicalID(), nil
	}

	type stamped struct {
		entity  *Entity
		created time.Time
	}
	ranked := make([]stamped, 0, len(matches))
	for _, m := range matches {
		created, ok := m.Created()
		if !ok {
			return "", ambiguous(ref, matches)
		}
		ranked = append(ranked, stamped{entity: m, created: created})
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].created.After(ranked[j].created) })

	if ranked[0].created.Equal(ranked[1].created) {
		return "", ambiguous(ref, matches)
	}
	return ranked[0].entity.CanonicalID(), nil
}

func ambiguous(ref string, matches []*Entity) error {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.CanonicalID()
	}
	return &AmbiguousReferenceError{Ref: ref, Matches: ids}
}

// FilterByPattern keeps the entities whose named fields match the regular
// expression, case-insensitively and unanchored. The predicate is
// re-evaluated on every call; nothing is cached. An empty fields list
// filters on the name.
func FilterByPattern(entities []*Entity, pattern string, fields ...string) ([]*Entity, error) {
	if len(fields) == 0 {
		fields = []string{"name"}
	}

	matcher, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "bad filter pattern %q", pattern)
	}

	var out []*Entity
	for _, e := range entities {
		for _, f := range fields {
			if matcher.MatchString(e.StringField(f)) {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}
