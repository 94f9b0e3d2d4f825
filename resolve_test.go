package cloudapi

import (
	"encoding/json"
	"testing"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntity(t *testing.T, kind string, fields map[string]interface{}) *Entity {
	encoded, err := json.Marshal(fields)
	require.NoError(t, err)
	payload, err := simplejson.NewJson(encoded)
	require.NoError(t, err)
	e, err := newEntity(kind, payload)
	require.NoError(t, err)
	return e
}

func testDatasetCandidates(t *testing.T) []*Entity {
	return []*Entity{
		testEntity(t, "dataset", map[string]interface{}{
			"id":      "11111111-2222-3333-4444-555555555555",
			"urn":     "sdc:sdc:base:1.8.1",
			"name":    "base",
			"created": "2012-05-01T10:00:00Z",
		}),
		testEntity(t, "dataset", map[string]interface{}{
			"id":      "66666666-7777-8888-9999-aaaaaaaaaaaa",
			"urn":     "sdc:sdc:base:1.9.0",
			"name":    "base",
			"created": "2013-02-10T10:00:00Z",
		}),
		testEntity(t, "dataset", map[string]interface{}{
			"id":      "bbbbbbbb-cccc-dddd-eeee-ffffffffffff",
			"urn":     "sdc:sdc:standard:1.0.0",
			"name":    "standard",
			"created": "2012-08-15T10:00:00Z",
		}),
	}
}

func TestResolveRefReferenceForms(t *testing.T) {
	candidates := testDatasetCandidates(t)
	want := "bbbbbbbb-cccc-dddd-eeee-ffffffffffff"

	refs := map[string]interface{}{
		"canonical id":   "bbbbbbbb-cccc-dddd-eeee-ffffffffffff",
		"urn":            "sdc:sdc:standard:1.0.0",
		"name":           "standard",
		"representation": candidates[2],
		"raw payload":    candidates[2].Raw(),
		"plain map":      map[string]interface{}{"id": "bbbbbbbb-cccc-dddd-eeee-ffffffffffff"},
	}

	for form, ref := range refs {
		resolved, err := ResolveRef(ref, candidates)
		require.NoError(t, err, "resolving by %s", form)
		assert.Equal(t, want, resolved, "resolving by %s", form)
	}
}

func TestResolveRefPrefixPicksLatestCreated(t *testing.T) {
	resolved, err := ResolveRef("sdc:sdc:base", testDatasetCandidates(t))
	require.NoError(t, err)
	assert.Equal(t, "66666666-7777-8888-9999-aaaaaaaaaaaa", resolved)
}

func TestResolveRefNamePicksLatestCreated(t *testing.T) {
	resolved, err := ResolveRef("base", testDatasetCandidates(t))
	require.NoError(t, err)
	assert.Equal(t, "66666666-7777-8888-9999-aaaaaaaaaaaa", resolved)
}

func TestResolveRefAmbiguousWithoutTimestamps(t *testing.T) {
	candidates := []*Entity{
		testEntity(t, "dataset", map[string]interface{}{"id": "aaa-1", "name": "base"}),
		testEntity(t, "dataset", map[string]interface{}{"id": "aaa-2", "name": "base"}),
	}

	_, err := ResolveRef("base", candidates)
	require.Error(t, err)

	ambErr, ok := err.(*AmbiguousReferenceError)
	require.True(t, ok, "expected *AmbiguousReferenceError, got %T", err)
	assert.Equal(t, "base", ambErr.Ref)
	assert.Len(t, ambErr.Matches, 2)
}

func TestResolveRefAmbiguousOnEqualTimestamps(t *testing.T) {
	candidates := []*Entity{
		testEntity(t, "dataset", map[string]interface{}{"id": "aaa-1", "name": "base", "created": "2013-01-01T00:00:00Z"}),
		testEntity(t, "dataset", map[string]interface{}{"id": "aaa-2", "name": "base", "created": "2013-01-01T00:00:00Z"}),
	}

	_, err := ResolveRef("base", candidates)
	require.Error(t, err)
	_, ok := err.(*AmbiguousReferenceError)
	assert.True(t, ok, "expected *AmbiguousReferenceError, got %T", err)
}

func TestResolveRefAmbiguousOnPartialTimestamps(t *testing.T) {
	// A match without a creation timestamp could itself be the latest, so
	// the remaining timestamps cannot break the tie.
	candidates := []*Entity{
		testEntity(t, "dataset", map[string]interface{}{"id": "aaa-1", "name": "base", "created": "2012-05-01T10:00:00Z"}),
		testEntity(t, "dataset", map[string]interface{}{"id": "aaa-2", "name": "base", "created": "2013-02-10T10:00:00Z"}),
		testEntity(t, "dataset", map[string]interface{}{"id": "aaa-3", "name": "base"}),
	}

	_, err := ResolveRef("base", candidates)
	require.Error(t, err)

	ambErr, ok := err.(*AmbiguousReferenceError)
	require.True(t, ok, "expected *AmbiguousReferenceError, got %T", err)
	assert.Len(t, ambErr.Matches, 3)
}

func TestResolveRefNotFound(t *testing.T) {
	_, err := ResolveRef("nonesuch", testDatasetCandidates(t))
	require.Error(t, err)

	nfErr, ok := err.(*NotFoundError)
	require.True(t, ok, "expected *NotFoundError, got %T", err)
	assert.Equal(t, "dataset", nfErr.Kind)
	assert.Equal(t, "nonesuch", nfErr.Ref)
	assert.True(t, IsNotFound(err))
}

func TestResolveRefEmptyCandidates(t *testing.T) {
	_, err := ResolveRef("anything", nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	e := testEntity(t, "dataset", map[string]interface{}{"id": "aaa-1"})
	resolved, err := ResolveRef(e, nil)
	require.NoError(t, err)
	assert.Equal(t, "aaa-1", resolved)
}

func TestResolveRefNilReference(t *testing.T) {
	_, err := ResolveRef(nil, testDatasetCandidates(t))
	assert.Error(t, err)
}

func TestFilterByPattern(t *testing.T) {
	entities := []*Entity{
		testEntity(t, "package", map[string]interface{}{"name": "high-cpu"}),
		testEntity(t, "package", map[string]interface{}{"name": "standard"}),
	}

	matched, err := FilterByPattern(entities, "high.*")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "high-cpu", matched[0].Name())
}

func TestFilterByPatternCaseInsensitiveUnanchored(t *testing.T) {
	entities := []*Entity{
		testEntity(t, "package", map[string]interface{}{"name": "High-CPU 8GB"}),
		testEntity(t, "package", map[string]interface{}{"name": "standard"}),
	}

	matched, err := FilterByPattern(entities, "cpu")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "High-CPU 8GB", matched[0].Name())
}

func TestFilterByPatternAlternateFields(t *testing.T) {
	entities := []*Entity{
		testEntity(t, "dataset", map[string]interface{}{
			"id": "aaa-1", "name": "base", "urn": "sdc:sdc:base:1.9.0", "description": "SmartOS base image",
		}),
		testEntity(t, "dataset", map[string]interface{}{
			"id": "aaa-2", "name": "ubuntu", "urn": "sdc:sdc:ubuntu:12.04", "description": "Ubuntu server",
		}),
	}

	matched, err := FilterByPattern(entities, "smartos", "description", "urn")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "aaa-1", matched[0].CanonicalID())
}

func TestFilterByPatternBadPattern(t *testing.T) {
	_, err := FilterByPattern(nil, "(")
	assert.Error(t, err)
}
