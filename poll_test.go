package cloudapi

import (
	"testing"
	"time"

	gocontext "context"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdc/cloudapi/cloudapitest"
	"github.com/smartdc/cloudapi/metrics"
)

func TestPollWhileReturnsOnTransition(t *testing.T) {
	api := cloudapitest.New("my")
	dc := newTestDataCenter(t, api)

	m := addTestMachine(t, api, dc, map[string]interface{}{"name": "web-1"}, "provisioning")
	id := m.CanonicalID()
	api.SetStateSequence(id, "provisioning", "provisioning", "running")

	refreshed, err := PollWhile(gocontext.TODO(), m, "provisioning", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "running", refreshed.State())
	assert.Equal(t, 3, api.FetchCount(id))
}

func TestPollUntilReturnsOnArrival(t *testing.T) {
	api := cloudapitest.New("my")
	dc := newTestDataCenter(t, api)

	m := addTestMachine(t, api, dc, map[string]interface{}{"name": "web-1"}, "provisioning")
	id := m.CanonicalID()
	api.SetStateSequence(id, "provisioning", "provisioning", "running")

	refreshed, err := PollUntil(gocontext.TODO(), m, "running", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "running", refreshed.State())
	assert.Equal(t, 3, api.FetchCount(id))
}

func TestPollUntilStoppedSequence(t *testing.T) {
	api := cloudapitest.New("my")
	dc := newTestDataCenter(t, api)

	m := addTestMachine(t, api, dc, map[string]interface{}{"name": "web-1"}, "running")
	id := m.CanonicalID()
	api.SetStateSequence(id, "running", "stopping", "stopped")

	refreshed, err := PollUntil(gocontext.TODO(), m, "stopped", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "stopped", refreshed.State())
	assert.Equal(t, 3, api.FetchCount(id))
}

func TestPollWhileImmediateReturn(t *testing.T) {
	api := cloudapitest.New("my")
	dc := newTestDataCenter(t, api)

	m := addTestMachine(t, api, dc, map[string]interface{}{"name": "web-1"}, "running")
	id := m.CanonicalID()
	api.SetStateSequence(id, "running")

	refreshed, err := PollWhile(gocontext.TODO(), m, "provisioning", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "running", refreshed.State())
	assert.Equal(t, 1, api.FetchCount(id))
}

func TestPollWhileContextDeadline(t *testing.T) {
	api := cloudapitest.New("my")
	dc := newTestDataCenter(t, api)

	m := addTestMachine(t, api, dc, map[string]interface{}{"name": "web-1"}, "provisioning")

	ctx, cancel := gocontext.WithTimeout(gocontext.Background(), 50*time.Millisecond)
	defer cancel()

	refreshed, err := PollWhile(ctx, m, "provisioning", 10*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, gocontext.DeadlineExceeded, err)
	require.NotNil(t, refreshed)
	assert.Equal(t, "provisioning", refreshed.State())
}

func TestPollUsesSessionDefaultInterval(t *testing.T) {
	api := cloudapitest.New("my")
	dc := newTestDataCenter(t, api)

	m := addTestMachine(t, api, dc, map[string]interface{}{"name": "web-1"}, "provisioning")
	id := m.CanonicalID()
	api.SetStateSequence(id, "provisioning", "running")

	// The helper was built with a millisecond default, so the zero-interval
	// convenience method finishes promptly.
	refreshed, err := m.PollUntil(gocontext.TODO(), "running")
	require.NoError(t, err)
	assert.Equal(t, "running", refreshed.State())
	assert.Equal(t, 2, api.FetchCount(id))
}

func TestPollTracksActiveGauge(t *testing.T) {
	api := cloudapitest.New("my")
	dc := newTestDataCenter(t, api)

	m := addTestMachine(t, api, dc, map[string]interface{}{"name": "web-1"}, "provisioning")
	api.SetStateSequence(m.CanonicalID(), "provisioning", "running")

	_, err := PollUntil(gocontext.TODO(), m, "running", time.Millisecond)
	require.NoError(t, err)

	var active int64 = -1
	metrics.Each(func(name string, metric interface{}) {
		if name != "cloudapi.poll.active" {
			return
		}
		if g, ok := metric.(gometrics.Gauge); ok {
			active = g.Value()
		}
	})
	assert.Equal(t, int64(0), active, "finished polls must not linger in the gauge")
}

func TestPollPropagatesFetchErrors(t *testing.T) {
	api := cloudapitest.New("my")
	dc := newTestDataCenter(t, api)

	m := addTestMachine(t, api, dc, map[string]interface{}{"name": "web-1", "state": "stopped"})
	require.NoError(t, m.Delete(gocontext.TODO()))

	_, err := PollWhile(gocontext.TODO(), m, "stopped", time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
