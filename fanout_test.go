package cloudapi

import (
	"sync"
	"sync/atomic"
	"testing"

	gocontext "context"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdc/cloudapi/cloudapitest"
)

func TestEachVisitsEveryMachine(t *testing.T) {
	api := cloudapitest.New("my")
	dc := newTestDataCenter(t, api)
	ctx := gocontext.TODO()

	var machines []*Machine
	for _, name := range []string{"m-1", "m-2", "m-3", "m-4"} {
		machines = append(machines, addTestMachine(t, api, dc, map[string]interface{}{
			"name": name, "state": "running",
		}))
	}

	var mu sync.Mutex
	visited := map[string]bool{}

	err := Each(ctx, machines, 2, func(ctx gocontext.Context, m *Machine) error {
		if err := m.Stop(ctx); err != nil {
			return err
		}
		mu.Lock()
		visited[m.Name()] = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, visited, 4)

	for _, m := range machines {
		status, err := m.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, "stopped", status)
	}
}

func TestEachRespectsConcurrencyLimit(t *testing.T) {
	api := cloudapitest.New("my")
	dc := newTestDataCenter(t, api)

	var machines []*Machine
	for _, name := range []string{"m-1", "m-2", "m-3", "m-4", "m-5", "m-6"} {
		machines = append(machines, addTestMachine(t, api, dc, map[string]interface{}{
			"name": name, "state": "running",
		}))
	}

	var inFlight, peak int32
	barrier := make(chan struct{})
	var once sync.Once

	err := Each(gocontext.TODO(), machines, 2, func(ctx gocontext.Context, m *Machine) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		once.Do(func() { close(barrier) })
		<-barrier
		atomic.AddInt32(&inFlight, -1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestEachPropagatesFirstError(t *testing.T) {
	api := cloudapitest.New("my")
	dc := newTestDataCenter(t, api)

	var machines []*Machine
	for _, name := range []string{"m-1", "m-2", "m-3"} {
		machines = append(machines, addTestMachine(t, api, dc, map[string]interface{}{
			"name": name, "state": "running",
		}))
	}

	boom := errors.New("boom")
	err := Each(gocontext.TODO(), machines, 1, func(ctx gocontext.Context, m *Machine) error {
		if m.Name() == "m-2" {
			return boom
		}
		return nil
	})
	assert.Equal(t, boom, err)
}

func TestEachEmptyList(t *testing.T) {
	assert.NoError(t, Each(gocontext.TODO(), nil, 4, func(ctx gocontext.Context, m *Machine) error {
		t.Fatal("fn should never run")
		return nil
	}))
}
