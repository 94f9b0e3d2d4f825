package cloudapi

import (
	"sync/atomic"
	"time"

	gocontext "context"

	"github.com/sirupsen/logrus"

	"github.com/smartdc/cloudapi/context"
	"github.com/smartdc/cloudapi/metrics"
)

var activePolls int64

// PollWhile blocks while the machine's status equals state, re-fetching at
// the given interval, and returns the refreshed machine once the status
// reads anything else. A non-positive interval uses the session default.
//
// Polling is unbounded: if the server never leaves the state, PollWhile
// loops forever. Bound it by passing a context with a deadline, which makes
// it return ctx.Err(). The first fetch failure propagates immediately;
// transient and permanent failures are not distinguished.
func PollWhile(ctx gocontext.Context, m *Machine, state string, interval time.Duration) (*Machine, error) {
	return poll(ctx, m, state, interval, true)
}

// PollUntil is symmetric to PollWhile: it blocks while the machine's status
// does NOT equal state and returns the refreshed machine once it does.
func PollUntil(ctx gocontext.Context, m *Machine, state string, interval time.Duration) (*Machine, error) {
	return poll(ctx, m, state, interval, false)
}

func poll(ctx gocontext.Context, m *Machine, state string, interval time.Duration, while bool) (*Machine, error) {
	if interval <= 0 {
		interval = m.dc.pollInterval
	}

	metrics.Gauge("cloudapi.poll.active", atomic.AddInt64(&activePolls, 1))
	defer func() {
		metrics.Gauge("cloudapi.poll.active", atomic.AddInt64(&activePolls, -1))
	}()

	logger := context.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"self":    "poll",
		"machine": m.CanonicalID(),
		"target":  state,
	})

	for {
		refreshed, err := m.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		metrics.Mark("cloudapi.poll.fetch")

		current := refreshed.State()
		if (current == state) != while {
			return refreshed, nil
		}

		logger.WithFields(logrus.Fields{
			"state":    current,
			"duration": interval,
		}).Debug("sleeping before re-fetching machine state")

		select {
		case <-ctx.Done():
			return refreshed, ctx.Err()
		case <-time.After(interval):
		}

		m = refreshed
	}
}

// PollWhile blocks while the machine's status equals state, using the
// session's default interval. See the package-level PollWhile.
func (m *Machine) PollWhile(ctx gocontext.Context, state string) (*Machine, error) {
	return PollWhile(ctx, m, state, 0)
}

// PollUntil blocks until the machine's status equals state, using the
// session's default interval. See the package-level PollUntil.
func (m *Machine) PollUntil(ctx gocontext.Context, state string) (*Machine, error) {
	return PollUntil(ctx, m, state, 0)
}
