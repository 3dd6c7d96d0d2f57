package payments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/gateway"
	"github.com/telepix/telepix/internal/paystatus"
)

func newTestPoller(f *reconcileFixture, gw *fakeGateway, interval, ceiling time.Duration) *Poller {
	return NewPoller(nil, f.r, gw, f.bots, f.store, PollerConfig{Interval: interval, Ceiling: ceiling})
}

func TestPollerSettlesPaidCharge(t *testing.T) {
	f := newReconcileFixture()
	gw := &fakeGateway{statuses: []paystatus.Status{paystatus.Pending, paystatus.Pending, paystatus.Paid}}
	poller := newTestPoller(f, gw, 5*time.Millisecond, time.Minute)
	p := f.store.addPayment("pending", "ch_poll", 1000)

	require.True(t, poller.Track(gateway.Credentials{}, db.UUIDString(p.ID), "ch_poll", time.Now().Add(time.Minute)))
	require.Eventually(t, func() bool { return poller.Active() == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "paid", f.store.payment(p.ID).Status)
	assert.Equal(t, 1, f.converter.count())
	assert.Len(t, f.followups.cancelled, 1)
}

func TestPollerStopsWhenWebhookWon(t *testing.T) {
	f := newReconcileFixture()
	gw := &fakeGateway{}
	poller := newTestPoller(f, gw, 5*time.Millisecond, time.Minute)
	p := f.store.addPayment("paid", "ch", 1000)

	poller.Track(gateway.Credentials{}, db.UUIDString(p.ID), "ch", time.Now().Add(time.Minute))
	require.Eventually(t, func() bool { return poller.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "paid", f.store.payment(p.ID).Status)
}

func TestPollerGivesUpAtCeiling(t *testing.T) {
	f := newReconcileFixture()
	gw := &fakeGateway{}
	poller := newTestPoller(f, gw, 5*time.Millisecond, time.Minute)
	p := f.store.addPayment("pending", "ch", 1000)

	poller.Track(gateway.Credentials{}, db.UUIDString(p.ID), "ch", time.Now().Add(40*time.Millisecond))
	require.Eventually(t, func() bool { return poller.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "pending", f.store.payment(p.ID).Status)
}

func TestPollerTrackIsDeduplicated(t *testing.T) {
	f := newReconcileFixture()
	poller := newTestPoller(f, &fakeGateway{}, time.Hour, time.Hour)
	deadline := time.Now().Add(time.Hour)

	assert.True(t, poller.Track(gateway.Credentials{}, "p1", "ch", deadline))
	assert.False(t, poller.Track(gateway.Credentials{}, "p1", "ch", deadline))
	assert.Equal(t, 1, poller.Active())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, poller.Shutdown(ctx))
	assert.Equal(t, 0, poller.Active())
	assert.False(t, poller.Track(gateway.Credentials{}, "p2", "ch", deadline), "tracking is refused after shutdown")
}

func TestResumePending(t *testing.T) {
	f := newReconcileFixture()
	poller := newTestPoller(f, &fakeGateway{}, time.Hour, time.Hour)
	f.store.addPayment("pending", "ch_a", 100)
	f.store.addPayment("pending", "", 100)
	f.store.addPayment("paid", "ch_b", 100)

	n, err := poller.ResumePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, poller.Active())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, poller.Shutdown(ctx))
}
