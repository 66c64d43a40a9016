package event_test

import (
	"testing"

	"github.com/relaynet/relaycore/core/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandler() *event.Handler {
	return event.New(
		[]string{"finish", "post_request"},
		[]string{"data_received"},
	)
}

func TestFireEvent_OneTime_ExactlyOnce(t *testing.T) {
	h := newHandler()

	first, err := h.FireEvent("finish", "result-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := h.FireEvent("finish", "result-2")
	require.NoError(t, err)
	assert.False(t, second, "firing an already-resolved one-time event must be a no-op")

	cell, err := h.Event("finish")
	require.NoError(t, err)
	value, resolved := cell.Value()
	assert.True(t, resolved)
	assert.Equal(t, "result-1", value, "the second fire must not overwrite the first outcome")
}

func TestBindEvent_OneTime_LateSubscriberSeesStoredOutcome(t *testing.T) {
	h := newHandler()
	_, err := h.FireEvent("finish", 42)
	require.NoError(t, err)

	var got any
	err = h.BindEvent("finish", func(value any) { got = value })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestBindEvent_OneTime_EarlySubscriberFiresOnResolution(t *testing.T) {
	h := newHandler()
	var got any
	require.NoError(t, h.BindEvent("finish", func(value any) { got = value }))

	_, err := h.FireEvent("finish", "done")
	require.NoError(t, err)
	assert.Equal(t, "done", got)
}

func TestFireEvent_ManyTime_PreservesOrder(t *testing.T) {
	h := newHandler()
	var order []int
	require.NoError(t, h.BindEvent("data_received", func(any) { order = append(order, 1) }))
	require.NoError(t, h.BindEvent("data_received", func(any) { order = append(order, 2) }))
	require.NoError(t, h.BindEvent("data_received", func(any) { order = append(order, 3) }))

	_, err := h.FireEvent("data_received", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, order)

	order = nil
	_, err = h.FireEvent("data_received", []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, order, "many-time events carry no retained state and fire every time")
}

func TestFireEvent_ManyTime_SubscriberPanicIsSwallowed(t *testing.T) {
	h := newHandler()
	var secondRan bool
	require.NoError(t, h.BindEvent("data_received", func(any) { panic("boom") }))
	require.NoError(t, h.BindEvent("data_received", func(any) { secondRan = true }))

	assert.NotPanics(t, func() {
		_, err := h.FireEvent("data_received", nil)
		require.NoError(t, err)
	})
	assert.True(t, secondRan, "a panicking subscriber must not abort the remaining fan-out")
}

func TestPopEvent_DetachesAndInstallsFreshCell(t *testing.T) {
	h := newHandler()
	old, err := h.PopEvent("post_request")
	require.NoError(t, err)
	assert.False(t, old.Resolved())

	fresh, err := h.Event("post_request")
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)

	// Firing the new handler's event resolves the fresh cell, not the popped one.
	_, err = h.FireEvent("post_request", "new")
	require.NoError(t, err)
	assert.False(t, old.Resolved())
	value, resolved := fresh.Value()
	assert.True(t, resolved)
	assert.Equal(t, "new", value)

	// The old cell can still be fired independently by whoever holds it.
	fired := old.Fire("stolen", nil)
	assert.True(t, fired)
}

func TestCopyManyTimesEvents_OnlySnapshotsCurrentSubscribers(t *testing.T) {
	source := newHandler()
	dest := newHandler()

	var sourceCalls, destCalls int
	require.NoError(t, source.BindEvent("data_received", func(any) { sourceCalls++ }))

	dest.CopyManyTimesEvents(source)

	// Subscribers added to source after the copy are not retroactively applied.
	require.NoError(t, source.BindEvent("data_received", func(any) { destCalls = -1 }))

	require.NoError(t, dest.BindEvent("data_received", func(any) { destCalls++ }))

	_, err := dest.FireEvent("data_received", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, destCalls)
	assert.Equal(t, 1, sourceCalls)
}

func TestEvent_UnknownName(t *testing.T) {
	h := newHandler()
	_, err := h.Event("nope")
	assert.ErrorIs(t, err, event.ErrUnknownEvent)

	_, err = h.Event("data_received")
	assert.ErrorIs(t, err, event.ErrNotOneTime)
}
