package inproc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingpong/internal/domain"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := New(4)
	a := bus.Subscribe("a")
	b := bus.Subscribe("b")

	require.NoError(t, bus.Publish(domain.Notification{Kind: domain.NotificationSpecUpdated}))

	assert.Equal(t, domain.NotificationSpecUpdated, (<-a).Kind)
	assert.Equal(t, domain.NotificationSpecUpdated, (<-b).Kind)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	bus := New(1)
	first := bus.Subscribe("a")
	second := bus.Subscribe("a")
	assert.Equal(t, first, second)
}

func TestPublishReportsFullQueue(t *testing.T) {
	bus := New(1)
	ch := bus.Subscribe("slow")

	require.NoError(t, bus.Publish(domain.Notification{Kind: domain.NotificationPaused}))
	err := bus.Publish(domain.Notification{Kind: domain.NotificationResumed})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubscriberQueueFull))

	assert.Equal(t, domain.NotificationPaused, (<-ch).Kind)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(1)
	ch := bus.Subscribe("a")
	bus.Unsubscribe("a")
	bus.Unsubscribe("a")

	_, ok := <-ch
	assert.False(t, ok)
	assert.NoError(t, bus.Publish(domain.Notification{Kind: domain.NotificationPaused}))
}
