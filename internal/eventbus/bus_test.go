package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(SystemEvent{Kind: TaskStarted, TaskName: "build"})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, TaskStarted, ev.Kind)
		assert.Equal(t, "build", ev.TaskName)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishNeverBlocksWhenSubscriberFull(t *testing.T) {
	b := New(1)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(SystemEvent{Kind: TaskProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestLaggedSubscriberGetsNotification(t *testing.T) {
	b := New(1)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(SystemEvent{Kind: TaskProgress})
	b.Publish(SystemEvent{Kind: TaskProgress})

	select {
	case <-sub.Lagged():
	case <-time.After(time.Second):
		t.Fatal("expected a lag notification")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestMultipleSubscribersEachReceiveEvent(t *testing.T) {
	b := New(4)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(SystemEvent{Kind: CacheHit, KeyHash: "abc"})

	require.Len(t, sub1.Events(), 1)
	require.Len(t, sub2.Events(), 1)
}
