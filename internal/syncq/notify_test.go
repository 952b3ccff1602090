package syncq

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifierDeliversInOrderWithoutLoss(t *testing.T) {
	n := newNotifier()
	ch, cancel := n.subscribe()
	defer cancel()

	// Publish a burst far larger than any channel buffer before reading.
	const total = 1000
	for i := 0; i < total; i++ {
		n.publish(Notification{OpID: strconv.Itoa(i)})
	}

	for i := 0; i < total; i++ {
		select {
		case ev := <-ch:
			require.Equal(t, strconv.Itoa(i), ev.OpID)
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestNotifierSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	n := newNotifier()
	slow, cancelSlow := n.subscribe()
	defer cancelSlow()
	_ = slow // never read

	fast, cancelFast := n.subscribe()
	defer cancelFast()

	for i := 0; i < 100; i++ {
		n.publish(Notification{OpID: strconv.Itoa(i)})
	}
	for i := 0; i < 100; i++ {
		select {
		case ev := <-fast:
			require.Equal(t, strconv.Itoa(i), ev.OpID)
		case <-time.After(2 * time.Second):
			t.Fatal("fast subscriber starved by slow one")
		}
	}
}

func TestNotifierCancelClosesStream(t *testing.T) {
	n := newNotifier()
	ch, cancel := n.subscribe()
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}

	// Publishing after cancel must not panic or block.
	n.publish(Notification{OpID: "x"})
	cancel()
}

func TestNotifierCloseClosesAll(t *testing.T) {
	n := newNotifier()
	a, _ := n.subscribe()
	b, _ := n.subscribe()
	n.close()

	for _, ch := range []<-chan Notification{a, b} {
		select {
		case _, ok := <-ch:
			require.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("stream not closed")
		}
	}
}
