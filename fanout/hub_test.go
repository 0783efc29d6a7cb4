package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uniassist/timeline/timeline"
)

func hubEnvelope(id, session string, seq uint64) timeline.Envelope {
	return timeline.NewEnvelope(timeline.Event{
		EventID:     id,
		SessionID:   session,
		Seq:         seq,
		Kind:        timeline.KindInteraction,
		Payload:     json.RawMessage(`{"n":1}`),
		TimestampMS: 1700000000000,
	}, "ua:"+session, "ua:all")
}

func TestHubBroadcastsToSessionSubscribers(t *testing.T) {
	h := NewHub(HubOptions{})
	defer h.Close()

	ch1, cancel1 := h.Subscribe("s1")
	defer cancel1()
	ch2, cancel2 := h.Subscribe("s1")
	defer cancel2()
	other, cancelOther := h.Subscribe("s2")
	defer cancelOther()

	require.NoError(t, h.Deliver(context.Background(), hubEnvelope("e1", "s1", 1)))

	env := <-ch1
	require.Equal(t, "e1", env.Event.EventID)
	env = <-ch2
	require.Equal(t, "e1", env.Event.EventID)
	select {
	case <-other:
		t.Fatal("envelope leaked across sessions")
	default:
	}
}

func TestHubSuppressesDuplicates(t *testing.T) {
	h := NewHub(HubOptions{})
	defer h.Close()

	ch, cancel := h.Subscribe("s1")
	defer cancel()

	require.NoError(t, h.Deliver(context.Background(), hubEnvelope("e1", "s1", 1)))
	require.NoError(t, h.Deliver(context.Background(), hubEnvelope("e1", "s1", 1)))
	require.NoError(t, h.Deliver(context.Background(), hubEnvelope("e2", "s1", 2)))

	require.Equal(t, "e1", (<-ch).Event.EventID)
	require.Equal(t, "e2", (<-ch).Event.EventID)
	select {
	case env := <-ch:
		t.Fatalf("duplicate broadcast of %s", env.Event.EventID)
	default:
	}
}

func TestHubDedupWindowEvictsOldest(t *testing.T) {
	h := NewHub(HubOptions{DedupWindow: 2, SubscriberBuffer: 16})
	defer h.Close()

	ch, cancel := h.Subscribe("s1")
	defer cancel()

	require.NoError(t, h.Deliver(context.Background(), hubEnvelope("e1", "s1", 1)))
	require.NoError(t, h.Deliver(context.Background(), hubEnvelope("e2", "s1", 2)))
	require.NoError(t, h.Deliver(context.Background(), hubEnvelope("e3", "s1", 3)))
	// e1 fell out of the window; a late duplicate goes through again.
	require.NoError(t, h.Deliver(context.Background(), hubEnvelope("e1", "s1", 1)))

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, (<-ch).Event.EventID)
	}
	require.Equal(t, []string{"e1", "e2", "e3", "e1"}, got)
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	h := NewHub(HubOptions{SubscriberBuffer: 1})
	defer h.Close()

	slow, _ := h.Subscribe("s1")
	keep, cancelKeep := h.Subscribe("s1")
	defer cancelKeep()

	// First fills the slow buffer, second overflows it.
	require.NoError(t, h.Deliver(context.Background(), hubEnvelope("e1", "s1", 1)))
	<-keep
	require.NoError(t, h.Deliver(context.Background(), hubEnvelope("e2", "s1", 2)))
	<-keep

	require.Equal(t, 1, h.SubscriberCount("s1"))

	// The dropped channel drains its buffered envelope, then closes.
	require.Equal(t, "e1", (<-slow).Event.EventID)
	_, open := <-slow
	require.False(t, open)

	// The healthy subscriber keeps receiving.
	require.NoError(t, h.Deliver(context.Background(), hubEnvelope("e3", "s1", 3)))
	require.Equal(t, "e3", (<-keep).Event.EventID)
}

func TestHubCancelIsIdempotent(t *testing.T) {
	h := NewHub(HubOptions{})
	defer h.Close()

	_, cancel := h.Subscribe("s1")
	cancel()
	cancel()
	require.Zero(t, h.SubscriberCount("s1"))
}

func TestHubClose(t *testing.T) {
	h := NewHub(HubOptions{})
	ch, _ := h.Subscribe("s1")
	h.Close()
	_, open := <-ch
	require.False(t, open)

	// Deliver after close is a silent no-op.
	require.NoError(t, h.Deliver(context.Background(), hubEnvelope("e1", "s1", 1)))

	late, _ := h.Subscribe("s1")
	_, open = <-late
	require.False(t, open)
}

func TestHubManySessions(t *testing.T) {
	h := NewHub(HubOptions{})
	defer h.Close()

	chans := make(map[string]<-chan timeline.Envelope)
	for i := 0; i < 5; i++ {
		session := fmt.Sprintf("s%d", i)
		ch, cancel := h.Subscribe(session)
		defer cancel()
		chans[session] = ch
	}
	for i := 0; i < 5; i++ {
		session := fmt.Sprintf("s%d", i)
		require.NoError(t, h.Deliver(context.Background(), hubEnvelope("e-"+session, session, 1)))
	}
	for session, ch := range chans {
		require.Equal(t, "e-"+session, (<-ch).Event.EventID)
	}
}
