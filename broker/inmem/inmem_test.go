package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uniassist/timeline/broker"
	"github.com/uniassist/timeline/timeline"
)

const (
	globalKey = "ua:all"
	groupName = "ua-delivery"
)

func envelope(id, session string, seq uint64) timeline.Envelope {
	return timeline.NewEnvelope(timeline.Event{
		EventID:     id,
		SessionID:   session,
		Seq:         seq,
		Kind:        timeline.KindInteraction,
		Payload:     json.RawMessage(`{"n":1}`),
		TimestampMS: 1700000000000,
	}, "ua:"+session, globalKey)
}

func TestPublishAppendsToBothStreams(t *testing.T) {
	b := New()
	receipt, err := b.Publish(context.Background(), envelope("e1", "s1", 1))
	require.NoError(t, err)
	require.NotEmpty(t, receipt.SessionEntryID)
	require.NotEmpty(t, receipt.GlobalEntryID)
	require.NotEqual(t, receipt.SessionEntryID, receipt.GlobalEntryID)

	session := b.Entries("ua:s1")
	require.Len(t, session, 1)
	require.Equal(t, "e1", session[0].EventID)
	require.Equal(t, uint64(1), session[0].Seq)

	global := b.Entries(globalKey)
	require.Len(t, global, 1)

	env, err := timeline.DecodeEnvelope(global[0].Payload)
	require.NoError(t, err)
	require.Equal(t, "e1", env.Event.EventID)
}

func TestPublishWithoutStreamKeysIsPermanent(t *testing.T) {
	b := New()
	env := envelope("e1", "s1", 1)
	env.Stream = timeline.StreamHints{}
	_, err := b.Publish(context.Background(), env)
	require.Error(t, err)
	require.False(t, broker.Retryable(err))
}

func TestPublishHookFailures(t *testing.T) {
	b := New()
	b.SetPublishHook(func(timeline.Envelope) error {
		return broker.Transient("publish", errors.New("connection refused"))
	})
	_, err := b.Publish(context.Background(), envelope("e1", "s1", 1))
	require.Error(t, err)
	require.True(t, broker.Retryable(err))
	require.Empty(t, b.Entries(globalKey))

	b.SetPublishHook(nil)
	_, err = b.Publish(context.Background(), envelope("e1", "s1", 1))
	require.NoError(t, err)
}

func TestEnsureGroupIdempotent(t *testing.T) {
	b := New()
	require.NoError(t, b.EnsureGroup(context.Background(), globalKey, groupName))
	require.NoError(t, b.EnsureGroup(context.Background(), globalKey, groupName))
}

func TestEnsureGroupStartsAtTail(t *testing.T) {
	b := New()
	_, err := b.Publish(context.Background(), envelope("old", "s1", 1))
	require.NoError(t, err)
	require.NoError(t, b.EnsureGroup(context.Background(), globalKey, groupName))
	_, err = b.Publish(context.Background(), envelope("new", "s1", 2))
	require.NoError(t, err)

	entries, err := b.Consume(context.Background(), globalKey, groupName, "c1", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "new", entries[0].EventID)
}

func TestConsumeWithoutGroup(t *testing.T) {
	b := New()
	_, err := b.Consume(context.Background(), globalKey, groupName, "c1", 10*time.Millisecond, 10)
	require.Error(t, err)
	require.True(t, broker.GroupMissing(err))
	require.True(t, broker.Retryable(err))
}

func TestConsumeAckRemovesPending(t *testing.T) {
	b := New()
	require.NoError(t, b.EnsureGroup(context.Background(), globalKey, groupName))
	_, err := b.Publish(context.Background(), envelope("e1", "s1", 1))
	require.NoError(t, err)

	entries, err := b.Consume(context.Background(), globalKey, groupName, "c1", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 1, b.PendingCount(globalKey, groupName))

	require.NoError(t, b.Ack(context.Background(), globalKey, groupName, entries[0].ID))
	require.Zero(t, b.PendingCount(globalKey, groupName))
}

func TestConsumeRedeliversIdleUnacked(t *testing.T) {
	b := New()
	now := time.Now()
	b.SetClock(func() time.Time { return now })
	b.SetRedeliverAfter(time.Second)
	require.NoError(t, b.EnsureGroup(context.Background(), globalKey, groupName))
	_, err := b.Publish(context.Background(), envelope("e1", "s1", 1))
	require.NoError(t, err)

	entries, err := b.Consume(context.Background(), globalKey, groupName, "c1", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Not idle long enough: a sibling sees nothing.
	again, err := b.Consume(context.Background(), globalKey, groupName, "c2", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Empty(t, again)

	now = now.Add(2 * time.Second)
	again, err = b.Consume(context.Background(), globalKey, groupName, "c2", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, entries[0].ID, again[0].ID)
}

func TestConsumeBatchSize(t *testing.T) {
	b := New()
	require.NoError(t, b.EnsureGroup(context.Background(), globalKey, groupName))
	for i := 1; i <= 5; i++ {
		_, err := b.Publish(context.Background(), envelope(fmt.Sprintf("e%d", i), "s1", uint64(i)))
		require.NoError(t, err)
	}

	entries, err := b.Consume(context.Background(), globalKey, groupName, "c1", 10*time.Millisecond, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "e1", entries[0].EventID)
	require.Equal(t, "e2", entries[1].EventID)
}

func TestConsumeBlocksUntilPublish(t *testing.T) {
	b := New()
	require.NoError(t, b.EnsureGroup(context.Background(), globalKey, groupName))

	done := make(chan []*broker.Entry, 1)
	go func() {
		entries, err := b.Consume(context.Background(), globalKey, groupName, "c1", time.Second, 10)
		require.NoError(t, err)
		done <- entries
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := b.Publish(context.Background(), envelope("e1", "s1", 1))
	require.NoError(t, err)

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not observe the publish")
	}
}

func TestConsumeTimesOutEmpty(t *testing.T) {
	b := New()
	require.NoError(t, b.EnsureGroup(context.Background(), globalKey, groupName))
	entries, err := b.Consume(context.Background(), globalKey, groupName, "c1", 20*time.Millisecond, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDestroyGroupSimulatesOperatorDelete(t *testing.T) {
	b := New()
	require.NoError(t, b.EnsureGroup(context.Background(), globalKey, groupName))
	b.DestroyGroup(globalKey, groupName)
	_, err := b.Consume(context.Background(), globalKey, groupName, "c1", 10*time.Millisecond, 10)
	require.True(t, broker.GroupMissing(err))
}

func TestAckUnknownGroupIsNoop(t *testing.T) {
	b := New()
	require.NoError(t, b.Ack(context.Background(), globalKey, groupName, "1-0"))
}
