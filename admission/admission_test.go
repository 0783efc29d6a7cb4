package admission

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	brokerinmem "github.com/uniassist/timeline/broker/inmem"
	"github.com/uniassist/timeline/store"
	storeinmem "github.com/uniassist/timeline/store/inmem"
	"github.com/uniassist/timeline/timeline"
)

func newService(t *testing.T, opts Options) (*Service, *storeinmem.Store) {
	t.Helper()
	st := storeinmem.New()
	opts.Store = st
	if opts.StreamPrefix == "" {
		opts.StreamPrefix = "ua:"
	}
	if opts.GlobalKey == "" {
		opts.GlobalKey = "ua:all"
	}
	svc, err := New(opts)
	require.NoError(t, err)
	return svc, st
}

func testEvent(id string) timeline.Event {
	return timeline.Event{
		EventID: id,
		Kind:    timeline.KindInteraction,
		Payload: json.RawMessage(`{"text":"hi"}`),
	}
}

func TestAdmitAssignsSeqAndEnqueues(t *testing.T) {
	svc, st := newService(t, Options{})
	res, err := svc.Admit(context.Background(), "s1", testEvent("e1"))
	require.NoError(t, err)
	require.True(t, res.Admitted)
	require.Equal(t, uint64(1), res.Seq)

	row, ok := st.Row("e1")
	require.True(t, ok)
	require.Equal(t, store.StatusPending, row.Status)

	env, err := timeline.DecodeEnvelope(row.Payload)
	require.NoError(t, err)
	require.Equal(t, "ua:s1", env.Stream.Key)
	require.Equal(t, "ua:all", env.Stream.GlobalKey)
	require.Equal(t, uint64(1), env.Event.Seq)
	// Defaults stamped at admission.
	require.NotEmpty(t, env.Event.TraceID)
	require.Positive(t, env.Event.TimestampMS)
}

func TestAdmitIdempotentRetry(t *testing.T) {
	svc, _ := newService(t, Options{})
	ev := testEvent("e1")
	ev.TraceID = "trace-1"
	ev.TimestampMS = 1700000000000

	first, err := svc.Admit(context.Background(), "s1", ev)
	require.NoError(t, err)
	second, err := svc.Admit(context.Background(), "s1", ev)
	require.NoError(t, err)
	require.False(t, second.Admitted)
	require.Equal(t, first.Seq, second.Seq)
}

func TestAdmitPayloadConflict(t *testing.T) {
	svc, _ := newService(t, Options{})
	ev := testEvent("e1")
	ev.TraceID = "trace-1"
	ev.TimestampMS = 1700000000000
	_, err := svc.Admit(context.Background(), "s1", ev)
	require.NoError(t, err)

	ev.Payload = json.RawMessage(`{"text":"different"}`)
	_, err = svc.Admit(context.Background(), "s1", ev)
	require.ErrorIs(t, err, store.ErrPayloadConflict)
}

func TestAdmitRejectsInvalidEvent(t *testing.T) {
	svc, st := newService(t, Options{})

	var verr *timeline.ValidationError

	_, err := svc.Admit(context.Background(), "", testEvent("e1"))
	require.ErrorAs(t, err, &verr)

	ev := testEvent("e2")
	ev.SessionID = "other"
	_, err = svc.Admit(context.Background(), "s1", ev)
	require.ErrorAs(t, err, &verr)

	ev = testEvent("e3")
	ev.Kind = "bogus"
	_, err = svc.Admit(context.Background(), "s1", ev)
	require.ErrorAs(t, err, &verr)

	// Nothing reached the store.
	counts, err := st.CountByStatus(context.Background())
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestAdmitIgnoresCallerSeq(t *testing.T) {
	svc, _ := newService(t, Options{})
	ev := testEvent("e1")
	ev.Seq = 99
	res, err := svc.Admit(context.Background(), "s1", ev)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Seq)
}

func TestAdmitRawValid(t *testing.T) {
	svc, _ := newService(t, Options{})
	raw := []byte(`{"event_id":"e1","kind":"interaction","payload":{"text":"hi"},"timestamp_ms":1700000000000}`)
	res, err := svc.AdmitRaw(context.Background(), "s1", raw)
	require.NoError(t, err)
	require.True(t, res.Admitted)
	require.Equal(t, uint64(1), res.Seq)
}

func TestAdmitRawSchemaRejections(t *testing.T) {
	svc, _ := newService(t, Options{})
	var verr *timeline.ValidationError

	cases := map[string]string{
		"not json":     `{"event_id":`,
		"missing id":   `{"kind":"interaction","payload":{}}`,
		"empty id":     `{"event_id":"","kind":"interaction","payload":{}}`,
		"bad kind":     `{"event_id":"e1","kind":"chat","payload":{}}`,
		"missing kind": `{"event_id":"e1","payload":{}}`,
		"no payload":   `{"event_id":"e1","kind":"interaction"}`,
		"bad ts":       `{"event_id":"e1","kind":"interaction","payload":{},"timestamp_ms":-5}`,
	}
	for name, raw := range cases {
		_, err := svc.AdmitRaw(context.Background(), "s1", []byte(raw))
		require.ErrorAs(t, err, &verr, name)
	}
}

func TestSyncPublishBestEffort(t *testing.T) {
	bk := brokerinmem.New()
	svc, _ := newService(t, Options{Broker: bk, SyncPublish: true})

	_, err := svc.Admit(context.Background(), "s1", testEvent("e1"))
	require.NoError(t, err)
	require.Len(t, bk.Entries("ua:s1"), 1)
	require.Len(t, bk.Entries("ua:all"), 1)

	// Publish failures never surface to the caller.
	bk.SetPublishHook(func(timeline.Envelope) error { return errors.New("down") })
	res, err := svc.Admit(context.Background(), "s1", testEvent("e2"))
	require.NoError(t, err)
	require.True(t, res.Admitted)

	// Duplicates do not publish again.
	bk.SetPublishHook(nil)
	_, err = svc.Admit(context.Background(), "s1", testEvent("e1"))
	require.NoError(t, err)
	require.Len(t, bk.Entries("ua:s1"), 1)
}

func TestNewValidatesOptions(t *testing.T) {
	st := storeinmem.New()
	_, err := New(Options{StreamPrefix: "ua:", GlobalKey: "ua:all"})
	require.Error(t, err)
	_, err = New(Options{Store: st, GlobalKey: "ua:all"})
	require.Error(t, err)
	_, err = New(Options{Store: st, StreamPrefix: "ua:"})
	require.Error(t, err)
	_, err = New(Options{Store: st, StreamPrefix: "ua:", GlobalKey: "ua:all", SyncPublish: true})
	require.Error(t, err)
}
