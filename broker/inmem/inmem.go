// Package inmem provides an in-memory implementation of broker.Broker.
//
// It models the stream semantics the pipeline relies on — append-only
// entries, a named consumer group with a pending-entries list, redelivery
// of idle un-acked entries — so worker and consumer tests can run the full
// delivery loop without a broker process. Publish failures can be scripted
// for retry and dead-letter tests.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/uniassist/timeline/broker"
	"github.com/uniassist/timeline/timeline"
)

type (
	// Broker implements broker.Broker in memory.
	Broker struct {
		mu sync.Mutex
		// streams maps stream key to its append-only entries.
		streams map[string][]*broker.Entry
		// groups maps global key -> group name -> group state.
		groups map[string]map[string]*group
		// nextID feeds broker entry ids.
		nextID int64
		// publishHook, when set, runs before every publish; a non-nil
		// return fails the publish with that error.
		publishHook func(env timeline.Envelope) error
		// redeliverAfter is how long an un-acked pending entry stays
		// with its consumer before Consume hands it out again.
		redeliverAfter time.Duration
		now            func() time.Time
	}

	group struct {
		// delivered is the index into the global stream up to which
		// entries have been handed out.
		delivered int
		// pending tracks delivered, un-acked entries by entry id.
		pending map[string]*pendingEntry
	}

	pendingEntry struct {
		entry       *broker.Entry
		consumer    string
		deliveredAt time.Time
	}
)

var _ broker.Broker = (*Broker)(nil)

// DefaultRedeliverAfter is how long an un-acked entry stays pending before
// it is redelivered.
const DefaultRedeliverAfter = time.Minute

// New returns an empty in-memory broker.
func New() *Broker {
	return &Broker{
		streams:        make(map[string][]*broker.Entry),
		groups:         make(map[string]map[string]*group),
		redeliverAfter: DefaultRedeliverAfter,
		now:            time.Now,
	}
}

// SetPublishHook installs a hook invoked before each publish. A non-nil
// return aborts the publish with that error; tests script transient and
// permanent failures this way.
func (b *Broker) SetPublishHook(hook func(env timeline.Envelope) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishHook = hook
}

// SetRedeliverAfter lowers the idle threshold after which un-acked entries
// are redelivered. Tests shrink it to exercise redelivery quickly.
func (b *Broker) SetRedeliverAfter(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.redeliverAfter = d
}

// SetClock replaces the time source used for pending-entry idle tracking.
func (b *Broker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// EnsureGroup implements broker.Broker. A new group starts at the current
// stream tail, like a stream-broker group created at the latest entry.
func (b *Broker) EnsureGroup(_ context.Context, globalKey, groupName string) error {
	if globalKey == "" || groupName == "" {
		return broker.Permanent("ensure_group", fmt.Errorf("global key and group are required"))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.groups[globalKey] == nil {
		b.groups[globalKey] = make(map[string]*group)
	}
	if _, ok := b.groups[globalKey][groupName]; !ok {
		b.groups[globalKey][groupName] = &group{
			delivered: len(b.streams[globalKey]),
			pending:   make(map[string]*pendingEntry),
		}
	}
	return nil
}

// Publish implements broker.Broker.
func (b *Broker) Publish(_ context.Context, env timeline.Envelope) (broker.Receipt, error) {
	if env.Stream.Key == "" || env.Stream.GlobalKey == "" {
		return broker.Receipt{}, broker.Permanent("publish", fmt.Errorf("envelope carries no stream keys"))
	}
	payload, err := env.Encode()
	if err != nil {
		return broker.Receipt{}, broker.Permanent("publish", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishHook != nil {
		if err := b.publishHook(env); err != nil {
			return broker.Receipt{}, err
		}
	}

	sessionID := b.append(env.Stream.Key, env, payload)
	globalID := b.append(env.Stream.GlobalKey, env, payload)
	return broker.Receipt{SessionEntryID: sessionID, GlobalEntryID: globalID}, nil
}

// append adds an entry to one stream and returns its id. Callers hold mu.
func (b *Broker) append(key string, env timeline.Envelope, payload []byte) string {
	b.nextID++
	e := &broker.Entry{
		ID:        strconv.FormatInt(b.nextID, 10) + "-0",
		EventID:   env.Event.EventID,
		SessionID: env.Event.SessionID,
		Seq:       env.Event.Seq,
		Payload:   append([]byte(nil), payload...),
	}
	b.streams[key] = append(b.streams[key], e)
	return e.ID
}

// Consume implements broker.Broker. Idle pending entries are handed out
// before new ones, mirroring how a restarted consumer reclaims the
// pending-entries list.
func (b *Broker) Consume(ctx context.Context, globalKey, groupName, consumer string, block time.Duration, batchSize int) ([]*broker.Entry, error) {
	if batchSize <= 0 {
		return nil, broker.Permanent("consume", fmt.Errorf("batch size must be > 0"))
	}
	deadline := time.Now().Add(block)
	for {
		entries, err := b.consumeOnce(globalKey, groupName, consumer, batchSize)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, broker.Transient("consume", ctx.Err())
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (b *Broker) consumeOnce(globalKey, groupName, consumer string, batchSize int) ([]*broker.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[globalKey][groupName]
	if !ok {
		return nil, broker.NoGroup("consume", fmt.Errorf("no such consumer group %q on stream %q", groupName, globalKey))
	}

	now := b.now()
	var out []*broker.Entry

	// Reclaim idle pending entries first.
	for _, p := range g.pending {
		if len(out) >= batchSize {
			break
		}
		if now.Sub(p.deliveredAt) < b.redeliverAfter {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		out = append(out, copyEntry(p.entry))
	}

	stream := b.streams[globalKey]
	for g.delivered < len(stream) && len(out) < batchSize {
		e := stream[g.delivered]
		g.delivered++
		g.pending[e.ID] = &pendingEntry{entry: e, consumer: consumer, deliveredAt: now}
		out = append(out, copyEntry(e))
	}
	return out, nil
}

// Ack implements broker.Broker.
func (b *Broker) Ack(_ context.Context, globalKey, groupName string, entryIDs ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[globalKey][groupName]
	if !ok {
		return nil
	}
	for _, id := range entryIDs {
		delete(g.pending, id)
	}
	return nil
}

// DestroyGroup removes a consumer group, simulating an operator deleting
// it out from under a running consumer.
func (b *Broker) DestroyGroup(globalKey, groupName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.groups[globalKey], groupName)
}

// Entries returns a copy of the entries appended to a stream key.
func (b *Broker) Entries(key string) []*broker.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*broker.Entry, 0, len(b.streams[key]))
	for _, e := range b.streams[key] {
		out = append(out, copyEntry(e))
	}
	return out
}

// PendingCount reports how many delivered entries await ack in a group.
func (b *Broker) PendingCount(globalKey, groupName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[globalKey][groupName]
	if !ok {
		return 0
	}
	return len(g.pending)
}

// Reset drops all streams and groups.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams = make(map[string][]*broker.Entry)
	b.groups = make(map[string]map[string]*group)
	b.nextID = 0
	b.publishHook = nil
}

func copyEntry(e *broker.Entry) *broker.Entry {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	return &cp
}
