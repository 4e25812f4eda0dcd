// Package eventbus accepts run events from runtimes and the control
// plane, persists them, and fans them out to subscribers. Delivery is
// at-least-once; subscribers deduplicate by delivery id and fill gaps
// from the durable backlog.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/ids"
	"github.com/RevCBH/switchyard/internal/logging"
	"github.com/RevCBH/switchyard/internal/metrics"
	"github.com/RevCBH/switchyard/internal/model"
	"github.com/RevCBH/switchyard/internal/store"
)

const (
	// subscriberBuffer is the per-subscription channel capacity. A
	// subscriber that falls further behind than this loses in-memory
	// delivery and must read the backlog.
	subscriberBuffer = 256

	// maxBacklogEvents caps one ReadBacklog page
	maxBacklogEvents = 500
)

// Subscription is one reader of the event stream. Events arrive on
// Events() until Unsubscribe, which closes the channel.
type Subscription struct {
	id     string
	runIDs map[string]struct{} // nil means all runs
	events chan *model.RunEvent
}

// Events returns the subscription's delivery channel
func (s *Subscription) Events() <-chan *model.RunEvent {
	return s.events
}

func (s *Subscription) matches(runID string) bool {
	if s.runIDs == nil {
		return true
	}
	_, ok := s.runIDs[runID]
	return ok
}

// Backlog is one page of persisted events
type Backlog struct {
	Events         []*model.RunEvent
	LastDeliveryID int64
	HasMore        bool
}

// Bus assigns delivery ids, persists events, and broadcasts them.
// It runs an event loop in a separate goroutine; call Run to start it.
type Bus struct {
	store store.Store
	log   *logging.Logger

	// pubMu serializes Publish so delivery ids are assigned in the
	// same order events land in the store.
	pubMu        sync.Mutex
	nextDelivery int64
	lastSeq      map[string]int64

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	register   chan *Subscription
	unregister chan *Subscription
	broadcast  chan *model.RunEvent
	done       chan struct{}
}

// New builds a bus whose delivery counter resumes after the highest
// persisted delivery id.
func New(ctx context.Context, st store.Store, log *logging.Logger) (*Bus, error) {
	seed, err := st.MaxDeliveryID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to seed delivery counter: %w", err)
	}
	return &Bus{
		store:        st,
		log:          log.WithFields(zap.String("component", "eventbus")),
		nextDelivery: seed,
		lastSeq:      make(map[string]int64),
		subs:         make(map[*Subscription]struct{}),
		register:     make(chan *Subscription),
		unregister:   make(chan *Subscription),
		broadcast:    make(chan *model.RunEvent, 1024),
		done:         make(chan struct{}),
	}, nil
}

// Run starts the fan-out loop. Blocks until Stop; run in a goroutine.
func (b *Bus) Run() {
	for {
		select {
		case <-b.done:
			b.mu.Lock()
			for sub := range b.subs {
				close(sub.events)
			}
			b.subs = make(map[*Subscription]struct{})
			b.mu.Unlock()
			return
		case sub := <-b.register:
			b.mu.Lock()
			b.subs[sub] = struct{}{}
			b.mu.Unlock()
		case sub := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.events)
			}
			b.mu.Unlock()
		case event := <-b.broadcast:
			b.mu.RLock()
			for sub := range b.subs {
				if !sub.matches(event.RunID) {
					continue
				}
				select {
				case sub.events <- event:
				default:
					// Buffer full. The event stays readable via backlog.
					metrics.EventsDropped.Inc()
				}
			}
			b.mu.RUnlock()
		}
	}
}

// Stop ends the fan-out loop and closes every subscription. Safe to
// call more than once.
func (b *Bus) Stop() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

// Subscribe registers a reader for the given runs, or for all runs
// when none are given. Duplicate run ids collapse. On a stopped bus
// the returned subscription's channel is already closed.
func (b *Bus) Subscribe(runIDs ...string) *Subscription {
	sub := &Subscription{
		id:     ids.New(),
		events: make(chan *model.RunEvent, subscriberBuffer),
	}
	if len(runIDs) > 0 {
		sub.runIDs = make(map[string]struct{}, len(runIDs))
		for _, id := range runIDs {
			sub.runIDs[id] = struct{}{}
		}
	}
	select {
	case b.register <- sub:
	case <-b.done:
		close(sub.events)
	}
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
// Safe to call once per subscription, including after Stop.
func (b *Bus) Unsubscribe(sub *Subscription) {
	select {
	case b.unregister <- sub:
	case <-b.done:
		// Run's shutdown already closed every registered subscription
	}
}

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish persists the event and broadcasts it. The bus assigns
// DeliveryID always, and Sequence when the producer left it zero.
// A sequence at or below the last accepted one for the run is treated
// as a retransmit and dropped without error.
func (b *Bus) Publish(ctx context.Context, event *model.RunEvent) error {
	if event.RunID == "" {
		return model.NewError(model.KindInvalidInput, "missing_run_id", "event has no run id")
	}
	if event.Category == "" {
		return model.NewError(model.KindInvalidInput, "missing_category", "event has no category")
	}

	b.pubMu.Lock()
	last, ok := b.lastSeq[event.RunID]
	if !ok {
		var err error
		last, err = b.store.MaxSequenceForRun(ctx, event.RunID)
		if err != nil {
			b.pubMu.Unlock()
			return err
		}
	}
	if event.Sequence == 0 {
		event.Sequence = last + 1
	} else if event.Sequence <= last {
		b.pubMu.Unlock()
		b.log.Debug("dropping retransmitted event",
			zap.String("run_id", event.RunID),
			zap.Int64("sequence", event.Sequence))
		return nil
	}
	event.DeliveryID = b.nextDelivery + 1
	if event.SchemaVersion == "" {
		event.SchemaVersion = HarnessFrameMarker
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := b.store.AppendEvent(ctx, event); err != nil {
		b.pubMu.Unlock()
		return err
	}
	b.nextDelivery = event.DeliveryID
	b.lastSeq[event.RunID] = event.Sequence
	b.pubMu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(event.Category)).Inc()

	select {
	case b.broadcast <- event:
	default:
		// Fan-out loop is saturated. Subscribers recover via backlog.
		metrics.EventsDropped.Inc()
		b.log.Warn("broadcast queue full, event not fanned out",
			zap.Int64("delivery_id", event.DeliveryID))
	}
	return nil
}

// ReadBacklog returns persisted events after the given delivery id,
// oldest first. maxEvents is clamped to 500; values below 1 use the
// maximum. HasMore reports whether another page exists.
func (b *Bus) ReadBacklog(ctx context.Context, afterDeliveryID int64, maxEvents int) (*Backlog, error) {
	if maxEvents < 1 || maxEvents > maxBacklogEvents {
		maxEvents = maxBacklogEvents
	}

	events, err := b.store.ReadEventsAfter(ctx, afterDeliveryID, maxEvents+1)
	if err != nil {
		return nil, fmt.Errorf("failed to read backlog: %w", err)
	}

	backlog := &Backlog{LastDeliveryID: afterDeliveryID}
	if len(events) > maxEvents {
		backlog.HasMore = true
		events = events[:maxEvents]
	}
	backlog.Events = events
	if len(events) > 0 {
		backlog.LastDeliveryID = events[len(events)-1].DeliveryID
	}
	return backlog, nil
}
