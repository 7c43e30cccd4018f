//go:generate go run go.uber.org/mock/mockgen -source=router.go -destination=../mocks/mock_fanout.go -package=mocks
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"

	"github.com/mahaj/messaging-core/pkg/errs"
	"github.com/mahaj/messaging-core/pkg/model"
	"github.com/mahaj/messaging-core/pkg/registry"
	"github.com/mahaj/messaging-core/pkg/snowflake"
)

const (
	DefaultShards    = 16
	DefaultQueueSize = 1024

	deliverTimeout = 5 * time.Second
)

type Registry interface {
	ConnectionsFor(conversationID string) []registry.Handle
	ConnectionsForUser(userID string) []registry.Handle
}

type Tracker interface {
	OnDelivered(ctx context.Context, id snowflake.ID) (model.Message, bool, error)
}

type Members interface {
	Members(ctx context.Context, groupID string) ([]string, error)
}

// Bus carries events between gateway nodes. Publish must preserve order per
// conversation id; Run hands every received event to deliver, in that order.
type Bus interface {
	Publish(ctx context.Context, ev model.Event) error
	Run(ctx context.Context, deliver func(model.Event)) error
	Close() error
}

type Options struct {
	Shards    int
	QueueSize int
	// Bus is optional, without it events are delivered on this node only.
	Bus Bus
}

// Router pushes message and status events to live connections. Events of one
// conversation always land on the same shard, so they are pushed in the order
// they were enqueued.
type Router struct {
	registry Registry
	tracker  Tracker
	members  Members
	bus      Bus
	log      *slog.Logger

	shards []chan model.Event

	mu      sync.RWMutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	workers sync.WaitGroup
	busDone chan struct{}

	dropped atomic.Uint64
}

func NewRouter(reg Registry, tracker Tracker, members Members, log *slog.Logger, opts Options) *Router {
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	shards := make([]chan model.Event, opts.Shards)
	for i := range shards {
		shards[i] = make(chan model.Event, opts.QueueSize)
	}
	return &Router{
		registry: reg,
		tracker:  tracker,
		members:  members,
		bus:      opts.Bus,
		log:      log,
		shards:   shards,
	}
}

// MessageAppended has the store observer signature. It only enqueues.
func (r *Router) MessageAppended(m model.Message) {
	r.enqueue(model.MessageCreated(m))
}

func (r *Router) StatusChanged(m model.Message) {
	r.enqueue(model.StatusChanged(m))
}

// Dropped counts events discarded because their shard queue was full.
func (r *Router) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Router) shardFor(conversationID string) int {
	return int(xxhash.Sum64String(conversationID) % uint64(len(r.shards)))
}

func (r *Router) enqueue(ev model.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.shards[r.shardFor(ev.ConversationID)] <- ev:
	default:
		r.dropped.Add(1)
		r.log.Warn("fanout queue full, event dropped",
			"conversation_id", ev.ConversationID, "type", ev.Type, "err", errs.ErrPushFailed)
	}
}

// Start launches one worker per shard and, when configured, the bus consumer.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)

	for i, q := range r.shards {
		r.workers.Add(1)
		go func() {
			defer r.workers.Done()
			r.work(ctx, i, q)
		}()
	}

	if r.bus != nil {
		r.busDone = make(chan struct{})
		go func() {
			defer close(r.busDone)
			if err := r.bus.Run(ctx, func(ev model.Event) { r.deliver(ctx, ev) }); err != nil && ctx.Err() == nil {
				r.log.Error("fanout bus stopped", "err", err)
			}
		}()
	}
	r.log.Info("fanout router started", "shards", len(r.shards), "bus", r.bus != nil)
}

// Stop drains queued events, then stops the workers and closes the bus.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	started := r.started
	for _, q := range r.shards {
		close(q)
	}
	r.mu.Unlock()

	if !started {
		return
	}
	// Workers exit once their queue is drained; the bus consumer needs the cancel.
	r.workers.Wait()
	r.cancel()
	if r.bus != nil {
		<-r.busDone
		if err := r.bus.Close(); err != nil {
			r.log.Warn("close fanout bus", "err", err)
		}
	}
	r.log.Info("fanout router stopped", "dropped", r.dropped.Load())
}

func (r *Router) work(ctx context.Context, shard int, q <-chan model.Event) {
	for ev := range q {
		if r.bus == nil {
			r.deliver(ctx, ev)
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, deliverTimeout)
		err := r.bus.Publish(pctx, ev)
		cancel()
		if err != nil {
			r.log.Warn("bus publish failed, delivering locally",
				"shard", shard, "conversation_id", ev.ConversationID, "err", err)
			r.deliver(ctx, ev)
		}
	}
}

// deliver pushes ev to the connections of this node.
func (r *Router) deliver(ctx context.Context, ev model.Event) {
	switch ev.Type {
	case model.EventMessageCreated:
		if ev.Message != nil {
			r.deliverCreated(ctx, ev)
		}
	case model.EventStatusChanged:
		for _, h := range r.registry.ConnectionsFor(ev.ConversationID) {
			r.push(h, ev)
		}
	default:
		r.log.Warn("unknown event type", "type", ev.Type)
	}
}

func (r *Router) deliverCreated(ctx context.Context, ev model.Event) {
	m := *ev.Message
	recipients := lo.SliceToMap(r.recipients(ctx, m), func(u string) (string, struct{}) { return u, struct{}{} })

	delivered := false
	pushed := map[string]struct{}{}
	reached := map[string]struct{}{}
	for _, h := range r.registry.ConnectionsFor(m.ConversationID) {
		pushed[h.ConnectionID] = struct{}{}
		_, isRecipient := recipients[h.UserID]
		if isRecipient {
			reached[h.UserID] = struct{}{}
		}
		if r.push(h, ev) && isRecipient {
			delivered = true
		}
	}

	// Recipients not looking at the conversation still get the event on
	// whatever connections they have.
	for u := range recipients {
		if _, ok := reached[u]; ok {
			continue
		}
		for _, h := range r.registry.ConnectionsForUser(u) {
			if _, ok := pushed[h.ConnectionID]; ok {
				continue
			}
			if r.push(h, ev) {
				delivered = true
			}
		}
	}

	if !delivered {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()
	updated, changed, err := r.tracker.OnDelivered(tctx, m.ID)
	if err != nil {
		return
	}
	if changed {
		r.StatusChanged(updated)
	}
}

func (r *Router) recipients(ctx context.Context, m model.Message) []string {
	if !m.IsGroup {
		return []string{m.RecipientID}
	}
	mctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()
	members, err := r.members.Members(mctx, m.RecipientID)
	if err != nil {
		r.log.Warn("resolve group members", "conversation_id", m.ConversationID, "err", err)
		return nil
	}
	return lo.Without(members, m.SenderID)
}

func (r *Router) push(h registry.Handle, ev model.Event) bool {
	if err := h.Push(ev); err != nil {
		r.log.Debug("push failed", "connection_id", h.ConnectionID, "user_id", h.UserID,
			"conversation_id", ev.ConversationID, "err", fmt.Errorf("%s: %w", ev.Type, err))
		return false
	}
	return true
}
