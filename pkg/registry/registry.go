package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/mahaj/messaging-core/pkg/errs"
	"github.com/mahaj/messaging-core/pkg/model"
)

var ErrStopped = errors.New("registry stopped")

const presenceTimeout = 2 * time.Second

// Conn is a live client transport. Push must not block; Close must be safe to
// call once the connection is already gone.
type Conn interface {
	Push(ev model.Event) error
	Close() error
}

// Presence is notified when a user gains a first or loses a last connection on this node.
type Presence interface {
	Connected(ctx context.Context, userID string) error
	Disconnected(ctx context.Context, userID string) error
}

type Options struct {
	// IdleTimeout unregisters connections not touched for this long. Zero disables sweeping.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Presence      Presence
}

type entry struct {
	id          string
	userID      string
	conn        Conn
	connectedAt time.Time
	lastSeen    atomic.Int64

	// subs is guarded by Registry.mu.
	subs map[string]struct{}

	// gate orders pushes against close: pushes share it, close takes it exclusively.
	gate   sync.RWMutex
	closed bool
}

func (e *entry) push(ev model.Event) error {
	e.gate.RLock()
	defer e.gate.RUnlock()
	if e.closed {
		return fmt.Errorf("connection %s closed: %w", e.id, errs.ErrPushFailed)
	}
	if err := e.conn.Push(ev); err != nil {
		return fmt.Errorf("connection %s: %w: %v", e.id, errs.ErrPushFailed, err)
	}
	return nil
}

func (e *entry) close() error {
	e.gate.Lock()
	defer e.gate.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.conn.Close()
}

// Handle is a snapshot reference to a registered connection.
type Handle struct {
	ConnectionID string
	UserID       string
	ConnectedAt  time.Time
	e            *entry
}

// Push delivers ev unless the connection has been unregistered.
func (h Handle) Push(ev model.Event) error {
	return h.e.push(ev)
}

// Registry maps connections to users and subscribed conversations.
type Registry struct {
	log  *slog.Logger
	opts Options
	now  func() time.Time

	mu             sync.RWMutex
	conns          map[string]*entry
	byUser         map[string]map[string]*entry
	byConversation map[string]map[string]*entry
	stopped        bool

	cancel context.CancelFunc
	done   chan struct{}
}

func New(log *slog.Logger, opts Options) *Registry {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.IdleTimeout / 2
	}
	return &Registry{
		log:            log,
		opts:           opts,
		now:            time.Now,
		conns:          make(map[string]*entry),
		byUser:         make(map[string]map[string]*entry),
		byConversation: make(map[string]map[string]*entry),
	}
}

// Start runs the idle sweeper until ctx is done or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil || r.stopped || r.opts.IdleTimeout <= 0 {
		r.mu.Unlock()
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// Stop halts the sweeper and unregisters every connection. Register fails afterwards.
func (r *Registry) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel, done := r.cancel, r.done
	ids := lo.Keys(r.conns)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, id := range ids {
		r.Unregister(id)
	}
	r.log.Info("registry stopped", "connections", len(ids))
}

func (r *Registry) Register(conn Conn, userID string) (string, error) {
	now := r.now()
	e := &entry{
		id:          uuid.NewString(),
		userID:      userID,
		conn:        conn,
		connectedAt: now,
		subs:        make(map[string]struct{}),
	}
	e.lastSeen.Store(now.UnixNano())

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return "", ErrStopped
	}
	r.conns[e.id] = e
	first := len(r.byUser[userID]) == 0
	addTo(r.byUser, userID, e)
	r.mu.Unlock()

	r.log.Debug("connection registered", "connection_id", e.id, "user_id", userID)
	if first {
		r.notify(userID, true)
	}
	return e.id, nil
}

// Subscribe is idempotent.
func (r *Registry) Subscribe(connectionID, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connectionID]
	if !ok {
		return fmt.Errorf("connection %s: %w", connectionID, errs.ErrNotFound)
	}
	e.subs[conversationID] = struct{}{}
	addTo(r.byConversation, conversationID, e)
	return nil
}

func (r *Registry) Unsubscribe(connectionID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connectionID]
	if !ok {
		return
	}
	delete(e.subs, conversationID)
	removeFrom(r.byConversation, conversationID, e.id)
}

// Unregister is idempotent. Once it returns the connection is closed, and no
// push through any of its handles is in flight or can start.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	e, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connectionID)
	for conv := range e.subs {
		removeFrom(r.byConversation, conv, connectionID)
	}
	removeFrom(r.byUser, e.userID, connectionID)
	last := len(r.byUser[e.userID]) == 0
	r.mu.Unlock()

	if err := e.close(); err != nil {
		r.log.Debug("close connection", "connection_id", connectionID, "err", err)
	}
	r.log.Debug("connection unregistered", "connection_id", connectionID, "user_id", e.userID)
	if last {
		r.notify(e.userID, false)
	}
}

func (r *Registry) ConnectionsFor(conversationID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return handles(r.byConversation[conversationID])
}

func (r *Registry) ConnectionsForUser(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return handles(r.byUser[userID])
}

// Online reports whether userID has a live connection on this node.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Users lists users with at least one live connection on this node.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.byUser)
}

// UserOf returns the user owning connectionID.
func (r *Registry) UserOf(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connectionID]
	if !ok {
		return "", false
	}
	return e.userID, true
}

// Touch records activity on a connection so the sweeper keeps it.
func (r *Registry) Touch(connectionID string) {
	r.mu.RLock()
	e, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if ok {
		e.lastSeen.Store(r.now().UnixNano())
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) sweep() {
	deadline := r.now().Add(-r.opts.IdleTimeout).UnixNano()
	r.mu.RLock()
	idle := lo.FilterMap(lo.Values(r.conns), func(e *entry, _ int) (string, bool) {
		return e.id, e.lastSeen.Load() < deadline
	})
	r.mu.RUnlock()

	for _, id := range idle {
		r.log.Info("unregistering idle connection", "connection_id", id)
		r.Unregister(id)
	}
}

func (r *Registry) notify(userID string, connected bool) {
	if r.opts.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	var err error
	if connected {
		err = r.opts.Presence.Connected(ctx, userID)
	} else {
		err = r.opts.Presence.Disconnected(ctx, userID)
	}
	if err != nil {
		r.log.Warn("presence update failed", "user_id", userID, "connected", connected, "err", err)
	}
}

func addTo(idx map[string]map[string]*entry, key string, e *entry) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]*entry)
		idx[key] = set
	}
	set[e.id] = e
}

func removeFrom(idx map[string]map[string]*entry, key, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func handles(set map[string]*entry) []Handle {
	return lo.MapToSlice(set, func(_ string, e *entry) Handle {
		return Handle{ConnectionID: e.id, UserID: e.userID, ConnectedAt: e.connectedAt, e: e}
	})
}
