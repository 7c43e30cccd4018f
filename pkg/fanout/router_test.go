package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/mahaj/messaging-core/pkg/delivery"
	"github.com/mahaj/messaging-core/pkg/membership"
	"github.com/mahaj/messaging-core/pkg/mocks"
	"github.com/mahaj/messaging-core/pkg/model"
	"github.com/mahaj/messaging-core/pkg/registry"
	"github.com/mahaj/messaging-core/pkg/snowflake"
	"github.com/mahaj/messaging-core/pkg/store"
)

type recordingConn struct {
	mu     sync.Mutex
	events []model.Event
}

func (c *recordingConn) Push(ev model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) ofType(t model.EventType) []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	store    *store.Store
	registry *registry.Registry
	members  *membership.Memory
	router   *Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	log := slog.Default()
	st := store.New(store.NewBadgerBackend(db), node, log)
	reg := registry.New(log, registry.Options{})
	members := membership.NewMemory()
	router := NewRouter(reg, delivery.NewTracker(st, log), members, log, Options{Shards: 4})
	st.Observe(router.MessageAppended)
	router.Start(context.Background())

	t.Cleanup(func() {
		router.Stop()
		reg.Stop()
		_ = st.Close()
	})
	return &harness{store: st, registry: reg, members: members, router: router}
}

func (h *harness) connect(t *testing.T, userID string, conversations ...string) *recordingConn {
	t.Helper()
	conn := &recordingConn{}
	id, err := h.registry.Register(conn, userID)
	require.NoError(t, err)
	for _, c := range conversations {
		require.NoError(t, h.registry.Subscribe(id, c))
	}
	return conn
}

func TestRouter_Direct_Both_Online(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	ctx := context.Background()
	conv := store.DirectConversationID("alice", "bob")

	alice := h.connect(t, "alice", conv)
	bob := h.connect(t, "bob", conv)

	m, err := h.store.Append(ctx, conv, "alice", "bob", "hello", false)
	req.NoError(err)

	req.Eventually(func() bool { return len(bob.ofType(model.EventMessageCreated)) == 1 }, time.Second, 5*time.Millisecond)
	got := bob.ofType(model.EventMessageCreated)[0]
	req.Equal(m.ID, got.Message.ID)
	req.Equal("hello", got.Message.Content)

	req.Eventually(func() bool {
		stored, err := h.store.Get(ctx, m.ID)
		return err == nil && stored.Status == model.StatusDelivered
	}, time.Second, 5*time.Millisecond)

	// Sender's own subscribed device sees the message and the status change
	req.Eventually(func() bool { return len(alice.ofType(model.EventStatusChanged)) == 1 }, time.Second, 5*time.Millisecond)
	req.Len(alice.ofType(model.EventMessageCreated), 1)
	status := alice.ofType(model.EventStatusChanged)[0]
	req.Equal(m.ID, status.MessageID)
	req.Equal(model.StatusDelivered, status.Status)
}

func TestRouter_Direct_Recipient_Offline(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	ctx := context.Background()
	conv := store.DirectConversationID("alice", "bob")
	alice := h.connect(t, "alice", conv)

	m, err := h.store.Append(ctx, conv, "alice", "bob", "are you there?", false)
	req.NoError(err)

	h.router.Stop()
	req.Len(alice.ofType(model.EventMessageCreated), 1)

	stored, err := h.store.Get(ctx, m.ID)
	req.NoError(err)
	req.Equal(model.StatusSent, stored.Status)

	// Reconnect and pull
	window, err := h.store.GetWindow(ctx, conv, 10, 0)
	req.NoError(err)
	req.Len(window, 1)
	req.Equal(m.ID, window[0].ID)
}

func TestRouter_Unsubscribed_Recipient_Gets_User_Push(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	ctx := context.Background()
	conv := store.DirectConversationID("alice", "bob")
	bob := h.connect(t, "bob", store.DirectConversationID("bob", "carol"))

	m, err := h.store.Append(ctx, conv, "alice", "bob", "ping", false)
	req.NoError(err)

	req.Eventually(func() bool { return len(bob.ofType(model.EventMessageCreated)) == 1 }, time.Second, 5*time.Millisecond)
	req.Eventually(func() bool {
		stored, err := h.store.Get(ctx, m.ID)
		return err == nil && stored.Status == model.StatusDelivered
	}, time.Second, 5*time.Millisecond)
}

func TestRouter_Group_Fanout(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	ctx := context.Background()
	conv := store.GroupConversationID("g")
	req.NoError(h.members.AddMembers(ctx, "g", "alice", "bob", "carol"))

	alice := h.connect(t, "alice", conv)
	bob := h.connect(t, "bob", conv)
	carol := h.connect(t, "carol")
	dave := h.connect(t, "dave")

	_, err := h.store.Append(ctx, conv, "alice", "g", "hi all", true)
	req.NoError(err)

	for _, c := range []*recordingConn{alice, bob, carol} {
		req.Eventually(func() bool { return len(c.ofType(model.EventMessageCreated)) == 1 }, time.Second, 5*time.Millisecond)
	}
	h.router.Stop()
	req.Empty(dave.ofType(model.EventMessageCreated))
}

func TestRouter_Preserves_Append_Order(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	ctx := context.Background()
	conv := store.DirectConversationID("alice", "bob")
	bob := h.connect(t, "bob", conv)

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := h.store.Append(ctx, conv, "alice", "bob", fmt.Sprintf("%d/%d", w, i), false)
				req.NoError(err)
			}
		}(w)
	}
	wg.Wait()
	h.router.Stop()

	stored, err := h.store.GetWindow(ctx, conv, store.MaxWindow, 0)
	req.NoError(err)
	pushed := bob.ofType(model.EventMessageCreated)
	req.Len(pushed, len(stored))
	for i := range stored {
		req.Equal(stored[i].ID, pushed[i].Message.ID)
	}
}

func TestRouter_Full_Queue_Drops(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)
	router := NewRouter(reg, mocks.NewMockTracker(ctrl), mocks.NewMockMembers(ctrl), slog.Default(), Options{Shards: 1, QueueSize: 1})

	m := model.Message{ID: 1, ConversationID: "conv:a:b", SenderID: "a", RecipientID: "b"}
	router.MessageAppended(m)
	router.MessageAppended(m)
	router.StatusChanged(m)
	req.Equal(uint64(2), router.Dropped())

	reg.EXPECT().ConnectionsFor("conv:a:b").Return(nil)
	reg.EXPECT().ConnectionsForUser("b").Return(nil)
	router.Start(context.Background())
	router.Stop()

	router.MessageAppended(m)
	req.Equal(uint64(2), router.Dropped())
}

func TestRouter_Bus_Publish_Failure_Falls_Back_To_Local(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := mocks.NewMockRegistry(ctrl)
	tracker := mocks.NewMockTracker(ctrl)
	bus := mocks.NewMockBus(ctrl)
	router := NewRouter(reg, tracker, mocks.NewMockMembers(ctrl), slog.Default(), Options{Shards: 1, Bus: bus})

	m := model.Message{ID: 1, ConversationID: "conv:a:b", SenderID: "a", RecipientID: "b"}

	bus.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ func(model.Event)) error {
		<-ctx.Done()
		return nil
	})
	bus.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))
	bus.EXPECT().Close().Return(nil)
	reg.EXPECT().ConnectionsFor("conv:a:b").Return(nil)
	reg.EXPECT().ConnectionsForUser("b").Return(nil)
	tracker.EXPECT().OnDelivered(gomock.Any(), gomock.Any()).Times(0)

	router.Start(context.Background())
	router.MessageAppended(m)
	router.Stop()
}

func TestRouter_Bus_Delivers_Consumed_Events(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	bus := mocks.NewMockBus(ctrl)
	reg := registry.New(slog.Default(), registry.Options{})
	members := mocks.NewMockMembers(ctrl)
	tracker := mocks.NewMockTracker(ctrl)
	router := NewRouter(reg, tracker, members, slog.Default(), Options{Bus: bus})

	conn := &recordingConn{}
	id, err := reg.Register(conn, "bob")
	req.NoError(err)
	req.NoError(reg.Subscribe(id, "group:g"))

	m := model.Message{ID: 5, ConversationID: "group:g", SenderID: "alice", RecipientID: "g", IsGroup: true, Status: model.StatusSent}
	bus.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, deliver func(model.Event)) error {
		deliver(model.MessageCreated(m))
		<-ctx.Done()
		return nil
	})
	bus.EXPECT().Close().Return(nil)
	members.EXPECT().Members(gomock.Any(), "g").Return([]string{"alice", "bob"}, nil)
	delivered := m
	delivered.Status = model.StatusDelivered
	tracker.EXPECT().OnDelivered(gomock.Any(), m.ID).Return(delivered, true, nil)
	published := make(chan struct{})
	bus.EXPECT().Publish(gomock.Any(), model.StatusChanged(delivered)).DoAndReturn(func(context.Context, model.Event) error {
		close(published)
		return nil
	})

	router.Start(context.Background())
	req.Eventually(func() bool { return len(conn.ofType(model.EventMessageCreated)) == 1 }, time.Second, 5*time.Millisecond)
	// The status event goes back out on the bus
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("status change was not published")
	}
	router.Stop()
}
