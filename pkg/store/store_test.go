package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/messaging-core/pkg/errs"
	"github.com/mahaj/messaging-core/pkg/model"
	"github.com/mahaj/messaging-core/pkg/snowflake"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	s := New(NewBadgerBackend(db), node, slog.Default())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDirectConversationID_Is_Symmetric(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"bob", "alice"},
		{"user_1", "user_10"},
		{"", "x"},
		{"same", "same"},
	}
	for _, p := range pairs {
		require.Equal(t, DirectConversationID(p[0], p[1]), DirectConversationID(p[1], p[0]))
	}
	require.Equal(t, "conv:alice:bob", DirectConversationID("bob", "alice"))
	require.Equal(t, "group:g1", GroupConversationID("g1"))
	require.Equal(t, "group:g1", ConversationID("alice", "g1", true))
}

func TestStore_Append_Assigns_Server_Fields(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	conv := DirectConversationID("alice", "bob")

	m, err := s.Append(ctx, conv, "alice", "bob", "hi", false)
	req.NoError(err)
	req.NotZero(m.ID)
	req.Equal(model.StatusSent, m.Status)
	req.Equal(m.ID.Time(), m.CreatedAt)
	req.Equal(conv, m.ConversationID)

	got, err := s.Get(ctx, m.ID)
	req.NoError(err)
	req.Equal(m, got)
}

func TestStore_Append_Validates(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	_, err := s.Append(context.Background(), "conv:a:b", "a", "", "  ", false)
	req.ErrorIs(err, errs.ErrValidation)
	req.Equal(map[string]string{"recipient_id": "required", "content": "required"}, errs.Fields(err))
}

func TestStore_GetWindow_Paginates_Oldest_First(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	conv := DirectConversationID("alice", "bob")

	var sent []model.Message
	for i := 0; i < 7; i++ {
		m, err := s.Append(ctx, conv, "alice", "bob", fmt.Sprintf("m%d", i), false)
		req.NoError(err)
		sent = append(sent, m)
	}
	// Noise in a neighbouring conversation must not leak in
	_, err := s.Append(ctx, DirectConversationID("alice", "bo"), "alice", "bo", "other", false)
	req.NoError(err)

	latest, err := s.GetWindow(ctx, conv, 3, 0)
	req.NoError(err)
	req.Equal(sent[4:], latest)

	older, err := s.GetWindow(ctx, conv, 3, latest[0].ID)
	req.NoError(err)
	req.Equal(sent[1:4], older)

	oldest, err := s.GetWindow(ctx, conv, 3, older[0].ID)
	req.NoError(err)
	req.Equal(sent[:1], oldest)

	all, err := s.GetWindow(ctx, conv, 0, 0)
	req.NoError(err)
	req.Equal(sent, all)

	again, err := s.GetWindow(ctx, conv, 3, latest[0].ID)
	req.NoError(err)
	req.Equal(older, again)

	empty, err := s.GetWindow(ctx, "conv:nobody:here", 10, 0)
	req.NoError(err)
	req.Empty(empty)
}

func TestStore_Concurrent_Appends_Are_Totally_Ordered(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	conv := DirectConversationID("alice", "bob")

	var (
		mu        sync.Mutex
		completed []snowflake.ID
		observed  []snowflake.ID
	)
	s.Observe(func(m model.Message) {
		observed = append(observed, m.ID)
	})

	const writers, perWriter = 8, 12
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sender, recipient := "alice", "bob"
			if w%2 == 1 {
				sender, recipient = recipient, sender
			}
			for i := 0; i < perWriter; i++ {
				m, err := s.Append(ctx, conv, sender, recipient, fmt.Sprintf("%d-%d", w, i), false)
				req.NoError(err)
				mu.Lock()
				completed = append(completed, m.ID)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	stored, err := s.GetWindow(ctx, conv, MaxWindow, 0)
	req.NoError(err)
	req.Len(stored, writers*perWriter)

	seen := map[snowflake.ID]bool{}
	for i, m := range stored {
		req.False(seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
		if i > 0 {
			req.True(stored[i-1].Before(m))
		}
	}
	for _, id := range completed {
		req.True(seen[id], "lost id %s", id)
	}

	// Observers see appends in stored order
	req.Len(observed, len(stored))
	for i, m := range stored {
		req.Equal(m.ID, observed[i])
	}
}

func TestStore_SetStatus_Is_Monotonic(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.Append(ctx, DirectConversationID("alice", "bob"), "alice", "bob", "hey", false)
	req.NoError(err)

	got, changed, err := s.SetStatus(ctx, m.ID, model.StatusDelivered)
	req.NoError(err)
	req.True(changed)
	req.Equal(model.StatusDelivered, got.Status)

	got, changed, err = s.SetStatus(ctx, m.ID, model.StatusSent)
	req.NoError(err)
	req.False(changed)
	req.Equal(model.StatusDelivered, got.Status)

	got, changed, err = s.SetStatus(ctx, m.ID, model.StatusRead)
	req.NoError(err)
	req.True(changed)
	req.Equal(model.StatusRead, got.Status)

	got, changed, err = s.SetStatus(ctx, m.ID, model.StatusDelivered)
	req.NoError(err)
	req.False(changed)
	req.Equal(model.StatusRead, got.Status)

	_, _, err = s.SetStatus(ctx, m.ID, model.Status("seen"))
	req.ErrorIs(err, errs.ErrValidation)

	_, _, err = s.SetStatus(ctx, snowflake.ID(42), model.StatusRead)
	req.ErrorIs(err, errs.ErrNotFound)
}

func TestStore_Concurrent_Status_Updates_Converge(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.Append(ctx, GroupConversationID("g"), "alice", "g", "hello group", true)
	req.NoError(err)

	readers := []string{"bob", "carol", "dave", "erin"}
	var wg sync.WaitGroup
	for _, r := range readers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, err := s.SetStatus(ctx, m.ID, model.StatusDelivered)
			req.NoError(err)
		}()
		go func(r string) {
			defer wg.Done()
			_, _, err := s.MarkReadBy(ctx, m.ID, r)
			req.NoError(err)
		}(r)
	}
	wg.Wait()

	got, err := s.Get(ctx, m.ID)
	req.NoError(err)
	req.Equal(model.StatusRead, got.Status)
	req.Equal([]string{"bob", "carol", "dave", "erin"}, got.ReadBy)

	_, changed, err := s.MarkReadBy(ctx, m.ID, "bob")
	req.NoError(err)
	req.False(changed)
}

type downBackend struct{ Backend }

func (downBackend) Insert(context.Context, model.Message) error {
	return errors.New("dial tcp 10.0.0.1:9042: connect: connection refused")
}

func (downBackend) Window(context.Context, string, int, snowflake.ID) ([]model.Message, error) {
	return nil, errors.New("no hosts available")
}

func TestStore_Backend_Failure_Is_StoreUnavailable(t *testing.T) {
	req := require.New(t)
	node, err := snowflake.NewNode(1)
	req.NoError(err)
	s := New(downBackend{}, node, slog.Default())

	called := false
	s.Observe(func(model.Message) { called = true })

	m, err := s.Append(context.Background(), "conv:a:b", "a", "b", "lost?", false)
	req.ErrorIs(err, errs.ErrStoreUnavailable)
	req.Zero(m.ID)
	req.False(called, "observers must not see failed writes")

	_, err = s.GetWindow(context.Background(), "conv:a:b", 10, 0)
	req.ErrorIs(err, errs.ErrStoreUnavailable)
}

func TestKeyLock_Releases_Entries(t *testing.T) {
	req := require.New(t)
	k := newKeyLock()

	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	req.Equal(2, k.size())

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		unlock()
		close(done)
	}()

	unlockB()
	unlockA()
	<-done
	req.Equal(0, k.size())
}
