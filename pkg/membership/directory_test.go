package membership

import (
	"context"
	"os"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testDirectory(t *testing.T, d Directory, group string) {
	req := require.New(t)
	ctx := context.Background()

	members, err := d.Members(ctx, group)
	req.NoError(err)
	req.Empty(members)

	req.NoError(d.AddMembers(ctx, group, "carol", "alice"))
	req.NoError(d.AddMembers(ctx, group, "bob", "alice"))
	req.NoError(d.AddMembers(ctx, group))

	members, err = d.Members(ctx, group)
	req.NoError(err)
	req.Equal([]string{"alice", "bob", "carol"}, members)

	ok, err := d.IsMember(ctx, group, "bob")
	req.NoError(err)
	req.True(ok)

	ok, err = d.IsMember(ctx, group, "mallory")
	req.NoError(err)
	req.False(ok)
}

func TestMemory(t *testing.T) {
	testDirectory(t, NewMemory(), "g1")
}

func TestBadger(t *testing.T) {
	dir := t.TempDir()
	open := func() *badger.DB {
		db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
		require.NoError(t, err)
		return db
	}

	db := open()
	testDirectory(t, NewBadger(db), "g1")

	// A group id that prefixes another must not leak members
	require.NoError(t, NewBadger(db).AddMembers(context.Background(), "g10", "zed"))
	members, err := NewBadger(db).Members(context.Background(), "g1")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob", "carol"}, members)
	require.NoError(t, db.Close())

	t.Run("should keep members across reopen", func(t *testing.T) {
		req := require.New(t)
		db := open()
		t.Cleanup(func() { _ = db.Close() })
		d := NewBadger(db)

		members, err := d.Members(context.Background(), "g1")
		req.NoError(err)
		req.Equal([]string{"alice", "bob", "carol"}, members)
		ok, err := d.IsMember(context.Background(), "g10", "zed")
		req.NoError(err)
		req.True(ok)
	})
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	group := "test-" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(context.Background(), membersKey(group)) })
	testDirectory(t, NewRedis(rdb), group)
}
