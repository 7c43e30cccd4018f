package presence

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 90 * time.Second

// connected stamps a node with its lease expiry and prunes lapsed nodes in one step.
// KEYS[1] key, ARGV[1] node, ARGV[2] expiry ms, ARGV[3] now ms, ARGV[4] ttl ms.
var connected = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// Redis tracks which nodes hold a user under presence:{user}:nodes, a sorted
// set of node ids scored by lease expiry. A node that dies without
// disconnecting drops out once its lease runs out, Run keeps live leases fresh.
type Redis struct {
	rdb  *redis.Client
	node string
	ttl  time.Duration
	now  func() time.Time
}

func NewRedis(rdb *redis.Client, nodeID string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, node: nodeID, ttl: ttl, now: time.Now}
}

func key(userID string) string {
	return "presence:" + userID + ":nodes"
}

func (r *Redis) Connected(ctx context.Context, userID string) error {
	now := r.now()
	return connected.Run(ctx, r.rdb, []string{key(userID)},
		r.node, now.Add(r.ttl).UnixMilli(), now.UnixMilli(), r.ttl.Milliseconds()).Err()
}

func (r *Redis) Disconnected(ctx context.Context, userID string) error {
	return r.rdb.ZRem(ctx, key(userID), r.node).Err()
}

// Online reports whether any node holds an unexpired lease for userID.
func (r *Redis) Online(ctx context.Context, userID string) (bool, error) {
	after := "(" + strconv.FormatInt(r.now().UnixMilli(), 10)
	n, err := r.rdb.ZCount(ctx, key(userID), after, "+inf").Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Refresh renews this node's lease for every user in one pipeline. Pipelined
// scripts go as EVAL since a missing sha cannot be retried mid pipeline.
func (r *Redis) Refresh(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	now := r.now()
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			connected.Eval(ctx, pipe, []string{key(id)},
				r.node, now.Add(r.ttl).UnixMilli(), now.UnixMilli(), r.ttl.Milliseconds())
		}
		return nil
	})
	return err
}

// Run refreshes leases for users() every third of the ttl until ctx is done.
func (r *Redis) Run(ctx context.Context, users func() []string, log *slog.Logger) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx, users()); err != nil && ctx.Err() == nil {
				log.Warn("presence refresh failed", "node_id", r.node, "err", err)
			}
		}
	}
}
