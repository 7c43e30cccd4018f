package membership

import (
	"context"
	"slices"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// Redis keeps each group as a set under group:{id}:members so every gateway
// node resolves the same membership.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func membersKey(groupID string) string {
	return "group:" + groupID + ":members"
}

func (r *Redis) Members(ctx context.Context, groupID string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, membersKey(groupID)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(members)
	return members, nil
}

func (r *Redis) AddMembers(ctx context.Context, groupID string, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	return r.rdb.SAdd(ctx, membersKey(groupID), lo.ToAnySlice(userIDs)...).Err()
}

func (r *Redis) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	return r.rdb.SIsMember(ctx, membersKey(groupID), userID).Result()
}

var _ Directory = (*Redis)(nil)
