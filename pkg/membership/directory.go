//go:generate go run go.uber.org/mock/mockgen -source=directory.go -destination=../mocks/mock_membership_directory.go -package=mocks
package membership

import (
	"context"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Directory resolves group ids to their member user ids.
type Directory interface {
	Members(ctx context.Context, groupID string) ([]string, error)
	AddMembers(ctx context.Context, groupID string, userIDs ...string) error
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
}

// Memory is a process-local Directory. Membership is lost on restart, use it in tests.
type Memory struct {
	mu     sync.RWMutex
	groups map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{groups: make(map[string]map[string]struct{})}
}

// Members returns the members of groupID sorted, an unknown group has none.
func (m *Memory) Members(_ context.Context, groupID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := lo.Keys(m.groups[groupID])
	slices.Sort(members)
	return members, nil
}

func (m *Memory) AddMembers(_ context.Context, groupID string, userIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.groups[groupID]
	if !ok {
		set = make(map[string]struct{}, len(userIDs))
		m.groups[groupID] = set
	}
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
	return nil
}

func (m *Memory) IsMember(_ context.Context, groupID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.groups[groupID][userID]
	return ok, nil
}

var _ Directory = (*Memory)(nil)
