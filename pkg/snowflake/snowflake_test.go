package snowflake

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNode_Generate_IsStrictlyIncreasing(t *testing.T) {
	req := require.New(t)
	node, err := NewNode(7)
	req.NoError(err)

	prev := node.Generate()
	for i := 0; i < 10000; i++ {
		next := node.Generate()
		req.Greater(next, prev)
		req.Less(prev.Key(), next.Key())
		prev = next
	}
	req.Equal(int64(7), prev.Node())
}

func TestNode_Rejects_Out_Of_Range(t *testing.T) {
	_, err := NewNode(1024)
	require.Error(t, err)
	_, err = NewNode(-1)
	require.Error(t, err)
}

func TestID_Time_Matches_Generation(t *testing.T) {
	req := require.New(t)
	node, err := NewNode(1)
	req.NoError(err)

	before := time.Now().Add(-time.Millisecond)
	id := node.Generate()
	after := time.Now().Add(time.Millisecond)

	req.True(id.Time().After(before), "%s should be after %s", id.Time(), before)
	req.True(id.Time().Before(after))
	req.Equal(time.UTC, id.Time().Location())
}

func TestID_JSON_Is_A_String(t *testing.T) {
	req := require.New(t)
	id := ID(123456789012345678)

	b, err := json.Marshal(id)
	req.NoError(err)
	req.Equal(`"123456789012345678"`, string(b))

	var back ID
	req.NoError(json.Unmarshal(b, &back))
	req.Equal(id, back)

	req.NoError(json.Unmarshal([]byte(`42`), &back))
	req.Equal(ID(42), back)

	req.Error(json.Unmarshal([]byte(`"abc"`), &back))
}

func TestParseID(t *testing.T) {
	req := require.New(t)

	id, err := ParseID("")
	req.NoError(err)
	req.Zero(id)

	id, err = ParseID("99")
	req.NoError(err)
	req.Equal(ID(99), id)

	_, err = ParseID("-5")
	req.ErrorIs(err, ErrInvalidID)
}
