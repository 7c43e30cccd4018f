package snowflake

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

var ErrInvalidID = errors.New("invalid snowflake id")

// ID is a time-ordered message identifier. Zero means "no id".
type ID int64

// Time returns the millisecond timestamp embedded in the id.
func (id ID) Time() time.Time {
	ms := (int64(id) >> timeShift) + epoch
	return time.UnixMilli(ms).UTC()
}

func (id ID) Node() int64 { return (int64(id) >> nodeShift) & nodeMax }

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// Key renders the id zero-padded to 19 digits so that byte order equals numeric order.
func (id ID) Key() string { return fmt.Sprintf("%019d", int64(id)) }

// MarshalJSON encodes the id as a string, 63-bit integers do not survive JS clients.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(id.String())), nil
}

func (id *ID) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*id = 0
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID parses a decimal id. The empty string parses to zero.
func ParseID(s string) (ID, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID(v), nil
}

type Node struct {
	mu    sync.Mutex
	time  int64
	node  int64
	step  int64
	epoch int64
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, errors.New("node number must be between 0 and 1023")
	}
	return &Node{
		time:  0,
		node:  node,
		step:  0,
		epoch: epoch,
	}, nil
}

// Generate returns an id strictly greater than every id previously returned by this node.
func (n *Node) Generate() ID {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now().UnixMilli()

	if now < n.time {
		// Clock moved backwards, keep issuing from the last seen millisecond
		now = n.time
	}

	if n.time == now {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.time {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		n.step = 0
	}

	n.time = now

	return ID(((now - n.epoch) << timeShift) | (n.node << nodeShift) | n.step)
}
