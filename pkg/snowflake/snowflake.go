// Package snowflake generates roughly time ordered 63-bit message ids:
// 41 bits of milliseconds since epoch, 10 bits of node id and 12 bits of
// per-millisecond sequence.
package snowflake

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits  = 10
	stepBits  = 12
	nodeMax   = -1 ^ (-1 << nodeBits)
	stepMask  = -1 ^ (-1 << stepBits)
	timeShift = nodeBits + stepBits
	nodeShift = stepBits

	// Epoch is 2024-01-01 00:00:00 UTC in milliseconds.
	Epoch int64 = 1704067200000
)

var ErrNodeRange = errors.New("node number must be between 0 and 1023")

type Node struct {
	mu   sync.Mutex
	node int64
	last int64
	step int64
	now  func() int64
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, ErrNodeRange
	}
	return &Node{
		node: node,
		now:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Generate returns the next id. Ids from one node are strictly increasing,
// even if the wall clock steps backwards.
func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	ms := max(n.now(), n.last)
	if ms == n.last {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			// sequence exhausted for this millisecond
			for ms <= n.last {
				ms = n.now()
			}
		}
	} else {
		n.step = 0
	}
	n.last = ms

	return ((ms - Epoch) << timeShift) | (n.node << nodeShift) | n.step
}

// NextID is Generate formatted as a decimal string, the form used on the wire.
func (n *Node) NextID() string {
	return strconv.FormatInt(n.Generate(), 10)
}

// Time extracts the creation time encoded in id.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + Epoch).UTC()
}
