package chat

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// Message and notification ids are laid out as
//
//	| 41 bits ms since idEpoch | 10 bits node | 12 bits sequence |
//
// so nodes sharing one store never hand out the same id.
const (
	nodeBits = 10
	seqBits  = 12
	nodeMask = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
)

// idEpoch is 2024-01-01T00:00:00Z.
var idEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// IDs hands out ids that are strictly increasing within the process.
type IDs struct {
	mu   sync.Mutex
	node int64
	ms   int64
	seq  int64
	now  func() time.Time
}

func NewIDs(node string) *IDs {
	return &IDs{node: NodeNumber(node), ms: -1, now: time.Now}
}

// NodeNumber maps a node name to its id bits. A number in range is used
// as is; anything else is hashed.
func NodeNumber(node string) int64 {
	if n, err := strconv.ParseInt(node, 10, 64); err == nil && n >= 0 && n <= nodeMask {
		return n
	}
	h := fnv.New32a()
	h.Write([]byte(node))
	return int64(h.Sum32()) & nodeMask
}

func (g *IDs) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli() - idEpoch
	if ms <= g.ms {
		// same millisecond or the clock stepped back
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			g.ms++
		}
	} else {
		g.ms, g.seq = ms, 0
	}
	return g.ms<<(nodeBits+seqBits) | g.node<<seqBits | g.seq
}
