// Package idgen allocates monotonic server-assigned ids (Message.id,
// OfflineQueueEntry.id). Ids are k-sortable: a 41-bit millisecond
// timestamp, a 10-bit worker id, and a 12-bit per-millisecond sequence,
// the same layout the teacher's snowflake-based id allocator uses.
package idgen

import (
	"fmt"
	"sync"
	"time"
)

const (
	workerBits   = 10
	sequenceBits = 12
	maxWorker    = 1<<workerBits - 1
	maxSequence  = 1<<sequenceBits - 1
	workerShift  = sequenceBits
	timeShift    = sequenceBits + workerBits
)

// epoch anchors the timestamp component so ids stay well within int64
// range for decades; arbitrary fixed point, never computed at runtime.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator allocates strictly increasing int64 ids, unique across a
// deployment for a given worker id.
type Generator struct {
	mu       sync.Mutex
	workerID int64
	lastMs   int64
	seq      int64
}

// New builds a Generator for the given worker id (0-1023), which must be
// unique per Persistence Service process in a multi-node deployment.
func New(workerID int64) (*Generator, error) {
	if workerID < 0 || workerID > maxWorker {
		return nil, fmt.Errorf("idgen: workerID %d out of range [0,%d]", workerID, maxWorker)
	}
	return &Generator{workerID: workerID}, nil
}

// Next returns the next id, blocking briefly if more than maxSequence
// ids have already been allocated within the current millisecond.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := time.Since(epoch).Milliseconds()
	if ms == g.lastMs {
		g.seq = (g.seq + 1) & maxSequence
		if g.seq == 0 {
			for ms <= g.lastMs {
				ms = time.Since(epoch).Milliseconds()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMs = ms

	return (ms << timeShift) | (g.workerID << workerShift) | g.seq
}
