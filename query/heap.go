package query

import (
	"time"

	"github.com/google/uuid"

	"github.com/CloudNetService/CloudNet-sub027/future"
	"github.com/CloudNetService/CloudNet-sub027/protocol"
)

type entry struct {
	id       uuid.UUID
	deadline time.Time
	f        *future.Future[*protocol.Packet]
	index    int // position in the deadline heap
}

// deadlineQueue implements heap.Interface ordered by deadline.
type deadlineQueue []*entry

func (q deadlineQueue) Len() int { return len(q) }

func (q deadlineQueue) Less(i, j int) bool { return q[i].deadline.Before(q[j].deadline) }

func (q deadlineQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *deadlineQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *deadlineQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
