// Package reliability implements component C4: sequencing, ACK/SACK
// tracking, retransmit scheduling and FEC encode/decode (spec.md §4.4).
package reliability

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jetstreamproto/jetstreamproto/internal/worker"
)

// item is one entry in the timer queue's min-heap, ordered by Priority
// (an absolute UnixNano deadline, following the convention
// client2.ARQ.resend/Send use: `priority := uint64(message.SentAt.Add(...).UnixNano())`).
type item struct {
	priority uint64
	value    interface{}
	index    int
}

type itemHeap []*item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].priority < h[j].priority }
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// TimerQueue fires onTimeout for each pushed value once the clock reaches
// its priority deadline. It follows the same Push(priority, value) /
// Start() / Halt() / Wait() shape client2.ARQ drives its own TimerQueue
// with (arq.go: `a.timerQueue.Push(priority, surbID)`,
// `a.timerQueue.Start()`), since the teacher's underlying
// core/client.TimerQueue implementation itself was not present in the
// retrieval set — only its call sites were, so this reimplements the same
// contract from scratch with container/heap.
type TimerQueue struct {
	worker.Worker

	mu   sync.Mutex
	h    itemHeap
	wake chan struct{}

	onTimeout func(interface{})
}

// NewTimerQueue builds a queue that invokes onTimeout (on its own
// goroutine) for each item as its deadline arrives.
func NewTimerQueue(onTimeout func(interface{})) *TimerQueue {
	return &TimerQueue{onTimeout: onTimeout, wake: make(chan struct{}, 1)}
}

// Start begins the background dispatch loop. Must be called once before
// Push.
func (q *TimerQueue) Start() {
	q.Go(q.run)
}

// Push schedules value to fire at the given absolute UnixNano priority.
func (q *TimerQueue) Push(priority uint64, value interface{}) {
	q.mu.Lock()
	heap.Push(&q.h, &item{priority: priority, value: value})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Peek returns the earliest-deadline item without removing it, or nil if
// empty.
func (q *TimerQueue) Peek() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// Pop removes and returns the earliest-deadline item, or nil if empty.
func (q *TimerQueue) Pop() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*item)
}

// Remove drops every queued entry equal to value per the caller-supplied
// predicate, used when an ACK retires an in-flight packet before its
// retransmit timer fires.
func (q *TimerQueue) Remove(match func(interface{}) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.h[:0]
	for _, it := range q.h {
		if match(it.value) {
			continue
		}
		kept = append(kept, it)
	}
	q.h = kept
	heap.Init(&q.h)
}

func (q *TimerQueue) run() {
	defer q.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		q.mu.Lock()
		var wait time.Duration
		if len(q.h) == 0 {
			wait = time.Hour
		} else {
			deadline := int64(q.h[0].priority)
			now := time.Now().UnixNano()
			if deadline <= now {
				wait = 0
			} else {
				wait = time.Duration(deadline - now)
			}
		}
		q.mu.Unlock()

		if wait == 0 {
			it := q.Pop()
			if it != nil {
				q.onTimeout(it.value)
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-q.HaltCh():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}
