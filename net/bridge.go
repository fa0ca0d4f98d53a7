package net

import (
	"github.com/lcx/octopus/metrics"
)

// Queue is a bounded FIFO shared by producer goroutines and a consumer.
// Its capacity is fixed at construction; nothing ever grows it.
type Queue[T any] struct {
	ch    chan T
	label string
}

// NewQueue creates a queue holding at most capacity items (minimum 1).
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

func newLabelledQueue[T any](label string, capacity int) *Queue[T] {
	q := NewQueue[T](capacity)
	q.label = label
	return q
}

// TrySend enqueues v or returns ErrQueueFull without blocking.
func (q *Queue[T]) TrySend(v T) error {
	select {
	case q.ch <- v:
		return nil
	default:
		if q.label != "" {
			metrics.IncrCounterWithDimGroup("net", "queue_full_total", 1, metrics.Dimension{"queue": q.label})
		}
		return ErrQueueFull
	}
}

// Drain appends the queued items to dst in FIFO order without blocking.
// It takes at most the number of items queued when it was called, so a
// busy producer cannot keep it looping.
func (q *Queue[T]) Drain(dst []T) []T {
	n := len(q.ch)
	for i := 0; i < n; i++ {
		select {
		case v := <-q.ch:
			dst = append(dst, v)
		default:
			return dst
		}
	}
	return dst
}

// Recv exposes the queue to a single blocking consumer such as a writer
// goroutine.
func (q *Queue[T]) Recv() <-chan T {
	return q.ch
}

// Discard drops everything queued and reports how many items it dropped.
func (q *Queue[T]) Discard() int {
	var n int
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

func (q *Queue[T]) Len() int { return len(q.ch) }
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Bridge is the inbound/outbound queue pair between socket goroutines and
// the host tick. Transports write Inbound and read Outbound; the engine does
// the opposite.
type Bridge struct {
	Inbound  *Queue[Frame]
	Outbound *Queue[Frame]
}

// NewBridge creates a bridge with the given queue capacities.
func NewBridge(inboundCap, outboundCap int) *Bridge {
	return &Bridge{
		Inbound:  newLabelledQueue[Frame]("inbound", inboundCap),
		Outbound: newLabelledQueue[Frame]("outbound", outboundCap),
	}
}

// Discard empties both queues.
func (b *Bridge) Discard() int {
	return b.Inbound.Discard() + b.Outbound.Discard()
}
