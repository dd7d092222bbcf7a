package refresh

import (
	"context"
	"errors"
)

// ErrQueueFull is returned when the job buffer has no room.
var ErrQueueFull = errors.New("refresh queue full")

// Queue is a bounded in-process job queue.
type Queue struct {
	ch chan Job
}

// NewQueue creates a queue holding up to buffer jobs.
func NewQueue(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 1
	}
	return &Queue{ch: make(chan Job, buffer)}
}

// Publish enqueues job without blocking.
func (q *Queue) Publish(job Job) error {
	select {
	case q.ch <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Consume hands jobs to handler until ctx is cancelled.
func (q *Queue) Consume(ctx context.Context, handler func(context.Context, Job)) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.ch:
			handler(ctx, job)
		}
	}
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth() int {
	return len(q.ch)
}
