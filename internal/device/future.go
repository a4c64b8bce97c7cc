package device

import (
	"context"
	"time"
)

// Stats are the timestamps of one executed command.
type Stats struct {
	Enqueued time.Time
	Started  time.Time
	Finished time.Time
}

// Duration is the device execution time (start to finish).
func (s Stats) Duration() time.Duration {
	return s.Finished.Sub(s.Started)
}

// Future is the completion handle of an enqueued command.
type Future struct {
	done  chan struct{}
	err   error
	stats Stats
}

func newFuture(enqueued time.Time) *Future {
	return &Future{
		done:  make(chan struct{}),
		stats: Stats{Enqueued: enqueued},
	}
}

func (f *Future) resolve(started, finished time.Time, err error) {
	f.stats.Started = started
	f.stats.Finished = finished
	f.err = err
	close(f.done)
}

// Done is closed once the command has completed or failed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until completion and returns the command's error.
// A cancelled ctx stops the wait, not the command.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is only meaningful after Done is closed.
func (f *Future) Stats() Stats {
	select {
	case <-f.done:
		return f.stats
	default:
		return Stats{Enqueued: f.stats.Enqueued}
	}
}
