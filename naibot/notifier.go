package naibot

import (
	"context"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"sync"
	"sync/atomic"
)

// positionDeliveryLimit is how many position updates from one broadcast
// are delivered at the same time
const positionDeliveryLimit = 8

// QueueSnapshot is the ordered contents of a [JobQueue] at one point in
// time. Seq increases with every queue mutation.
type QueueSnapshot struct {
	Seq  uint64
	Jobs []*Job
}

// QueuedJob is a job handle paired with its 1-based position
type QueuedJob struct {
	JobHandle
	Position int `json:"position"`
}

func (s QueueSnapshot) Positions() []QueuedJob {
	queued := make([]QueuedJob, len(s.Jobs))
	for i, job := range s.Jobs {
		queued[i] = QueuedJob{JobHandle: job.Handle(), Position: i + 1}
	}
	return queued
}

// positionNotifier publishes each queued job's position after a queue
// mutation. All positions in one broadcast come from the same snapshot.
//
// Broadcasts run on a background goroutine, so neither the submitter nor
// the worker waits on sinks. Only the newest snapshot waiting to be
// broadcast is kept; older ones are superseded.
type positionNotifier struct {
	logger *slog.Logger
	limit  int

	mu      sync.Mutex
	pending *QueueSnapshot
	running bool
}

func newPositionNotifier(logger *slog.Logger) *positionNotifier {
	return &positionNotifier{logger: logger, limit: positionDeliveryLimit}
}

// publish schedules a broadcast of snapshot and returns immediately
func (n *positionNotifier) publish(ctx context.Context, snapshot QueueSnapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pending != nil && n.pending.Seq >= snapshot.Seq {
		return
	}
	n.pending = &snapshot
	if n.running {
		return
	}
	n.running = true
	go n.run(context.WithoutCancel(ctx))
}

// run broadcasts pending snapshots until there are none left
func (n *positionNotifier) run(ctx context.Context) {
	for {
		n.mu.Lock()
		snapshot := n.pending
		n.pending = nil
		if snapshot == nil {
			n.running = false
			n.mu.Unlock()
			return
		}
		n.mu.Unlock()
		n.broadcast(ctx, *snapshot)
	}
}

// idle reports whether every published snapshot has been broadcast
func (n *positionNotifier) idle() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.running && n.pending == nil
}

// broadcast delivers every job's position from snapshot
func (n *positionNotifier) broadcast(ctx context.Context, snapshot QueueSnapshot) {
	var delivered atomic.Int64
	g := &errgroup.Group{}
	g.SetLimit(n.limit)
	for i, job := range snapshot.Jobs {
		g.Go(
			func() error {
				if job.deliverPosition(ctx, snapshot.Seq, i+1) {
					delivered.Add(1)
				}
				return nil
			},
		)
	}
	_ = g.Wait()

	n.logger.DebugContext(
		ctx,
		"broadcast queue positions",
		"seq", snapshot.Seq,
		"queued", len(snapshot.Jobs),
		"delivered", delivered.Load(),
	)
}
