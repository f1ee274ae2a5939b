package offline

import (
	"sync"
	"time"

	"github.com/jobwatch/notifier/internal/envelope"
	"github.com/jobwatch/notifier/internal/metrics"
	"go.uber.org/zap"
)

// DefaultCapacity bounds each user's queue. Overflow drops the oldest
// entries, never the newest.
const DefaultCapacity = 100

type Entry struct {
	Envelope    envelope.NotificationEnvelope
	EnqueueTime time.Time
}

// Queue buffers notification envelopes for users with no live connection.
// It is never persisted: a process restart loses all queued notifications
// by design.
type Queue struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	capacity int

	mu     sync.Mutex
	queues map[string][]Entry
}

func NewQueue(logger *zap.Logger, metrics *metrics.Metrics, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Queue{
		logger:   logger,
		metrics:  metrics,
		capacity: capacity,
		queues:   make(map[string][]Entry),
	}
}

// Enqueue appends an envelope to the user's queue, evicting from the front
// once the capacity is exceeded.
func (q *Queue) Enqueue(userId string, env envelope.NotificationEnvelope) {
	q.mu.Lock()

	entries := append(q.queues[userId], Entry{
		Envelope:    env,
		EnqueueTime: time.Now(),
	})

	evicted := 0
	for len(entries) > q.capacity {
		entries = entries[1:]
		evicted++
	}

	q.queues[userId] = entries

	q.mu.Unlock()

	q.metrics.QueuedEnvelopes.Inc()

	if evicted > 0 {
		q.metrics.QueuedEnvelopes.Sub(float64(evicted))
		q.metrics.DroppedEnvelopes.Add(float64(evicted))

		q.logger.Warn("offline queue full, evicted oldest entries",
			zap.String("userId", userId),
			zap.Int("evicted", evicted))
	}
}

// FlushAndClear returns the user's queue in enqueue order and atomically
// clears the slot. An unknown user yields an empty result.
func (q *Queue) FlushAndClear(userId string) []Entry {
	q.mu.Lock()
	entries := q.queues[userId]
	delete(q.queues, userId)
	q.mu.Unlock()

	if len(entries) > 0 {
		q.metrics.QueuedEnvelopes.Sub(float64(len(entries)))
	}

	return entries
}

// Stats reports the number of users with queued envelopes and the total
// queued envelope count.
func (q *Queue) Stats() (users int, total int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, entries := range q.queues {
		if len(entries) > 0 {
			users++
			total += len(entries)
		}
	}

	return users, total
}
