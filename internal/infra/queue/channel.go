package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// ChannelQueue is the in-process queue used without Valkey. It preserves the
// bounded-backlog contract via a buffered channel.
type ChannelQueue struct {
	jobs   chan []byte
	logger *slog.Logger
}

// NewChannelQueue constructs a bounded in-process queue.
func NewChannelQueue(capacity int, logger *slog.Logger) *ChannelQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ChannelQueue{
		jobs:   make(chan []byte, capacity),
		logger: logger.With("component", "queue.channel"),
	}
}

// Enqueue appends the job or reports Busy when the backlog is full.
func (q *ChannelQueue) Enqueue(_ context.Context, name string, payload any) error {
	encoded, err := encodeJob(name, payload)
	if err != nil {
		return err
	}
	select {
	case q.jobs <- encoded:
		return nil
	default:
		return apperrors.New(apperrors.KindBusy, "queue_full", "ingestion queue is full").
			WithSuggestions("retry after a short delay")
	}
}

// Start launches the consumer pool.
func (q *ChannelQueue) Start(ctx context.Context, handler Handler, parallelism int) {
	if parallelism <= 0 {
		parallelism = 2
	}
	for i := 0; i < parallelism; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case raw := <-q.jobs:
					var job jobEnvelope
					if err := json.Unmarshal(raw, &job); err != nil {
						q.logger.Warn("queue unmarshal failed", "error", err)
						continue
					}
					if err := handler(ctx, job.Name, job.Payload); err != nil {
						q.logger.Error("job handler failed", "name", job.Name, "error", err)
					}
				}
			}
		}()
	}
}

var _ HandlerQueue = (*ChannelQueue)(nil)
