package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"

	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// ValkeyQueue persists jobs in a Valkey list and delivers them to a handler
// pool. The queue is bounded; enqueueing over capacity surfaces Busy.
type ValkeyQueue struct {
	client      valkey.Client
	queueKey    string
	capacity    int64
	logger      *slog.Logger
	pollTimeout time.Duration
}

// NewValkeyQueue constructs a Valkey-backed queue.
func NewValkeyQueue(client valkey.Client, queueKey string, capacity int, logger *slog.Logger) *ValkeyQueue {
	if queueKey == "" {
		queueKey = "ingest:jobs"
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &ValkeyQueue{
		client:      client,
		queueKey:    queueKey,
		capacity:    int64(capacity),
		logger:      logger.With("component", "queue.valkey"),
		pollTimeout: 5 * time.Second,
	}
}

// Enqueue pushes a job onto the queue, rejecting when the backlog is full.
func (q *ValkeyQueue) Enqueue(ctx context.Context, name string, payload any) error {
	depth, err := q.client.Do(ctx, q.client.B().Llen().Key(q.queueKey).Build()).AsInt64()
	if err != nil && !valkey.IsValkeyNil(err) {
		return apperrors.Wrap(apperrors.KindUnavailable, "queue_error", "failed to inspect queue depth", err)
	}
	if depth >= q.capacity {
		return apperrors.New(apperrors.KindBusy, "queue_full", "ingestion queue is full").
			WithSuggestions("retry after a short delay")
	}
	encoded, err := encodeJob(name, payload)
	if err != nil {
		return err
	}
	cmd := q.client.B().Lpush().Key(q.queueKey).Element(string(encoded)).Build()
	if err := q.client.Do(ctx, cmd).Error(); err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "queue_error", "failed to enqueue job", err)
	}
	return nil
}

// Start launches the consumer pool and blocks pops until ctx ends.
func (q *ValkeyQueue) Start(ctx context.Context, handler Handler, parallelism int) {
	if parallelism <= 0 {
		parallelism = 2
	}
	var wg sync.WaitGroup
	for i := 0; i < parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consume(ctx, handler)
		}()
	}
	go func() {
		wg.Wait()
		q.logger.Info("queue consumers stopped")
	}()
}

func (q *ValkeyQueue) consume(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		resp := q.client.Do(ctx, q.client.B().Brpop().Key(q.queueKey).Timeout(q.pollTimeout.Seconds()).Build())
		values, err := resp.ToArray()
		if err != nil {
			if !valkey.IsValkeyNil(err) && ctx.Err() == nil {
				q.logger.Warn("queue pop failed", "error", err)
			}
			continue
		}
		if len(values) < 2 {
			continue
		}
		raw, err := values[1].ToString()
		if err != nil {
			q.logger.Warn("queue payload decode failed", "error", err)
			continue
		}
		var job jobEnvelope
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Warn("queue unmarshal failed", "error", err)
			continue
		}
		if err := handler(ctx, job.Name, job.Payload); err != nil {
			q.logger.Error("job handler failed", "name", job.Name, "error", err)
		}
	}
}

var _ HandlerQueue = (*ValkeyQueue)(nil)
