package queue

import (
	"context"
	"encoding/json"

	"github.com/yanqian/ragserver/internal/domain/rag"
)

// Handler consumes one job. Errors are logged by the queue; delivery is
// at-least-once, so handlers must be idempotent.
type Handler func(ctx context.Context, name string, payload []byte) error

// HandlerQueue is a JobQueue whose consumer side can be attached after
// construction (the worker is wired later than the services that enqueue).
type HandlerQueue interface {
	rag.JobQueue
	Start(ctx context.Context, handler Handler, parallelism int)
}

type jobEnvelope struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

func encodeJob(name string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobEnvelope{Name: name, Payload: raw})
}
