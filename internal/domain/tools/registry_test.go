package tools

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, RegisterBuiltins(r))
	return r
}

func TestListIsStableAndDescribed(t *testing.T) {
	r := newTestRegistry(t)
	descriptors := r.List()
	require.Len(t, descriptors, 2)
	require.Equal(t, "calculator", descriptors[0].Name)
	require.Equal(t, "current_time", descriptors[1].Name)
	for _, d := range descriptors {
		require.NotEmpty(t, d.Description)
		require.NotNil(t, d.Schema)
	}
}

func TestInvokeUnknownToolNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Invoke(context.Background(), "no_such_tool", nil, time.Second)
	require.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestInvokeSchemaValidation(t *testing.T) {
	r := newTestRegistry(t)
	// Missing required operands.
	_, err := r.Invoke(context.Background(), "calculator", json.RawMessage(`{"operation":"add"}`), time.Second)
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	// Unknown property rejected by additionalProperties: false.
	_, err = r.Invoke(context.Background(), "calculator", json.RawMessage(`{"a":1,"b":2,"bogus":true}`), time.Second)
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	// Malformed JSON.
	_, err = r.Invoke(context.Background(), "calculator", json.RawMessage(`{not json`), time.Second)
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestCalculatorOperations(t *testing.T) {
	r := newTestRegistry(t)
	cases := []struct {
		args string
		want float64
	}{
		{`{"operation":"add","a":2,"b":2}`, 4},
		{`{"operation":"subtract","a":10,"b":4}`, 6},
		{`{"operation":"multiply","a":3,"b":5}`, 15},
		{`{"operation":"divide","a":9,"b":3}`, 3},
		{`{"a":1,"b":2}`, 3}, // defaults to add
	}
	for _, tc := range cases {
		raw, err := r.Invoke(context.Background(), "calculator", json.RawMessage(tc.args), time.Second)
		require.NoError(t, err, tc.args)
		var payload map[string]float64
		require.NoError(t, json.Unmarshal(raw, &payload))
		require.Equal(t, tc.want, payload["result"], tc.args)
	}
}

func TestCalculatorDivisionByZero(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Invoke(context.Background(), "calculator", json.RawMessage(`{"operation":"divide","a":1,"b":0}`), time.Second)
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestInvokeHonorsDeadline(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Tool{
		Descriptor: Descriptor{Name: "sleepy", Description: "sleeps"},
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "done", nil
			}
		},
	}))
	start := time.Now()
	_, err := r.Invoke(context.Background(), "sleepy", nil, 20*time.Millisecond)
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestCurrentTimeTool(t *testing.T) {
	r := newTestRegistry(t)
	raw, err := r.Invoke(context.Background(), "current_time", json.RawMessage(`{"timezone":"UTC"}`), time.Second)
	require.NoError(t, err)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(raw, &payload))
	parsed, err := time.Parse(time.RFC3339, payload["iso"])
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), parsed, time.Minute)

	_, err = r.Invoke(context.Background(), "current_time", json.RawMessage(`{"timezone":"Not/AZone"}`), time.Second)
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}
