package tools

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// RegisterBuiltins installs the tools that ship with the server.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(Calculator()); err != nil {
		return err
	}
	return r.Register(CurrentTime())
}

// Calculator performs basic arithmetic on two operands.
func Calculator() Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        "calculator",
			Description: "Perform basic arithmetic. Supported operations: add, subtract, multiply, divide.",
			CostHint:    "free",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"operation": map[string]any{
						"type": "string",
						"enum": []any{"add", "subtract", "multiply", "divide"},
					},
					"a": map[string]any{"type": "number"},
					"b": map[string]any{"type": "number"},
				},
				"required":             []any{"a", "b"},
				"additionalProperties": false,
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			a, _ := args["a"].(float64)
			b, _ := args["b"].(float64)
			op, _ := args["operation"].(string)
			if op == "" {
				op = "add"
			}
			var result float64
			switch op {
			case "add":
				result = a + b
			case "subtract":
				result = a - b
			case "multiply":
				result = a * b
			case "divide":
				if b == 0 {
					return nil, apperrors.New(apperrors.KindValidation, "division_by_zero", "cannot divide by zero")
				}
				result = a / b
			default:
				return nil, apperrors.New(apperrors.KindValidation, "invalid_arguments", fmt.Sprintf("unsupported operation %q", op))
			}
			return map[string]any{"result": result}, nil
		},
	}
}

// CurrentTime reports the server clock, optionally in a named location.
func CurrentTime() Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        "current_time",
			Description: "Return the current date and time, optionally for an IANA timezone.",
			CostHint:    "free",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{"type": "string"},
				},
				"additionalProperties": false,
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			loc := time.UTC
			if name, ok := args["timezone"].(string); ok && name != "" {
				parsed, err := time.LoadLocation(name)
				if err != nil {
					return nil, apperrors.Wrap(apperrors.KindValidation, "invalid_arguments", "unknown timezone", err)
				}
				loc = parsed
			}
			now := time.Now().In(loc)
			return map[string]any{
				"iso":      now.Format(time.RFC3339),
				"timezone": loc.String(),
			}, nil
		},
	}
}
