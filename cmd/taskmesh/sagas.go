package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/config"
	"github.com/taskmesh/taskmesh/pkg/results"
	"github.com/taskmesh/taskmesh/pkg/router"
	"github.com/taskmesh/taskmesh/pkg/saga"
	"github.com/taskmesh/taskmesh/pkg/task"
)

// resultPollInterval paces the wait for a dispatched step task.
const resultPollInterval = 250 * time.Millisecond

// registerBuiltinSagas installs the saga definitions the server ships
// with. Embedders register richer definitions directly on the engine.
//
// codegen_pipeline generates code and verifies the artifact in a
// sandbox. Saga input:
//
//	{"codegen": {...run_codegen params...}, "sandbox": {...run_sandbox params...}}
//
// The sandbox step is skipped when no "sandbox" input is given.
func registerBuiltinSagas(sagas *saga.Engine, rt *router.Router, store *results.Store, cfg *config.Config) error {
	def := &saga.Definition{
		ID:                 "codegen_pipeline",
		DefaultStepTimeout: cfg.Saga.StepTimeout,
		CompensationRetry:  saga.RetryPolicy{MaxAttempts: cfg.Saga.CompensateRetries},
		Steps: []saga.Step{
			{
				Name: "generate",
				Action: func(ctx context.Context, sc *saga.StepContext) (any, error) {
					params, err := stepParams(sc.Input, "codegen")
					if err != nil {
						return nil, err
					}
					return dispatchAndAwait(ctx, rt, store, "run_codegen", params, sc)
				},
				// Generated artifacts live only in the result store and
				// age out with its retention window; nothing external to
				// undo.
				Compensation: func(context.Context, *saga.CompensationContext) error { return nil },
			},
			{
				Name: "verify",
				Action: func(ctx context.Context, sc *saga.StepContext) (any, error) {
					if _, ok := sc.Input["sandbox"]; !ok {
						return map[string]any{"skipped": true}, nil
					}
					params, err := stepParams(sc.Input, "sandbox")
					if err != nil {
						return nil, err
					}
					return dispatchAndAwait(ctx, rt, store, "run_sandbox", params, sc)
				},
			},
		},
	}
	return sagas.RegisterDefinition(def)
}

func stepParams(input map[string]any, key string) (json.RawMessage, error) {
	v, ok := input[key]
	if !ok {
		return nil, fmt.Errorf("saga input is missing %q", key)
	}
	params, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %q step params: %w", key, err)
	}
	return params, nil
}

// dispatchAndAwait routes one task through normal admission and waits
// for its terminal result. The step's idempotency key rides along, so
// a retried step reuses the original task instead of enqueueing twice.
func dispatchAndAwait(
	ctx context.Context,
	rt *router.Router,
	store *results.Store,
	method string,
	params json.RawMessage,
	sc *saga.StepContext,
) (any, error) {
	accepted, rpcErr := rt.Route(ctx, router.Submission{
		Method:         method,
		Params:         params,
		CorrelationID:  sc.SagaID,
		IdempotencyKey: sc.IdempotencyKey,
	})
	if rpcErr != nil {
		return nil, rpcErr
	}

	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			r, err := store.Get(ctx, accepted.TaskID)
			if err != nil {
				continue
			}
			if r.Status != task.StatusOK {
				return nil, fmt.Errorf("task %s finished %s: %s", r.TaskID, r.Status, r.ErrorMsg)
			}
			var payload any
			if len(r.Payload) > 0 {
				if err := json.Unmarshal(r.Payload, &payload); err != nil {
					return nil, fmt.Errorf("decode task %s payload: %w", r.TaskID, err)
				}
			}
			return payload, nil
		}
	}
}
