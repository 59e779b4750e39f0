package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/audit"
	"github.com/taskmesh/taskmesh/pkg/pool"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/registry"
	"github.com/taskmesh/taskmesh/pkg/results"
	"github.com/taskmesh/taskmesh/pkg/router"
	"github.com/taskmesh/taskmesh/pkg/rpc"
	"github.com/taskmesh/taskmesh/pkg/saga"
	"github.com/taskmesh/taskmesh/pkg/signal"
	"github.com/taskmesh/taskmesh/pkg/storage/memory"
	"github.com/taskmesh/taskmesh/pkg/task"
)

type fixture struct {
	svc   *Service
	db    *badger.DB
	queue *queue.MemoryQueue
	store *results.Store
	pub   *results.Publisher
	sagas *saga.Engine
	rt    *router.Router
	audit *audit.BadgerLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := results.NewStore(db, time.Hour)
	require.NoError(t, err)
	pub := results.NewPublisher(store, nil)

	auditLog, err := audit.NewBadgerLog(db)
	require.NoError(t, err)

	reg := registry.New()
	require.NoError(t, registry.RegisterBuiltins(reg))

	q := queue.NewMemoryQueue()
	rt := router.New(router.Config{}, reg, q, store, nil, nil, nil)

	sagaStore := memory.NewStore()
	sagas := saga.NewEngine(sagaStore, sagaStore)

	svc := New(Config{}, rt, reg, q, store, pub, sagas, nil, auditLog, nil, nil, nil)
	return &fixture{svc: svc, db: db, queue: q, store: store, pub: pub, sagas: sagas, rt: rt, audit: auditLog}
}

func call(t *testing.T, svc *Service, method string, params any) (any, *rpc.Error) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)

	mux := rpc.NewMux(nil, nil)
	svc.Register(mux)
	resp := mux.Dispatch(context.Background(), &rpc.Request{
		JSONRPC: rpc.Version,
		ID:      json.RawMessage(`1`),
		Method:  method,
		Params:  raw,
	})
	require.NotNil(t, resp)
	return resp.Result, resp.Error
}

func TestRunTaskAccepted(t *testing.T) {
	f := newFixture(t)

	result, rpcErr := call(t, f.svc, "run_task", map[string]any{
		"method": "run_reasoning",
		"params": map[string]any{"prompt": "hello"},
	})
	require.Nil(t, rpcErr)

	accepted := result.(acceptedResult)
	assert.NotEmpty(t, accepted.TaskID)
	assert.Equal(t, "accepted", accepted.Status)
	assert.Equal(t, "normal", accepted.Priority)

	depth, err := f.queue.Len(context.Background(),
		queue.StreamName(task.CapabilityReasoning, task.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRunTaskUnknownMethod(t *testing.T) {
	f := newFixture(t)

	_, rpcErr := call(t, f.svc, "run_task", map[string]any{
		"method": "run_nothing",
		"params": map[string]any{},
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpc.CodeMethodNotFound, rpcErr.Code)
}

func TestDirectSubmitReadsPriorityFromParams(t *testing.T) {
	f := newFixture(t)

	result, rpcErr := call(t, f.svc, "run_codegen", map[string]any{
		"prompt":   "write a parser",
		"priority": "high",
	})
	require.Nil(t, rpcErr)
	assert.Equal(t, "high", result.(acceptedResult).Priority)

	depth, err := f.queue.Len(context.Background(),
		queue.StreamName(task.CapabilityCodegen, task.PriorityHigh))
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestStatusReturnsPersistedResult(t *testing.T) {
	f := newFixture(t)
	_, err := f.pub.Publish(context.Background(), task.Result{
		TaskID:      "t-1",
		Status:      task.StatusOK,
		Payload:     json.RawMessage(`{"answer":42}`),
		Attempt:     1,
		CompletedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	result, rpcErr := call(t, f.svc, "status", map[string]any{"task_id": "t-1"})
	require.Nil(t, rpcErr)
	assert.Equal(t, task.StatusOK, result.(task.Result).Status)
}

func TestStatusUnknownTask(t *testing.T) {
	f := newFixture(t)

	_, rpcErr := call(t, f.svc, "status", map[string]any{"task_id": "missing"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpc.CodeNotFound, rpcErr.Code)
}

func TestStatusSnapshotListsPools(t *testing.T) {
	f := newFixture(t)
	p := newTestPool(t, f)
	f.svc.RegisterPool(p)

	result, rpcErr := call(t, f.svc, "status", map[string]any{})
	require.Nil(t, rpcErr)

	snap := result.(snapshot)
	cs, ok := snap.Capabilities["reasoning"]
	require.True(t, ok)
	assert.Len(t, cs.Streams, len(task.PriorityClasses))
}

func TestAnalyticsAggregatesWindow(t *testing.T) {
	f := newFixture(t)
	sink := f.svc.ResultSink()
	now := time.Now().UTC()
	sink.BroadcastResult(task.Result{TaskID: "a", Status: task.StatusOK, CompletedAt: now})
	sink.BroadcastResult(task.Result{TaskID: "b", Status: task.StatusError, CompletedAt: now})
	sink.BroadcastResult(task.Result{TaskID: "c", Status: task.StatusOK, CompletedAt: now.Add(-time.Hour)})

	result, rpcErr := call(t, f.svc, "analytics", map[string]any{"window_ms": 60000})
	require.Nil(t, rpcErr)

	agg := result.(analyticsResult)
	assert.Equal(t, 2, agg.Total)
	assert.Equal(t, 1, agg.ByStatus["ok"])
	assert.Equal(t, 1, agg.ByStatus["error"])
	assert.InDelta(t, 0.5, agg.ErrorRate, 0.001)
}

func TestRunSagaPublishesResult(t *testing.T) {
	f := newFixture(t)
	def := &saga.Definition{
		ID: "ship-order",
		Steps: []saga.Step{
			{
				Name:   "reserve",
				Action: func(context.Context, *saga.StepContext) (any, error) { return "ok", nil },
			},
		},
	}
	require.NoError(t, f.sagas.RegisterDefinition(def))

	result, rpcErr := call(t, f.svc, "run_saga", map[string]any{
		"definition": "ship-order",
	})
	require.Nil(t, rpcErr)
	sagaID := result.(acceptedResult).TaskID
	require.NotEmpty(t, sagaID)

	deadline := time.Now().Add(2 * time.Second)
	for {
		r, err := f.store.Get(context.Background(), sagaID)
		if err == nil {
			assert.Equal(t, task.StatusOK, r.Status)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("saga result never published")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunSagaUnknownDefinition(t *testing.T) {
	f := newFixture(t)

	_, rpcErr := call(t, f.svc, "run_saga", map[string]any{"definition": "nope"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpc.CodeMethodNotFound, rpcErr.Code)
}

func newTestPool(t *testing.T, f *fixture) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Config{
		Capability:   task.CapabilityReasoning,
		Min:          1,
		Max:          4,
		Initial:      2,
		PollInterval: 10 * time.Millisecond,
	}, f.queue, signal.NewLocalBus(8), f.pub, nil, nil, nil,
		func(context.Context, *pool.Job) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	return p
}

func TestControlScaleResizesPool(t *testing.T) {
	f := newFixture(t)
	p := newTestPool(t, f)
	f.svc.RegisterPool(p)

	result, rpcErr := call(t, f.svc, "control.scale", map[string]any{
		"pool": "reasoning", "absolute": 3, "reason": "load test",
	})
	require.Nil(t, rpcErr)
	assert.Equal(t, 3, result.(map[string]any)["size"])
	assert.Equal(t, 3, p.Size())
}

func TestControlScaleUnknownPool(t *testing.T) {
	f := newFixture(t)

	_, rpcErr := call(t, f.svc, "control.scale", map[string]any{
		"pool": "reasoning", "delta": 1,
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpc.CodeNotFound, rpcErr.Code)
}

func TestControlPauseResume(t *testing.T) {
	f := newFixture(t)
	p := newTestPool(t, f)
	f.svc.RegisterPool(p)

	_, rpcErr := call(t, f.svc, "control.pause", map[string]any{"pool": "reasoning"})
	require.Nil(t, rpcErr)
	assert.True(t, p.Paused())

	_, rpcErr = call(t, f.svc, "control.resume", map[string]any{"pool": "reasoning"})
	require.Nil(t, rpcErr)
	assert.False(t, p.Paused())
}

func TestControlDLQListAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stream := queue.StreamName(task.CapabilityReasoning, task.PriorityNormal)

	tsk := task.Task{
		ID: "dead-1", Method: "run_reasoning", Priority: task.PriorityNormal,
		Capability: task.CapabilityReasoning, TenantID: "default",
		SubmittedAt: time.Now(), Deadline: time.Now().Add(time.Minute), Attempt: 6,
	}
	_, err := f.queue.Append(ctx, stream, tsk)
	require.NoError(t, err)
	entries, err := f.queue.Claim(ctx, stream, queue.Group, "w1", 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, f.queue.DeadLetter(ctx, stream, queue.Group, entries[0], "max_attempts_exceeded"))

	listResult, rpcErr := call(t, f.svc, "control.dlq_list", map[string]any{"stream": "reasoning"})
	require.Nil(t, rpcErr)
	dead := listResult.(map[string]any)["entries"].([]queue.DeadEntry)
	require.Len(t, dead, 1)
	assert.Equal(t, "max_attempts_exceeded", dead[0].Reason)

	replayResult, rpcErr := call(t, f.svc, "control.dlq_replay", map[string]any{
		"stream": "reasoning", "entry_id": dead[0].Entry.ID,
	})
	require.Nil(t, rpcErr)
	assert.NotEmpty(t, replayResult.(map[string]any)["entry_id"])

	// The replayed entry is claimable again with its attempt counter reset.
	replayed, err := f.queue.Claim(ctx, stream, queue.Group, "w2", 1, 0)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, "dead-1", replayed[0].Task.ID)
	assert.Equal(t, 1, replayed[0].Task.Attempt)
}

func TestControlReclaimRedelivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stream := queue.StreamName(task.CapabilityReasoning, task.PriorityNormal)

	tsk := task.Task{
		ID: "stuck-1", Method: "run_reasoning", Priority: task.PriorityNormal,
		Capability: task.CapabilityReasoning, TenantID: "default",
		SubmittedAt: time.Now(), Deadline: time.Now().Add(time.Minute), Attempt: 1,
	}
	_, err := f.queue.Append(ctx, stream, tsk)
	require.NoError(t, err)
	_, err = f.queue.Claim(ctx, stream, queue.Group, "dead-worker", 1, 0)
	require.NoError(t, err)

	result, rpcErr := call(t, f.svc, "control.reclaim", map[string]any{
		"stream": stream, "min_idle_ms": 0,
	})
	require.Nil(t, rpcErr)
	assert.Equal(t, 1, result.(map[string]any)["reclaimed"])
}

func TestInjectClampsToCatalogCeiling(t *testing.T) {
	f := newFixture(t)

	result, rpcErr := call(t, f.svc, "inject.task", map[string]any{
		"method":   "run_ml",
		"params":   map[string]any{"objective": "loss", "dataset": "s3://bucket/train"},
		"priority": "critical",
	})
	require.Nil(t, rpcErr)
	// run_ml caps out at high even for operators.
	assert.Equal(t, "high", result.(acceptedResult).Priority)

	depth, err := f.queue.Len(context.Background(),
		queue.StreamName(task.CapabilityML, task.PriorityHigh))
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestInjectRejectsInvalidParams(t *testing.T) {
	f := newFixture(t)

	_, rpcErr := call(t, f.svc, "inject.task", map[string]any{
		"method": "run_ml",
		"params": map[string]any{"objective": "loss"},
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpc.CodeInvalidParams, rpcErr.Code)
}

func TestAuthorizeRoles(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.AuthEnabled = true

	t.Run("missing identity", func(t *testing.T) {
		rpcErr := f.svc.Authorize(context.Background(), "status")
		require.NotNil(t, rpcErr)
		assert.Equal(t, rpc.CodeUnauthorized, rpcErr.Code)
	})

	t.Run("submitter cannot scale", func(t *testing.T) {
		ctx := WithIdentity(context.Background(), Identity{Subject: "alice", Role: RoleSubmitter})
		rpcErr := f.svc.Authorize(ctx, "control.scale")
		require.NotNil(t, rpcErr)
		assert.Equal(t, rpc.CodeUnauthorized, rpcErr.Code)
	})

	t.Run("submitter can submit", func(t *testing.T) {
		ctx := WithIdentity(context.Background(), Identity{Subject: "alice", Role: RoleSubmitter})
		assert.Nil(t, f.svc.Authorize(ctx, "run_task"))
	})

	t.Run("worker can claim but not replay", func(t *testing.T) {
		ctx := WithIdentity(context.Background(), Identity{Subject: "w1", Role: RoleWorker})
		assert.Nil(t, f.svc.Authorize(ctx, "worker.claim"))
		assert.NotNil(t, f.svc.Authorize(ctx, "control.dlq_replay"))
	})

	t.Run("operator can do everything", func(t *testing.T) {
		ctx := WithIdentity(context.Background(), Identity{Subject: "root", Role: RoleOperator})
		assert.Nil(t, f.svc.Authorize(ctx, "control.dlq_replay"))
		assert.Nil(t, f.svc.Authorize(ctx, "worker.claim"))
		assert.Nil(t, f.svc.Authorize(ctx, "run_task"))
	})
}

func TestWorkerProtocolLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stream := queue.StreamName(task.CapabilityCodegen, task.PriorityNormal)

	tsk := task.Task{
		ID: "remote-1", Method: "run_codegen", Priority: task.PriorityNormal,
		Capability: task.CapabilityCodegen, TenantID: "default",
		SubmittedAt: time.Now(), Deadline: time.Now().Add(time.Minute), Attempt: 1,
	}
	_, err := f.queue.Append(ctx, stream, tsk)
	require.NoError(t, err)

	claimResult, rpcErr := call(t, f.svc, "worker.claim", map[string]any{
		"worker_id": "remote-worker-1", "capability": "codegen",
	})
	require.Nil(t, rpcErr)
	claimed := claimResult.(workerClaimResult)
	require.NotEmpty(t, claimed.EntryID)
	assert.Equal(t, "remote-1", claimed.Task.ID)

	_, rpcErr = call(t, f.svc, "worker.heartbeat", map[string]any{"entry_id": claimed.EntryID})
	require.Nil(t, rpcErr)

	_, rpcErr = call(t, f.svc, "worker.checkpoint", map[string]any{
		"entry_id": claimed.EntryID, "blob": map[string]any{"progress": 0.5},
	})
	require.Nil(t, rpcErr)

	// Requeue picks up the saved checkpoint and bumps counters.
	requeueResult, rpcErr := call(t, f.svc, "worker.requeue", map[string]any{
		"entry_id": claimed.EntryID, "reason": "preempted",
	})
	require.Nil(t, rpcErr)
	require.NotEmpty(t, requeueResult.(map[string]any)["entry_id"])

	claimResult, rpcErr = call(t, f.svc, "worker.claim", map[string]any{
		"worker_id": "remote-worker-1", "capability": "codegen",
	})
	require.Nil(t, rpcErr)
	claimed = claimResult.(workerClaimResult)
	require.NotEmpty(t, claimed.EntryID)
	assert.Equal(t, 2, claimed.Task.Attempt)
	assert.Equal(t, 1, claimed.Task.Preempts)
	assert.NotEmpty(t, claimed.Task.Checkpoint)

	_, rpcErr = call(t, f.svc, "worker.ack", map[string]any{
		"entry_id": claimed.EntryID, "status": "ok",
		"payload": map[string]any{"code": "done"},
	})
	require.Nil(t, rpcErr)

	result, err := f.store.Get(ctx, "remote-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusOK, result.Status)
	assert.Equal(t, 2, result.Attempt)
}

func TestWorkerClaimSkipsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stream := queue.StreamName(task.CapabilityCodegen, task.PriorityNormal)

	tsk := task.Task{
		ID: "expired-1", Method: "run_codegen", Priority: task.PriorityNormal,
		Capability: task.CapabilityCodegen, TenantID: "default",
		SubmittedAt: time.Now().Add(-time.Hour), Deadline: time.Now().Add(-time.Minute), Attempt: 1,
	}
	_, err := f.queue.Append(ctx, stream, tsk)
	require.NoError(t, err)

	claimResult, rpcErr := call(t, f.svc, "worker.claim", map[string]any{
		"worker_id": "remote-worker-1", "capability": "codegen",
	})
	require.Nil(t, rpcErr)
	assert.Empty(t, claimResult.(workerClaimResult).EntryID)

	result, err := f.store.Get(ctx, "expired-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDeadlineExpired, result.Status)
}

func TestWorkerHeartbeatKeepsAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stream := queue.StreamName(task.CapabilityCodegen, task.PriorityNormal)

	tsk := task.Task{
		ID: "slow-1", Method: "run_codegen", Priority: task.PriorityNormal,
		Capability: task.CapabilityCodegen, TenantID: "default",
		SubmittedAt: time.Now(), Deadline: time.Now().Add(time.Minute), Attempt: 1,
	}
	_, err := f.queue.Append(ctx, stream, tsk)
	require.NoError(t, err)

	claimResult, rpcErr := call(t, f.svc, "worker.claim", map[string]any{
		"worker_id": "remote-worker-1", "capability": "codegen",
	})
	require.Nil(t, rpcErr)
	entryID := claimResult.(workerClaimResult).EntryID
	require.NotEmpty(t, entryID)

	// A long-running task heartbeats many times; none of them is a
	// redelivery, so the attempt counter must not move.
	for i := 0; i < 3; i++ {
		_, rpcErr = call(t, f.svc, "worker.heartbeat", map[string]any{"entry_id": entryID})
		require.Nil(t, rpcErr)
	}

	pending, err := f.queue.Pending(ctx, stream, queue.Group)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempt)

	// Only a real reclaim after worker death counts a second attempt.
	reclaimed, err := f.queue.Reclaim(ctx, stream, queue.Group, "sup", 0, []string{entryID})
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 2, reclaimed[0].Attempt)
}

func TestAuditVerifyIntactChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.audit.Record(ctx, audit.NewEvent("operator", "pool:ml", audit.ActionScale, "", nil)))
	require.NoError(t, f.audit.Record(ctx, audit.NewEvent("operator", "pool:ml", audit.ActionPoolPause, "", nil)))

	result, rpcErr := call(t, f.svc, "audit.verify", map[string]any{})
	require.Nil(t, rpcErr)

	report := result.(map[string]any)
	assert.Equal(t, true, report["verified"])
	assert.Equal(t, uint64(2), report["last_seq"])
}

func TestAuditVerifyReportsTamper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.audit.Record(ctx, audit.NewEvent("operator", "task-1", audit.ActionOperatorInject, "", nil)))
	require.NoError(t, f.audit.Record(ctx, audit.NewEvent("router", "task-2", audit.ActionPriorityClamp, "", nil)))
	require.NoError(t, f.audit.Record(ctx, audit.NewEvent("supervisor", "stream:ml:high", audit.ActionReclaim, "", nil)))

	// Rewrite event 2 behind the log's back without recomputing its hash.
	key := []byte(fmt.Sprintf("audit:%020d", 2))
	err := f.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		var ev audit.Event
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &ev) }); err != nil {
			return err
		}
		ev.Actor = "attacker"
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	require.NoError(t, err)

	result, rpcErr := call(t, f.svc, "audit.verify", map[string]any{})
	require.Nil(t, rpcErr)

	report := result.(map[string]any)
	assert.Equal(t, false, report["verified"])
	assert.Equal(t, uint64(2), report["failed_at_seq"])
}
