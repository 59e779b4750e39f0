package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func nopAction(ctx context.Context, stepCtx *StepContext) (any, error) {
	return nil, nil
}

// memStore is a minimal in-process Store + IdempotencyStore for engine tests.
// The real implementations live under pkg/storage and are covered there.
type memStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
	idem      map[string]struct{}
	saves     int
}

func newMemStore() *memStore {
	return &memStore{
		instances: make(map[string]*Instance),
		idem:      make(map[string]struct{}),
	}
}

func (m *memStore) SaveInstance(ctx context.Context, in *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *in
	copied.Steps = append([]StepRecord(nil), in.Steps...)
	m.instances[in.ID] = &copied
	m.saves++
	return nil
}

func (m *memStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *in
	copied.Steps = append([]StepRecord(nil), in.Steps...)
	return &copied, nil
}

func (m *memStore) ListInstances(ctx context.Context, filter *InstanceFilter) ([]*Instance, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Instance
	for _, in := range m.instances {
		out = append(out, in)
	}
	return out, len(out), nil
}

func (m *memStore) DeleteInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, id)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) MarkDone(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idem[key] = struct{}{}
	return nil
}

func (m *memStore) Done(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.idem[key]
	return ok, nil
}

func newTestEngine(t *testing.T) (*Engine, *memStore) {
	t.Helper()
	store := newMemStore()
	return NewEngine(store, store), store
}

func TestExecuteHappyPath(t *testing.T) {
	engine, _ := newTestEngine(t)

	var order []string
	def := &Definition{
		ID: "provision",
		Steps: []Step{
			{Name: "reserve", Action: func(ctx context.Context, sc *StepContext) (any, error) {
				order = append(order, "reserve")
				return "res-1", nil
			}},
			{Name: "commit", Action: func(ctx context.Context, sc *StepContext) (any, error) {
				order = append(order, "commit")
				if sc.Results["reserve"] != "res-1" {
					return nil, fmt.Errorf("missing upstream result: %v", sc.Results)
				}
				return "done", nil
			}},
		},
	}
	if err := engine.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition failed: %v", err)
	}

	in, err := engine.Execute(context.Background(), "provision", map[string]any{"size": "m"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if in.Status != StatusSucceeded {
		t.Errorf("expected succeeded, got %s", in.Status)
	}
	if len(order) != 2 || order[0] != "reserve" || order[1] != "commit" {
		t.Errorf("steps ran out of order: %v", order)
	}
	for _, rec := range in.Steps {
		if rec.Status != StepSucceeded {
			t.Errorf("step %s not succeeded: %s", rec.Name, rec.Status)
		}
	}
}

func TestCompensationRunsInReverseOrder(t *testing.T) {
	engine, _ := newTestEngine(t)

	var compensated []string
	comp := func(name string) CompensationFunc {
		return func(ctx context.Context, cc *CompensationContext) error {
			compensated = append(compensated, name)
			return nil
		}
	}
	def := &Definition{
		ID: "order",
		Steps: []Step{
			{Name: "charge", Action: nopAction, Compensation: comp("charge")},
			{Name: "reserve", Action: nopAction, Compensation: comp("reserve")},
			{Name: "ship", Action: func(ctx context.Context, sc *StepContext) (any, error) {
				return nil, errors.New("carrier rejected")
			}, Compensation: comp("ship")},
		},
	}
	if err := engine.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition failed: %v", err)
	}

	in, err := engine.Execute(context.Background(), "order", nil)
	if err == nil {
		t.Fatal("expected execution error")
	}
	if in.Status != StatusCompensated {
		t.Errorf("expected compensated, got %s", in.Status)
	}
	if in.FailedStep != "ship" {
		t.Errorf("expected failed step ship, got %s", in.FailedStep)
	}
	// The failed step never succeeded, so only the two succeeded steps
	// are undone, newest first.
	if len(compensated) != 2 || compensated[0] != "reserve" || compensated[1] != "charge" {
		t.Errorf("unexpected compensation order: %v", compensated)
	}
}

func TestTransientStepRetries(t *testing.T) {
	engine, _ := newTestEngine(t)

	attempts := 0
	def := &Definition{
		ID: "flaky",
		Steps: []Step{
			{
				Name: "fetch",
				Retry: RetryPolicy{
					MaxAttempts: 3,
					BackoffBase: time.Millisecond,
					BackoffCap:  2 * time.Millisecond,
				},
				Action: func(ctx context.Context, sc *StepContext) (any, error) {
					attempts++
					if sc.Attempt != attempts {
						t.Errorf("attempt mismatch: ctx=%d actual=%d", sc.Attempt, attempts)
					}
					if attempts < 3 {
						return nil, Transient(errors.New("connection reset"))
					}
					return "ok", nil
				},
			},
		},
	}
	if err := engine.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition failed: %v", err)
	}

	in, err := engine.Execute(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if in.Status != StatusSucceeded {
		t.Errorf("expected succeeded, got %s", in.Status)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestPermanentErrorDoesNotRetry(t *testing.T) {
	engine, _ := newTestEngine(t)

	attempts := 0
	def := &Definition{
		ID: "strict",
		Steps: []Step{
			{
				Name:  "validate",
				Retry: RetryPolicy{MaxAttempts: 5, BackoffBase: time.Millisecond},
				Action: func(ctx context.Context, sc *StepContext) (any, error) {
					attempts++
					return nil, errors.New("schema mismatch")
				},
			},
		},
	}
	if err := engine.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition failed: %v", err)
	}

	if _, err := engine.Execute(context.Background(), "strict", nil); err == nil {
		t.Fatal("expected execution error")
	}
	if attempts != 1 {
		t.Errorf("permanent error retried: %d attempts", attempts)
	}
}

func TestCompensationExhaustionFailsSaga(t *testing.T) {
	engine, _ := newTestEngine(t)

	compAttempts := 0
	def := &Definition{
		ID:                "broken-undo",
		CompensationRetry: RetryPolicy{MaxAttempts: 2, BackoffBase: time.Millisecond},
		Steps: []Step{
			{
				Name:   "reserve",
				Action: nopAction,
				Compensation: func(ctx context.Context, cc *CompensationContext) error {
					compAttempts++
					return errors.New("downstream gone")
				},
			},
			{Name: "explode", Action: func(ctx context.Context, sc *StepContext) (any, error) {
				return nil, errors.New("boom")
			}},
		},
	}
	if err := engine.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition failed: %v", err)
	}

	in, err := engine.Execute(context.Background(), "broken-undo", nil)
	if err == nil {
		t.Fatal("expected execution error")
	}
	if in.Status != StatusFailed {
		t.Errorf("expected failed, got %s", in.Status)
	}
	if compAttempts != 2 {
		t.Errorf("expected 2 compensation attempts, got %d", compAttempts)
	}
}

func TestCompensationIdempotentOnResume(t *testing.T) {
	engine, store := newTestEngine(t)

	chargeUndos := 0
	def := &Definition{
		ID: "resume-comp",
		Steps: []Step{
			{
				Name:   "charge",
				Action: nopAction,
				Compensation: func(ctx context.Context, cc *CompensationContext) error {
					chargeUndos++
					return nil
				},
			},
			{Name: "fail", Action: func(ctx context.Context, sc *StepContext) (any, error) {
				return nil, errors.New("boom")
			}},
		},
	}
	if err := engine.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition failed: %v", err)
	}

	in, _ := engine.Execute(context.Background(), "resume-comp", nil)
	if in.Status != StatusCompensated {
		t.Fatalf("expected compensated, got %s", in.Status)
	}
	if chargeUndos != 1 {
		t.Fatalf("expected 1 undo, got %d", chargeUndos)
	}

	// Simulate a crash after the undo was recorded but before the terminal
	// transition was persisted: rewind the instance to compensating and
	// resume. The recorded idempotency key must suppress a second undo.
	rewound, err := store.GetInstance(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	rewound.Status = StatusCompensating
	rewound.Steps[0].Status = StepSucceeded
	if err := store.SaveInstance(context.Background(), rewound); err != nil {
		t.Fatalf("SaveInstance failed: %v", err)
	}

	resumed, err := engine.Resume(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.Status != StatusCompensated {
		t.Errorf("expected compensated after resume, got %s", resumed.Status)
	}
	if chargeUndos != 1 {
		t.Errorf("compensation ran twice across resume: %d", chargeUndos)
	}
}

func TestResumeRunningContinuesFromCheckpoint(t *testing.T) {
	engine, store := newTestEngine(t)

	runs := map[string]int{}
	step := func(name string) Step {
		return Step{Name: name, Action: func(ctx context.Context, sc *StepContext) (any, error) {
			runs[name]++
			return name, nil
		}}
	}
	def := &Definition{ID: "resume-run", Steps: []Step{step("one"), step("two"), step("three")}}
	if err := engine.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition failed: %v", err)
	}

	// Persist an instance checkpointed past the first step, as if the
	// process died mid-saga.
	in := NewInstance("sg-crash", def, nil)
	in.Steps[0].Status = StepSucceeded
	in.Steps[0].Result = "one"
	in.CurrentStep = 1
	if err := store.SaveInstance(context.Background(), in); err != nil {
		t.Fatalf("SaveInstance failed: %v", err)
	}

	resumed, err := engine.Resume(context.Background(), "sg-crash")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.Status != StatusSucceeded {
		t.Errorf("expected succeeded, got %s", resumed.Status)
	}
	if runs["one"] != 0 {
		t.Errorf("checkpointed step re-ran %d times", runs["one"])
	}
	if runs["two"] != 1 || runs["three"] != 1 {
		t.Errorf("remaining steps did not run exactly once: %v", runs)
	}
}

func TestResumeTerminalIsNoOp(t *testing.T) {
	engine, store := newTestEngine(t)

	def := &Definition{ID: "done", Steps: []Step{{Name: "a", Action: nopAction}}}
	if err := engine.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition failed: %v", err)
	}

	in, err := engine.Execute(context.Background(), "done", nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	savesBefore := store.saves

	resumed, err := engine.Resume(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.Status != StatusSucceeded {
		t.Errorf("expected succeeded, got %s", resumed.Status)
	}
	if store.saves != savesBefore {
		t.Errorf("terminal resume wrote %d extra saves", store.saves-savesBefore)
	}
}

func TestStepPanicCompensates(t *testing.T) {
	engine, _ := newTestEngine(t)

	undone := false
	def := &Definition{
		ID: "panicky",
		Steps: []Step{
			{Name: "setup", Action: nopAction, Compensation: func(ctx context.Context, cc *CompensationContext) error {
				undone = true
				return nil
			}},
			{Name: "crash", Action: func(ctx context.Context, sc *StepContext) (any, error) {
				panic("nil map write")
			}},
		},
	}
	if err := engine.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition failed: %v", err)
	}

	in, err := engine.Execute(context.Background(), "panicky", nil)
	if err == nil {
		t.Fatal("expected execution error")
	}
	if in.Status != StatusCompensated {
		t.Errorf("expected compensated, got %s", in.Status)
	}
	if !undone {
		t.Error("succeeded step was not compensated after panic")
	}
}

func TestNamedMutexSerializesExecution(t *testing.T) {
	engine, _ := newTestEngine(t)

	var active, maxActive int
	var mu sync.Mutex
	def := &Definition{
		ID:    "exclusive",
		Mutex: "tenant-a",
		Steps: []Step{{Name: "work", Action: func(ctx context.Context, sc *StepContext) (any, error) {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return nil, nil
		}}},
	}
	if err := engine.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Execute(context.Background(), "exclusive", nil); err != nil {
				t.Errorf("Execute failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("mutex saga overlapped: max active %d", maxActive)
	}
}

func TestRegisterDuplicateDefinition(t *testing.T) {
	engine, _ := newTestEngine(t)

	def := &Definition{ID: "dup", Steps: []Step{{Name: "a", Action: nopAction}}}
	if err := engine.RegisterDefinition(def); err != nil {
		t.Fatalf("RegisterDefinition failed: %v", err)
	}
	if err := engine.RegisterDefinition(def); err == nil {
		t.Fatal("expected error on duplicate registration")
	}
}
