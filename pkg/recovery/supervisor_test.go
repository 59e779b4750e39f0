package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/saga"
	"github.com/taskmesh/taskmesh/pkg/storage/memory"
	"github.com/taskmesh/taskmesh/pkg/task"
)

type fakePool struct {
	capability task.Capability
	entries    []task.Entry
	full       bool
}

func (f *fakePool) Capability() task.Capability { return f.capability }

func (f *fakePool) Redeliver(entry task.Entry) error {
	if f.full {
		return context.DeadlineExceeded
	}
	f.entries = append(f.entries, entry)
	return nil
}

func seedClaim(t *testing.T, q *queue.MemoryQueue, stream string, attempt int) task.Entry {
	t.Helper()
	tk := task.Task{
		ID: "t-" + stream, Method: "run_reasoning",
		Priority: task.PriorityNormal, Capability: task.CapabilityReasoning,
		Attempt: attempt,
	}
	if _, err := q.Append(context.Background(), stream, tk); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := q.Claim(context.Background(), stream, queue.Group, "dead-worker", 1, 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("claim: %v (%d entries)", err, len(entries))
	}
	return entries[0]
}

func TestScanReclaimsIdleEntries(t *testing.T) {
	q := queue.NewMemoryQueue()
	defer q.Close()
	fp := &fakePool{capability: task.CapabilityReasoning}

	s := New(Config{IdleReclaim: time.Millisecond, MaxAttempts: 5}, q, nil, nil, nil, nil, nil)
	s.RegisterPool(fp)

	stream := queue.StreamName(task.CapabilityReasoning, task.PriorityNormal)
	orig := seedClaim(t, q, stream, 1)
	time.Sleep(5 * time.Millisecond)

	reclaimed, deadLettered := s.Scan(context.Background())
	if reclaimed != 1 || deadLettered != 0 {
		t.Fatalf("scan = (%d, %d), want (1, 0)", reclaimed, deadLettered)
	}
	if len(fp.entries) != 1 {
		t.Fatalf("pool received %d entries, want 1", len(fp.entries))
	}
	got := fp.entries[0]
	if got.ID != orig.ID {
		t.Fatalf("reclaimed entry id = %s, want original %s", got.ID, orig.ID)
	}
	if got.Attempt != orig.Attempt+1 {
		t.Fatalf("attempt = %d, want %d", got.Attempt, orig.Attempt+1)
	}
}

func TestScanLeavesFreshClaims(t *testing.T) {
	q := queue.NewMemoryQueue()
	defer q.Close()
	fp := &fakePool{capability: task.CapabilityReasoning}

	s := New(Config{IdleReclaim: time.Hour}, q, nil, nil, nil, nil, nil)
	s.RegisterPool(fp)

	stream := queue.StreamName(task.CapabilityReasoning, task.PriorityNormal)
	seedClaim(t, q, stream, 1)

	reclaimed, deadLettered := s.Scan(context.Background())
	if reclaimed != 0 || deadLettered != 0 || len(fp.entries) != 0 {
		t.Fatalf("fresh claim was touched: (%d, %d, %d)", reclaimed, deadLettered, len(fp.entries))
	}
}

func TestScanDeadLettersAfterMaxAttempts(t *testing.T) {
	q := queue.NewMemoryQueue()
	defer q.Close()
	fp := &fakePool{capability: task.CapabilityReasoning}

	s := New(Config{IdleReclaim: time.Millisecond, MaxAttempts: 5}, q, nil, nil, nil, nil, nil)
	s.RegisterPool(fp)

	stream := queue.StreamName(task.CapabilityReasoning, task.PriorityNormal)
	// Reclaim bumps the attempt to 6, past the cap.
	seedClaim(t, q, stream, 5)
	time.Sleep(5 * time.Millisecond)

	reclaimed, deadLettered := s.Scan(context.Background())
	if reclaimed != 0 || deadLettered != 1 {
		t.Fatalf("scan = (%d, %d), want (0, 1)", reclaimed, deadLettered)
	}
	if len(fp.entries) != 0 {
		t.Fatal("dead-lettered entry must not reach the pool")
	}

	dead, err := q.DeadLetters(context.Background(), queue.DLQStream(task.CapabilityReasoning))
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 1 || dead[0].Reason != "max_attempts_exceeded" {
		t.Fatalf("dlq = %+v, want one max_attempts_exceeded entry", dead)
	}
}

func TestResumeSagasSkipsTerminal(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()

	engine := saga.NewEngine(store, store)
	def := &saga.Definition{
		ID: "noop",
		Steps: []saga.Step{{
			Name:   "step1",
			Action: func(_ context.Context, _ *saga.StepContext) (any, error) { return "ok", nil },
		}},
	}
	if err := engine.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	running := saga.NewInstance("saga-running", def, nil)
	if err := store.SaveInstance(context.Background(), running); err != nil {
		t.Fatalf("save: %v", err)
	}
	finished := saga.NewInstance("saga-done", def, nil)
	finished.Status = saga.StatusSucceeded
	if err := store.SaveInstance(context.Background(), finished); err != nil {
		t.Fatalf("save: %v", err)
	}

	s := New(Config{}, queue.NewMemoryQueue(), engine, store, nil, nil, nil)
	if err := s.ResumeSagas(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}

	got, err := store.GetInstance(context.Background(), "saga-running")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != saga.StatusSucceeded {
		t.Fatalf("resumed saga status = %s, want succeeded", got.Status)
	}
}
