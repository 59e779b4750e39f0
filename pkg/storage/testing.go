package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/pkg/saga"
)

// SagaStore bundles the two store interfaces implementations must satisfy.
type SagaStore interface {
	saga.Store
	saga.IdempotencyStore
}

// TestSuite defines a test suite that can be run against any store
// implementation.
type TestSuite struct {
	NewStore func(t *testing.T) SagaStore
}

// RunAllTests runs all store tests against the provided implementation.
func (s *TestSuite) RunAllTests(t *testing.T) {
	t.Run("InstanceCRUD", s.TestInstanceCRUD)
	t.Run("StatusIndex", s.TestStatusIndex)
	t.Run("ListWithPagination", s.TestListWithPagination)
	t.Run("Idempotency", s.TestIdempotency)
	t.Run("ConcurrentAccess", s.TestConcurrentAccess)
	t.Run("NotFound", s.TestNotFound)
}

func testInstance(id string, status saga.Status) *saga.Instance {
	now := time.Now().UTC()
	return &saga.Instance{
		ID:           id,
		DefinitionID: "test-def",
		Status:       status,
		Steps: []saga.StepRecord{
			{Name: "reserve", Status: saga.StepPending},
			{Name: "commit", Status: saga.StepPending},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TestInstanceCRUD tests basic instance save, get, update and delete.
func (s *TestSuite) TestInstanceCRUD(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	in := testInstance("sg-1", saga.StatusRunning)

	if err := store.SaveInstance(ctx, in); err != nil {
		t.Fatalf("SaveInstance failed: %v", err)
	}

	got, err := store.GetInstance(ctx, "sg-1")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.ID != in.ID || got.DefinitionID != in.DefinitionID || got.Status != in.Status {
		t.Errorf("retrieved instance mismatch: %+v", got)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("expected 2 step records, got %d", len(got.Steps))
	}

	got.CurrentStep = 1
	got.Steps[0].Status = saga.StepSucceeded
	if err := store.SaveInstance(ctx, got); err != nil {
		t.Fatalf("SaveInstance (update) failed: %v", err)
	}

	updated, err := store.GetInstance(ctx, "sg-1")
	if err != nil {
		t.Fatalf("GetInstance (after update) failed: %v", err)
	}
	if updated.CurrentStep != 1 {
		t.Errorf("expected CurrentStep 1, got %d", updated.CurrentStep)
	}
	if updated.Steps[0].Status != saga.StepSucceeded {
		t.Errorf("expected first step succeeded, got %s", updated.Steps[0].Status)
	}

	if err := store.DeleteInstance(ctx, "sg-1"); err != nil {
		t.Fatalf("DeleteInstance failed: %v", err)
	}
	if _, err := store.GetInstance(ctx, "sg-1"); err == nil {
		t.Error("expected error when getting deleted instance")
	}
}

// TestStatusIndex tests listing by status, including after a status change.
func (s *TestSuite) TestStatusIndex(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	statuses := []saga.Status{
		saga.StatusRunning, saga.StatusRunning,
		saga.StatusSucceeded, saga.StatusCompensating, saga.StatusFailed,
	}
	for i, status := range statuses {
		in := testInstance(fmt.Sprintf("sg-%d", i), status)
		if err := store.SaveInstance(ctx, in); err != nil {
			t.Fatalf("SaveInstance failed: %v", err)
		}
	}

	running, total, err := store.ListInstances(ctx, &saga.InstanceFilter{
		Status: []saga.Status{saga.StatusRunning},
	})
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if total != 2 || len(running) != 2 {
		t.Fatalf("expected 2 running instances, got total=%d len=%d", total, len(running))
	}

	// Move one running instance to succeeded and verify the old index
	// entry does not surface it twice.
	moved := running[0]
	moved.Status = saga.StatusSucceeded
	if err := store.SaveInstance(ctx, moved); err != nil {
		t.Fatalf("SaveInstance (status change) failed: %v", err)
	}

	running, _, err = store.ListInstances(ctx, &saga.InstanceFilter{
		Status: []saga.Status{saga.StatusRunning},
	})
	if err != nil {
		t.Fatalf("ListInstances (after move) failed: %v", err)
	}
	if len(running) != 1 {
		t.Errorf("expected 1 running instance after status change, got %d", len(running))
	}

	succeeded, _, err := store.ListInstances(ctx, &saga.InstanceFilter{
		Status: []saga.Status{saga.StatusSucceeded},
	})
	if err != nil {
		t.Fatalf("ListInstances (succeeded) failed: %v", err)
	}
	if len(succeeded) != 2 {
		t.Errorf("expected 2 succeeded instances, got %d", len(succeeded))
	}
}

// TestListWithPagination tests listing with limit and offset.
func (s *TestSuite) TestListWithPagination(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		in := testInstance(fmt.Sprintf("sg-%02d", i), saga.StatusRunning)
		if err := store.SaveInstance(ctx, in); err != nil {
			t.Fatalf("SaveInstance failed: %v", err)
		}
	}

	page, total, err := store.ListInstances(ctx, &saga.InstanceFilter{Limit: 3})
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if total != 10 {
		t.Errorf("expected total 10, got %d", total)
	}
	if len(page) != 3 {
		t.Errorf("expected 3 instances, got %d", len(page))
	}

	page, total, err = store.ListInstances(ctx, &saga.InstanceFilter{Limit: 3, Offset: 9})
	if err != nil {
		t.Fatalf("ListInstances (last page) failed: %v", err)
	}
	if total != 10 {
		t.Errorf("expected total 10, got %d", total)
	}
	if len(page) != 1 {
		t.Errorf("expected 1 instance on last page, got %d", len(page))
	}
}

// TestIdempotency tests side-effect key recording.
func (s *TestSuite) TestIdempotency(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	key := saga.IdempotencyKey("sg-1", "reserve", 1)

	done, err := store.Done(ctx, key)
	if err != nil {
		t.Fatalf("Done failed: %v", err)
	}
	if done {
		t.Error("key should not be done before MarkDone")
	}

	if err := store.MarkDone(ctx, key); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	// Recording twice is a no-op.
	if err := store.MarkDone(ctx, key); err != nil {
		t.Fatalf("MarkDone (repeat) failed: %v", err)
	}

	done, err = store.Done(ctx, key)
	if err != nil {
		t.Fatalf("Done failed: %v", err)
	}
	if !done {
		t.Error("key should be done after MarkDone")
	}

	other, err := store.Done(ctx, saga.IdempotencyKey("sg-1", "reserve", 2))
	if err != nil {
		t.Fatalf("Done failed: %v", err)
	}
	if other {
		t.Error("different attempt key should not be done")
	}
}

// TestConcurrentAccess tests concurrent read/write operations.
func (s *TestSuite) TestConcurrentAccess(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.SaveInstance(ctx, testInstance("sg-conc", saga.StatusRunning)); err != nil {
		t.Fatalf("SaveInstance failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			in, err := store.GetInstance(ctx, "sg-conc")
			if err != nil {
				errs <- err
				return
			}
			in.CurrentStep = idx
			if err := store.SaveInstance(ctx, in); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent operation failed: %v", err)
	}
	if _, err := store.GetInstance(ctx, "sg-conc"); err != nil {
		t.Errorf("GetInstance after concurrent updates failed: %v", err)
	}
}

// TestNotFound tests error typing for missing instances.
func (s *TestSuite) TestNotFound(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()

	_, err := store.GetInstance(ctx, "missing")
	if err == nil {
		t.Fatal("expected error for missing instance")
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %T", err)
	}

	if err := store.DeleteInstance(ctx, "missing"); err == nil {
		t.Error("expected error when deleting missing instance")
	}
}
