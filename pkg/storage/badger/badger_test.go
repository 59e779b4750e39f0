package badger

import (
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/pkg/saga"
	"github.com/taskmesh/taskmesh/pkg/storage"
)

func newTestStore(t *testing.T) storage.SagaStore {
	t.Helper()
	store, err := NewStore(&Config{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

// TestBadgerStoreSuite runs the full store test suite against Store.
func TestBadgerStoreSuite(t *testing.T) {
	suite := &storage.TestSuite{NewStore: newTestStore}
	suite.RunAllTests(t)
}

// TestReopenPersistence verifies instances survive a close and reopen.
func TestReopenPersistence(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(&Config{Path: dir})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	now := time.Now().UTC()
	in := &saga.Instance{
		ID:           "sg-reopen",
		DefinitionID: "test-def",
		Status:       saga.StatusRunning,
		Steps:        []saga.StepRecord{{Name: "reserve", Status: saga.StepPending}},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.SaveInstance(t.Context(), in); err != nil {
		t.Fatalf("SaveInstance failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewStore(&Config{Path: dir})
	if err != nil {
		t.Fatalf("NewStore (reopen) failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetInstance(t.Context(), "sg-reopen")
	if err != nil {
		t.Fatalf("GetInstance after reopen failed: %v", err)
	}
	if got.DefinitionID != in.DefinitionID {
		t.Errorf("expected definition %s, got %s", in.DefinitionID, got.DefinitionID)
	}
}
