package memory

import (
	"testing"

	"github.com/taskmesh/taskmesh/pkg/storage"
)

// TestMemoryStoreSuite runs the full store test suite against Store.
func TestMemoryStoreSuite(t *testing.T) {
	suite := &storage.TestSuite{
		NewStore: func(t *testing.T) storage.SagaStore {
			return NewStore()
		},
	}
	suite.RunAllTests(t)
}
