package memory

import (
	"testing"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/backend/test"
)

func TestMemoryRepository(t *testing.T) {
	test.RepositoryTest(t, func(opts ...backend.BackendOption) backend.Repository {
		return NewMemoryRepository(opts...)
	}, nil)
}

func TestMemoryRepository_Outbox(t *testing.T) {
	test.OutboxTest(t, func(opts ...backend.BackendOption) backend.Repository {
		return NewMemoryRepository(opts...)
	}, nil)
}
