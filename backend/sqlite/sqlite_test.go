package sqlite

import (
	"testing"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/backend/test"
)

func TestSqliteRepository(t *testing.T) {
	test.RepositoryTest(t, func(opts ...backend.BackendOption) backend.Repository {
		return NewInMemoryRepository(opts...)
	}, nil)
}

func TestSqliteRepository_Outbox(t *testing.T) {
	test.OutboxTest(t, func(opts ...backend.BackendOption) backend.Repository {
		return NewInMemoryRepository(opts...)
	}, nil)
}
