package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/procflow/procflow/backend/memory"
	"github.com/procflow/procflow/core"
)

type fakeEngine struct {
	mu       sync.Mutex
	executed []string
}

func (e *fakeEngine) ExecuteFromTask(ctx context.Context, task *core.ExecutableTask) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.executed = append(e.executed, task.ID)

	return nil
}

func (e *fakeEngine) executedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.executed...)
}

func TestWorker_AcquiresAndProcessesDueTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	repo := memory.NewMemoryRepository()
	t.Cleanup(func() { repo.Close() })

	task := &core.ExecutableTask{
		ID:           "t1",
		NodeID:       "work",
		DefinitionID: "def-1",
		InstanceID:   "i1",
		DueDate:      time.Now().Add(-time.Second),
		Retries:      3,
		Status:       core.TaskStatusPending,
	}
	require.NoError(t, repo.CreateExecutableTask(context.Background(), task))

	engine := &fakeEngine{}
	w := New(repo, engine, ApplyOptions(
		WithPollingInterval(time.Millisecond),
		WithMaxTasks(10),
	))

	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(engine.executedIDs()) == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, w.Stop())
	require.Equal(t, []string{"t1"}, engine.executedIDs())
}

func TestWorker_StartTwiceErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	repo := memory.NewMemoryRepository()
	t.Cleanup(func() { repo.Close() })

	w := New(repo, &fakeEngine{}, ApplyOptions(WithPollingInterval(time.Millisecond)))

	require.NoError(t, w.Start(context.Background()))
	require.ErrorIs(t, w.Start(context.Background()), ErrAlreadyRunning)
	require.NoError(t, w.Stop())
}

func TestWorker_StopWithoutStartErrors(t *testing.T) {
	repo := memory.NewMemoryRepository()
	t.Cleanup(func() { repo.Close() })

	w := New(repo, &fakeEngine{}, nil)
	require.ErrorIs(t, w.Stop(), ErrNotRunning)
}

func TestWorker_TagsAcquiredTasksWithWorkerID(t *testing.T) {
	repo := memory.NewMemoryRepository()
	t.Cleanup(func() { repo.Close() })

	task := &core.ExecutableTask{
		ID:           "t1",
		NodeID:       "work",
		DefinitionID: "def-1",
		InstanceID:   "i1",
		DueDate:      time.Now().Add(-time.Second),
		Retries:      3,
		Status:       core.TaskStatusPending,
	}
	require.NoError(t, repo.CreateExecutableTask(context.Background(), task))

	w := New(repo, &fakeEngine{}, nil)

	tasks, err := w.Acquire(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, w.ID(), tasks[0].ExecutorID)
	require.Equal(t, core.TaskStatusLocked, tasks[0].Status)

	// The claimed task is invisible to other repository readers until its
	// lease expires.
	other, err := repo.FindAndLockDueTasks(context.Background(), time.Now(), 10, "other")
	require.NoError(t, err)
	require.Empty(t, other)
}
