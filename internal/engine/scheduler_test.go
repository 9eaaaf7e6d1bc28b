package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"telegram-orchestrator/internal/domain/model"
	"telegram-orchestrator/internal/infra/statestore"
)

// fakeQueue — очередь задач в памяти.
type fakeQueue struct {
	mu      sync.Mutex
	pending []*model.Task
	status  map[string]model.TaskStatus
	reasons map[string]string
}

func newFakeQueue(tasks ...*model.Task) *fakeQueue {
	q := &fakeQueue{status: map[string]model.TaskStatus{}, reasons: map[string]string{}}
	for _, task := range tasks {
		q.pending = append(q.pending, task)
		q.status[task.ID] = task.Status
	}
	return q
}

func (q *fakeQueue) ClaimNextPending(_ context.Context, _ time.Time) (*model.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, task := range q.pending {
		if q.status[task.ID] == model.TaskPending {
			q.status[task.ID] = model.TaskRunning
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return task, nil
		}
	}
	return nil, statestore.ErrNotFound
}

func (q *fakeQueue) TaskByID(_ context.Context, id string) (*model.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, task := range q.pending {
		if task.ID == id {
			return task, nil
		}
	}
	return nil, statestore.ErrNotFound
}

func (q *fakeQueue) TaskStatusOf(_ context.Context, id string) (model.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	status, ok := q.status[id]
	if !ok {
		return "", statestore.ErrNotFound
	}
	return status, nil
}

func (q *fakeQueue) SetTaskStatus(_ context.Context, id string, status model.TaskStatus, pauseReason string, _ time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status[id] = status
	q.reasons[id] = pauseReason
	return nil
}

// recordingRunner запоминает отданные ему задачи.
type recordingRunner struct {
	kind model.TaskKind
	mu   sync.Mutex
	ran  []string
}

func (r *recordingRunner) Kind() model.TaskKind { return r.kind }

func (r *recordingRunner) Run(_ context.Context, task *model.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, task.ID)
}

func (r *recordingRunner) tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ran))
	copy(out, r.ran)
	return out
}

func TestDrainDispatchesByKind(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue(
		&model.Task{ID: "p1", Kind: model.TaskParse, Status: model.TaskPending},
		&model.Task{ID: "i1", Kind: model.TaskInvite, Status: model.TaskPending},
	)
	parseRunner := &recordingRunner{kind: model.TaskParse}
	inviteRunner := &recordingRunner{kind: model.TaskInvite}

	s := NewScheduler(queue, time.Hour, parseRunner, inviteRunner)
	s.drain(context.Background())
	s.wg.Wait()

	if got := parseRunner.tasks(); len(got) != 1 || got[0] != "p1" {
		t.Fatalf("parse runner ran %v, want [p1]", got)
	}
	if got := inviteRunner.tasks(); len(got) != 1 || got[0] != "i1" {
		t.Fatalf("invite runner ran %v, want [i1]", got)
	}
}

func TestDrainFailsUnknownKind(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue(&model.Task{ID: "x1", Kind: model.TaskKind("EXPORT"), Status: model.TaskPending})
	s := NewScheduler(queue, time.Hour, &recordingRunner{kind: model.TaskParse})
	s.drain(context.Background())
	s.wg.Wait()

	if got := queue.status["x1"]; got != model.TaskFailed {
		t.Fatalf("status = %q, want FAILED for unserviceable kind", got)
	}
}

func TestPauseTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name    string
		from    model.TaskStatus
		wantErr bool
	}{
		{name: "pending", from: model.TaskPending},
		{name: "running", from: model.TaskRunning},
		{name: "alreadyPaused", from: model.TaskPaused, wantErr: true},
		{name: "completed", from: model.TaskCompleted, wantErr: true},
		{name: "cancelled", from: model.TaskCancelled, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			queue := newFakeQueue(&model.Task{ID: "t", Status: tc.from})
			s := NewScheduler(queue, time.Hour)

			err := s.Pause(ctx, "t")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Pause() from %s = nil, want error", tc.from)
				}
				return
			}
			if err != nil {
				t.Fatalf("Pause() error = %v", err)
			}
			if queue.status["t"] != model.TaskPaused || queue.reasons["t"] != "user_request" {
				t.Fatalf("task = %q/%q, want PAUSED/user_request", queue.status["t"], queue.reasons["t"])
			}
		})
	}
}

func TestResumeTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name    string
		from    model.TaskStatus
		wantErr bool
	}{
		{name: "paused", from: model.TaskPaused},
		{name: "pending", from: model.TaskPending, wantErr: true},
		{name: "running", from: model.TaskRunning, wantErr: true},
		{name: "failed", from: model.TaskFailed, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			queue := newFakeQueue(&model.Task{ID: "t", Status: tc.from})
			s := NewScheduler(queue, time.Hour)

			err := s.Resume(ctx, "t")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Resume() from %s = nil, want error", tc.from)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resume() error = %v", err)
			}
			if queue.status["t"] != model.TaskPending {
				t.Fatalf("status = %q, want PENDING", queue.status["t"])
			}
		})
	}
}

func TestCancelTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name    string
		from    model.TaskStatus
		wantErr bool
	}{
		{name: "pending", from: model.TaskPending},
		{name: "running", from: model.TaskRunning},
		{name: "paused", from: model.TaskPaused},
		{name: "completed", from: model.TaskCompleted, wantErr: true},
		{name: "alreadyCancelled", from: model.TaskCancelled, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			queue := newFakeQueue(&model.Task{ID: "t", Status: tc.from})
			s := NewScheduler(queue, time.Hour)

			err := s.Cancel(ctx, "t")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Cancel() from %s = nil, want error", tc.from)
				}
				return
			}
			if err != nil {
				t.Fatalf("Cancel() error = %v", err)
			}
			if queue.status["t"] != model.TaskCancelled {
				t.Fatalf("status = %q, want CANCELLED", queue.status["t"])
			}
		})
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue(&model.Task{ID: "p1", Kind: model.TaskParse, Status: model.TaskPending})
	runner := &recordingRunner{kind: model.TaskParse}
	s := NewScheduler(queue, 10*time.Millisecond, runner)

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := runner.tasks(); len(got) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("runner never received the pending task")
}
