package parse

import (
	"context"
	"sync"
	"testing"
	"time"

	"telegram-orchestrator/internal/accounts"
	"telegram-orchestrator/internal/broker"
	"telegram-orchestrator/internal/domain/model"
	"telegram-orchestrator/internal/infra/config"
)

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

// fakeTasks — хранилище задач и результатов в памяти.
type fakeTasks struct {
	mu sync.Mutex

	task        *model.Task
	status      model.TaskStatus
	pauseReason string

	results       []model.ParseResult
	logs          []model.ExecutionLog
	counterSaves  int
	insertedCalls int
	// pauseAfterInsert переводит задачу в PAUSED после N-й вставки:
	// детерминированная имитация паузы владельца посреди выгрузки.
	pauseAfterInsert int
}

func newFakeTasks(task *model.Task) *fakeTasks {
	return &fakeTasks{task: task, status: task.Status}
}

func (f *fakeTasks) TaskByID(_ context.Context, _ string) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *f.task
	copied.Status = f.status
	copied.PauseReason = f.pauseReason
	return &copied, nil
}

func (f *fakeTasks) TaskStatusOf(_ context.Context, _ string) (model.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeTasks) SetTaskStatus(_ context.Context, _ string, status model.TaskStatus, pauseReason string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.pauseReason = pauseReason
	return nil
}

func (f *fakeTasks) SaveTaskCounters(_ context.Context, t *model.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.task.Parse = t.Parse
	f.counterSaves++
	return nil
}

func (f *fakeTasks) InsertParseResults(_ context.Context, results []model.ParseResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertedCalls++
	f.results = append(f.results, results...)
	if f.pauseAfterInsert > 0 && f.insertedCalls == f.pauseAfterInsert {
		f.status = model.TaskPaused
		f.pauseReason = "user_request"
	}
	return nil
}

func (f *fakeTasks) AppendLog(_ context.Context, entry model.ExecutionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeTasks) snapshotStatus() (model.TaskStatus, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.pauseReason
}

// fakeParseAlloc выдаёт аллокации по очереди назначений.
type fakeParseAlloc struct {
	mu        sync.Mutex
	failWith  error
	seq       int
	allocated []model.Purpose
	released  []string
	extended  int
	handled   []model.ErrorKind
}

func (f *fakeParseAlloc) Allocate(_ context.Context, _ int64, purpose model.Purpose, _ string, _ []string) (*accounts.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.seq++
	f.allocated = append(f.allocated, purpose)
	return &accounts.Allocation{
		Token:     string(purpose) + "-token",
		SessionID: "a",
		Purpose:   purpose,
	}, nil
}

func (f *fakeParseAlloc) HandleError(_ context.Context, _ string, _ string, outcome model.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, outcome.Kind)
	return nil
}

func (f *fakeParseAlloc) Extend(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extended++
	return nil
}

func (f *fakeParseAlloc) Release(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, token)
	return nil
}

// fakeParsePlatform — брокер с готовыми партиями на источник.
type fakeParsePlatform struct {
	mu sync.Mutex

	entities map[string]broker.Entity
	comments map[string]bool
	batches  map[string][]broker.HistoryBatch
	// fetchOutcomes — исход FetchHistory по источнику после выдачи партий.
	fetchOutcomes map[string][]model.Outcome
	fetchCalls    int
}

func (f *fakeParsePlatform) ResolveEntity(_ context.Context, _ *model.Session, handle string) (broker.Entity, model.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entity, ok := f.entities[handle]
	if !ok {
		return broker.Entity{}, model.Failure(model.KindUserNotFound, nil)
	}
	return entity, model.OK()
}

func (f *fakeParsePlatform) CheckCommentsEnabled(_ context.Context, _ *model.Session, community broker.Entity) (bool, model.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.comments == nil {
		return true, model.OK()
	}
	return f.comments[community.Username], model.OK()
}

func (f *fakeParsePlatform) FetchHistory(_ context.Context, _ *model.Session, community broker.Entity, _ config.SpeedSettings, _ bool, sink broker.BatchSink) (model.Outcome, error) {
	f.mu.Lock()
	f.fetchCalls++
	batches := f.batches[community.Username]
	var outcome model.Outcome
	if queue := f.fetchOutcomes[community.Username]; len(queue) > 0 {
		outcome = queue[0]
		f.fetchOutcomes[community.Username] = queue[1:]
	}
	f.mu.Unlock()

	for _, batch := range batches {
		if err := sink(batch); err != nil {
			return model.OK(), err
		}
	}
	return outcome, nil
}

func parseTask(sources ...string) *model.Task {
	return &model.Task{
		ID:          "task-1",
		OwnerUserID: 7,
		Kind:        model.TaskParse,
		Status:      model.TaskRunning,
		Settings: model.ParseSettings{
			Sources: sources,
			Speed:   model.SpeedSafe,
		},
	}
}

func messageBatch(n int) broker.HistoryBatch {
	batch := broker.HistoryBatch{Messages: n}
	for i := 0; i < n; i++ {
		batch.Records = append(batch.Records, broker.Record{
			Kind:        model.ResultMessage,
			PlatformKey: "msg",
			Payload:     map[string]any{"raw_tl": []byte{0x01}, "date": testNow},
		})
	}
	return batch
}

func testParseEngine(store *fakeTasks, alloc *fakeParseAlloc, platform *fakeParsePlatform) *Engine {
	e := New(store, alloc, platform)
	e.now = func() time.Time { return testNow }
	return e
}

func TestRunParsesSourcesAndCompletes(t *testing.T) {
	t.Parallel()

	store := newFakeTasks(parseTask("chat_one", "chat_two"))
	alloc := &fakeParseAlloc{}
	platform := &fakeParsePlatform{
		entities: map[string]broker.Entity{
			"chat_one": {Kind: broker.EntityMegagroup, ID: 1, Username: "chat_one"},
			"chat_two": {Kind: broker.EntityMegagroup, ID: 2, Username: "chat_two"},
		},
		batches: map[string][]broker.HistoryBatch{
			"chat_one": {messageBatch(3), messageBatch(2)},
			"chat_two": {messageBatch(4)},
		},
	}

	testParseEngine(store, alloc, platform).Run(context.Background(), store.task)

	status, _ := store.snapshotStatus()
	if status != model.TaskCompleted {
		t.Fatalf("task status = %q, want COMPLETED", status)
	}
	if got := store.task.Parse.ProcessedMessages; got != 9 {
		t.Fatalf("ProcessedMessages = %d, want 9", got)
	}
	if len(store.results) != 9 {
		t.Fatalf("results = %d, want 9 rows", len(store.results))
	}
	// Оценка сложилась из обоих источников, прогресс посчитан.
	if store.task.Parse.EstimatedTotal == 0 || store.task.Parse.ProgressPercent == 0 {
		t.Fatalf("progress not tracked: %+v", store.task.Parse)
	}
	// Аренда продлевалась на каждой партии.
	if alloc.extended != 3 {
		t.Fatalf("extended = %d, want 3 (one per batch)", alloc.extended)
	}
}

func TestPlanningUsesProbeAllocation(t *testing.T) {
	t.Parallel()

	store := newFakeTasks(parseTask("chat_one"))
	alloc := &fakeParseAlloc{}
	platform := &fakeParsePlatform{
		entities: map[string]broker.Entity{
			"chat_one": {Kind: broker.EntityMegagroup, ID: 1, Username: "chat_one"},
		},
		batches: map[string][]broker.HistoryBatch{"chat_one": {messageBatch(1)}},
	}

	testParseEngine(store, alloc, platform).Run(context.Background(), store.task)

	// Планирование на ADMIN_PROBE, выгрузка на PARSE.
	want := []model.Purpose{model.PurposeAdminProbe, model.PurposeParse}
	if len(alloc.allocated) != len(want) {
		t.Fatalf("allocated = %v, want %v", alloc.allocated, want)
	}
	for i := range want {
		if alloc.allocated[i] != want[i] {
			t.Fatalf("allocated = %v, want %v", alloc.allocated, want)
		}
	}
	// Обе аренды возвращены.
	if len(alloc.released) != 2 {
		t.Fatalf("released = %v, want both allocations released", alloc.released)
	}
}

func TestFilteredSourceSkipsParseAllocation(t *testing.T) {
	t.Parallel()

	store := newFakeTasks(parseTask("no_comments", "chat_one"))
	alloc := &fakeParseAlloc{}
	platform := &fakeParsePlatform{
		entities: map[string]broker.Entity{
			"no_comments": {Kind: broker.EntityBroadcast, ID: 1, Username: "no_comments"},
			"chat_one":    {Kind: broker.EntityMegagroup, ID: 2, Username: "chat_one"},
		},
		comments: map[string]bool{"no_comments": false, "chat_one": true},
		batches:  map[string][]broker.HistoryBatch{"chat_one": {messageBatch(1)}},
	}

	testParseEngine(store, alloc, platform).Run(context.Background(), store.task)

	status, _ := store.snapshotStatus()
	if status != model.TaskCompleted {
		t.Fatalf("task status = %q, want COMPLETED", status)
	}
	// Отфильтрованный источник не получает парсинг-аренду вовсе:
	// probe, probe, parse — и ни одной лишней.
	want := []model.Purpose{model.PurposeAdminProbe, model.PurposeAdminProbe, model.PurposeParse}
	if len(alloc.allocated) != len(want) {
		t.Fatalf("allocated = %v, want %v", alloc.allocated, want)
	}
	for i := range want {
		if alloc.allocated[i] != want[i] {
			t.Fatalf("allocated = %v, want %v", alloc.allocated, want)
		}
	}
}

func TestUnresolvableSourceSkippedTaskContinues(t *testing.T) {
	t.Parallel()

	store := newFakeTasks(parseTask("ghost", "chat_one"))
	alloc := &fakeParseAlloc{}
	platform := &fakeParsePlatform{
		entities: map[string]broker.Entity{
			"chat_one": {Kind: broker.EntityMegagroup, ID: 2, Username: "chat_one"},
		},
		batches: map[string][]broker.HistoryBatch{"chat_one": {messageBatch(1)}},
	}

	testParseEngine(store, alloc, platform).Run(context.Background(), store.task)

	status, _ := store.snapshotStatus()
	if status != model.TaskCompleted {
		t.Fatalf("task status = %q, want COMPLETED despite unresolvable source", status)
	}
	if platform.fetchCalls != 1 {
		t.Fatalf("fetchCalls = %d, want 1 (only the resolvable source)", platform.fetchCalls)
	}
	if len(store.results) != 1 {
		t.Fatalf("results = %d, want 1", len(store.results))
	}
	// Терминальный исход источника оставил след в журнале исполнения.
	if len(store.logs) != 1 || store.logs[0].ErrorKind != model.KindUserNotFound {
		t.Fatalf("logs = %+v, want one USER_NOT_FOUND entry", store.logs)
	}
}

func TestResumeSkipsCompletedSources(t *testing.T) {
	t.Parallel()

	store := newFakeTasks(parseTask("chat_one", "chat_two"))
	store.pauseAfterInsert = 1
	alloc := &fakeParseAlloc{}
	platform := &fakeParsePlatform{
		entities: map[string]broker.Entity{
			"chat_one": {Kind: broker.EntityMegagroup, ID: 1, Username: "chat_one"},
			"chat_two": {Kind: broker.EntityMegagroup, ID: 2, Username: "chat_two"},
		},
		batches: map[string][]broker.HistoryBatch{
			"chat_one": {messageBatch(3)},
			"chat_two": {messageBatch(2)},
		},
	}

	e := testParseEngine(store, alloc, platform)

	// Первый проход: пауза на границе источников — chat_one выгружен и
	// закрыт, chat_two ещё не начат.
	e.Run(context.Background(), store.task)
	if status, _ := store.snapshotStatus(); status != model.TaskPaused {
		t.Fatalf("task status = %q, want PAUSED mid-run", status)
	}
	if len(store.results) != 3 {
		t.Fatalf("results = %d, want 3 after first run", len(store.results))
	}

	// Возобновление: задача перечитывается из хранилища, как это делает
	// клеймер очереди.
	_ = store.SetTaskStatus(context.Background(), "task-1", model.TaskRunning, "", testNow)
	resumed, err := store.TaskByID(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("TaskByID() error = %v", err)
	}
	e.Run(context.Background(), resumed)

	status, _ := store.snapshotStatus()
	if status != model.TaskCompleted {
		t.Fatalf("task status = %q, want COMPLETED", status)
	}
	// Завершённый источник не перевыгружается: дублей результатов нет.
	if len(store.results) != 5 {
		t.Fatalf("results = %d, want 5 (3 + 2, no duplicates)", len(store.results))
	}
	if platform.fetchCalls != 2 {
		t.Fatalf("fetchCalls = %d, want 2 (one per source)", platform.fetchCalls)
	}
	if got := store.task.Parse.ProcessedMessages; got != 5 {
		t.Fatalf("ProcessedMessages = %d, want 5", got)
	}
	// Оценка каждого источника посчитана ровно один раз.
	if want := estimateSource("chat_one") + estimateSource("chat_two"); store.task.Parse.EstimatedTotal != want {
		t.Fatalf("EstimatedTotal = %d, want %d", store.task.Parse.EstimatedTotal, want)
	}
}

func TestSourceTerminalOutcomeLogged(t *testing.T) {
	t.Parallel()

	store := newFakeTasks(parseTask("chat_one", "chat_two"))
	alloc := &fakeParseAlloc{}
	platform := &fakeParsePlatform{
		entities: map[string]broker.Entity{
			"chat_one": {Kind: broker.EntityMegagroup, ID: 1, Username: "chat_one"},
			"chat_two": {Kind: broker.EntityMegagroup, ID: 2, Username: "chat_two"},
		},
		batches: map[string][]broker.HistoryBatch{
			"chat_one": {messageBatch(1)},
			"chat_two": {messageBatch(1)},
		},
		fetchOutcomes: map[string][]model.Outcome{
			"chat_one": {model.Failure(model.KindGroupRestriction, nil)},
		},
	}

	testParseEngine(store, alloc, platform).Run(context.Background(), store.task)

	status, _ := store.snapshotStatus()
	if status != model.TaskCompleted {
		t.Fatalf("task status = %q, want COMPLETED: terminal source closes, rest continue", status)
	}
	// Закрытие источника платформой видно в журнале исполнения, не только в
	// сервисных логах.
	if len(store.logs) != 1 {
		t.Fatalf("logs = %+v, want exactly one entry", store.logs)
	}
	entry := store.logs[0]
	if entry.ErrorKind != model.KindGroupRestriction || entry.Outcome != model.LogFailed {
		t.Fatalf("log entry = %+v, want FAILED/GROUP_RESTRICTION", entry)
	}
	if entry.TaskID != "task-1" || entry.AccountID != "a" {
		t.Fatalf("log entry = %+v, want task and account attribution", entry)
	}
}

func TestCancelledFetchStopsWithoutFailure(t *testing.T) {
	t.Parallel()

	store := newFakeTasks(parseTask("chat_one"))
	alloc := &fakeParseAlloc{}
	platform := &fakeParsePlatform{
		entities: map[string]broker.Entity{
			"chat_one": {Kind: broker.EntityMegagroup, ID: 1, Username: "chat_one"},
		},
		fetchOutcomes: map[string][]model.Outcome{
			"chat_one": {model.Failure(model.KindCancelled, context.Canceled)},
		},
	}

	testParseEngine(store, alloc, platform).Run(context.Background(), store.task)

	// Остановка оркестратора: не фейл, не пауза — статус не тронут, источник
	// не закрыт и уйдёт заново при возобновлении.
	status, _ := store.snapshotStatus()
	if status != model.TaskRunning {
		t.Fatalf("task status = %q, want RUNNING untouched", status)
	}
	if store.task.Parse.SourceDone("chat_one") {
		t.Fatalf("source marked done after cancellation")
	}
	if len(store.logs) != 0 {
		t.Fatalf("logs = %+v, want none", store.logs)
	}
	// Обе аренды (проба и парсинг) возвращены.
	if len(alloc.released) != 2 {
		t.Fatalf("released = %v, want probe and parse allocations released", alloc.released)
	}
}

func TestAccountFaultReallocates(t *testing.T) {
	t.Parallel()

	store := newFakeTasks(parseTask("chat_one"))
	alloc := &fakeParseAlloc{}
	platform := &fakeParsePlatform{
		entities: map[string]broker.Entity{
			"chat_one": {Kind: broker.EntityMegagroup, ID: 1, Username: "chat_one"},
		},
		batches: map[string][]broker.HistoryBatch{"chat_one": {messageBatch(2)}},
		fetchOutcomes: map[string][]model.Outcome{
			"chat_one": {
				model.FloodWait(60, nil),
				model.OK(),
			},
		},
	}

	testParseEngine(store, alloc, platform).Run(context.Background(), store.task)

	status, _ := store.snapshotStatus()
	if status != model.TaskCompleted {
		t.Fatalf("task status = %q, want COMPLETED after reallocation", status)
	}
	if platform.fetchCalls != 2 {
		t.Fatalf("fetchCalls = %d, want 2", platform.fetchCalls)
	}
	if len(alloc.handled) != 1 || alloc.handled[0] != model.KindFloodWait {
		t.Fatalf("handled = %v, want one FLOOD_WAIT", alloc.handled)
	}
}

func TestNoSessionsFailsTask(t *testing.T) {
	t.Parallel()

	store := newFakeTasks(parseTask("chat_one"))
	alloc := &fakeParseAlloc{failWith: accounts.ErrUserHasNoSessions}
	platform := &fakeParsePlatform{}

	testParseEngine(store, alloc, platform).Run(context.Background(), store.task)

	status, _ := store.snapshotStatus()
	if status != model.TaskFailed {
		t.Fatalf("task status = %q, want FAILED", status)
	}
}

func TestNoAvailableAccountPausesAndRearms(t *testing.T) {
	t.Parallel()

	store := newFakeTasks(parseTask("chat_one"))
	alloc := &fakeParseAlloc{failWith: &accounts.NoAccountError{RetryAfter: 20 * time.Millisecond}}
	platform := &fakeParsePlatform{}

	e := testParseEngine(store, alloc, platform)
	e.Run(context.Background(), store.task)

	status, reason := store.snapshotStatus()
	if status != model.TaskPaused || reason != "no_available_account" {
		t.Fatalf("task = %q/%q, want PAUSED/no_available_account", status, reason)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if status, _ := store.snapshotStatus(); status == model.TaskPending {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	status, _ = store.snapshotStatus()
	t.Fatalf("task status = %q, want PENDING after rearm", status)
}

func TestUserPauseInterruptsMidSource(t *testing.T) {
	t.Parallel()

	store := newFakeTasks(parseTask("chat_one"))
	store.pauseAfterInsert = 1
	alloc := &fakeParseAlloc{}
	platform := &fakeParsePlatform{
		entities: map[string]broker.Entity{
			"chat_one": {Kind: broker.EntityMegagroup, ID: 1, Username: "chat_one"},
		},
		batches: map[string][]broker.HistoryBatch{
			"chat_one": {messageBatch(1), messageBatch(1)},
		},
	}

	testParseEngine(store, alloc, platform).Run(context.Background(), store.task)

	// Пауза владельца после первой партии: вторая видит не-RUNNING статус,
	// выгрузка прерывается, причина паузы не перезаписывается.
	status, reason := store.snapshotStatus()
	if status != model.TaskPaused || reason != "user_request" {
		t.Fatalf("task = %q/%q, want user pause preserved", status, reason)
	}
	if len(store.results) != 1 {
		t.Fatalf("results = %d, want 1 (fetch interrupted)", len(store.results))
	}
	// Аренда всё равно возвращена.
	if len(alloc.released) != 2 {
		t.Fatalf("released = %v, want probe and parse allocations released", alloc.released)
	}
}
