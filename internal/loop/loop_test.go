package loop

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/agentloop/internal/events"
	"github.com/aristath/agentloop/internal/execx"
	"github.com/aristath/agentloop/internal/failure"
	"github.com/aristath/agentloop/internal/graph"
	"github.com/aristath/agentloop/internal/guardrail"
	"github.com/aristath/agentloop/internal/harness"
	"github.com/aristath/agentloop/internal/hooks"
	"github.com/aristath/agentloop/internal/store"
	"github.com/aristath/agentloop/internal/supervisor"
	"github.com/aristath/agentloop/internal/task"
)

var taskIDPattern = regexp.MustCompile(`Task (\S+):`)

// call records one fake invocation for assertions.
type call struct {
	taskID string
	prompt string
}

// fakeHarness scripts per-task outcomes. The script receives the task id
// and the 1-based attempt number for that task.
type fakeHarness struct {
	mu       sync.Mutex
	attempts map[string]int
	calls    []call
	script   func(taskID string, attempt int) (harness.Result, error)
}

func (f *fakeHarness) Name() string { return "fake" }

func (f *fakeHarness) Invoke(ctx context.Context, _, taskPrompt string, _ harness.Options) (harness.Result, error) {
	if ctx.Err() != nil {
		return harness.Result{}, ctx.Err()
	}
	taskID := ""
	if m := taskIDPattern.FindStringSubmatch(taskPrompt); m != nil {
		taskID = m[1]
	}
	f.mu.Lock()
	f.attempts[taskID]++
	attempt := f.attempts[taskID]
	f.calls = append(f.calls, call{taskID: taskID, prompt: taskPrompt})
	f.mu.Unlock()
	return f.script(taskID, attempt)
}

func (f *fakeHarness) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, c := range f.calls {
		ids = append(ids, c.taskID)
	}
	return ids
}

func success() (harness.Result, error) { return harness.Result{TokensUsed: 10}, nil }
func failed() (harness.Result, error) {
	return harness.Result{ExitCode: 1, Stderr: "tests failed\n"}, nil
}

type fixture struct {
	store   *store.SQLiteStore
	harness *fakeHarness
	loop    *Loop
}

type fixtureOpts struct {
	mode       failure.Mode
	maxRetries int
	limits     guardrail.Limits
	hooks      hooks.Config
}

func newFixture(t *testing.T, script func(string, int) (harness.Result, error), fo fixtureOpts) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, t.TempDir()+"/tasks.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	fh := &fakeHarness{attempts: make(map[string]int), script: script}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pm := execx.NewProcessManager()
	sup := supervisor.New(fh, supervisor.Config{}, supervisor.NewBreakerRegistry(logger), logger)

	if fo.mode == "" {
		fo.mode = failure.ModeMoveOn
	}
	lp := New(Deps{
		Store:      st,
		Supervisor: sup,
		Failures:   failure.NewHandler(fo.mode, fo.maxRetries),
		Meter:      guardrail.NewMeter(fo.limits),
		Hooks:      hooks.NewDispatcher(fo.hooks, pm, logger),
		Bus:        events.NewBus(),
		Logger:     logger,

		HarnessName:       "fake",
		StaleClaimTimeout: 2 * time.Hour,
	})
	return &fixture{store: st, harness: fh, loop: lp}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func seedTasks(t *testing.T, st store.Store, tasks ...*task.Task) {
	t.Helper()
	for _, tk := range tasks {
		if tk.Status == "" {
			tk.Status = task.StatusOpen
		}
		if err := st.SaveTask(context.Background(), tk); err != nil {
			t.Fatal(err)
		}
	}
}

func graphFilters(epic, label string) graph.Filters {
	return graph.Filters{Epic: epic, Label: label}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(data)
}

func mustStatus(t *testing.T, st store.Store, id string, want task.Status) {
	t.Helper()
	got, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != want {
		t.Errorf("task %s status = %s, want %s", id, got.Status, want)
	}
}

func TestRunSessionDrainsBacklogInDependencyOrder(t *testing.T) {
	f := newFixture(t, func(string, int) (harness.Result, error) { return success() }, fixtureOpts{})
	seedTasks(t, f.store,
		&task.Task{ID: "t-app", Title: "build app", DependsOn: []string{"t-lib"}},
		&task.Task{ID: "t-lib", Title: "build lib", DependsOn: []string{"t-core"}},
		&task.Task{ID: "t-core", Title: "build core"},
	)

	res, err := f.loop.RunSession(context.Background(), Options{})
	if err != nil {
		t.Fatalf("RunSession failed: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s (%s)", res.State, res.Reason)
	}
	want := []string{"t-core", "t-lib", "t-app"}
	got := f.harness.order()
	if len(got) != 3 {
		t.Fatalf("invocations = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
	if res.Counts.Closed != 3 || res.Counts.Open != 0 {
		t.Errorf("counts = %+v", res.Counts)
	}
	if res.TokensUsed != 30 {
		t.Errorf("tokens = %d", res.TokensUsed)
	}
}

func TestRunSessionPriorityOrder(t *testing.T) {
	f := newFixture(t, func(string, int) (harness.Result, error) { return success() }, fixtureOpts{})
	seedTasks(t, f.store,
		&task.Task{ID: "t-low", Title: "low", Priority: task.P3},
		&task.Task{ID: "t-high", Title: "high", Priority: task.P0},
		&task.Task{ID: "t-mid", Title: "mid", Priority: task.P1},
	)

	res, err := f.loop.RunSession(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s", res.State)
	}
	got := f.harness.order()
	want := []string{"t-high", "t-mid", "t-low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

func TestRunSessionDeadlockAborts(t *testing.T) {
	// t-dep fails, so t-blocked can never become ready.
	f := newFixture(t, func(taskID string, _ int) (harness.Result, error) {
		if taskID == "t-dep" {
			return failed()
		}
		return success()
	}, fixtureOpts{mode: failure.ModeMoveOn})
	seedTasks(t, f.store,
		&task.Task{ID: "t-dep", Title: "doomed"},
		&task.Task{ID: "t-blocked", Title: "waiting", DependsOn: []string{"t-dep"}},
	)

	res, err := f.loop.RunSession(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateAborted {
		t.Fatalf("state = %s (%s)", res.State, res.Reason)
	}
	if !strings.Contains(res.Reason, "deadlock") {
		t.Fatalf("reason = %q", res.Reason)
	}
	mustStatus(t, f.store, "t-dep", task.StatusFailed)
	mustStatus(t, f.store, "t-blocked", task.StatusOpen)
}

func TestRunSessionCycleAborts(t *testing.T) {
	f := newFixture(t, func(string, int) (harness.Result, error) { return success() }, fixtureOpts{})
	seedTasks(t, f.store,
		&task.Task{ID: "t-a", Title: "a", DependsOn: []string{"t-b"}},
		&task.Task{ID: "t-b", Title: "b", DependsOn: []string{"t-a"}},
	)

	res, err := f.loop.RunSession(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateAborted || !strings.Contains(res.Reason, "cycle") {
		t.Fatalf("state = %s (%s)", res.State, res.Reason)
	}
	if len(f.harness.order()) != 0 {
		t.Fatal("tasks were executed despite the cycle")
	}
}

func TestRunSessionStopOnFailure(t *testing.T) {
	f := newFixture(t, func(taskID string, _ int) (harness.Result, error) {
		if taskID == "t-bad" {
			return failed()
		}
		return success()
	}, fixtureOpts{mode: failure.ModeStop})
	seedTasks(t, f.store,
		&task.Task{ID: "t-bad", Title: "breaks", Priority: task.P0},
		&task.Task{ID: "t-never", Title: "never runs", Priority: task.P1},
	)

	res, err := f.loop.RunSession(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateStoppedOnFailure {
		t.Fatalf("state = %s (%s)", res.State, res.Reason)
	}
	mustStatus(t, f.store, "t-bad", task.StatusFailed)
	mustStatus(t, f.store, "t-never", task.StatusOpen)
	if len(f.harness.order()) != 1 {
		t.Fatalf("invocations = %v", f.harness.order())
	}
}

func TestRunSessionRetryThenSuccess(t *testing.T) {
	f := newFixture(t, func(_ string, attempt int) (harness.Result, error) {
		if attempt == 1 {
			return failed()
		}
		return success()
	}, fixtureOpts{mode: failure.ModeRetry, maxRetries: 2})
	seedTasks(t, f.store, &task.Task{ID: "t-flaky", Title: "flaky"})

	res, err := f.loop.RunSession(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s (%s)", res.State, res.Reason)
	}
	mustStatus(t, f.store, "t-flaky", task.StatusClosed)

	calls := f.harness.calls
	if len(calls) != 2 {
		t.Fatalf("got %d invocations, want 2", len(calls))
	}
	// The retry prompt carries context from the failed attempt.
	if !strings.Contains(calls[1].prompt, "previous attempt") || !strings.Contains(calls[1].prompt, "tests failed") {
		t.Fatalf("retry prompt lacks failure context:\n%s", calls[1].prompt)
	}

	attempts, err := f.store.Attempts(context.Background(), "t-flaky")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 || attempts[0].Outcome != task.OutcomeFailure || attempts[1].Outcome != task.OutcomeSuccess {
		t.Fatalf("attempt log = %+v", attempts)
	}
}

func TestRunSessionRetryExhaustionMovesOn(t *testing.T) {
	f := newFixture(t, func(taskID string, _ int) (harness.Result, error) {
		if taskID == "t-doomed" {
			return failed()
		}
		return success()
	}, fixtureOpts{mode: failure.ModeRetry, maxRetries: 1})
	seedTasks(t, f.store,
		&task.Task{ID: "t-doomed", Title: "doomed", Priority: task.P0},
		&task.Task{ID: "t-fine", Title: "fine", Priority: task.P1},
	)

	res, err := f.loop.RunSession(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s (%s)", res.State, res.Reason)
	}
	mustStatus(t, f.store, "t-doomed", task.StatusFailed)
	mustStatus(t, f.store, "t-fine", task.StatusClosed)

	f.harness.mu.Lock()
	doomed := f.harness.attempts["t-doomed"]
	f.harness.mu.Unlock()
	if doomed != 2 { // initial attempt + one retry
		t.Fatalf("t-doomed attempts = %d, want 2", doomed)
	}
}

func TestRunSessionTaskIterationCap(t *testing.T) {
	f := newFixture(t, func(string, int) (harness.Result, error) { return failed() },
		fixtureOpts{
			mode:       failure.ModeRetry,
			maxRetries: 10,
			limits:     guardrail.Limits{MaxTaskIterations: 3},
		})
	seedTasks(t, f.store, &task.Task{ID: "t-grind", Title: "grinder"})

	res, err := f.loop.RunSession(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s (%s)", res.State, res.Reason)
	}
	mustStatus(t, f.store, "t-grind", task.StatusFailed)
	f.harness.mu.Lock()
	n := f.harness.attempts["t-grind"]
	f.harness.mu.Unlock()
	if n != 3 {
		t.Fatalf("attempts = %d, want the cap of 3", n)
	}
}

func TestRunSessionBudgetExceededTerminates(t *testing.T) {
	f := newFixture(t, func(string, int) (harness.Result, error) {
		return harness.Result{TokensUsed: 400}, nil
	}, fixtureOpts{limits: guardrail.Limits{BudgetTokens: 1000, WarnAt: 0.8}})
	seedTasks(t, f.store,
		&task.Task{ID: "t-1", Title: "one", Priority: task.P0},
		&task.Task{ID: "t-2", Title: "two", Priority: task.P1},
		&task.Task{ID: "t-3", Title: "three", Priority: task.P2},
		&task.Task{ID: "t-4", Title: "four", Priority: task.P3},
	)

	res, err := f.loop.RunSession(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	// 400 + 400 = 800: warn, keep going. 800 + 400 = 1200: exceeded.
	if res.State != StateBudgetExceeded {
		t.Fatalf("state = %s (%s)", res.State, res.Reason)
	}
	if res.TokensUsed != 1200 {
		t.Errorf("tokens = %d, want 1200", res.TokensUsed)
	}
	if got := len(f.harness.order()); got != 3 {
		t.Errorf("invocations = %d, want 3", got)
	}
	// The completed tasks stay closed; termination never rolls work back.
	mustStatus(t, f.store, "t-1", task.StatusClosed)
	mustStatus(t, f.store, "t-3", task.StatusClosed)
	mustStatus(t, f.store, "t-4", task.StatusOpen)
}

func TestRunSessionIterationCapTerminates(t *testing.T) {
	f := newFixture(t, func(string, int) (harness.Result, error) { return success() },
		fixtureOpts{limits: guardrail.Limits{MaxIterations: 2}})
	seedTasks(t, f.store,
		&task.Task{ID: "t-1", Title: "one"},
		&task.Task{ID: "t-2", Title: "two"},
		&task.Task{ID: "t-3", Title: "three"},
	)

	res, err := f.loop.RunSession(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateIterationExceeded {
		t.Fatalf("state = %s (%s)", res.State, res.Reason)
	}
	if len(f.harness.order()) != 2 {
		t.Fatalf("invocations = %v", f.harness.order())
	}
}

func TestRunSessionOnce(t *testing.T) {
	f := newFixture(t, func(string, int) (harness.Result, error) { return success() }, fixtureOpts{})
	seedTasks(t, f.store,
		&task.Task{ID: "t-1", Title: "one", Priority: task.P0},
		&task.Task{ID: "t-2", Title: "two", Priority: task.P1},
	)

	res, err := f.loop.RunSession(context.Background(), Options{Once: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s", res.State)
	}
	if len(f.harness.order()) != 1 || f.harness.order()[0] != "t-1" {
		t.Fatalf("invocations = %v", f.harness.order())
	}
	mustStatus(t, f.store, "t-2", task.StatusOpen)
}

func TestRunSessionFilters(t *testing.T) {
	f := newFixture(t, func(string, int) (harness.Result, error) { return success() }, fixtureOpts{})
	seedTasks(t, f.store,
		&task.Task{ID: "t-in", Title: "in scope", Parent: "epic-1"},
		&task.Task{ID: "t-out", Title: "out of scope", Parent: "epic-2"},
	)

	res, err := f.loop.RunSession(context.Background(), Options{
		Filters: graphFilters("epic-1", ""),
	})
	if err != nil {
		t.Fatal(err)
	}
	// The out-of-scope task stays open, so the session ends in deadlock
	// rather than completion; filtered-out work is not this session's.
	if res.State != StateAborted {
		t.Fatalf("state = %s (%s)", res.State, res.Reason)
	}
	mustStatus(t, f.store, "t-in", task.StatusClosed)
	mustStatus(t, f.store, "t-out", task.StatusOpen)
}

func TestRunSessionTriageLeavesNote(t *testing.T) {
	f := newFixture(t, func(string, int) (harness.Result, error) { return failed() },
		fixtureOpts{mode: failure.ModeTriage})
	seedTasks(t, f.store, &task.Task{ID: "t-1", Title: "needs a human"})

	res, err := f.loop.RunSession(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s (%s)", res.State, res.Reason)
	}
	mustStatus(t, f.store, "t-1", task.StatusFailed)

	notes, err := f.store.Notes(context.Background(), "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || !strings.HasPrefix(notes[0], "triage:") {
		t.Fatalf("notes = %v", notes)
	}
}

func TestRunSessionCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, func(string, int) (harness.Result, error) {
		cancel()
		<-ctx.Done()
		return harness.Result{}, ctx.Err()
	}, fixtureOpts{})
	seedTasks(t, f.store, &task.Task{ID: "t-1", Title: "interrupted"})

	res, err := f.loop.RunSession(ctx, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateCancelled {
		t.Fatalf("state = %s (%s)", res.State, res.Reason)
	}
	// The claim is left in place for stale reclaim by the next session.
	mustStatus(t, f.store, "t-1", task.StatusInProgress)
}

func TestRunSessionHookEnvironment(t *testing.T) {
	marker := t.TempDir() + "/seen"
	f := newFixture(t, func(string, int) (harness.Result, error) { return success() },
		fixtureOpts{hooks: hooks.Config{
			Hooks: map[hooks.Event][]hooks.Hook{
				hooks.PreTask: {{Command: `echo "$AGENTLOOP_TASK_ID" >> ` + marker}},
			},
		}})
	seedTasks(t, f.store, &task.Task{ID: "t-hooked", Title: "with hooks"})

	res, err := f.loop.RunSession(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s (%s)", res.State, res.Reason)
	}
	data := readFile(t, marker)
	if strings.TrimSpace(data) != "t-hooked" {
		t.Fatalf("pre-task hook saw %q", data)
	}
}

func TestRunSessionStaleClaimReclaimed(t *testing.T) {
	f := newFixture(t, func(string, int) (harness.Result, error) { return success() }, fixtureOpts{})
	seedTasks(t, f.store, &task.Task{
		ID:        "t-stuck",
		Title:     "left behind",
		Status:    task.StatusInProgress,
		Assignee:  "dead-session",
		ClaimedAt: time.Now().Add(-3 * time.Hour),
	})

	res, err := f.loop.RunSession(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s (%s)", res.State, res.Reason)
	}
	mustStatus(t, f.store, "t-stuck", task.StatusClosed)
}
