package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentbus/internal/config"
	"github.com/basket/agentbus/internal/eventsink"
	"github.com/basket/agentbus/internal/identity"
	"github.com/basket/agentbus/internal/persistence"
)

type stubExporter struct {
	transcript string
	err        error
}

func (s stubExporter) Export(ctx context.Context, channelName string) (string, error) {
	return s.transcript, s.err
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	store      *persistence.Store
	registry   *identity.Registry
	channelID  string
	senderID   string
}

func newDispatchFixture(t *testing.T, roles map[string]config.RoleConfig, exporter Exporter) *dispatchFixture {
	t.Helper()
	ctx := context.Background()
	store := newTestStore(t)
	registry := identity.NewRegistry(store)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{
		InstructionTemplate: "Task: ",
		Roles:               roles,
	}
	d := New(Options{
		Store:    store,
		Registry: registry,
		Config:   cfg,
		Sink:     eventsink.New(store, logger),
		Logger:   logger,
		Exporter: exporter,
	})

	channelID, err := store.ResolveOrCreateChannel(ctx, "dev")
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	senderID, err := registry.Ensure(ctx, "lead")
	if err != nil {
		t.Fatalf("ensure sender: %v", err)
	}
	return &dispatchFixture{
		dispatcher: d,
		store:      store,
		registry:   registry,
		channelID:  channelID,
		senderID:   senderID,
	}
}

func (f *dispatchFixture) onlyTask(t *testing.T) *persistence.Task {
	t.Helper()
	tasks, err := f.store.ListTasks(context.Background(), "", "", 0)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("task count = %d, want 1", len(tasks))
	}
	return &tasks[0]
}

func TestHandleMessage_CompletedDispatchAppendsReply(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture(t,
		map[string]config.RoleConfig{"scribe": {Command: "unused", Args: []string{"--fast"}}},
		stubExporter{transcript: "[...] lead: earlier context"})

	f.dispatcher.runWorker = func(ctx context.Context, timeout time.Duration, name string, args []string, onStart func(pid int)) (WorkerResult, error) {
		onStart(4242)
		// Workers read the prompt from their first argument; role flags follow.
		if len(args) != 2 || !strings.Contains(args[0], "Task: summarize the thread") || args[1] != "--fast" {
			t.Fatalf("worker args = %v, want [prompt --fast]", args)
		}
		return WorkerResult{Stdout: "summary done", ExitCode: 0}, nil
	}

	f.dispatcher.HandleMessage(ctx, f.channelID, f.senderID, "@scribe summarize the thread")

	task := f.onlyTask(t)
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if task.Output != "summary done" || task.PID != 4242 {
		t.Fatalf("task = %+v", task)
	}
	if task.Input != "[...] lead: earlier context\n\nTask: summarize the thread" {
		t.Fatalf("input = %q", task.Input)
	}

	scribeID, err := f.registry.Resolve(ctx, "scribe")
	if err != nil {
		t.Fatalf("resolve scribe: %v", err)
	}
	if task.AgentID != scribeID {
		t.Fatalf("agent = %s, want scribe %s", task.AgentID, scribeID)
	}

	msgs, err := f.store.ListAllMessages(ctx, f.channelID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].SenderID != scribeID || msgs[0].Content != "summary done" {
		t.Fatalf("messages = %+v, want scribe reply", msgs)
	}
}

func TestHandleMessage_WorkerFailureRecordsStderr(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture(t,
		map[string]config.RoleConfig{"scribe": {Command: "unused"}},
		stubExporter{transcript: "context"})

	f.dispatcher.runWorker = func(ctx context.Context, timeout time.Duration, name string, args []string, onStart func(pid int)) (WorkerResult, error) {
		onStart(1)
		return WorkerResult{Stderr: "boom", ExitCode: 1}, nil
	}

	f.dispatcher.HandleMessage(ctx, f.channelID, f.senderID, "@scribe do it")

	task := f.onlyTask(t)
	if task.Status != persistence.TaskStatusFailed || task.Stderr != "boom" {
		t.Fatalf("task = %+v, want failed with stderr boom", task)
	}

	// A failed dispatch writes nothing back to the channel.
	msgs, err := f.store.ListAllMessages(ctx, f.channelID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages = %+v, want none", msgs)
	}
}

func TestHandleMessage_SilentSuccessIsFailure(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture(t,
		map[string]config.RoleConfig{"scribe": {Command: "unused"}},
		stubExporter{transcript: "context"})

	f.dispatcher.runWorker = func(ctx context.Context, timeout time.Duration, name string, args []string, onStart func(pid int)) (WorkerResult, error) {
		onStart(1)
		return WorkerResult{Stdout: "   \n", ExitCode: 0}, nil
	}

	f.dispatcher.HandleMessage(ctx, f.channelID, f.senderID, "@scribe do it")

	task := f.onlyTask(t)
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if task.Stderr != "worker exited 0 with no output" {
		t.Fatalf("stderr = %q", task.Stderr)
	}
}

func TestHandleMessage_WorkerTimeout(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture(t,
		map[string]config.RoleConfig{"scribe": {Command: "unused", TimeoutSeconds: 1}},
		stubExporter{transcript: "context"})

	f.dispatcher.runWorker = func(ctx context.Context, timeout time.Duration, name string, args []string, onStart func(pid int)) (WorkerResult, error) {
		onStart(1)
		return WorkerResult{TimedOut: true, ExitCode: -1}, nil
	}

	f.dispatcher.HandleMessage(ctx, f.channelID, f.senderID, "@scribe do it")

	task := f.onlyTask(t)
	if task.Status != persistence.TaskStatusTimeout {
		t.Fatalf("status = %s, want timeout", task.Status)
	}
	if !strings.Contains(task.Stderr, "timed out after 1s") {
		t.Fatalf("stderr = %q", task.Stderr)
	}
}

func TestHandleMessage_ExportFailureCreatesNoTask(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture(t,
		map[string]config.RoleConfig{"scribe": {Command: "unused"}},
		stubExporter{err: errors.New("export helper exited 1")})

	f.dispatcher.runWorker = func(ctx context.Context, timeout time.Duration, name string, args []string, onStart func(pid int)) (WorkerResult, error) {
		t.Fatal("worker must not run when export fails")
		return WorkerResult{}, nil
	}

	f.dispatcher.HandleMessage(ctx, f.channelID, f.senderID, "@scribe do it")

	tasks, err := f.store.ListTasks(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("tasks = %+v, want none", tasks)
	}
}

func TestHandleMessage_UnconfiguredMentionIgnored(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture(t, nil, stubExporter{transcript: "context"})

	f.dispatcher.runWorker = func(ctx context.Context, timeout time.Duration, name string, args []string, onStart func(pid int)) (WorkerResult, error) {
		t.Fatal("worker must not run for unconfigured mentions")
		return WorkerResult{}, nil
	}

	f.dispatcher.HandleMessage(ctx, f.channelID, f.senderID, "@ghost please respond")

	tasks, err := f.store.ListTasks(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("tasks = %+v, want none", tasks)
	}
}

func TestHandleMessage_PollAndDismiss(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture(t, nil, stubExporter{})

	f.dispatcher.HandleMessage(ctx, f.channelID, f.senderID, "/poll @scribe @builder")

	polls, err := f.store.ActivePolls(ctx, f.channelID)
	if err != nil {
		t.Fatalf("active polls: %v", err)
	}
	if len(polls) != 2 {
		t.Fatalf("polls = %+v, want 2", polls)
	}

	f.dispatcher.HandleMessage(ctx, f.channelID, f.senderID, "!scribe")

	polls, err = f.store.ActivePolls(ctx, f.channelID)
	if err != nil {
		t.Fatalf("active polls: %v", err)
	}
	builderID, err := f.registry.Resolve(ctx, "builder")
	if err != nil {
		t.Fatalf("resolve builder: %v", err)
	}
	if len(polls) != 1 || polls[0].WatchedID != builderID {
		t.Fatalf("polls = %+v, want only builder watched", polls)
	}
}

func TestKill(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture(t, nil, stubExporter{})

	scribeID, err := f.registry.Ensure(ctx, "scribe")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	taskID, err := f.store.CreateTask(ctx, scribeID, f.channelID, "input")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := f.store.MarkTaskRunning(ctx, taskID, 0); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	if err := f.dispatcher.Kill(ctx, taskID); err != nil {
		t.Fatalf("kill: %v", err)
	}
	task, err := f.store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusFailed || task.Stderr != "killed by user" {
		t.Fatalf("task = %+v, want failed/killed by user", task)
	}

	// Killing an already-terminal task is a no-op, not an error.
	if err := f.dispatcher.Kill(ctx, taskID); err != nil {
		t.Fatalf("second kill: %v", err)
	}

	if err := f.dispatcher.Kill(ctx, "no-such-task"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("kill missing = %v, want ErrNotFound", err)
	}
}

func TestWaitFor(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture(t, nil, stubExporter{})

	scribeID, err := f.registry.Ensure(ctx, "scribe")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	newTask := func(t *testing.T) string {
		t.Helper()
		id, err := f.store.CreateTask(ctx, scribeID, f.channelID, "input")
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		return id
	}

	t.Run("completed returns 0", func(t *testing.T) {
		id := newTask(t)
		if err := f.store.MarkTaskRunning(ctx, id, 1); err != nil {
			t.Fatalf("running: %v", err)
		}
		if err := f.store.CompleteTask(ctx, id, "done"); err != nil {
			t.Fatalf("complete: %v", err)
		}
		code, err := f.dispatcher.WaitFor(ctx, id, 0)
		if err != nil || code != ExitSuccess {
			t.Fatalf("code=%d err=%v, want 0", code, err)
		}
	})

	t.Run("failed returns 1", func(t *testing.T) {
		id := newTask(t)
		if err := f.store.FailTask(ctx, id, "boom"); err != nil {
			t.Fatalf("fail: %v", err)
		}
		code, err := f.dispatcher.WaitFor(ctx, id, 0)
		if err != nil || code != ExitFailure {
			t.Fatalf("code=%d err=%v, want 1", code, err)
		}
	})

	t.Run("deadline marks timeout and returns 124", func(t *testing.T) {
		id := newTask(t)
		code, err := f.dispatcher.WaitFor(ctx, id, 10*time.Millisecond)
		if err != nil || code != ExitTimedOut {
			t.Fatalf("code=%d err=%v, want 124", code, err)
		}
		task, err := f.store.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status != persistence.TaskStatusTimeout {
			t.Fatalf("status = %s, want timeout", task.Status)
		}
	})
}
