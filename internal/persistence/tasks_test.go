package persistence

import (
	"context"
	"errors"
	"testing"
)

func TestTaskLifecycle_Completed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	channelID, agentID := seedChannel(t, store, "dev", "scribe")

	taskID, err := store.CreateTask(ctx, agentID, channelID, "summarize the thread")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != TaskStatusPending {
		t.Fatalf("status = %q, want pending", task.Status)
	}
	if task.Input != "summarize the thread" {
		t.Fatalf("input = %q", task.Input)
	}

	if err := store.MarkTaskRunning(ctx, taskID, 4242); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	task, _ = store.GetTask(ctx, taskID)
	if task.Status != TaskStatusRunning || task.PID != 4242 || task.StartedAt == nil {
		t.Fatalf("running task = %+v", task)
	}

	if err := store.CompleteTask(ctx, taskID, "done: three points"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	task, _ = store.GetTask(ctx, taskID)
	if task.Status != TaskStatusCompleted || task.Output != "done: three points" || task.CompletedAt == nil {
		t.Fatalf("completed task = %+v", task)
	}
	if !task.Status.IsTerminal() {
		t.Fatal("completed should be terminal")
	}
}

func TestTaskTransitions_Guarded(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	channelID, agentID := seedChannel(t, store, "dev", "scribe")

	newTask := func(t *testing.T) string {
		t.Helper()
		id, err := store.CreateTask(ctx, agentID, channelID, "work")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return id
	}

	t.Run("complete requires running", func(t *testing.T) {
		id := newTask(t)
		if err := store.CompleteTask(ctx, id, "out"); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("err = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("fail from pending", func(t *testing.T) {
		id := newTask(t)
		if err := store.FailTask(ctx, id, "export failed"); err != nil {
			t.Fatalf("fail: %v", err)
		}
	})

	t.Run("timeout from pending", func(t *testing.T) {
		id := newTask(t)
		if err := store.TimeoutTask(ctx, id, "wait deadline exceeded"); err != nil {
			t.Fatalf("timeout: %v", err)
		}
	})

	t.Run("terminal tasks stay terminal", func(t *testing.T) {
		id := newTask(t)
		if err := store.MarkTaskRunning(ctx, id, 1); err != nil {
			t.Fatalf("run: %v", err)
		}
		if err := store.FailTask(ctx, id, "boom"); err != nil {
			t.Fatalf("fail: %v", err)
		}
		if err := store.CompleteTask(ctx, id, "late output"); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("resurrect err = %v, want ErrInvalidTransition", err)
		}
		if err := store.MarkTaskRunning(ctx, id, 2); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("rerun err = %v, want ErrInvalidTransition", err)
		}
	})
}

func TestListTasks_Filters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	devID, scribeID := seedChannel(t, store, "dev", "scribe")
	opsID, err := store.ResolveOrCreateChannel(ctx, "ops")
	if err != nil {
		t.Fatalf("create ops: %v", err)
	}
	builderID, _ := store.EnsureIdentity(ctx, "builder")

	if _, err := store.CreateTask(ctx, scribeID, devID, "a"); err != nil {
		t.Fatalf("task a: %v", err)
	}
	if _, err := store.CreateTask(ctx, builderID, devID, "b"); err != nil {
		t.Fatalf("task b: %v", err)
	}
	if _, err := store.CreateTask(ctx, scribeID, opsID, "c"); err != nil {
		t.Fatalf("task c: %v", err)
	}

	all, err := store.ListTasks(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d, want 3", len(all))
	}

	byAgent, err := store.ListTasks(ctx, scribeID, "", 0)
	if err != nil {
		t.Fatalf("list by agent: %v", err)
	}
	if len(byAgent) != 2 {
		t.Fatalf("by agent = %d, want 2", len(byAgent))
	}

	byBoth, err := store.ListTasks(ctx, scribeID, opsID, 0)
	if err != nil {
		t.Fatalf("list by both: %v", err)
	}
	if len(byBoth) != 1 || byBoth[0].Input != "c" {
		t.Fatalf("by both = %+v, want just c", byBoth)
	}

	limited, err := store.ListTasks(ctx, "", "", 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limited = %d, want 1", len(limited))
	}
}
