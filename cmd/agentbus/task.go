package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/agentbus/internal/persistence"
)

func runTaskCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return usageError("task requires an action: list, show, wait, kill")
	}
	action, rest := args[0], args[1:]

	switch action {
	case "list":
		fs := flag.NewFlagSet("task list", flag.ContinueOnError)
		agent := fs.String("agent", "", "restrict to one identity name")
		channel := fs.String("channel", "", "restrict to one channel name")
		limit := fs.Int("limit", 0, "maximum rows (default 50)")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		return withRuntime(ctx, func(rt *runtime) int {
			agentID := ""
			if *agent != "" {
				id, err := rt.registry.Resolve(ctx, *agent)
				if err != nil {
					return fail(fmt.Errorf("identity %q not found", *agent))
				}
				agentID = id
			}
			channelID := ""
			if *channel != "" {
				ch, err := rt.store.GetChannel(ctx, *channel)
				if err != nil {
					return fail(fmt.Errorf("channel %q not found", *channel))
				}
				channelID = ch.ID
			}
			tasks, err := rt.store.ListTasks(ctx, agentID, channelID, *limit)
			if err != nil {
				return fail(err)
			}
			for _, t := range tasks {
				fmt.Printf("%s  %-9s  %s  %s\n",
					t.ID, t.Status, senderName(ctx, rt, t.AgentID), formatTime(t.CreatedAt))
			}
			return 0
		})

	case "show":
		if len(rest) != 1 {
			return usageError("task show requires exactly one task id")
		}
		return withRuntime(ctx, func(rt *runtime) int {
			t, err := rt.store.GetTask(ctx, rest[0])
			if err != nil {
				if errors.Is(err, persistence.ErrNotFound) {
					return fail(fmt.Errorf("task %q not found", rest[0]))
				}
				return fail(err)
			}
			fmt.Printf("id:       %s\n", t.ID)
			fmt.Printf("agent:    %s\n", senderName(ctx, rt, t.AgentID))
			fmt.Printf("status:   %s\n", t.Status)
			fmt.Printf("created:  %s\n", formatTime(t.CreatedAt))
			if t.StartedAt != nil {
				fmt.Printf("started:  %s (pid %d)\n", formatTime(*t.StartedAt), t.PID)
			}
			if t.CompletedAt != nil {
				fmt.Printf("finished: %s (%s)\n", formatTime(*t.CompletedAt), t.Duration().Round(time.Millisecond))
			}
			if t.Output != "" {
				fmt.Printf("output:\n%s\n", t.Output)
			}
			if t.Stderr != "" {
				fmt.Printf("stderr:\n%s\n", t.Stderr)
			}
			return 0
		})

	case "wait":
		fs := flag.NewFlagSet("task wait", flag.ContinueOnError)
		timeout := fs.Duration("timeout", 0, "give up and mark the task timed out (0 waits forever)")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if fs.NArg() != 1 {
			return usageError("task wait requires exactly one task id")
		}
		return withRuntime(ctx, func(rt *runtime) int {
			code, err := rt.dispatcher.WaitFor(ctx, fs.Arg(0), *timeout)
			if err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintln(os.Stderr, "agentbus:", err)
			}
			return code
		})

	case "kill":
		if len(rest) != 1 {
			return usageError("task kill requires exactly one task id")
		}
		return withRuntime(ctx, func(rt *runtime) int {
			if err := rt.dispatcher.Kill(ctx, rest[0]); err != nil {
				if errors.Is(err, persistence.ErrNotFound) {
					return fail(fmt.Errorf("task %q not found", rest[0]))
				}
				return fail(err)
			}
			return 0
		})

	default:
		return usageError(fmt.Sprintf("unknown task action %q", action))
	}
}
