package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/basket/agentbus/internal/persistence"
)

func runChannelCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return usageError("channel requires an action: create, list, rename, archive, pin, unpin, delete")
	}
	action, rest := args[0], args[1:]

	switch action {
	case "create":
		fs := flag.NewFlagSet("channel create", flag.ContinueOnError)
		topic := fs.String("topic", "", "channel topic shown to consumers")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if fs.NArg() != 1 {
			return usageError("channel create requires exactly one name")
		}
		return withRuntime(ctx, func(rt *runtime) int {
			id, err := rt.store.CreateChannel(ctx, fs.Arg(0), *topic)
			if err != nil {
				if errors.Is(err, persistence.ErrDuplicateChannel) {
					return fail(fmt.Errorf("channel %q already exists", fs.Arg(0)))
				}
				return fail(err)
			}
			rt.sink.Emit(ctx, "cli", "channel.created", "", map[string]any{"channel_id": id})
			fmt.Println(id)
			return 0
		})

	case "list":
		fs := flag.NewFlagSet("channel list", flag.ContinueOnError)
		all := fs.Bool("all", false, "include archived channels")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		return withRuntime(ctx, func(rt *runtime) int {
			channels, err := rt.store.ListChannels(ctx, *all)
			if err != nil {
				return fail(err)
			}
			for _, ch := range channels {
				marker := " "
				if ch.PinnedAt != nil {
					marker = "*"
				}
				state := ""
				if ch.ArchivedAt != nil {
					state = " (archived)"
				}
				fmt.Printf("%s %s%s", marker, ch.Name, state)
				if ch.Topic != "" {
					fmt.Printf("  %s", ch.Topic)
				}
				fmt.Println()
			}
			return 0
		})

	case "rename":
		if len(rest) != 2 {
			return usageError("channel rename requires <old> <new>")
		}
		return withRuntime(ctx, func(rt *runtime) int {
			if err := rt.store.RenameChannel(ctx, rest[0], rest[1]); err != nil {
				switch {
				case errors.Is(err, persistence.ErrNotFound):
					return fail(fmt.Errorf("channel %q not found", rest[0]))
				case errors.Is(err, persistence.ErrDuplicateChannel):
					return fail(fmt.Errorf("channel %q already exists", rest[1]))
				case errors.Is(err, persistence.ErrArchivedConflict):
					return fail(fmt.Errorf("an archived channel named %q blocks the rename", rest[1]))
				}
				return fail(err)
			}
			rt.sink.Emit(ctx, "cli", "channel.renamed", "", map[string]any{
				"old_name": rest[0], "new_name": rest[1],
			})
			return 0
		})

	case "archive":
		return channelStateAction(ctx, rest, "archive", "channel.archived", func(rt *runtime, name string) error {
			return rt.store.ArchiveChannel(ctx, name)
		})
	case "pin":
		return channelStateAction(ctx, rest, "pin", "channel.pinned", func(rt *runtime, name string) error {
			return rt.store.PinChannel(ctx, name)
		})
	case "unpin":
		return channelStateAction(ctx, rest, "unpin", "channel.unpinned", func(rt *runtime, name string) error {
			return rt.store.UnpinChannel(ctx, name)
		})

	case "delete":
		if len(rest) != 1 {
			return usageError("channel delete requires exactly one name")
		}
		return withRuntime(ctx, func(rt *runtime) int {
			if err := rt.store.DeleteChannel(ctx, rest[0]); err != nil {
				if errors.Is(err, persistence.ErrNotFound) {
					return fail(fmt.Errorf("channel %q not found", rest[0]))
				}
				return fail(err)
			}
			rt.sink.Emit(ctx, "cli", "channel.deleted", "", map[string]any{"name": rest[0]})
			return 0
		})

	default:
		return usageError(fmt.Sprintf("unknown channel action %q", action))
	}
}

func channelStateAction(ctx context.Context, rest []string, action, eventType string, op func(rt *runtime, name string) error) int {
	if len(rest) != 1 {
		return usageError(fmt.Sprintf("channel %s requires exactly one name", action))
	}
	return withRuntime(ctx, func(rt *runtime) int {
		if err := op(rt, rest[0]); err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return fail(fmt.Errorf("channel %q not found", rest[0]))
			}
			return fail(err)
		}
		rt.sink.Emit(ctx, "cli", eventType, "", map[string]any{"name": rest[0]})
		return 0
	})
}

// withRuntime opens the store around one subcommand body.
func withRuntime(ctx context.Context, body func(rt *runtime) int) int {
	rt, err := openRuntime(ctx, quietWhenInteractive())
	if err != nil {
		return fail(err)
	}
	defer rt.Close()
	return body(rt)
}
