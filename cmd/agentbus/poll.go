package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/basket/agentbus/internal/identity"
	"github.com/basket/agentbus/internal/persistence"
)

func runPollCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return usageError("poll requires an action: start, dismiss, list")
	}
	action, rest := args[0], args[1:]

	switch action {
	case "start":
		fs := flag.NewFlagSet("poll start", flag.ContinueOnError)
		channel := fs.String("channel", "", "channel name (created on first use)")
		by := fs.String("by", "", "supervising identity name")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if *channel == "" || *by == "" || fs.NArg() == 0 {
			return usageError("poll start requires -channel, -by, and at least one watched name")
		}
		return withRuntime(ctx, func(rt *runtime) int {
			creatorID, err := rt.registry.Ensure(ctx, *by)
			if err != nil {
				return fail(err)
			}
			channelID, err := rt.store.ResolveOrCreateChannel(ctx, *channel)
			if err != nil {
				return fail(err)
			}
			for _, name := range fs.Args() {
				watchedID, err := rt.registry.Ensure(ctx, name)
				if err != nil {
					return fail(err)
				}
				pollID, err := rt.store.StartPoll(ctx, watchedID, channelID, creatorID)
				if err != nil {
					return fail(err)
				}
				fmt.Println(pollID)
			}
			return 0
		})

	case "dismiss":
		fs := flag.NewFlagSet("poll dismiss", flag.ContinueOnError)
		channel := fs.String("channel", "", "channel name")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if *channel == "" || fs.NArg() != 1 {
			return usageError("poll dismiss requires -channel and exactly one watched name")
		}
		return withRuntime(ctx, func(rt *runtime) int {
			ch, err := rt.store.GetChannel(ctx, *channel)
			if err != nil {
				return fail(err)
			}
			watchedID, err := rt.registry.Resolve(ctx, fs.Arg(0))
			if err != nil {
				if errors.Is(err, identity.ErrNotFound) {
					return fail(fmt.Errorf("identity %q not found", fs.Arg(0)))
				}
				return fail(err)
			}
			dismissed, err := rt.store.DismissPoll(ctx, watchedID, ch.ID)
			if err != nil {
				return fail(err)
			}
			if !dismissed {
				fmt.Printf("no open poll for %s in %s\n", fs.Arg(0), *channel)
			}
			return 0
		})

	case "list":
		fs := flag.NewFlagSet("poll list", flag.ContinueOnError)
		channel := fs.String("channel", "", "restrict to one channel")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		return withRuntime(ctx, func(rt *runtime) int {
			channelID := ""
			if *channel != "" {
				ch, err := rt.store.GetChannel(ctx, *channel)
				if err != nil {
					if errors.Is(err, persistence.ErrNotFound) {
						return fail(fmt.Errorf("channel %q not found", *channel))
					}
					return fail(err)
				}
				channelID = ch.ID
			}
			polls, err := rt.store.ActivePolls(ctx, channelID)
			if err != nil {
				return fail(err)
			}
			for _, p := range polls {
				channelName := p.ChannelID
				if ch, err := rt.store.GetChannelByID(ctx, p.ChannelID); err == nil {
					channelName = ch.Name
				}
				fmt.Printf("[%s] #%s watching %s (by %s)\n",
					formatTime(p.StartedAt), channelName,
					senderName(ctx, rt, p.WatchedID), senderName(ctx, rt, p.CreatedBy))
			}
			return 0
		})

	default:
		return usageError(fmt.Sprintf("unknown poll action %q", action))
	}
}
