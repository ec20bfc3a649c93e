package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/basket/agentbus/internal/consumer"
	"github.com/basket/agentbus/internal/dispatch"
	"github.com/basket/agentbus/internal/persistence"
)

func runSendCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	channel := fs.String("channel", "", "channel name (created on first use)")
	from := fs.String("from", "", "sender identity name")
	alert := fs.Bool("alert", false, "tag the message for the alert stream")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if *channel == "" || *from == "" || text == "" {
		return usageError("send requires -channel, -from, and message text")
	}

	rt, err := openRuntime(ctx, quietWhenInteractive())
	if err != nil {
		return fail(err)
	}
	defer rt.Close()

	senderID, err := rt.registry.Ensure(ctx, *from)
	if err != nil {
		return fail(err)
	}
	channelID, err := rt.store.ResolveOrCreateChannel(ctx, *channel)
	if err != nil {
		return fail(err)
	}

	priority := persistence.PriorityNormal
	if *alert {
		priority = persistence.PriorityAlert
	}
	msgID, err := rt.store.AppendMessage(ctx, channelID, senderID, text, priority)
	if err != nil {
		return fail(err)
	}
	rt.sink.Emit(ctx, "cli", "message.appended", senderID, map[string]any{
		"message_id": msgID, "channel_id": channelID, "priority": string(priority),
	})
	rt.metrics.MessagesAppended.Add(ctx, 1)

	// Commands and mentions run in the sending process; worker replies land
	// in the channel before we return.
	rt.dispatcher.HandleMessage(ctx, channelID, senderID, text)

	fmt.Println(msgID)
	return 0
}

func runRecvCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("recv", flag.ContinueOnError)
	channel := fs.String("channel", "", "channel name")
	as := fs.String("as", "", "consumer identity name")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *channel == "" || *as == "" {
		return usageError("recv requires -channel and -as")
	}

	rt, err := openRuntime(ctx, quietWhenInteractive())
	if err != nil {
		return fail(err)
	}
	defer rt.Close()

	ch, err := rt.store.GetChannel(ctx, *channel)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return fail(fmt.Errorf("channel %q not found", *channel))
		}
		return fail(err)
	}
	consumerID, err := rt.registry.Ensure(ctx, *as)
	if err != nil {
		return fail(err)
	}

	res, err := rt.store.Receive(ctx, ch.ID, consumerID)
	if err != nil {
		return fail(err)
	}
	printReceiveResult(ctx, rt, res)
	return 0
}

func runWaitCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("wait", flag.ContinueOnError)
	channel := fs.String("channel", "", "channel name")
	as := fs.String("as", "", "consumer identity name")
	interval := fs.Duration("interval", 0, "poll interval (default from config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *channel == "" || *as == "" {
		return usageError("wait requires -channel and -as")
	}

	rt, err := openRuntime(ctx, quietWhenInteractive())
	if err != nil {
		return fail(err)
	}
	defer rt.Close()

	ch, err := rt.store.GetChannel(ctx, *channel)
	if err != nil {
		return fail(err)
	}
	consumerID, err := rt.registry.Ensure(ctx, *as)
	if err != nil {
		return fail(err)
	}

	pollEvery := *interval
	if pollEvery <= 0 {
		pollEvery = rt.cfg.PollInterval()
	}
	res, err := consumer.Wait(ctx, rt.store, ch.ID, consumerID, pollEvery)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		return fail(err)
	}
	printReceiveResult(ctx, rt, res)
	return 0
}

func runAlertsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("alerts", flag.ContinueOnError)
	as := fs.String("as", "", "consumer identity name")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *as == "" {
		return usageError("alerts requires -as")
	}

	rt, err := openRuntime(ctx, quietWhenInteractive())
	if err != nil {
		return fail(err)
	}
	defer rt.Close()

	consumerID, err := rt.registry.Ensure(ctx, *as)
	if err != nil {
		return fail(err)
	}
	alerts, err := rt.store.UnreadAlerts(ctx, consumerID)
	if err != nil {
		return fail(err)
	}
	rt.metrics.AlertsDelivered.Add(ctx, int64(len(alerts)))
	for _, m := range alerts {
		channelName := m.ChannelID
		if ch, err := rt.store.GetChannelByID(ctx, m.ChannelID); err == nil {
			channelName = ch.Name
		}
		fmt.Printf("[%s] #%s %s: %s\n", formatTime(m.CreatedAt), channelName, senderName(ctx, rt, m.SenderID), m.Content)
	}
	return 0
}

func runNoteCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("note", flag.ContinueOnError)
	channel := fs.String("channel", "", "channel name (created on first use)")
	from := fs.String("from", "", "author identity name")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if *channel == "" || *from == "" || text == "" {
		return usageError("note requires -channel, -from, and note text")
	}

	rt, err := openRuntime(ctx, quietWhenInteractive())
	if err != nil {
		return fail(err)
	}
	defer rt.Close()

	authorID, err := rt.registry.Ensure(ctx, *from)
	if err != nil {
		return fail(err)
	}
	channelID, err := rt.store.ResolveOrCreateChannel(ctx, *channel)
	if err != nil {
		return fail(err)
	}
	noteID, err := rt.store.AddNote(ctx, channelID, authorID, text)
	if err != nil {
		return fail(err)
	}
	fmt.Println(noteID)
	return 0
}

// runExportCommand prints the transcript raw on stdout. This is the default
// export helper the dispatcher shells out to when building worker prompts, so
// stdout must carry nothing but the transcript itself.
func runExportCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		return usageError("export requires exactly one channel name")
	}

	rt, err := openRuntime(ctx, quietWhenInteractive())
	if err != nil {
		return fail(err)
	}
	defer rt.Close()

	ch, err := rt.store.GetChannel(ctx, args[0])
	if errors.Is(err, persistence.ErrNotFound) {
		ch, err = rt.store.GetArchivedChannel(ctx, args[0])
	}
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return fail(fmt.Errorf("channel %q not found", args[0]))
		}
		return fail(err)
	}

	transcript, err := dispatch.Transcript(ctx, rt.store, rt.registry, ch.ID)
	if err != nil {
		return fail(err)
	}
	fmt.Print(transcript)
	return 0
}

func printReceiveResult(ctx context.Context, rt *runtime, res *persistence.ReceiveResult) {
	if res.Topic != "" {
		fmt.Printf("topic: %s\n", res.Topic)
	}
	for _, m := range res.Messages {
		prefix := ""
		if m.Priority == persistence.PriorityAlert {
			prefix = "[ALERT] "
		}
		fmt.Printf("[%s] %s: %s%s\n", formatTime(m.CreatedAt), senderName(ctx, rt, m.SenderID), prefix, m.Content)
	}
	if len(res.Participants) > 0 {
		names := make([]string, 0, len(res.Participants))
		for _, id := range res.Participants {
			names = append(names, senderName(ctx, rt, id))
		}
		fmt.Printf("participants: %s\n", strings.Join(names, ", "))
	}
}

func senderName(ctx context.Context, rt *runtime, id string) string {
	name, err := rt.registry.Reverse(ctx, id)
	if err != nil {
		return id
	}
	return name
}
