package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/agentbus/internal/config"
	"github.com/basket/agentbus/internal/eventsink"
	"github.com/basket/agentbus/internal/identity"
	otelx "github.com/basket/agentbus/internal/otel"
	"github.com/basket/agentbus/internal/persistence"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Exit codes returned by WaitFor. 124 mirrors timeout(1).
const (
	ExitSuccess  = 0
	ExitFailure  = 1
	ExitTimedOut = 124
)

const (
	waitForPollInterval = 500 * time.Millisecond
	killedStderr        = "killed by user"
)

// Options wires a Dispatcher. Store, Registry, and Config are required;
// everything else degrades to a no-op or default when nil.
type Options struct {
	Store    *persistence.Store
	Registry *identity.Registry
	Config   *config.Config
	Sink     *eventsink.Sink
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otelx.Metrics
	Exporter Exporter
}

// Dispatcher scans appended messages for commands and mentions, and runs the
// mention-to-worker pipeline. Everything here is best-effort: the send that
// triggered dispatch has already succeeded, so failures are recorded on the
// Task or logged, never raised.
type Dispatcher struct {
	store    *persistence.Store
	registry *identity.Registry
	cfg      *config.Config
	sink     *eventsink.Sink
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otelx.Metrics
	exporter Exporter

	// runWorker is swappable in tests.
	runWorker func(ctx context.Context, timeout time.Duration, name string, args []string, onStart func(pid int)) (WorkerResult, error)
}

func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	exporter := opts.Exporter
	if exporter == nil {
		exporter = NewCommandExporter(opts.Config.Export)
	}
	return &Dispatcher{
		store:     opts.Store,
		registry:  opts.Registry,
		cfg:       opts.Config,
		sink:      opts.Sink,
		logger:    logger,
		tracer:    tracer,
		metrics:   opts.Metrics,
		exporter:  exporter,
		runWorker: runCommand,
	}
}

// HandleMessage processes one successfully appended message: poll/dismiss
// commands short-circuit; otherwise each distinct configured mention is
// dispatched sequentially and independently.
func (d *Dispatcher) HandleMessage(ctx context.Context, channelID, senderID, content string) {
	cmd := ParseCommand(content)
	switch cmd.Kind {
	case CommandPoll:
		d.handlePoll(ctx, channelID, senderID, cmd.Names)
		return
	case CommandDismiss:
		d.handleDismiss(ctx, channelID, cmd.Names[0])
		return
	}

	for _, mention := range ParseMentions(content) {
		role, ok := d.cfg.Role(mention.Name)
		if !ok {
			d.logger.Debug("mention without role config, skipping", "name", mention.Name)
			continue
		}
		// One identity's failure must not abort another's dispatch.
		d.dispatchOne(ctx, channelID, mention, role)
	}
}

func (d *Dispatcher) handlePoll(ctx context.Context, channelID, senderID string, names []string) {
	for _, name := range names {
		watchedID, err := d.registry.Ensure(ctx, name)
		if err != nil {
			d.logger.Warn("poll command: ensure identity failed", "name", name, "error", err)
			continue
		}
		pollID, err := d.store.StartPoll(ctx, watchedID, channelID, senderID)
		if err != nil {
			d.logger.Warn("poll command: start failed", "name", name, "error", err)
			continue
		}
		if d.metrics != nil {
			d.metrics.PollsActive.Add(ctx, 1)
		}
		d.sink.Emit(ctx, "dispatch", "poll.started", watchedID, map[string]any{
			"poll_id": pollID, "channel_id": channelID,
		})
	}
}

func (d *Dispatcher) handleDismiss(ctx context.Context, channelID, name string) {
	watchedID, err := d.registry.Resolve(ctx, name)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			d.logger.Info("dismiss command: unknown identity", "name", name)
			return
		}
		d.logger.Warn("dismiss command: resolve failed", "name", name, "error", err)
		return
	}
	ok, err := d.store.DismissPoll(ctx, watchedID, channelID)
	if err != nil {
		d.logger.Warn("dismiss command failed", "name", name, "error", err)
		return
	}
	if !ok {
		d.logger.Info("dismiss command: no open poll", "name", name, "channel_id", channelID)
		return
	}
	if d.metrics != nil {
		d.metrics.PollsActive.Add(ctx, -1)
	}
	d.sink.Emit(ctx, "dispatch", "poll.dismissed", watchedID, map[string]any{
		"channel_id": channelID,
	})
}

// dispatchOne runs the full pipeline for one mentioned identity: transcript
// export, task creation, worker launch, result append-back.
func (d *Dispatcher) dispatchOne(ctx context.Context, channelID string, mention Mention, role config.RoleConfig) {
	ctx, span := otelx.StartSpan(ctx, d.tracer, "dispatch.mention",
		otelx.AttrChannelID.String(channelID),
		otelx.AttrRole.String(mention.Name),
	)
	defer span.End()
	started := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.DispatchDuration.Record(ctx, time.Since(started).Seconds())
		}
	}()

	ch, err := d.store.GetChannelByID(ctx, channelID)
	if err != nil {
		d.logger.Warn("dispatch: channel lookup failed", "channel_id", channelID, "error", err)
		return
	}

	// Export failure aborts dispatch for this identity with no Task created.
	transcript, err := d.exporter.Export(ctx, ch.Name)
	if err != nil {
		d.logger.Warn("dispatch: transcript export failed",
			"channel", ch.Name, "mention", mention.Name, "error", err)
		d.recordFailureMetric(ctx)
		return
	}

	agentID, err := d.registry.Ensure(ctx, mention.Name)
	if err != nil {
		d.logger.Warn("dispatch: ensure identity failed", "name", mention.Name, "error", err)
		d.recordFailureMetric(ctx)
		return
	}

	prompt := transcript + "\n\n" + d.cfg.InstructionTemplate + mention.TaskText

	taskID, err := d.store.CreateTask(ctx, agentID, channelID, prompt)
	if err != nil {
		d.logger.Warn("dispatch: create task failed", "name", mention.Name, "error", err)
		d.recordFailureMetric(ctx)
		return
	}
	span.SetAttributes(otelx.AttrTaskID.String(taskID), otelx.AttrIdentityID.String(agentID))

	// The prompt is always argv[1]; role flags follow it.
	timeout := role.Timeout()
	args := append([]string{prompt}, role.Args...)

	launched := time.Now()
	workerCtx, workerSpan := otelx.StartClientSpan(ctx, d.tracer, "dispatch.worker",
		otelx.AttrTaskID.String(taskID))
	result, err := d.runWorker(workerCtx, timeout, role.Command, args, func(pid int) {
		if err := d.store.MarkTaskRunning(ctx, taskID, pid); err != nil {
			d.logger.Warn("dispatch: mark running failed", "task_id", taskID, "error", err)
		}
	})
	workerSpan.End()
	if d.metrics != nil {
		d.metrics.TaskDuration.Record(ctx, time.Since(launched).Seconds())
	}
	if err != nil {
		// Launch failure: the worker never ran.
		if ferr := d.store.FailTask(ctx, taskID, err.Error()); ferr != nil {
			d.logger.Warn("dispatch: fail task failed", "task_id", taskID, "error", ferr)
		}
		d.logger.Warn("dispatch: worker launch failed",
			"task_id", taskID, "command", role.Command, "error", err)
		d.finishFailed(ctx, taskID, agentID)
		return
	}

	switch {
	case result.TimedOut:
		stderr := fmt.Sprintf("worker timed out after %s", timeout)
		if err := d.store.TimeoutTask(ctx, taskID, stderr); err != nil {
			d.logger.Warn("dispatch: timeout task failed", "task_id", taskID, "error", err)
		}
		d.logger.Warn("dispatch: worker timed out", "task_id", taskID, "timeout", timeout.String())
		d.finishFailed(ctx, taskID, agentID)

	case result.ExitCode == 0 && strings.TrimSpace(result.Stdout) != "":
		if err := d.store.CompleteTask(ctx, taskID, result.Stdout); err != nil {
			d.logger.Warn("dispatch: complete task failed", "task_id", taskID, "error", err)
			return
		}
		if _, err := d.store.AppendMessage(ctx, channelID, agentID, result.Stdout, persistence.PriorityNormal); err != nil {
			d.logger.Warn("dispatch: append reply failed", "task_id", taskID, "error", err)
		}
		d.sink.Emit(ctx, "dispatch", "task.completed", agentID, map[string]any{
			"task_id": taskID, "channel_id": channelID,
		})

	default:
		stderr := result.Stderr
		if strings.TrimSpace(stderr) == "" {
			stderr = fmt.Sprintf("worker exited %d with no output", result.ExitCode)
		}
		if err := d.store.FailTask(ctx, taskID, stderr); err != nil {
			d.logger.Warn("dispatch: fail task failed", "task_id", taskID, "error", err)
		}
		d.finishFailed(ctx, taskID, agentID)
	}
}

func (d *Dispatcher) finishFailed(ctx context.Context, taskID, agentID string) {
	d.recordFailureMetric(ctx)
	d.sink.Emit(ctx, "dispatch", "task.failed", agentID, map[string]any{
		"task_id": taskID,
	})
}

func (d *Dispatcher) recordFailureMetric(ctx context.Context) {
	if d.metrics != nil {
		d.metrics.DispatchFailures.Add(ctx, 1)
	}
}

// Kill terminates a task's worker. No-op when the task is already terminal;
// otherwise best-effort SIGTERM to the recorded pid and a failed state with a
// fixed stderr.
func (d *Dispatcher) Kill(ctx context.Context, taskID string) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}
	terminate(task.PID)
	if err := d.store.FailTask(ctx, taskID, killedStderr); err != nil {
		if errors.Is(err, persistence.ErrInvalidTransition) {
			// Finished on its own between the check and the kill.
			return nil
		}
		return err
	}
	d.sink.Emit(ctx, "dispatch", "task.killed", task.AgentID, map[string]any{
		"task_id": taskID,
	})
	return nil
}

// WaitFor polls a task until terminal or until the caller-side timeout, which
// marks the task timed out itself — distinct from the worker's own timeout
// path — and returns ExitTimedOut. timeout <= 0 waits indefinitely.
func (d *Dispatcher) WaitFor(ctx context.Context, taskID string, timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		task, err := d.store.GetTask(ctx, taskID)
		if err != nil {
			return ExitFailure, err
		}
		if task.Status.IsTerminal() {
			if task.Status == persistence.TaskStatusCompleted {
				return ExitSuccess, nil
			}
			return ExitFailure, nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			stderr := fmt.Sprintf("wait deadline exceeded after %s", timeout)
			if err := d.store.TimeoutTask(ctx, taskID, stderr); err != nil && !errors.Is(err, persistence.ErrInvalidTransition) {
				return ExitTimedOut, err
			}
			return ExitTimedOut, nil
		}

		select {
		case <-ctx.Done():
			return ExitFailure, ctx.Err()
		case <-time.After(waitForPollInterval):
		}
	}
}
