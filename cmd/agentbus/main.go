package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/agentbus/internal/bus"
	"github.com/basket/agentbus/internal/config"
	"github.com/basket/agentbus/internal/dispatch"
	"github.com/basket/agentbus/internal/eventsink"
	"github.com/basket/agentbus/internal/identity"
	otelPkg "github.com/basket/agentbus/internal/otel"
	"github.com/basket/agentbus/internal/persistence"
	"github.com/basket/agentbus/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

MESSAGING:
  %s send -channel <name> -from <identity> [-alert] <text>
                              Append a message; @mentions dispatch workers,
                              /poll and !name are supervision commands
  %s recv -channel <name> -as <identity>
                              Read new messages and advance the bookmark
  %s wait -channel <name> -as <identity> [-interval <dur>]
                              Block until someone else writes to the channel
  %s alerts -as <identity>    Read unread alerts across all channels
  %s note -channel <name> -from <identity> <text>
                              Attach an out-of-band note to a channel
  %s export <channel>         Print the full channel transcript

CHANNELS:
  %s channel <action>         Actions: create, list, rename, archive,
                              pin, unpin, delete

SUPERVISION:
  %s poll <action>            Actions: start, dismiss, list

TASKS:
  %s task <action>            Actions: list, show, wait, kill

IDENTITIES:
  %s identity <action>        Actions: list, describe, archive, restore, merge

DAEMON:
  %s daemon                   Run retention sweeps and config reload in the
                              foreground until interrupted

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTBUS_HOME           Data directory (default: ~/.agentbus)

EXAMPLES:
  Send and dispatch:      %s send -channel dev -from lead '@scribe summarize the thread'
  Start watching:         %s send -channel dev -from lead '/poll @scribe'
  Block for replies:      %s wait -channel dev -as lead
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *versionFlag {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "send":
		os.Exit(runSendCommand(ctx, args[1:]))
	case "recv":
		os.Exit(runRecvCommand(ctx, args[1:]))
	case "wait":
		os.Exit(runWaitCommand(ctx, args[1:]))
	case "alerts":
		os.Exit(runAlertsCommand(ctx, args[1:]))
	case "note":
		os.Exit(runNoteCommand(ctx, args[1:]))
	case "export":
		os.Exit(runExportCommand(ctx, args[1:]))
	case "channel":
		os.Exit(runChannelCommand(ctx, args[1:]))
	case "poll":
		os.Exit(runPollCommand(ctx, args[1:]))
	case "task":
		os.Exit(runTaskCommand(ctx, args[1:]))
	case "identity":
		os.Exit(runIdentityCommand(ctx, args[1:]))
	case "daemon":
		os.Exit(runDaemon(ctx))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// runtime bundles everything a subcommand needs against one open store.
type runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	bus        *bus.Bus
	store      *persistence.Store
	registry   *identity.Registry
	sink       *eventsink.Sink
	dispatcher *dispatch.Dispatcher
	provider   *otelPkg.Provider
	metrics    *otelPkg.Metrics

	closers []io.Closer
}

// openRuntime loads config and opens the store. With quiet set, logs go to
// the log file only so command output stays clean; interactive invocations
// pass their terminal check, the daemon always logs loud.
func openRuntime(ctx context.Context, quiet bool) (*runtime, error) {
	homeDir := config.HomeDir()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		logCloser.Close()
		return nil, err
	}
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		logCloser.Close()
		return nil, err
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		logCloser.Close()
		return nil, err
	}

	registry := identity.NewRegistry(store)
	sink := eventsink.New(store, logger)
	dispatcher := dispatch.New(dispatch.Options{
		Store:    store,
		Registry: registry,
		Config:   cfg,
		Sink:     sink,
		Logger:   logger,
		Tracer:   provider.Tracer,
		Metrics:  metrics,
	})

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		bus:        eventBus,
		store:      store,
		registry:   registry,
		sink:       sink,
		dispatcher: dispatcher,
		provider:   provider,
		metrics:    metrics,
		closers:    []io.Closer{store, logCloser},
	}, nil
}

func (rt *runtime) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = rt.provider.Shutdown(shutdownCtx)
	for _, c := range rt.closers {
		_ = c.Close()
	}
}

// quietWhenInteractive keeps terminal sessions free of log noise while pipes
// and scripts still see structured logs on stderr.
func quietWhenInteractive() bool {
	return isatty.IsTerminal(os.Stderr.Fd())
}

// fail prints one error line on stderr and returns the CLI failure code.
func fail(err error) int {
	fmt.Fprintln(os.Stderr, "agentbus:", err)
	return 1
}

func usageError(msg string) int {
	fmt.Fprintln(os.Stderr, "agentbus:", msg)
	return 2
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
