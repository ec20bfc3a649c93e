package dispatch

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/basket/agentbus/internal/config"
	"github.com/basket/agentbus/internal/identity"
	"github.com/basket/agentbus/internal/persistence"
)

// Exporter materializes a channel transcript for prompt building.
type Exporter interface {
	Export(ctx context.Context, channelName string) (string, error)
}

// CommandExporter shells out to an export helper, by default this binary's
// own `export` subcommand. Keeping the export behind a process boundary
// isolates prompt building from the dispatching process.
type CommandExporter struct {
	cfg config.ExportConfig
}

func NewCommandExporter(cfg config.ExportConfig) *CommandExporter {
	return &CommandExporter{cfg: cfg}
}

func (e *CommandExporter) Export(ctx context.Context, channelName string) (string, error) {
	command := e.cfg.Command
	args := append([]string(nil), e.cfg.Args...)
	if command == "" {
		self, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("resolve export helper: %w", err)
		}
		command = self
		args = []string{"export"}
	}
	args = append(args, channelName)

	result, err := runCommand(ctx, e.cfg.Timeout(), command, args, nil)
	if err != nil {
		return "", fmt.Errorf("run export helper: %w", err)
	}
	if result.TimedOut {
		return "", fmt.Errorf("export helper timed out after %s", e.cfg.Timeout())
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("export helper exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return result.Stdout, nil
}

// Transcript renders a channel's messages and notes time-interleaved, names
// resolved through the registry. This is what the `export` subcommand prints
// and what worker prompts carry as context.
func Transcript(ctx context.Context, store *persistence.Store, registry *identity.Registry, channelID string) (string, error) {
	msgs, err := store.ListAllMessages(ctx, channelID)
	if err != nil {
		return "", err
	}
	notes, err := store.ListNotes(ctx, channelID)
	if err != nil {
		return "", err
	}

	type line struct {
		at   time.Time
		seq  int64 // messages keep log order on timestamp ties; notes sort after
		text string
	}
	lines := make([]line, 0, len(msgs)+len(notes))

	name := func(id string) string {
		n, err := registry.Reverse(ctx, id)
		if err != nil {
			return id
		}
		return n
	}

	for _, m := range msgs {
		prefix := ""
		if m.Priority == persistence.PriorityAlert {
			prefix = "[ALERT] "
		}
		lines = append(lines, line{
			at:   m.CreatedAt,
			seq:  m.Seq,
			text: fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.UTC().Format(time.RFC3339), name(m.SenderID), prefix, m.Content),
		})
	}
	for _, n := range notes {
		lines = append(lines, line{
			at:   n.CreatedAt,
			seq:  1<<62 - 1,
			text: fmt.Sprintf("[%s] note(%s): %s", n.CreatedAt.UTC().Format(time.RFC3339), name(n.AuthorID), n.Content),
		})
	}

	sort.SliceStable(lines, func(i, j int) bool {
		if !lines[i].at.Equal(lines[j].at) {
			return lines[i].at.Before(lines[j].at)
		}
		return lines[i].seq < lines[j].seq
	})

	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.text)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
