// Package dispatch turns appended messages into spawned worker processes and
// feeds their output back into the channel log.
package dispatch

import (
	"regexp"
	"strings"
)

// Command prefixes recognized in message bodies. Both short-circuit normal
// mention dispatch: they never spawn a task.
const (
	pollCommandPrefix    = "/poll"
	dismissCommandPrefix = "!"
)

// mentionPattern matches @identity tokens: word characters and hyphens.
var mentionPattern = regexp.MustCompile(`@([\w-]+)`)

// Mention is one @identity token with the task text addressed to it: the
// substring following the mention up to the next mention or end of message.
type Mention struct {
	Name     string
	TaskText string
}

// CommandKind classifies a message body before mention scanning.
type CommandKind int

const (
	CommandNone CommandKind = iota
	CommandPoll
	CommandDismiss
)

// Command is a parsed in-band supervision command.
type Command struct {
	Kind  CommandKind
	Names []string // poll: every mentioned name; dismiss: exactly one
}

// ParseCommand recognizes the /poll and !name command forms.
func ParseCommand(content string) Command {
	trimmed := strings.TrimSpace(content)

	if trimmed == pollCommandPrefix || strings.HasPrefix(trimmed, pollCommandPrefix+" ") {
		var names []string
		seen := make(map[string]struct{})
		for _, m := range mentionPattern.FindAllStringSubmatch(trimmed, -1) {
			if _, dup := seen[m[1]]; dup {
				continue
			}
			seen[m[1]] = struct{}{}
			names = append(names, m[1])
		}
		return Command{Kind: CommandPoll, Names: names}
	}

	if strings.HasPrefix(trimmed, dismissCommandPrefix) {
		name := trimmed[len(dismissCommandPrefix):]
		if i := strings.IndexAny(name, " \t\n"); i >= 0 {
			name = name[:i]
		}
		if name != "" && isIdentityName(name) {
			return Command{Kind: CommandDismiss, Names: []string{name}}
		}
	}

	return Command{Kind: CommandNone}
}

// ParseMentions extracts distinct mentions and their task texts. The first
// occurrence of a name wins; later duplicates extend the previous mention's
// span like any other text.
func ParseMentions(content string) []Mention {
	locs := mentionPattern.FindAllStringSubmatchIndex(content, -1)
	if len(locs) == 0 {
		return nil
	}

	var out []Mention
	seen := make(map[string]int) // name -> index in out
	for i, loc := range locs {
		name := content[loc[2]:loc[3]]
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		text := strings.TrimSpace(content[loc[1]:end])
		if idx, dup := seen[name]; dup {
			// Keep the first mention's span; append nothing for repeats but
			// preserve a non-empty task text if the first was bare.
			if out[idx].TaskText == "" {
				out[idx].TaskText = text
			}
			continue
		}
		seen[name] = len(out)
		out = append(out, Mention{Name: name, TaskText: text})
	}
	return out
}

func isIdentityName(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return s != ""
}
