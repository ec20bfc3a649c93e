package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
)

func runIdentityCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return usageError("identity requires an action: list, describe, archive, restore, merge")
	}
	action, rest := args[0], args[1:]

	switch action {
	case "list":
		fs := flag.NewFlagSet("identity list", flag.ContinueOnError)
		all := fs.Bool("all", false, "include archived identities")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		return withRuntime(ctx, func(rt *runtime) int {
			idents, err := rt.store.ListIdentities(ctx, *all)
			if err != nil {
				return fail(err)
			}
			for _, ident := range idents {
				state := ""
				if ident.ArchivedAt != nil {
					state = " (archived)"
				}
				fmt.Printf("%s  %s%s", ident.ID, ident.Name, state)
				if ident.SelfDescription != "" {
					fmt.Printf("  %s", ident.SelfDescription)
				}
				fmt.Println()
			}
			return 0
		})

	case "describe":
		if len(rest) < 2 {
			return usageError("identity describe requires <name> <description>")
		}
		return withRuntime(ctx, func(rt *runtime) int {
			id, err := rt.registry.Ensure(ctx, rest[0])
			if err != nil {
				return fail(err)
			}
			if err := rt.store.SetIdentityDescription(ctx, id, strings.Join(rest[1:], " ")); err != nil {
				return fail(err)
			}
			return 0
		})

	case "archive":
		if len(rest) != 1 {
			return usageError("identity archive requires exactly one name")
		}
		return withRuntime(ctx, func(rt *runtime) int {
			archived, err := rt.registry.Archive(ctx, rest[0])
			if err != nil {
				return fail(err)
			}
			if !archived {
				return fail(fmt.Errorf("identity %q not found", rest[0]))
			}
			rt.sink.Emit(ctx, "cli", "identity.archived", "", map[string]any{"name": rest[0]})
			return 0
		})

	case "restore":
		if len(rest) != 1 {
			return usageError("identity restore requires exactly one name")
		}
		return withRuntime(ctx, func(rt *runtime) int {
			restored, err := rt.registry.Restore(ctx, rest[0])
			if err != nil {
				return fail(err)
			}
			if !restored {
				return fail(fmt.Errorf("no archived identity named %q", rest[0]))
			}
			rt.sink.Emit(ctx, "cli", "identity.restored", "", map[string]any{"name": rest[0]})
			return 0
		})

	case "merge":
		if len(rest) != 2 {
			return usageError("identity merge requires <from> <to> (name or id)")
		}
		return withRuntime(ctx, func(rt *runtime) int {
			merged, err := rt.registry.Merge(ctx, rest[0], rest[1])
			if err != nil {
				return fail(err)
			}
			if !merged {
				// Unresolvable, ambiguous, or already the same identity.
				fmt.Println("nothing to merge")
				return 0
			}
			rt.sink.Emit(ctx, "cli", "identity.merged", "", map[string]any{
				"from": rest[0], "to": rest[1],
			})
			return 0
		})

	default:
		return usageError(fmt.Sprintf("unknown identity action %q", action))
	}
}
