package main

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/LeastAuthority/magic-folder/store"
)

// commandListConflicts lists every recorded conflict for a folder (spec.md
// §11: "list-conflicts"). This only needs the folder's store, not a grid
// client, since conflicts are recorded locally by the downloader.
type commandListConflicts struct {
	name string
}

func (c *commandListConflicts) setup(a *app, parent commandParent) {
	cmd := parent.Command("list-conflicts", "List recorded conflicts for a magic folder.")
	cmd.Arg("name", "Magic folder name.").Required().StringVar(&c.name)

	cmd.Action(action(func(ctx context.Context) error { return c.run(ctx, a) }))
}

func (c *commandListConflicts) run(ctx context.Context, a *app) error {
	g, err := a.openGlobal()
	if err != nil {
		return err
	}
	defer g.Close() //nolint:errcheck

	fc, err := g.GetMagicFolder(c.name)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, fc.StateDBPath())
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	conflicts, err := st.Conflicts(ctx)
	if err != nil {
		return err
	}

	if len(conflicts) == 0 {
		fmt.Println("no conflicts")
		return nil
	}

	for _, cr := range conflicts {
		fmt.Printf("%-40s participant=%-12s cap=%s detected=%s\n", cr.Path, cr.Participant, cr.Cap.String(), cr.DetectedAt.Format("2006-01-02T15:04:05Z07:00"))
	}

	return nil
}
