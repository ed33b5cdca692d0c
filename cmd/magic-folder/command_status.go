package main

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/LeastAuthority/magic-folder/folder"
	"github.com/LeastAuthority/magic-folder/grid/tahoe"
)

// commandStatus dumps per-path coordinator state for a folder (spec.md
// §11: "status (dump per-path state from the coordinator)"). Since there
// is no resident daemon in scope, status performs the same startup work
// "add" does (store open, drain, scan, poll) and reports the resulting
// snapshot before exiting.
type commandStatus struct {
	name           string
	tahoeClientURL string
}

func (c *commandStatus) setup(a *app, parent commandParent) {
	cmd := parent.Command("status", "Report a magic folder's per-path state.")
	cmd.Arg("name", "Magic folder name.").Required().StringVar(&c.name)
	cmd.Flag("tahoe-client-url", "Override the grid client URL stored in the global configuration.").StringVar(&c.tahoeClientURL)

	cmd.Action(action(func(ctx context.Context) error { return c.run(ctx, a) }))
}

func (c *commandStatus) run(ctx context.Context, a *app) error {
	g, err := a.openGlobal()
	if err != nil {
		return err
	}
	defer g.Close() //nolint:errcheck

	fc, err := g.GetMagicFolder(c.name)
	if err != nil {
		return err
	}

	clientURL := c.tahoeClientURL
	if clientURL == "" {
		clientURL, err = g.TahoeClientURL()
		if err != nil {
			return err
		}
	}

	client := tahoe.New(clientURL, nil)

	e, err := folder.Start(ctx, fc, client)
	if err != nil {
		return err
	}
	defer e.Close() //nolint:errcheck

	status, err := e.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("magic folder %q: uploader-ok=%v conflicts=%d\n", status.Name, status.UploaderOK, status.Conflicts)

	for path, view := range status.Paths {
		fmt.Printf("  %-40s %-14s conflicted=%v\n", path, view.State.String(), view.Conflicted)
	}

	return nil
}
