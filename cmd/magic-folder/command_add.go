package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/LeastAuthority/magic-folder/folder"
	"github.com/LeastAuthority/magic-folder/grid/tahoe"
)

// commandAdd registers an already-configured folder's engine and runs it
// in the foreground until interrupted (spec.md §11: "add (register a
// folder + start its engine)"). There is no background daemon or HTTP
// surface in scope, so "registering" a folder means starting its engine
// and blocking on its periodic loops.
type commandAdd struct {
	name           string
	tahoeClientURL string
}

func (c *commandAdd) setup(a *app, parent commandParent) {
	cmd := parent.Command("add", "Start a configured magic folder's engine in the foreground.")
	cmd.Arg("name", "Magic folder name.").Required().StringVar(&c.name)
	cmd.Flag("tahoe-client-url", "Override the grid client URL stored in the global configuration.").StringVar(&c.tahoeClientURL)

	cmd.Action(action(func(ctx context.Context) error { return c.run(ctx, a) }))
}

func (c *commandAdd) run(ctx context.Context, a *app) error {
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

	fmt.Printf("magic folder %q running; press Ctrl-C to stop\n", fc.Name)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e.RunPeriodically(runCtx)

	return nil
}
