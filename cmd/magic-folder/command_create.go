package main

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/LeastAuthority/magic-folder/author"
	"github.com/LeastAuthority/magic-folder/capability"
	"github.com/LeastAuthority/magic-folder/grid/tahoe"
)

// commandCreate bootstraps a brand-new magic folder: a fresh collective
// directory and this participant's own personal directory, owned by
// whoever runs this command (there is no existing collective to join —
// contrast commandJoin).
type commandCreate struct {
	name           string
	localDir       string
	authorName     string
	pollInterval   time.Duration
	scanInterval   time.Duration
	tahoeClientURL string
	apiEndpoint    string
}

func (c *commandCreate) setup(a *app, parent commandParent) {
	cmd := parent.Command("create", "Create a brand-new magic folder with a fresh collective.")
	cmd.Arg("name", "Name for the new magic folder.").Required().StringVar(&c.name)
	cmd.Arg("local-dir", "Local directory to synchronize.").Required().StringVar(&c.localDir)
	cmd.Flag("author", "Name to sign local snapshots as.").Required().StringVar(&c.authorName)
	cmd.Flag("poll-interval", "How often to poll the collective for updates.").Default("60s").DurationVar(&c.pollInterval)
	cmd.Flag("scan-interval", "How often to scan the local directory for changes.").Default("60s").DurationVar(&c.scanInterval)
	cmd.Flag("tahoe-client-url", "Tahoe-LAFS WAPI base URL (recorded in the global configuration on first use).").Required().StringVar(&c.tahoeClientURL)
	cmd.Flag("api-endpoint", "Local API endpoint to record in the global configuration on first use.").Default("http://127.0.0.1:0").StringVar(&c.apiEndpoint)

	cmd.Action(action(func(ctx context.Context) error { return c.run(ctx, a) }))
}

func (c *commandCreate) run(ctx context.Context, a *app) error {
	g, err := a.openOrInitGlobal(c.apiEndpoint, c.tahoeClientURL)
	if err != nil {
		return err
	}
	defer g.Close() //nolint:errcheck

	client := tahoe.New(c.tahoeClientURL, nil)

	localAuthor, err := author.New(c.authorName)
	if err != nil {
		return err
	}

	personalWrite, personalRead, err := client.CreateMutableDirectory(ctx)
	if err != nil {
		return err
	}

	collectiveWrite, collectiveRead, err := client.CreateMutableDirectory(ctx)
	if err != nil {
		return err
	}

	if err := client.Link(ctx, collectiveWrite, c.authorName, personalRead, capability.Capability{}); err != nil {
		return err
	}

	statePath := a.confDir + "/folders/" + c.name

	fc, err := g.CreateMagicFolder(c.name, c.localDir, statePath, localAuthor, collectiveRead, personalWrite, c.pollInterval, c.scanInterval)
	if err != nil {
		return err
	}

	fmt.Printf("created magic folder %q, collective write-cap: %s\n", fc.Name, collectiveWrite.String())

	return nil
}
