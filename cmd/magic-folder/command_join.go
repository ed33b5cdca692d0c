package main

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/LeastAuthority/magic-folder/capability"
	"github.com/LeastAuthority/magic-folder/folder"
	"github.com/LeastAuthority/magic-folder/grid/tahoe"
)

// commandJoin implements the "add participant" half of spec.md §4 /
// §12 (folder.Join): given an invite already exchanged out of band (the
// wormhole ceremony itself is out of scope, spec.md §1), join the existing
// collective and persist a new FolderConfig.
type commandJoin struct {
	name               string
	localDir           string
	authorName         string
	collectiveWriteCap string
	collectiveReadCap  string
	pollInterval       time.Duration
	scanInterval       time.Duration
	tahoeClientURL     string
	apiEndpoint        string
}

func (c *commandJoin) setup(a *app, parent commandParent) {
	cmd := parent.Command("join", "Join an existing magic-folder collective.")
	cmd.Arg("name", "Name for the joined magic folder.").Required().StringVar(&c.name)
	cmd.Arg("local-dir", "Local directory to synchronize.").Required().StringVar(&c.localDir)
	cmd.Flag("author", "Name to sign local snapshots as.").Required().StringVar(&c.authorName)
	cmd.Flag("invite-collective-write-cap", "One-time write capability the inviter scoped to add this participant.").Required().StringVar(&c.collectiveWriteCap)
	cmd.Flag("invite-collective-read-cap", "The collective's read capability.").Required().StringVar(&c.collectiveReadCap)
	cmd.Flag("poll-interval", "How often to poll the collective for updates.").Default("60s").DurationVar(&c.pollInterval)
	cmd.Flag("scan-interval", "How often to scan the local directory for changes.").Default("60s").DurationVar(&c.scanInterval)
	cmd.Flag("tahoe-client-url", "Tahoe-LAFS WAPI base URL (recorded in the global configuration on first use).").Required().StringVar(&c.tahoeClientURL)
	cmd.Flag("api-endpoint", "Local API endpoint to record in the global configuration on first use.").Default("http://127.0.0.1:0").StringVar(&c.apiEndpoint)

	cmd.Action(action(func(ctx context.Context) error { return c.run(ctx, a) }))
}

func (c *commandJoin) run(ctx context.Context, a *app) error {
	g, err := a.openOrInitGlobal(c.apiEndpoint, c.tahoeClientURL)
	if err != nil {
		return err
	}
	defer g.Close() //nolint:errcheck

	client := tahoe.New(c.tahoeClientURL, nil)

	writeCap, err := capability.Parse(c.collectiveWriteCap)
	if err != nil {
		return err
	}

	readCap, err := capability.Parse(c.collectiveReadCap)
	if err != nil {
		return err
	}

	invite := folder.Invite{CollectiveWriteCap: writeCap, CollectiveReadCap: readCap}
	statePath := a.confDir + "/folders/" + c.name

	fc, err := folder.Join(ctx, g, client, invite, c.name, c.localDir, statePath, c.authorName, c.pollInterval, c.scanInterval)
	if err != nil {
		return err
	}

	fmt.Printf("joined magic folder %q\n", fc.Name)

	return nil
}
