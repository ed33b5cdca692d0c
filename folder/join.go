package folder

import (
	"context"
	"time"

	"github.com/LeastAuthority/magic-folder/author"
	"github.com/LeastAuthority/magic-folder/capability"
	"github.com/LeastAuthority/magic-folder/config"
	"github.com/LeastAuthority/magic-folder/grid"
)

// Invite is the payload a wormhole exchange hands back. The wormhole
// ceremony itself stays out of scope (spec.md §1); Join only implements
// the collective-linking half that is in scope (spec.md §12, grounded on
// the original `join.py`). CollectiveWriteCap is a one-time capability the
// inviter scopes down to "can add one entry to the collective"; only
// CollectiveReadCap is kept afterward, in the new FolderConfig.
type Invite struct {
	CollectiveWriteCap capability.Capability
	CollectiveReadCap  capability.Capability
}

// Join implements the "add participant" half of spec.md §4 that the
// distilled spec assumes already happened: given an already-fetched
// invite, it creates this participant's own personal mutable directory,
// derives its read capability, links that read capability into the
// collective under participantName, and persists a new FolderConfig
// (_examples/original_source/src/magic_folder/join.py: "create our own
// write-cap... turn ^ into a read-cap... cause ^ to get added to the
// Collective").
func Join(ctx context.Context, g *config.GlobalConfig, client grid.Client, invite Invite, folderName, localDir, statePath, participantName string, pollInterval, scanInterval time.Duration) (config.FolderConfig, error) {
	a, err := author.New(participantName)
	if err != nil {
		return config.FolderConfig{}, err
	}

	personalWrite, personalRead, err := client.CreateMutableDirectory(ctx)
	if err != nil {
		return config.FolderConfig{}, err
	}

	if derived, derivedErr := capability.ToRead(personalWrite); derivedErr == nil {
		personalRead = derived
	}

	if err := client.Link(ctx, invite.CollectiveWriteCap, participantName, personalRead, capability.Capability{}); err != nil {
		return config.FolderConfig{}, err
	}

	return g.CreateMagicFolder(folderName, localDir, statePath, a, invite.CollectiveReadCap, personalWrite, pollInterval, scanInterval)
}
