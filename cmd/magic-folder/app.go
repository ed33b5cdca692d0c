// Command magic-folder is the thin CLI boundary over the engine (spec.md
// §1 excludes a specified front end; §11 of the expanded spec gives it a
// minimal shape so the engine is runnable). It follows the teacher's
// kingpin wiring idiom (`commandX{}.setup(svc, parent)`,
// _examples/kopia-kopia/cli/command_blob.go) scaled down to five
// subcommands.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/LeastAuthority/magic-folder/config"
	"github.com/LeastAuthority/magic-folder/logging"
)

var log = logging.Module("magicfolder/cmd")

// commandParent is implemented by the root kingpin.Application and by
// CmdClauses that take further subcommands, mirroring
// _examples/kopia-kopia/cli/command_blob.go's commandParent.
type commandParent interface {
	Command(name, help string) *kingpin.CmdClause
}

// app holds the flags and state shared by every subcommand.
type app struct {
	confDir string

	create        commandCreate
	join          commandJoin
	add           commandAdd
	status        commandStatus
	listConflicts commandListConflicts
}

func (a *app) setup(k *kingpin.Application) {
	k.Flag("config-dir", "Directory holding the global magic-folder configuration database.").
		Default(defaultConfDir()).StringVar(&a.confDir)

	a.create.setup(a, k)
	a.join.setup(a, k)
	a.add.setup(a, k)
	a.status.setup(a, k)
	a.listConflicts.setup(a, k)
}

func (a *app) openGlobal() (*config.GlobalConfig, error) {
	return config.LoadGlobalConfiguration(a.confDir)
}

// openOrInitGlobal loads the global configuration, bootstrapping it with
// CreateGlobalConfiguration on first use (spec.md §4.2's schema-versioned
// global.sqlite has to come from somewhere before the first folder can be
// created or joined).
func (a *app) openOrInitGlobal(apiEndpoint, tahoeClientURL string) (*config.GlobalConfig, error) {
	if _, err := os.Stat(a.confDir); err != nil {
		return config.CreateGlobalConfiguration(a.confDir, apiEndpoint, tahoeClientURL)
	}

	return config.LoadGlobalConfiguration(a.confDir)
}

func defaultConfDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".magic-folder"
	}

	return home + "/.magic-folder"
}

// action adapts a context-aware command body into the func(*kingpin.ParseContext) error
// shape kingpin's CmdClause.Action expects, the same adapter role
// directRepositoryAction plays for the teacher's commands
// (_examples/kopia-kopia/cli/command_blob_show.go).
func action(fn func(context.Context) error) func(*kingpin.ParseContext) error {
	return func(*kingpin.ParseContext) error {
		if err := fn(context.Background()); err != nil {
			log.Errorw("command failed", "error", err)
			fmt.Fprintln(os.Stderr, "error:", err) //nolint:errcheck
			os.Exit(1)
		}

		return nil
	}
}

func main() {
	k := kingpin.New("magic-folder", "Synchronize directories across a Tahoe-LAFS grid.")

	a := &app{}
	a.setup(k)

	kingpin.MustParse(k.Parse(os.Args[1:]))
}
