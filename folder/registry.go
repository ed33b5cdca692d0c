package folder

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/LeastAuthority/magic-folder/config"
	"github.com/LeastAuthority/magic-folder/grid"
	"github.com/LeastAuthority/magic-folder/internal/errkind"
)

// Registry is the one process-wide structure the engine needs: a name ->
// running Engine map (spec.md §9 Design Notes: "the only process-wide
// structure is the folder registry"). Everything else — store, stash,
// coordinators — is scoped to a single Engine.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{engines: map[string]*Engine{}}
}

// StartAll starts every configured folder in parallel (spec.md §9 Design
// Notes implies independent per-folder loops; starting them concurrently
// keeps one slow folder's initial drain/scan from delaying the others),
// using an errgroup.Group the way the CLI's parallel blob-inspection
// commands do (_examples/kopia-kopia/cli/command_index_inspect.go). If any
// folder fails to start, the folders that did start are closed again
// before StartAll returns the first error.
func (r *Registry) StartAll(ctx context.Context, names []string, g *config.GlobalConfig, client grid.Client) error {
	started := make([]*Engine, len(names))

	var eg errgroup.Group

	for i, name := range names {
		i, name := i, name

		eg.Go(func() error {
			cfg, err := g.GetMagicFolder(name)
			if err != nil {
				return err
			}

			e, err := Start(ctx, cfg, client)
			if err != nil {
				return err
			}

			started[i] = e

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		for _, e := range started {
			if e != nil {
				e.Close() //nolint:errcheck
			}
		}

		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, name := range names {
		r.engines[name] = started[i]
	}

	return nil
}

// Run starts each registered folder's periodic loops and blocks until ctx
// is cancelled.
func (r *Registry) Run(ctx context.Context) {
	r.mu.RLock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup

	wg.Add(len(engines))

	for _, e := range engines {
		go func(e *Engine) {
			defer wg.Done()
			e.RunPeriodically(ctx)
		}(e)
	}

	wg.Wait()
}

// Get returns the running Engine for name, or a not-found error.
func (r *Registry) Get(name string) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[name]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "magic folder not running: "+name)
	}

	return e, nil
}

// Names returns the names of every currently running folder.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.engines))
	for name := range r.engines {
		out = append(out, name)
	}

	return out
}

// CloseAll closes every running folder, collecting and returning the first
// error encountered (spec.md §9 Design Notes: each folder owns an
// independent lock, so one folder failing to close cleanly should not
// prevent the others from being asked to close too).
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error

	for name, e := range r.engines {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		delete(r.engines, name)
	}

	return firstErr
}
