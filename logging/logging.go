// Package logging provides named loggers shared by all magic-folder packages.
//
// It mirrors the logging.Module(name) idiom used throughout Kopia's CLI
// layer (see cli/app.go: `var log = logging.Module("kopia/cli")`), but
// backs it with zap instead of an ad-hoc wrapper.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu      sync.Mutex
	base    *zap.Logger
	modules = map[string]*zap.SugaredLogger{}
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}

	base = l
}

// SetBase replaces the process-wide zap.Logger that Module derives new
// loggers from and clears Module's cache. Loggers already returned by
// Module, such as the package-level ones taken at init, keep the old base.
func SetBase(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()

	base = l
	modules = map[string]*zap.SugaredLogger{}
}

// Module returns the (cached) sugared logger for the given module name,
// e.g. logging.Module("magicfolder/coordinator").
func Module(name string) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()

	if l, ok := modules[name]; ok {
		return l
	}

	l := base.Named(name).Sugar()
	modules[name] = l

	return l
}
